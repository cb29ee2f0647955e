package auth

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestParseSeed(t *testing.T) {
	tests := []struct {
		in      string
		want    Seed
		wantErr bool
	}{
		{in: "alice:alice@example.com:pw", want: Seed{Username: "alice", Email: "alice@example.com", Password: "pw"}},
		{in: "bob:bob@example.com:pw:Bob Builder", want: Seed{Username: "bob", Email: "bob@example.com", Password: "pw", FullName: "Bob Builder"}},
		{in: "carol:carol@example.com", wantErr: true},
		{in: "dave:not-an-email:pw", wantErr: true},
		{in: ":e@example.com:pw", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSeed(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseSeed(%q) error = nil, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSeed(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseSeed(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func newTestStore(t *testing.T) *UserStore {
	t.Helper()
	return NewUserStore(NewAuthService(testSecret, WithBcryptCost(bcrypt.MinCost)))
}

func TestUserStore_CreateAndLookup(t *testing.T) {
	store := newTestStore(t)

	u, err := store.Create(Seed{Username: "alice", Email: "Alice@Example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	byEmail, err := store.ByEmail("alice@example.com")
	if err != nil {
		t.Fatalf("ByEmail() error = %v", err)
	}
	if byEmail.ID != u.ID {
		t.Errorf("ByEmail() id = %s, want %s", byEmail.ID, u.ID)
	}

	if _, err := store.Create(Seed{Username: "alice", Email: "other@example.com", Password: "pw"}); !errors.Is(err, ErrUserExists) {
		t.Errorf("Create(duplicate username) error = %v, want ErrUserExists", err)
	}
	if _, err := store.Create(Seed{Username: "alice2", Email: "ALICE@example.com", Password: "pw"}); !errors.Is(err, ErrUserExists) {
		t.Errorf("Create(duplicate email) error = %v, want ErrUserExists", err)
	}
	if _, err := store.Get("missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrUserNotFound", err)
	}
}

func TestUserStore_Authenticate(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Create(Seed{Username: "alice", Email: "alice@example.com", Password: "pw"}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	u, err := store.Authenticate("alice", "pw")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if u.LastLoginAt == nil {
		t.Error("Authenticate() did not record the login time")
	}

	if _, err := store.Authenticate("alice", "nope"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Authenticate(wrong password) error = %v, want ErrUserNotFound", err)
	}
	if _, err := store.Authenticate("mallory", "pw"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Authenticate(unknown) error = %v, want ErrUserNotFound", err)
	}
}
