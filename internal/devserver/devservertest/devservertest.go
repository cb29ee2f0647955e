// Package devservertest starts a development server for tests.
package devservertest

import (
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/mark-chris/plansync/internal/devserver"
	"github.com/mark-chris/plansync/internal/devserver/auth"
)

// Password is the password of every default user.
const Password = "correct-horse-battery"

// Default users: alice owns plans in most tests, bob and carol are invitees.
var (
	Alice = auth.Seed{Username: "alice", Email: "alice@example.com", Password: Password, FullName: "Alice Owner"}
	Bob   = auth.Seed{Username: "bob", Email: "bob@example.com", Password: Password, FullName: "Bob Invitee"}
	Carol = auth.Seed{Username: "carol", Email: "carol@example.com", Password: Password}
)

// Fixture is a running server.
type Fixture struct {
	*devserver.Server
	HTTP *httptest.Server
	URL  string
}

// Start runs a server over httptest with the given users, or Alice, Bob and
// Carol when none are given. It is stopped when the test ends.
func Start(t testing.TB, users ...auth.Seed) *Fixture {
	t.Helper()
	if len(users) == 0 {
		users = []auth.Seed{Alice, Bob, Carol}
	}

	srv, err := devserver.New(devserver.Config{
		Secret:        auth.DevSecret,
		Development:   true,
		BcryptCost:    bcrypt.MinCost,
		Users:         users,
		LoginAttempts: 1000,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("devserver.New() error = %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.CloseClientConnections()
		ts.Close()
		srv.Close()
	})
	return &Fixture{Server: srv, HTTP: ts, URL: ts.URL}
}

// UserID returns the id of the user with username.
func (f *Fixture) UserID(t testing.TB, username string) string {
	t.Helper()
	u, err := f.Users().ByUsername(username)
	if err != nil {
		t.Fatalf("unknown user %s: %v", username, err)
	}
	return u.ID
}
