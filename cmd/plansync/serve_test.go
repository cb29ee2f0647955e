package main

import (
	"testing"
)

func TestParseSeeds(t *testing.T) {
	tests := []struct {
		name      string
		flags     []string
		env       string
		wantUsers []string
		wantErr   bool
	}{
		{name: "none"},
		{
			name:      "flags only",
			flags:     []string{"alice:alice@example.com:pw:Alice A", "bob:bob@example.com:pw"},
			wantUsers: []string{"alice", "bob"},
		},
		{
			name:      "flags then env",
			flags:     []string{"alice:alice@example.com:pw"},
			env:       " carol:carol@example.com:pw , ,dave:dave@example.com:pw",
			wantUsers: []string{"alice", "carol", "dave"},
		},
		{
			name:    "malformed",
			flags:   []string{"alice:pw"},
			wantErr: true,
		},
		{
			name:    "bad email",
			env:     "alice:not-an-email:pw",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seeds, err := parseSeeds(tt.flags, tt.env)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSeeds() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(seeds) != len(tt.wantUsers) {
				t.Fatalf("got %d seeds, want %d", len(seeds), len(tt.wantUsers))
			}
			for i, s := range seeds {
				if s.Username != tt.wantUsers[i] {
					t.Errorf("seed %d = %q, want %q", i, s.Username, tt.wantUsers[i])
				}
			}
		})
	}
}

func TestServeCommand_RequiresSecretOutsideDevelopment(t *testing.T) {
	writeConfig(t, baseConfigYAML)
	t.Setenv("PLANSYNC_ENV", "production")
	t.Setenv("GO_ENV", "")
	t.Setenv("PLANSYNC_JWT_SECRET", "")

	_, err := execute(t, "serve", "--addr", "127.0.0.1:0")
	if err == nil {
		t.Fatal("serve must refuse to start without a signing secret")
	}
}
