// Package session owns the authenticated state of one client.
//
// The state is derived solely from the credential store. Several Managers may
// share one store (one per window, process or host); each observes the
// others' writes through the store's change feed and reports them as
// CauseExternal transitions. How quickly that happens depends on the store
// backend: immediately for keychain.MemoryKeychain, within one poll interval
// for a keychain.PollingWatcher, and with no bound for keychain.RedisKeychain.
// A Manager that has not yet observed a change learns about it no later than
// its next authenticated request, whose 401 is routed through Invalidate.
package session

import (
	"context"

	"github.com/mark-chris/plansync/internal/api"
	"github.com/mark-chris/plansync/internal/collab"
)

// Session is the (token, user) pair for the current identity. User is only
// set when Token is.
type Session struct {
	Token string
	User  *collab.UserProfile
}

// Authenticated reports whether a token is present.
func (s Session) Authenticated() bool {
	return s.Token != ""
}

// UserID returns the cached user's id, or "".
func (s Session) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}

// Cause says why a transition happened.
type Cause string

const (
	CauseLogin    Cause = "login"
	CauseLogout   Cause = "logout"
	CauseForced   Cause = "forced"
	CauseExternal Cause = "external"
)

// Event describes one session transition. Only a change of token is a
// transition; a profile refresh under the same token is not reported.
type Event struct {
	Previous Session
	Current  Session
	Epoch    uint64
	Cause    Cause
	Reason   string
}

// LoggedOut reports whether the transition ended unauthenticated.
func (e Event) LoggedOut() bool {
	return !e.Current.Authenticated()
}

// Listener receives transitions. It runs on the dispatching goroutine and
// may itself call Login, Logout or Invalidate; those calls enqueue and return
// without waiting for their own event.
type Listener func(Event)

// Credentials are submitted to the auth server on login.
type Credentials struct {
	Username string
	Password string
}

// Authenticator is the external auth server. *api.Client implements it.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*api.LoginResponse, error)
	Logout(ctx context.Context, token string) error
	Me(ctx context.Context, token string) (*collab.UserProfile, error)
}
