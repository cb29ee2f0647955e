package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark-chris/plansync/internal/api"
	"github.com/mark-chris/plansync/internal/apierr"
	"github.com/mark-chris/plansync/internal/collab"
	"github.com/mark-chris/plansync/internal/keychain"
)

type fakeAuth struct {
	mu         sync.Mutex
	logins     int
	logoutErr  error
	logouts    []string
	meErr      error
	meCalls    int
	tokenCount int
}

func (f *fakeAuth) Login(_ context.Context, username, password string) (*api.LoginResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if password != "secret" {
		return nil, apierr.New(apierr.ErrInvalidCredentials, "bad password")
	}
	f.logins++
	f.tokenCount++
	return &api.LoginResponse{
		AccessToken: username + "-token-" + string(rune('0'+f.tokenCount)),
		TokenType:   "bearer",
		User:        collab.UserProfile{ID: "id-" + username, Username: username},
	}, nil
}

func (f *fakeAuth) Logout(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts = append(f.logouts, token)
	return f.logoutErr
}

func (f *fakeAuth) Me(_ context.Context, token string) (*collab.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meCalls++
	if f.meErr != nil {
		return nil, f.meErr
	}
	return &collab.UserProfile{ID: "id-me", Username: "me"}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newTestManager(t *testing.T) (*Manager, *keychain.MemoryKeychain, *fakeAuth) {
	t.Helper()
	store := keychain.NewMemoryKeychain()
	auth := &fakeAuth{}
	return NewManager(store, auth), store, auth
}

func TestManager_LoginStoresSessionAndNotifies(t *testing.T) {
	m, store, _ := newTestManager(t)
	rec := &recorder{}
	m.OnSessionChanged(rec.listen)

	s, err := m.Login(context.Background(), Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)

	assert.True(t, s.Authenticated())
	require.NotNil(t, s.User)
	assert.Equal(t, "alice", s.User.Username)

	token, err := store.Get(keychain.KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, s.Token, token)
	assert.Equal(t, s, m.Current())

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, CauseLogin, events[0].Cause)
	assert.False(t, events[0].Previous.Authenticated())
	assert.Equal(t, s.Token, events[0].Current.Token)
	assert.Equal(t, uint64(1), m.Epoch())
}

func TestManager_LoginInvalidCredentials(t *testing.T) {
	m, _, _ := newTestManager(t)
	rec := &recorder{}
	m.OnSessionChanged(rec.listen)

	_, err := m.Login(context.Background(), Credentials{Username: "alice", Password: "nope"})
	assert.ErrorIs(t, err, apierr.ErrInvalidCredentials)
	assert.False(t, m.Current().Authenticated())
	assert.Empty(t, rec.all())
}

func TestManager_LogoutClearsEvenWhenRemoteFails(t *testing.T) {
	m, store, auth := newTestManager(t)
	auth.logoutErr = apierr.Network(errors.New("connection refused"))

	s, err := m.Login(context.Background(), Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)

	rec := &recorder{}
	m.OnSessionChanged(rec.listen)

	require.NoError(t, m.Logout(context.Background()))

	cur := m.Current()
	assert.False(t, cur.Authenticated())
	assert.Nil(t, cur.User)
	_, err = store.Get(keychain.KeyUserProfile)
	assert.ErrorIs(t, err, keychain.ErrNotFound)

	assert.Equal(t, []string{s.Token}, auth.logouts)
	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, CauseLogout, events[0].Cause)
	assert.True(t, events[0].LoggedOut())
}

func TestManager_LoginLogoutSequences(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.Login(ctx, Credentials{Username: "alice", Password: "secret"})
		require.NoError(t, err)
		if i%2 == 0 {
			_, err = m.Login(ctx, Credentials{Username: "bob", Password: "secret"})
			require.NoError(t, err)
		}
		require.NoError(t, m.Logout(ctx))

		s := m.Current()
		assert.Empty(t, s.Token)
		assert.Nil(t, s.User)
	}
}

func TestManager_UserNeverWithoutToken(t *testing.T) {
	store := keychain.NewMemoryKeychain()
	require.NoError(t, store.Set(keychain.KeyUserProfile, `{"id":"orphan"}`))

	m := NewManager(store, &fakeAuth{})
	s := m.Current()

	assert.False(t, s.Authenticated())
	assert.Nil(t, s.User)
}

func TestManager_InvalidateOnlyClearsMatchingToken(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Login(ctx, Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	second, err := m.Login(ctx, Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	require.NotEqual(t, first.Token, second.Token)

	rec := &recorder{}
	m.OnSessionChanged(rec.listen)

	assert.False(t, m.Invalidate(first.Token, "late 401"))
	assert.Equal(t, second.Token, m.Current().Token)
	assert.Empty(t, rec.all())

	assert.True(t, m.Invalidate(second.Token, "401 on /plans/notifications"))
	assert.False(t, m.Current().Authenticated())

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, CauseForced, events[0].Cause)
	assert.Equal(t, "401 on /plans/notifications", events[0].Reason)

	// A second 401 for the same token is a no-op.
	assert.False(t, m.Invalidate(second.Token, "duplicate"))
	assert.Len(t, rec.all(), 1)
}

func TestManager_ReentrantListenerIsSafe(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Login(ctx, Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)

	rec := &recorder{}
	var calls int
	m.OnSessionChanged(func(ev Event) {
		calls++
		// Logout-on-401 while already processing a logout.
		if ev.LoggedOut() {
			assert.False(t, m.Invalidate(ev.Previous.Token, "401 during logout"))
			assert.NoError(t, m.Logout(ctx))
		}
	})
	m.OnSessionChanged(rec.listen)

	require.NoError(t, m.Logout(ctx))

	assert.Equal(t, 1, calls)
	assert.Len(t, rec.all(), 1)
	assert.False(t, m.Current().Authenticated())
}

func TestManager_ListenerPanicDoesNotStopDispatch(t *testing.T) {
	m, _, _ := newTestManager(t)
	rec := &recorder{}
	m.OnSessionChanged(func(Event) { panic("boom") })
	m.OnSessionChanged(rec.listen)

	_, err := m.Login(context.Background(), Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	require.NoError(t, m.Logout(context.Background()))

	assert.Len(t, rec.all(), 2)
}

func TestManager_Unsubscribe(t *testing.T) {
	m, _, _ := newTestManager(t)
	rec := &recorder{}
	unsubscribe := m.OnSessionChanged(rec.listen)
	unsubscribe()
	unsubscribe()

	_, err := m.Login(context.Background(), Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	assert.Empty(t, rec.all())
}

func TestManager_ProfileLazyFetch(t *testing.T) {
	m, store, auth := newTestManager(t)
	ctx := context.Background()

	user, err := m.Profile(ctx)
	require.NoError(t, err)
	assert.Nil(t, user, "unauthenticated profile is nil, not an error")

	require.NoError(t, store.Set(keychain.KeyAccessToken, "tok"))
	m.Sync("test")

	user, err = m.Profile(ctx)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "id-me", user.ID)

	_, err = m.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, auth.meCalls, "profile is cached after the first fetch")
}

func TestManager_ProfileUnauthorizedInvalidates(t *testing.T) {
	m, store, auth := newTestManager(t)
	auth.meErr = &apierr.Error{Kind: apierr.ErrAuthorizationExpired, StatusCode: 401}
	require.NoError(t, store.Set(keychain.KeyAccessToken, "tok"))
	m.Sync("test")

	rec := &recorder{}
	m.OnSessionChanged(rec.listen)

	_, err := m.Profile(context.Background())
	assert.ErrorIs(t, err, apierr.ErrAuthorizationExpired)
	assert.False(t, m.Current().Authenticated())
	require.Len(t, rec.all(), 1)
	assert.Equal(t, CauseForced, rec.all()[0].Cause)
}

func TestManager_AccessToken(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.AccessToken()
	assert.ErrorIs(t, err, apierr.ErrNotAuthenticated)

	s, err := m.Login(context.Background(), Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)

	token, err := m.AccessToken()
	require.NoError(t, err)
	assert.Equal(t, s.Token, token)
}

func TestManager_RunPropagatesAcrossHolders(t *testing.T) {
	store := keychain.NewMemoryKeychain()
	tabA := NewManager(store, &fakeAuth{})
	tabB := NewManager(store, &fakeAuth{})

	events := make(chan Event, 4)
	tabB.OnSessionChanged(func(ev Event) { events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tabB.Run(ctx) }()

	// Run subscribes asynchronously; wait until it observes a write.
	require.Eventually(t, func() bool {
		if _, err := tabA.Login(context.Background(), Credentials{Username: "alice", Password: "secret"}); err != nil {
			return false
		}
		select {
		case ev := <-events:
			return ev.Cause == CauseExternal && ev.Current.Authenticated()
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tabA.Logout(context.Background()))

	// Skip login events from earlier attempts that arrived late.
	timeout := time.After(time.Second)
	for observed := false; !observed; {
		select {
		case ev := <-events:
			if ev.LoggedOut() {
				assert.Equal(t, CauseExternal, ev.Cause)
				observed = true
			}
		case <-timeout:
			t.Fatal("tab B did not observe the logout")
		}
	}
	assert.False(t, tabB.Current().Authenticated())

	cancel()
	assert.NoError(t, <-done)
}

func TestManager_StaleHolderCatchesUpOn401(t *testing.T) {
	store := keychain.NewMemoryKeychain()
	tabA := NewManager(store, &fakeAuth{})

	s, err := tabA.Login(context.Background(), Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)

	// tabB is created while logged in and never runs its change feed.
	tabB := NewManager(store, &fakeAuth{})
	rec := &recorder{}
	tabB.OnSessionChanged(rec.listen)

	require.NoError(t, tabA.Logout(context.Background()))
	assert.Empty(t, rec.all())

	// tabB's next request with the old token fails with 401.
	assert.False(t, tabB.Invalidate(s.Token, "401"))

	events := rec.all()
	require.Len(t, events, 1)
	assert.True(t, events[0].LoggedOut())
	assert.Equal(t, s.Token, events[0].Previous.Token)
}
