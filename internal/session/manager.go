package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mark-chris/plansync/internal/api"
	"github.com/mark-chris/plansync/internal/apierr"
	"github.com/mark-chris/plansync/internal/collab"
	"github.com/mark-chris/plansync/internal/keychain"
	"github.com/mark-chris/plansync/internal/metrics"
)

const (
	defaultLogoutTimeout = 5 * time.Second
	// consistentReadAttempts bounds the retries of Current when a writer
	// interleaves with the read.
	consistentReadAttempts = 3
)

// Manager is the single writer of the credential store for one client.
type Manager struct {
	store         keychain.Keychain
	auth          Authenticator
	logger        *zap.Logger
	metrics       *metrics.Metrics
	logoutTimeout time.Duration

	// storeMu serializes store writes with the snapshot that is queued for
	// them, so the queue order matches the store order.
	storeMu sync.Mutex

	mu          sync.Mutex
	listeners   map[int]Listener
	nextID      int
	last        Session
	epoch       uint64
	queue       []transition
	dispatching bool
}

type transition struct {
	state  Session
	cause  Cause
	reason string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records transitions and invalidations.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithLogoutTimeout bounds the remote logout call when ctx has no deadline.
func WithLogoutTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.logoutTimeout = d
		}
	}
}

// NewManager creates a Manager over store. The current store contents are
// the initial state; no event is emitted for them.
func NewManager(store keychain.Keychain, auth Authenticator, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		auth:          auth,
		logger:        zap.NewNop(),
		logoutTimeout: defaultLogoutTimeout,
		listeners:     make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.last = m.Current()
	return m
}

var _ api.CredentialSource = (*Manager)(nil)

// Current reads the session from the store. Store errors read as
// unauthenticated.
func (m *Manager) Current() Session {
	for i := 0; i < consistentReadAttempts; i++ {
		token := m.readToken()
		if token == "" {
			return Session{}
		}
		user := m.readUser()
		if m.readToken() == token {
			return Session{Token: token, User: user}
		}
	}
	// A writer kept racing the read; report the token without a profile.
	token := m.readToken()
	if token == "" {
		return Session{}
	}
	return Session{Token: token}
}

func (m *Manager) readToken() string {
	token, err := m.store.Get(keychain.KeyAccessToken)
	if err != nil {
		if !errors.Is(err, keychain.ErrNotFound) {
			m.logger.Warn("failed to read access token", zap.Error(err))
		}
		return ""
	}
	return token
}

func (m *Manager) readUser() *collab.UserProfile {
	raw, err := m.store.Get(keychain.KeyUserProfile)
	if err != nil {
		return nil
	}
	var user collab.UserProfile
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		m.logger.Warn("discarding malformed cached profile", zap.Error(err))
		return nil
	}
	return &user
}

// AccessToken returns the stored token or apierr.ErrNotAuthenticated.
func (m *Manager) AccessToken() (string, error) {
	token := m.readToken()
	if token == "" {
		return "", apierr.ErrNotAuthenticated
	}
	return token, nil
}

// Epoch counts the transitions delivered so far.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// OnSessionChanged registers l and returns a function that removes it.
func (m *Manager) OnSessionChanged(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Login authenticates and stores the new session. The token is written
// before the profile.
func (m *Manager) Login(ctx context.Context, creds Credentials) (Session, error) {
	resp, err := m.auth.Login(ctx, creds.Username, creds.Password)
	if err != nil {
		return Session{}, err
	}

	m.storeMu.Lock()
	if err := m.store.Set(keychain.KeyAccessToken, resp.AccessToken); err != nil {
		m.storeMu.Unlock()
		return Session{}, fmt.Errorf("failed to store access token: %w", err)
	}
	if err := m.writeUser(&resp.User); err != nil {
		m.logger.Warn("failed to cache user profile", zap.Error(err))
	}
	state := m.Current()
	m.enqueue(state, CauseLogin, "")
	m.storeMu.Unlock()

	m.drain()

	m.logger.Info("logged in", zap.String("user", resp.User.Username))
	return state, nil
}

func (m *Manager) writeUser(user *collab.UserProfile) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return m.store.Set(keychain.KeyUserProfile, string(data))
}

// Logout revokes the token remotely on a best-effort basis and then clears
// the store unconditionally. Only a local store failure is returned.
func (m *Manager) Logout(ctx context.Context) error {
	if token := m.readToken(); token != "" {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.logoutTimeout)
			defer cancel()
		}
		if err := m.auth.Logout(ctx, token); err != nil {
			m.logger.Warn("remote logout failed, clearing local session anyway", zap.Error(err))
		}
	}

	m.storeMu.Lock()
	err := m.clearStore()
	m.enqueue(m.Current(), CauseLogout, "")
	m.storeMu.Unlock()

	m.drain()
	return err
}

// clearStore deletes the profile before the token. Must hold storeMu.
func (m *Manager) clearStore() error {
	userErr := m.store.Delete(keychain.KeyUserProfile)
	tokenErr := m.store.Delete(keychain.KeyAccessToken)
	if tokenErr != nil {
		return fmt.Errorf("failed to delete access token: %w", tokenErr)
	}
	if userErr != nil {
		return fmt.Errorf("failed to delete user profile: %w", userErr)
	}
	return nil
}

// Invalidate is the forced-invalidation path for a server authorization
// failure observed with token. The store is cleared only if token is still
// the stored token, so a late 401 for a previous session never clears a newer
// one. When the store has already moved on, the Manager catches up with it
// instead. Invalidate reports whether it cleared the store.
func (m *Manager) Invalidate(token, reason string) bool {
	m.storeMu.Lock()
	stored := m.readToken()
	if token == "" || stored != token {
		m.enqueue(m.Current(), CauseExternal, reason)
		m.storeMu.Unlock()
		m.drain()
		m.metrics.IncInvalidation(false)
		return false
	}

	if err := m.clearStore(); err != nil {
		m.logger.Error("forced invalidation could not clear the store", zap.Error(err))
	}
	state := m.Current()
	m.enqueue(state, CauseForced, reason)
	m.storeMu.Unlock()

	m.drain()

	cleared := !state.Authenticated()
	m.metrics.IncInvalidation(cleared)
	m.logger.Info("session invalidated", zap.String("reason", reason), zap.Bool("cleared", cleared))
	return cleared
}

// Profile returns the cached profile, fetching and caching it when a token
// exists without one. It returns (nil, nil) when unauthenticated.
func (m *Manager) Profile(ctx context.Context) (*collab.UserProfile, error) {
	s := m.Current()
	if !s.Authenticated() {
		return nil, nil
	}
	if s.User != nil {
		return s.User, nil
	}

	user, err := m.auth.Me(ctx, s.Token)
	if err != nil {
		if apierr.IsSessionFatal(err) {
			m.Invalidate(s.Token, "profile fetch returned 401")
		}
		return nil, err
	}

	m.storeMu.Lock()
	if m.readToken() == s.Token {
		if err := m.writeUser(user); err != nil {
			m.logger.Warn("failed to cache user profile", zap.Error(err))
		}
	}
	m.storeMu.Unlock()

	return user, nil
}

// Run follows the store's change feed until ctx ends, turning writes made by
// other holders into CauseExternal transitions. Stores without a change feed
// are not followed; Run then only waits for ctx.
func (m *Manager) Run(ctx context.Context) error {
	w, ok := m.store.(keychain.Watcher)
	if !ok {
		m.logger.Debug("credential store has no change feed")
		<-ctx.Done()
		return nil
	}

	changes, err := w.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch credential store: %w", err)
	}

	for change := range changes {
		if change.Key != keychain.KeyAccessToken && change.Key != keychain.KeyUserProfile {
			continue
		}
		m.Sync("credential store changed")
	}
	return nil
}

// Sync compares the store with the last delivered state and emits a
// CauseExternal transition if the token changed.
func (m *Manager) Sync(reason string) {
	m.storeMu.Lock()
	m.enqueue(m.Current(), CauseExternal, reason)
	m.storeMu.Unlock()
	m.drain()
}

func (m *Manager) enqueue(state Session, cause Cause, reason string) {
	m.mu.Lock()
	m.queue = append(m.queue, transition{state: state, cause: cause, reason: reason})
	m.mu.Unlock()
}

// drain delivers queued transitions. Exactly one goroutine drains at a time;
// any other caller, including a listener re-entering the Manager, returns
// immediately and its transition is delivered by the active drainer.
func (m *Manager) drain() {
	m.mu.Lock()
	if m.dispatching {
		m.mu.Unlock()
		return
	}
	m.dispatching = true

	for len(m.queue) > 0 {
		t := m.queue[0]
		m.queue = m.queue[1:]

		if t.state.Token == m.last.Token {
			// Same identity: keep the freshest profile, emit nothing.
			m.last = t.state
			continue
		}

		m.epoch++
		ev := Event{
			Previous: m.last,
			Current:  t.state,
			Epoch:    m.epoch,
			Cause:    t.cause,
			Reason:   t.reason,
		}
		m.last = t.state

		listeners := make([]Listener, 0, len(m.listeners))
		for _, l := range m.listeners {
			listeners = append(listeners, l)
		}
		m.mu.Unlock()

		m.metrics.IncSessionTransition(string(ev.Cause))
		m.logger.Debug("session changed",
			zap.String("cause", string(ev.Cause)),
			zap.Uint64("epoch", ev.Epoch),
			zap.Bool("authenticated", ev.Current.Authenticated()))
		for _, l := range listeners {
			m.notify(l, ev)
		}

		m.mu.Lock()
	}

	m.dispatching = false
	m.mu.Unlock()
}

func (m *Manager) notify(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session listener panicked", zap.Any("panic", r), zap.Uint64("epoch", ev.Epoch))
		}
	}()
	l(ev)
}
