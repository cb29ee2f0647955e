package auth

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUserNotFound is returned when no account matches.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when a username or email is taken.
	ErrUserExists = errors.New("user already exists")
)

// Seed describes an account created at startup.
type Seed struct {
	Username string
	Email    string
	Password string
	FullName string
}

// ParseSeed parses "username:email:password[:full name]".
func ParseSeed(s string) (Seed, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) < 3 {
		return Seed{}, fmt.Errorf("invalid user seed %q: want username:email:password[:full name]", s)
	}
	seed := Seed{
		Username: strings.TrimSpace(parts[0]),
		Email:    strings.TrimSpace(parts[1]),
		Password: parts[2],
	}
	if len(parts) == 4 {
		seed.FullName = strings.TrimSpace(parts[3])
	}
	if err := seed.Validate(); err != nil {
		return Seed{}, fmt.Errorf("invalid user seed %q: %w", s, err)
	}
	return seed, nil
}

// Validate checks the fields an account cannot do without.
func (s Seed) Validate() error {
	if s.Username == "" || s.Password == "" {
		return errors.New("username and password are required")
	}
	if _, err := mail.ParseAddress(s.Email); err != nil {
		return fmt.Errorf("invalid email %q: %w", s.Email, err)
	}
	return nil
}

// UserStore keeps accounts in memory.
type UserStore struct {
	auth *AuthService

	mu      sync.RWMutex
	byID    map[string]*User
	byName  map[string]string
	byEmail map[string]string
}

// NewUserStore creates an empty store hashing passwords with svc.
func NewUserStore(svc *AuthService) *UserStore {
	return &UserStore{
		auth:    svc,
		byID:    make(map[string]*User),
		byName:  make(map[string]string),
		byEmail: make(map[string]string),
	}
}

// Create adds an account.
func (s *UserStore) Create(seed Seed) (*User, error) {
	hash, err := s.auth.HashPassword(seed.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	email := strings.ToLower(seed.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[seed.Username]; ok {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, seed.Username)
	}
	if _, ok := s.byEmail[email]; ok {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, seed.Email)
	}

	u := &User{
		ID:           uuid.NewString(),
		Username:     seed.Username,
		Email:        seed.Email,
		FullName:     seed.FullName,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	s.byID[u.ID] = u
	s.byName[u.Username] = u.ID
	s.byEmail[email] = u.ID
	return u, nil
}

// Get returns a copy of the account with id.
func (s *UserStore) Get(id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// ByUsername looks up an account by username.
func (s *UserStore) ByUsername(name string) (*User, error) {
	s.mu.RLock()
	id, ok := s.byName[name]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return s.Get(id)
}

// ByEmail looks up an account by email, ignoring case.
func (s *UserStore) ByEmail(email string) (*User, error) {
	s.mu.RLock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return s.Get(id)
}

// Authenticate checks a username and password. Unknown users and wrong
// passwords return the same error.
func (s *UserStore) Authenticate(username, password string) (*User, error) {
	u, err := s.ByUsername(username)
	if err != nil || !u.IsActive {
		return nil, ErrUserNotFound
	}
	if err := s.auth.VerifyPassword(u.PasswordHash, password); err != nil {
		return nil, ErrUserNotFound
	}

	now := time.Now().UTC()
	s.mu.Lock()
	if stored, ok := s.byID[u.ID]; ok {
		stored.LastLoginAt = &now
	}
	s.mu.Unlock()
	u.LastLoginAt = &now
	return u, nil
}
