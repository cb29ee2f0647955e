// Package keychain is the credential store shared by every session holder
// in the same profile.
//
// Writes go through session.Manager only. Other holders observe them through
// Watch; the propagation latency depends on the backend and is documented on
// each implementation.
package keychain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

// ErrNotFound is returned when a key doesn't exist
var ErrNotFound = errors.New("key not found in keychain")

// Key constants for storing credentials
const (
	KeyAccessToken = "plansync-token"
	KeyUserProfile = "plansync-user"
	ServiceName    = "plansync"
)

// WatchedKeys are the keys whose changes represent a session transition.
var WatchedKeys = []string{KeyAccessToken, KeyUserProfile}

// Keychain provides secure credential storage
type Keychain interface {
	Set(key, value string) error
	Get(key string) (string, error)
	Delete(key string) error
}

// Change describes a write to a credential store key.
type Change struct {
	Key     string
	Value   string
	Deleted bool
}

// Watcher is implemented by stores that can report writes made by any holder,
// including the watcher's own process. The channel is closed when ctx ends.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Change, error)
}

const watchBuffer = 32

// MemoryKeychain is a process-wide in-memory keychain. Every Set and Delete is
// delivered to watchers before the call returns, so propagation is immediate.
// A watcher whose buffer is full misses the change; watchers re-read the store
// on every signal, so only the coalesced final state matters.
type MemoryKeychain struct {
	mu       sync.RWMutex
	store    map[string]string
	watchers map[int]chan Change
	nextID   int
}

// NewMemoryKeychain creates a new in-memory keychain
func NewMemoryKeychain() *MemoryKeychain {
	return &MemoryKeychain{
		store:    make(map[string]string),
		watchers: make(map[int]chan Change),
	}
}

// Set stores a value in the memory keychain
func (m *MemoryKeychain) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[key] = value
	m.broadcast(Change{Key: key, Value: value})
	return nil
}

// Get retrieves a value from the memory keychain
func (m *MemoryKeychain) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.store[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Delete removes a value from the memory keychain
func (m *MemoryKeychain) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[key]; !ok {
		return nil
	}
	delete(m.store, key)
	m.broadcast(Change{Key: key, Deleted: true})
	return nil
}

// Watch subscribes to every subsequent write.
func (m *MemoryKeychain) Watch(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, watchBuffer)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// broadcast must be called with m.mu held.
func (m *MemoryKeychain) broadcast(c Change) {
	for _, ch := range m.watchers {
		select {
		case ch <- c:
		default:
		}
	}
}

// SystemKeychain uses the OS keychain. It has no change feed; wrap it in a
// PollingWatcher to observe writes from other processes.
type SystemKeychain struct{}

// NewSystemKeychain creates a new system keychain
func NewSystemKeychain() *SystemKeychain {
	return &SystemKeychain{}
}

// Set stores a value in the system keychain
func (s *SystemKeychain) Set(key, value string) error {
	err := keyring.Set(ServiceName, key, value)
	if err != nil {
		return fmt.Errorf("failed to store in keychain: %w", err)
	}
	return nil
}

// Get retrieves a value from the system keychain
func (s *SystemKeychain) Get(key string) (string, error) {
	value, err := keyring.Get(ServiceName, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to retrieve from keychain: %w", err)
	}
	return value, nil
}

// Delete removes a value from the system keychain
func (s *SystemKeychain) Delete(key string) error {
	err := keyring.Delete(ServiceName, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil // Already deleted
		}
		return fmt.Errorf("failed to delete from keychain: %w", err)
	}
	return nil
}
