package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mark-chris/plansync/internal/session"
)

// Backend is one data layer that holds session-scoped state.
type Backend interface {
	Name() string
	// Invalidate marks entries under prefix stale.
	Invalidate(prefix string)
	// Teardown discards everything bound to the previous session. It runs
	// on the session dispatch goroutine and must not block on network I/O.
	Teardown(ctx context.Context, s session.Session) error
}

// Coordinator fans invalidation and teardown out to every backend, so the
// session layer deals with one listener only.
type Coordinator struct {
	logger *zap.Logger

	mu       sync.RWMutex
	backends []Backend
}

// NewCoordinator creates a coordinator over backends.
func NewCoordinator(logger *zap.Logger, backends ...Backend) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{logger: logger, backends: backends}
}

// Register adds a backend.
func (c *Coordinator) Register(b Backend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backends = append(c.backends, b)
}

func (c *Coordinator) snapshot() []Backend {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Backend(nil), c.backends...)
}

// Invalidate forwards to every backend.
func (c *Coordinator) Invalidate(prefix string) {
	for _, b := range c.snapshot() {
		b.Invalidate(prefix)
	}
}

// Teardown tears every backend down. All backends are attempted even when
// one fails.
func (c *Coordinator) Teardown(ctx context.Context, s session.Session) error {
	var errs []error
	for _, b := range c.snapshot() {
		if err := b.Teardown(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Attach makes the coordinator the manager's teardown listener. It must be
// called before the first authenticated request is issued.
func (c *Coordinator) Attach(m *session.Manager) (detach func()) {
	return m.OnSessionChanged(func(ev session.Event) {
		if err := c.Teardown(context.Background(), ev.Current); err != nil {
			c.logger.Error("cache teardown failed",
				zap.String("cause", string(ev.Cause)),
				zap.Uint64("epoch", ev.Epoch),
				zap.Error(err))
		}
	})
}
