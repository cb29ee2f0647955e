package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mark-chris/plansync/internal/api"
	"github.com/mark-chris/plansync/internal/metrics"
	"github.com/mark-chris/plansync/internal/session"
)

// DefaultDrainTimeout bounds how long a rebuild waits for the old transport's
// in-flight calls.
const DefaultDrainTimeout = 10 * time.Second

// TransportFactory builds transports that share one HTTP client.
type TransportFactory struct {
	client      *api.Client
	wsURL       string
	invalidator Invalidator
	logger      *zap.Logger
	metrics     *metrics.Metrics
	instances   atomic.Uint64
}

// FactoryOption configures a TransportFactory.
type FactoryOption func(*TransportFactory)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) FactoryOption {
	return func(f *TransportFactory) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithMetrics records request outcomes and rebuilds.
func WithMetrics(m *metrics.Metrics) FactoryOption {
	return func(f *TransportFactory) {
		f.metrics = m
	}
}

// WithWebsocketURL overrides the subscription endpoint, which otherwise is
// the client's base URL with a ws scheme and SubscribePath.
func WithWebsocketURL(u string) FactoryOption {
	return func(f *TransportFactory) {
		if u != "" {
			f.wsURL = u
		}
	}
}

// NewTransportFactory creates a factory. invalidator receives the token of
// any transport that sees a 401.
func NewTransportFactory(client *api.Client, invalidator Invalidator, opts ...FactoryOption) (*TransportFactory, error) {
	wsURL, err := websocketURL(client.BaseURL())
	if err != nil {
		return nil, err
	}
	if invalidator == nil {
		invalidator = nopInvalidator{}
	}
	f := &TransportFactory{
		client:      client,
		wsURL:       wsURL,
		invalidator: invalidator,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// New builds a transport bound to token. An empty token yields a transport
// whose calls fail with apierr.ErrNotAuthenticated.
func (f *TransportFactory) New(token string) *Transport {
	return &Transport{
		instance:    f.instances.Add(1),
		token:       token,
		client:      f.client,
		wsURL:       f.wsURL,
		invalidator: f.invalidator,
		logger:      f.logger,
		metrics:     f.metrics,
		results:     make(map[string]json.RawMessage),
		subs:        make(map[*Subscription]struct{}),
	}
}

type nopInvalidator struct{}

func (nopInvalidator) Invalidate(string, string) bool { return false }

func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid realtime base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime URL scheme: %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + SubscribePath
	return u.String(), nil
}

// Rebuild is the completion handle of one Client.Rebuild call.
type Rebuild struct {
	// Transport is the instance that replaced the old one.
	Transport *Transport

	done chan struct{}
	err  error
}

// Done is closed once the previous transport has drained and every OnRebuilt
// listener has returned.
func (r *Rebuild) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until Done or ctx ends. The error is the drain error of the
// previous transport, if any.
func (r *Rebuild) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client holds the current transport and replaces it on every session change.
type Client struct {
	factory      *TransportFactory
	drainTimeout time.Duration

	mu        sync.Mutex
	current   *Transport
	last      *Rebuild
	listeners map[uint64]func(*Transport)
	nextID    uint64
}

// NewClient creates a client whose first transport is bound to token.
func NewClient(factory *TransportFactory, token string) *Client {
	return &Client{
		factory:      factory,
		drainTimeout: DefaultDrainTimeout,
		current:      factory.New(token),
		listeners:    make(map[uint64]func(*Transport)),
	}
}

// Instance returns the current transport.
func (c *Client) Instance() *Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// OnRebuilt registers a listener that receives each new transport. Listeners
// run in rebuild order, after the previous transport is closed.
func (c *Client) OnRebuilt(fn func(*Transport)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.listeners, id)
		})
	}
}

// Rebuild swaps in a transport bound to token before returning, so
// Instance never hands out the old one again. Closing the old transport and
// notifying listeners happen in the background; the returned handle reports
// when they are finished.
func (c *Client) Rebuild(token string) *Rebuild {
	next := c.factory.New(token)

	c.mu.Lock()
	old := c.current
	prev := c.last
	c.current = next
	r := &Rebuild{Transport: next, done: make(chan struct{})}
	c.last = r
	c.mu.Unlock()

	c.factory.metrics.IncRebuild()
	c.factory.logger.Debug("realtime transport rebuilt",
		zap.Uint64("old", old.Instance()),
		zap.Uint64("new", next.Instance()),
		zap.Bool("authenticated", token != ""))

	go func() {
		defer close(r.done)

		ctx, cancel := context.WithTimeout(context.Background(), c.drainTimeout)
		r.err = old.Close(ctx)
		cancel()
		if r.err != nil {
			c.factory.logger.Warn("previous realtime transport did not drain", zap.Error(r.err))
		}

		if prev != nil {
			<-prev.done
		}
		for _, fn := range c.snapshotListeners() {
			fn(next)
		}
	}()
	return r
}

func (c *Client) snapshotListeners() []func(*Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(*Transport), 0, len(c.listeners))
	for _, fn := range c.listeners {
		out = append(out, fn)
	}
	return out
}

// Close closes the current transport. Later calls to Instance still return
// it, closed.
func (c *Client) Close(ctx context.Context) error {
	return c.Instance().Close(ctx)
}

// Name implements cache.Backend.
func (c *Client) Name() string { return "realtime" }

// Invalidate implements cache.Backend for the current transport's results.
func (c *Client) Invalidate(prefix string) {
	c.Instance().Invalidate(prefix)
}

// Pending returns the handle of the most recent rebuild. Rebuilds complete
// in order, so once it is done every earlier one is too. Before the first
// rebuild it returns a handle that is already done.
func (c *Client) Pending() *Rebuild {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last != nil {
		return c.last
	}
	done := make(chan struct{})
	close(done)
	return &Rebuild{Transport: c.current, done: done}
}

// Settled waits until every rebuild started so far has completed.
func (c *Client) Settled(ctx context.Context) error {
	return c.Pending().Wait(ctx)
}

// Teardown implements cache.Backend by rebuilding for the new session. It
// returns without waiting for the rebuild to complete; Pending reports when
// it has.
func (c *Client) Teardown(_ context.Context, s session.Session) error {
	c.Rebuild(s.Token)
	return nil
}
