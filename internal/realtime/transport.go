// Package realtime is the token-bound client for the subscription-capable
// query API.
//
// A Transport is built for exactly one token and never changes it. When the
// session changes the Client swaps in a new Transport and closes the old one;
// anything the old one returns afterwards is reported as stale.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mark-chris/plansync/internal/api"
	"github.com/mark-chris/plansync/internal/apierr"
	"github.com/mark-chris/plansync/internal/metrics"
)

// ErrTransportClosed is returned by calls on a transport that was replaced.
var ErrTransportClosed = errors.New("realtime transport closed")

const (
	maxFrameBytes      = 1 << 20
	writeTimeout       = 5 * time.Second
	subscriptionBuffer = 16
)

// CachePolicy selects how Query uses the per-transport result cache.
type CachePolicy int

const (
	// CacheFirst serves a cached result when one exists.
	CacheFirst CachePolicy = iota
	// NetworkOnly always asks the server and refreshes the cache.
	NetworkOnly
)

// Invalidator receives forced-invalidation requests. session.Manager
// implements it.
type Invalidator interface {
	Invalidate(token, reason string) bool
}

// Transport talks to the realtime API with one baked-in token.
type Transport struct {
	instance    uint64
	token       string
	client      *api.Client
	wsURL       string
	invalidator Invalidator
	logger      *zap.Logger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	results  map[string]json.RawMessage
	subs     map[*Subscription]struct{}
}

// Token returns the token the transport was built with.
func (t *Transport) Token() string {
	return t.token
}

// Instance numbers transports in construction order.
func (t *Transport) Instance() uint64 {
	return t.instance
}

// Closed reports whether the transport was closed.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.token == "" {
		return apierr.ErrNotAuthenticated
	}
	t.inflight.Add(1)
	return nil
}

// Query runs a read operation and decodes its data into out.
func (t *Transport) Query(ctx context.Context, op string, vars map[string]any, out any, policy CachePolicy) error {
	key, err := cacheKey(op, vars)
	if err != nil {
		return err
	}
	if policy == CacheFirst {
		t.mu.Lock()
		raw, ok := t.results[key]
		t.mu.Unlock()
		if ok {
			t.metrics.IncRealtimeRequest("query", "cached")
			return decodeData(raw, out)
		}
	}

	raw, err := t.roundTrip(ctx, "query", Request{OperationName: op, Variables: vars})
	if err != nil {
		return err
	}

	t.mu.Lock()
	if !t.closed {
		t.results[key] = raw
	}
	t.mu.Unlock()

	return decodeData(raw, out)
}

// Mutate runs a write operation and decodes its data into out. The result
// cache is left alone; callers invalidate what the write affected.
func (t *Transport) Mutate(ctx context.Context, op string, vars map[string]any, out any) error {
	raw, err := t.roundTrip(ctx, "mutation", Request{OperationName: op, Variables: vars})
	if err != nil {
		return err
	}
	return decodeData(raw, out)
}

func (t *Transport) roundTrip(ctx context.Context, kind string, req Request) (json.RawMessage, error) {
	if err := t.begin(); err != nil {
		t.metrics.IncRealtimeRequest(kind, "rejected")
		return nil, err
	}
	defer t.inflight.Done()

	var resp Response
	err := t.client.DoWithToken(ctx, http.MethodPost, QueryPath, t.token, req, &resp)
	if errors.Is(err, apierr.ErrAuthorizationExpired) {
		t.metrics.IncRealtimeRequest(kind, "unauthorized")
		t.invalidator.Invalidate(t.token, fmt.Sprintf("realtime %s returned 401", req.OperationName))
		return nil, err
	}
	if t.Closed() {
		t.metrics.IncRealtimeRequest(kind, "stale")
		t.logger.Debug("discarding response from replaced transport",
			zap.String("operation", req.OperationName),
			zap.Uint64("instance", t.instance))
		return nil, &apierr.Error{Kind: apierr.ErrStaleResponse, Message: req.OperationName}
	}
	if err != nil {
		t.metrics.IncRealtimeRequest(kind, "error")
		return nil, err
	}
	if len(resp.Errors) > 0 {
		t.metrics.IncRealtimeRequest(kind, "resolver_error")
		return nil, classify(resp.Errors[0])
	}
	t.metrics.IncRealtimeRequest(kind, "ok")
	return resp.Data, nil
}

// Invalidate drops cached results for operations under prefix. An empty
// prefix drops everything.
func (t *Transport) Invalidate(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.results {
		if prefix == "" || operationOf(key) == prefix {
			delete(t.results, key)
		}
	}
}

// Subscribe opens a websocket and starts an operation stream. The stream
// ends when the server completes it, the connection drops, ctx is done, or
// the transport is closed.
func (t *Transport) Subscribe(ctx context.Context, op string, vars map[string]any) (*Subscription, error) {
	if err := t.begin(); err != nil {
		t.metrics.IncRealtimeRequest("subscription", "rejected")
		return nil, err
	}
	defer t.inflight.Done()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+t.token)

	conn, resp, err := websocket.Dial(ctx, t.wsURL, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			t.metrics.IncRealtimeRequest("subscription", "unauthorized")
			t.invalidator.Invalidate(t.token, fmt.Sprintf("realtime %s handshake returned 401", op))
			return nil, &apierr.Error{Kind: apierr.ErrAuthorizationExpired, StatusCode: http.StatusUnauthorized}
		}
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			t.metrics.IncRealtimeRequest("subscription", "resolver_error")
			return nil, &apierr.Error{Kind: apierr.ErrResolverAuthorization, StatusCode: http.StatusForbidden, Message: op}
		}
		t.metrics.IncRealtimeRequest("subscription", "error")
		return nil, apierr.Network(err)
	}
	conn.SetReadLimit(maxFrameBytes)

	if sp := conn.Subprotocol(); sp != Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("server selected subprotocol %q, want %q", sp, Subprotocol)
	}

	sub := newSubscription(op, conn, t.logger)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.CloseNow()
		t.metrics.IncRealtimeRequest("subscription", "stale")
		return nil, &apierr.Error{Kind: apierr.ErrStaleResponse, Message: op}
	}
	t.subs[sub] = struct{}{}
	sub.onClose = t.forget
	t.mu.Unlock()

	env, err := NewEnvelope(TypeSubscribe, sub.ID, Request{OperationName: op, Variables: vars})
	if err != nil {
		sub.terminate(err)
		return nil, err
	}
	if err := WriteEnvelope(ctx, conn, env); err != nil {
		sub.terminate(apierr.Network(err))
		return nil, apierr.Network(err)
	}

	t.metrics.IncRealtimeRequest("subscription", "ok")
	go sub.readLoop()
	return sub, nil
}

func (t *Transport) forget(s *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, s)
}

// Close stops new calls, ends every subscription and waits for in-flight
// calls to return. In-flight calls are not cancelled; their results come
// back as apierr.ErrStaleResponse.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	subs := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[*Subscription]struct{})
	t.results = make(map[string]json.RawMessage)
	t.mu.Unlock()

	for _, s := range subs {
		s.terminate(ErrTransportClosed)
	}

	drained := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain transport %d: %w", t.instance, ctx.Err())
	}
}

// Subscription is one live operation stream.
type Subscription struct {
	ID string

	op     string
	conn   *websocket.Conn
	logger *zap.Logger
	events chan json.RawMessage
	ctx    context.Context
	cancel context.CancelFunc

	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	err     error
	onClose func(*Subscription)
}

func newSubscription(op string, conn *websocket.Conn, logger *zap.Logger) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscription{
		ID:     uuid.NewString(),
		op:     op,
		conn:   conn,
		logger: logger,
		events: make(chan json.RawMessage, subscriptionBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Events delivers the data of each next message. It is closed when the
// stream ends.
func (s *Subscription) Events() <-chan json.RawMessage {
	return s.events
}

// Done is closed when the stream ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the stream ended. It is nil after a server-side complete
// or a local Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream.
func (s *Subscription) Close() {
	s.terminate(nil)
}

func (s *Subscription) terminate(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()

		s.cancel()
		_ = s.conn.CloseNow()
		close(s.done)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

func (s *Subscription) readLoop() {
	defer close(s.events)

	for {
		env, err := ReadEnvelope(s.ctx, s.conn)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.terminate(apierr.Network(errors.New("server closed the stream")))
				return
			}
			s.terminate(apierr.Network(err))
			return
		}
		if err := env.Validate(); err != nil {
			s.logger.Warn("dropping invalid envelope", zap.String("operation", s.op), zap.Error(err))
			continue
		}

		switch env.Type {
		case TypeNext:
			var resp Response
			if err := json.Unmarshal(env.Payload, &resp); err != nil {
				s.logger.Warn("dropping malformed next payload", zap.String("operation", s.op), zap.Error(err))
				continue
			}
			if len(resp.Errors) > 0 {
				s.terminate(classify(resp.Errors[0]))
				return
			}
			select {
			case s.events <- resp.Data:
			case <-s.ctx.Done():
				return
			}
		case TypeError:
			var p ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			s.terminate(classify(GraphError{Code: p.Code, Message: p.Message}))
			return
		case TypeComplete:
			s.terminate(nil)
			return
		case TypePing:
			pong, err := NewEnvelope(TypePong, env.ID, struct{}{})
			if err == nil {
				_ = WriteEnvelope(s.ctx, s.conn, pong)
			}
		}
	}
}

// ReadEnvelope reads one envelope frame.
func ReadEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// WriteEnvelope writes env as a text frame.
func WriteEnvelope(parent context.Context, conn *websocket.Conn, env Envelope) error {
	ctx, cancel := context.WithTimeout(parent, writeTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// classify maps a resolver error onto the error taxonomy. Resolver-level
// authorization failures never touch the session.
func classify(e GraphError) error {
	var kind error
	switch e.Code {
	case CodeUnauthorized, CodeForbidden:
		kind = apierr.ErrResolverAuthorization
	case CodeBadInput, CodeNotFound:
		kind = apierr.ErrValidation
	default:
		kind = apierr.ErrServer
	}
	return &apierr.Error{Kind: kind, Message: e.Message, Err: e}
}

func cacheKey(op string, vars map[string]any) (string, error) {
	if len(vars) == 0 {
		return op, nil
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("encode variables for %s: %w", op, err)
	}
	return op + "|" + string(b), nil
}

func operationOf(key string) string {
	op, _, _ := strings.Cut(key, "|")
	return op
}

func decodeData(raw json.RawMessage, out any) error {
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
