package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mark-chris/plansync/internal/apierr"
	"github.com/mark-chris/plansync/internal/collab"
	"github.com/mark-chris/plansync/internal/metrics"
	"github.com/mark-chris/plansync/internal/query"
	"github.com/mark-chris/plansync/internal/realtime"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

var errRebuilt = errors.New("realtime transport rebuilt")

// Invalidator drops cached reads under a key prefix. cache.Coordinator
// implements it.
type Invalidator interface {
	Invalidate(prefix string)
}

// Outcome is the result of responding to an invitation.
type Outcome struct {
	Status          collab.InvitationStatus `json:"status"`
	AlreadyTerminal bool                    `json:"alreadyTerminal"`
	Message         string                  `json:"message,omitempty"`
}

// Snapshot is the inbox state handed to listeners.
type Snapshot struct {
	Notifications []collab.Notification
	Unread        int
}

// Channel keeps an Inbox in sync with the server. Pushed notifications may
// arrive twice or not at all while the transport is being replaced, so the
// full list is refetched after every (re)connect and after every response to
// an invitation.
//
// The inbox only ever holds data read through one transport. A write read
// through a transport that has since been replaced is dropped, so a push or
// refetch that was in flight across a logout cannot repopulate the inbox.
type Channel struct {
	rt          *realtime.Client
	inbox       *Inbox
	invalidator Invalidator
	logger      *zap.Logger
	metrics     *metrics.Metrics
	minBackoff  time.Duration
	maxBackoff  time.Duration
	group       singleflight.Group

	rebuilt chan struct{}

	// writeMu orders inbox writes against rebuilds. owner is the transport
	// the inbox contents were read through.
	writeMu sync.Mutex
	owner   *realtime.Transport

	mu        sync.Mutex
	listeners map[uint64]func(Snapshot)
	nextID    uint64
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records deliveries and the unread count.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

// WithInvalidator invalidates the query cache after writes.
func WithInvalidator(inv Invalidator) Option {
	return func(c *Channel) {
		c.invalidator = inv
	}
}

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(c *Channel) {
		if minDelay > 0 {
			c.minBackoff = minDelay
		}
		if maxDelay >= c.minBackoff {
			c.maxBackoff = maxDelay
		}
	}
}

// NewChannel creates a channel over rt.
func NewChannel(rt *realtime.Client, opts ...Option) *Channel {
	c := &Channel{
		rt:         rt,
		inbox:      NewInbox(),
		logger:     zap.NewNop(),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		rebuilt:    make(chan struct{}, 1),
		listeners:  make(map[uint64]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Inbox returns the underlying inbox.
func (c *Channel) Inbox() *Inbox {
	return c.inbox
}

// Run attaches to the current transport and keeps the inbox live until ctx
// ends. It reattaches after every rebuild and reconnects with backoff after
// a dropped stream.
func (c *Channel) Run(ctx context.Context) error {
	unsubscribe := c.rt.OnRebuilt(func(*realtime.Transport) {
		if c.dropStale() {
			c.changed()
		}
		select {
		case c.rebuilt <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	delay := c.minBackoff
	for {
		tr := c.rt.Instance()
		err := c.attach(ctx, tr)
		if ctx.Err() != nil {
			return nil
		}

		switch {
		case errors.Is(err, errRebuilt), errors.Is(err, realtime.ErrTransportClosed) && c.rt.Instance() != tr:
			delay = c.minBackoff
			continue
		case errors.Is(err, apierr.ErrNotAuthenticated),
			errors.Is(err, realtime.ErrTransportClosed),
			apierr.IsSessionFatal(err):
			c.logger.Debug("notification channel idle until the next session", zap.Error(err))
			if !c.waitRebuild(ctx, 0) {
				return nil
			}
			delay = c.minBackoff
			continue
		}

		c.logger.Warn("notification stream ended, reconnecting",
			zap.Duration("delay", delay),
			zap.Error(err))
		if !c.waitRebuild(ctx, delay) {
			return nil
		}
		delay *= 2
		if delay > c.maxBackoff {
			delay = c.maxBackoff
		}
	}
}

// waitRebuild blocks until a rebuild, until d elapses (d > 0), or until ctx
// ends. It reports false when ctx ended.
func (c *Channel) waitRebuild(ctx context.Context, d time.Duration) bool {
	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-c.rebuilt:
		return true
	case <-timeout:
		return true
	}
}

// attach subscribes first and refetches second so nothing created between
// the two is missed. It returns when the stream ends.
func (c *Channel) attach(ctx context.Context, tr *realtime.Transport) error {
	var me collab.UserProfile
	if err := tr.Query(ctx, realtime.OpWhoAmI, nil, &me, realtime.CacheFirst); err != nil {
		return err
	}

	sub, err := tr.Subscribe(ctx, realtime.OpInvitationReceived, map[string]any{"userId": me.ID})
	if err != nil {
		return err
	}
	defer sub.Close()

	c.logger.Debug("notification channel attached",
		zap.String("user_id", me.ID),
		zap.Uint64("instance", tr.Instance()))

	if err := c.refetch(ctx, tr); err != nil {
		c.logger.Warn("notification refetch failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.rebuilt:
			if c.rt.Instance() != tr {
				return errRebuilt
			}
		case data, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return errors.New("notification stream completed")
			}
			var n collab.Notification
			if err := json.Unmarshal(data, &n); err != nil || n.ID == "" {
				c.logger.Warn("dropping malformed notification", zap.ByteString("data", data))
				continue
			}
			if !c.deliver(tr, n) {
				return errRebuilt
			}
		}
	}
}

// deliver adds a pushed notification. It reports false when tr has been
// replaced and the notification was dropped.
func (c *Channel) deliver(tr *realtime.Transport, n collab.Notification) bool {
	var added bool
	if !c.apply(tr, func() { added = c.inbox.Add(n) }) {
		c.logger.Debug("notification from a replaced transport dropped",
			zap.String("id", n.ID),
			zap.Uint64("instance", tr.Instance()))
		return false
	}
	c.metrics.IncNotification(!added)
	if !added {
		c.logger.Debug("duplicate notification ignored", zap.String("id", n.ID))
		return true
	}
	c.invalidate(query.KeyNotifications)
	c.changed()
	return true
}

func (c *Channel) refetch(ctx context.Context, tr *realtime.Transport) error {
	var list []collab.Notification
	if err := tr.Query(ctx, realtime.OpNotifications, nil, &list, realtime.NetworkOnly); err != nil {
		return err
	}
	if !c.apply(tr, func() { c.inbox.Replace(list) }) {
		return apierr.New(apierr.ErrStaleResponse, "notification list read through a replaced transport")
	}
	c.changed()
	return nil
}

// apply runs write against the inbox unless tr is closed or no longer the
// current transport. Contents read through an earlier transport are cleared
// first.
func (c *Channel) apply(tr *realtime.Transport, write func()) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if tr.Closed() || c.rt.Instance() != tr {
		return false
	}
	if c.owner != tr {
		c.inbox.Reset()
		c.owner = tr
	}
	write()
	return true
}

// dropStale clears the inbox unless it already holds data read through the
// current transport. It reports whether the inbox was cleared.
func (c *Channel) dropStale() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.owner != nil && c.owner == c.rt.Instance() {
		return false
	}
	c.owner = nil
	c.inbox.Reset()
	return true
}

// Refresh refetches the full list.
func (c *Channel) Refresh(ctx context.Context) error {
	return c.refetch(ctx, c.rt.Instance())
}

// Respond accepts or rejects an invitation. Concurrent calls for the same
// invitation share one request. Responding to an invitation that is already
// resolved is not an error: the Outcome carries the existing status with
// AlreadyTerminal set. The list is refetched afterwards whatever the result.
// Calls share a request only when they ask for the same decision, so each
// caller learns whether its own decision was the one that took effect.
func (c *Channel) Respond(ctx context.Context, planID, invitationID string, accept bool) (Outcome, error) {
	if planID == "" || invitationID == "" {
		return Outcome{}, apierr.New(apierr.ErrValidation, "plan and invitation ids are required")
	}

	key := invitationID + ":" + strconv.FormatBool(accept)
	v, err, _ := c.group.Do(key, func() (any, error) {
		var out Outcome
		err := c.rt.Instance().Mutate(ctx, realtime.OpRespondInvitation, map[string]any{
			"planId":       planID,
			"invitationId": invitationID,
			"accept":       accept,
		}, &out)

		if err == nil {
			c.invalidate(query.KeyNotifications)
			c.invalidate(query.KeyPlans)
		}
		if rerr := c.Refresh(ctx); rerr != nil && !apierr.IsSessionFatal(rerr) {
			c.logger.Warn("notification refetch after response failed", zap.Error(rerr))
		}
		return out, err
	})
	if err != nil {
		return Outcome{}, err
	}
	out := v.(Outcome)
	c.logger.Info("invitation resolved",
		zap.String("invitation_id", invitationID),
		zap.String("status", string(out.Status)),
		zap.Bool("already_terminal", out.AlreadyTerminal))
	return out, nil
}

// MarkRead marks one notification read.
func (c *Channel) MarkRead(ctx context.Context, id string) error {
	tr := c.rt.Instance()
	if err := tr.Mutate(ctx, realtime.OpMarkNotificationRead, map[string]any{"id": id}, nil); err != nil {
		return err
	}
	c.invalidate(query.KeyNotifications)
	var marked bool
	c.apply(tr, func() { marked = c.inbox.MarkRead(id) })
	if marked {
		c.changed()
	}
	return nil
}

// Snapshot returns the current list and unread count.
func (c *Channel) Snapshot() Snapshot {
	return Snapshot{Notifications: c.inbox.List(), Unread: c.inbox.Unread()}
}

// OnChange registers a listener called after every inbox change.
func (c *Channel) OnChange(fn func(Snapshot)) (unsubscribe func()) {
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

func (c *Channel) changed() {
	snap := c.Snapshot()
	c.metrics.SetUnread(snap.Unread)

	c.mu.Lock()
	fns := make([]func(Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (c *Channel) invalidate(prefix string) {
	if c.invalidator != nil {
		c.invalidator.Invalidate(prefix)
	}
}
