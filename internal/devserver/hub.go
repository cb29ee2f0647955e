package devserver

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mark-chris/plansync/internal/collab"
)

const subscriberBuffer = 16

// Hub fans notifications out to the live subscriptions of each recipient.
type Hub struct {
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]map[chan collab.Notification]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		subs:   make(map[string]map[chan collab.Notification]struct{}),
	}
}

// Subscribe registers a subscription for userID. cancel must be called once
// the caller stops reading.
func (h *Hub) Subscribe(userID string) (<-chan collab.Notification, func()) {
	ch := make(chan collab.Notification, subscriberBuffer)

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan collab.Notification]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
		})
	}
}

// Publish delivers n to every subscription of userID. A subscription whose
// buffer is full misses the notification; clients recover it by refetching.
func (h *Hub) Publish(userID string, n collab.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[userID] {
		select {
		case ch <- n:
		default:
			h.logger.Warn("subscriber buffer full, notification dropped",
				zap.String("user_id", userID),
				zap.String("notification_id", n.ID))
		}
	}
}

// Subscribers counts the live subscriptions of userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}
