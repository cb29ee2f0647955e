// Package notify keeps the recipient's notification list current over the
// realtime channel and resolves invitations.
package notify

import (
	"sort"
	"sync"

	"github.com/mark-chris/plansync/internal/collab"
)

// Inbox is the deduplicated notification list.
type Inbox struct {
	mu    sync.Mutex
	items map[string]collab.Notification
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{items: make(map[string]collab.Notification)}
}

// Add stores n. A notification whose id is already present is ignored and
// Add reports false.
func (b *Inbox) Add(n collab.Notification) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[n.ID]; ok {
		return false
	}
	b.items[n.ID] = n
	return true
}

// Replace swaps the whole list for a server listing.
func (b *Inbox) Replace(list []collab.Notification) {
	items := make(map[string]collab.Notification, len(list))
	for _, n := range list {
		items[n.ID] = n
	}
	b.mu.Lock()
	b.items = items
	b.mu.Unlock()
}

// Reset empties the inbox.
func (b *Inbox) Reset() {
	b.Replace(nil)
}

// MarkRead flips one notification to read. It reports whether the
// notification was present and unread.
func (b *Inbox) MarkRead(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.items[id]
	if !ok || !n.Unread() {
		return false
	}
	n.Status = collab.NotificationRead
	b.items[id] = n
	return true
}

// Unread counts unread notifications.
func (b *Inbox) Unread() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, n := range b.items {
		if n.Unread() {
			count++
		}
	}
	return count
}

// List returns the notifications newest first.
func (b *Inbox) List() []collab.Notification {
	b.mu.Lock()
	out := make([]collab.Notification, 0, len(b.items))
	for _, n := range b.items {
		out = append(out, n)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
