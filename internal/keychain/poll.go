package keychain

import (
	"context"
	"errors"
	"time"
)

// DefaultPollInterval bounds how long a write by another process takes to be
// observed through a PollingWatcher.
const DefaultPollInterval = 2 * time.Second

// PollingWatcher adds a change feed to a Keychain that has none by comparing
// the watched keys on a fixed interval.
type PollingWatcher struct {
	Keychain
	interval time.Duration
	keys     []string
}

// NewPollingWatcher wraps kc. A non-positive interval uses DefaultPollInterval.
func NewPollingWatcher(kc Keychain, interval time.Duration) *PollingWatcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollingWatcher{Keychain: kc, interval: interval, keys: WatchedKeys}
}

// Interval returns the propagation bound of this watcher.
func (p *PollingWatcher) Interval() time.Duration {
	return p.interval
}

// Watch polls until ctx ends. The first snapshot is taken synchronously so
// writes after Watch returns are always reported.
func (p *PollingWatcher) Watch(ctx context.Context) (<-chan Change, error) {
	last := p.snapshot(nil)
	ch := make(chan Change, watchBuffer)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				current := p.snapshot(last)
				for _, key := range p.keys {
					prev, had := last[key]
					now, has := current[key]
					if had == has && prev == now {
						continue
					}
					change := Change{Key: key, Value: now, Deleted: !has}
					select {
					case ch <- change:
					case <-ctx.Done():
						return
					}
				}
				last = current
			}
		}
	}()

	return ch, nil
}

// snapshot reads the watched keys. A key that fails to read for a reason
// other than ErrNotFound keeps its value from prev so a transient keyring
// error is not reported as a logout.
func (p *PollingWatcher) snapshot(prev map[string]string) map[string]string {
	out := make(map[string]string, len(p.keys))
	for _, key := range p.keys {
		value, err := p.Get(key)
		switch {
		case err == nil:
			out[key] = value
		case errors.Is(err, ErrNotFound):
		default:
			if old, ok := prev[key]; ok {
				out[key] = old
			}
		}
	}
	return out
}
