package auth

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newLimiter(t *testing.T, sweep, maxAge time.Duration, maxEntries int) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(sweep, maxAge, maxEntries)
	t.Cleanup(rl.Stop)
	return rl
}

func attempt(t *testing.T, rl *RateLimiter, key string) {
	t.Helper()
	if err := rl.CheckLimit(key, 100, time.Hour); err != nil {
		t.Fatalf("CheckLimit(%s) error = %v", key, err)
	}
}

func TestRateLimiter_CheckLimit(t *testing.T) {
	tests := []struct {
		name     string
		max      int
		attempts int
		reset    bool
		wantErr  bool
	}{
		{name: "under the limit", max: 3, attempts: 2},
		{name: "at the limit", max: 3, attempts: 3, wantErr: true},
		{name: "reset clears history", max: 3, attempts: 3, reset: true},
		{name: "single attempt budget", max: 1, attempts: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := newLimiter(t, time.Hour, time.Hour, 100)
			for i := 0; i < tt.attempts; i++ {
				if err := rl.CheckLimit("alice@10.0.0.1", tt.max, time.Minute); err != nil {
					t.Fatalf("attempt %d rejected: %v", i+1, err)
				}
			}
			if tt.reset {
				rl.ResetLimit("alice@10.0.0.1")
			}

			err := rl.CheckLimit("alice@10.0.0.1", tt.max, time.Minute)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckLimit() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	rl := newLimiter(t, time.Hour, time.Hour, 100)

	if err := rl.CheckLimit("10.0.0.2", 1, 30*time.Millisecond); err != nil {
		t.Fatalf("first login rejected: %v", err)
	}
	if err := rl.CheckLimit("10.0.0.2", 1, 30*time.Millisecond); err == nil {
		t.Fatal("second login inside the window should be rejected")
	}

	time.Sleep(50 * time.Millisecond)
	if err := rl.CheckLimit("10.0.0.2", 1, 30*time.Millisecond); err != nil {
		t.Errorf("login after the window rejected: %v", err)
	}
}

func TestRateLimiter_SweepDropsIdleClients(t *testing.T) {
	rl := newLimiter(t, 20*time.Millisecond, 40*time.Millisecond, 100)
	for i := 0; i < 4; i++ {
		attempt(t, rl, fmt.Sprintf("client-%d", i))
	}
	if got := rl.Len(); got != 4 {
		t.Fatalf("Len() = %d, want 4", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rl.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := rl.Len(); got != 0 {
		t.Errorf("Len() after sweep = %d, want 0", got)
	}
}

func TestRateLimiter_StoppedLimiterKeepsEntries(t *testing.T) {
	rl := NewRateLimiter(20*time.Millisecond, 40*time.Millisecond, 100)
	attempt(t, rl, "client-a")
	attempt(t, rl, "client-b")

	rl.Stop()
	rl.Stop()
	time.Sleep(100 * time.Millisecond)

	if got := rl.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2 once the sweep is stopped", got)
	}

	rl.Cleanup(0)
	if got := rl.Len(); got != 0 {
		t.Errorf("Len() after manual cleanup = %d, want 0", got)
	}
}

func TestRateLimiter_EvictsLeastRecentClient(t *testing.T) {
	rl := newLimiter(t, time.Hour, time.Hour, 3)
	for _, key := range []string{"first", "second", "third"} {
		attempt(t, rl, key)
		time.Sleep(5 * time.Millisecond)
	}
	attempt(t, rl, "second")

	attempt(t, rl, "fourth")
	if got := rl.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	// "first" was evicted, so a one-attempt budget is still open for it.
	if err := rl.CheckLimit("first", 1, time.Hour); err != nil {
		t.Errorf("expected first to be evicted: %v", err)
	}
	if err := rl.CheckLimit("second", 1, time.Hour); err == nil {
		t.Error("expected second to survive eviction")
	}
}

func TestRateLimiter_ConcurrentLogins(t *testing.T) {
	rl := newLimiter(t, 10*time.Millisecond, time.Second, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = rl.CheckLimit(fmt.Sprintf("client-%d", n%8), 1000, time.Second)
		}(i)
	}
	wg.Wait()

	if got := rl.Len(); got < 1 || got > 8 {
		t.Errorf("Len() = %d, want between 1 and 8", got)
	}
}
