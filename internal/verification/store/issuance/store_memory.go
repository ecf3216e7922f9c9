package issuance

import (
	"context"
	"sync"
	"time"

	psync "proz/pkg/platform/sync"
)

// InMemoryCounter keeps windows in process memory. Counters are per instance.
type InMemoryCounter struct {
	locks   *psync.ShardedMutex
	mu      sync.RWMutex
	windows map[string]Window
}

func NewInMemoryCounter() *InMemoryCounter {
	return &InMemoryCounter{
		locks:   psync.NewShardedMutex(),
		windows: make(map[string]Window),
	}
}

func (c *InMemoryCounter) Current(_ context.Context, subject string, length time.Duration, now time.Time) (Window, error) {
	c.mu.RLock()
	w, ok := c.windows[subject]
	c.mu.RUnlock()
	if !ok || lapsed(w.StartedAt, length, now) {
		return Window{}, nil
	}
	return w, nil
}

func (c *InMemoryCounter) Increment(_ context.Context, subject string, length time.Duration, now time.Time) (Window, error) {
	c.locks.Lock(subject)
	defer c.locks.Unlock(subject)

	c.mu.RLock()
	w, ok := c.windows[subject]
	c.mu.RUnlock()

	if !ok || lapsed(w.StartedAt, length, now) {
		w = Window{StartedAt: now}
	}
	w.Count++

	c.mu.Lock()
	c.windows[subject] = w
	c.mu.Unlock()
	return w, nil
}

func (c *InMemoryCounter) Reset(_ context.Context, subject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.windows, subject)
	return nil
}

// DeleteLapsed drops windows that started at or before cutoff.
func (c *InMemoryCounter) DeleteLapsed(_ context.Context, cutoff time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for subject, w := range c.windows {
		if !w.StartedAt.After(cutoff) {
			delete(c.windows, subject)
			removed++
		}
	}
	return removed, nil
}
