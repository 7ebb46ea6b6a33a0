// Package keylock implements a fair, FIFO-queued per-key lock table: the
// reference scripting.KeyLocker used when no external locking service is
// wired in. A 30 second timeout per spec §5 breaks deadlocks between
// scripts contending on overlapping key sets.
package keylock

import (
	"context"
	"sort"
	"sync"
	"time"
)

const defaultTimeout = 30 * time.Second

type waiter struct {
	ch chan struct{}
}

// Table is a fair FIFO lock per key, sorted-acquisition to avoid
// deadlocks between scripts that lock overlapping key sets in different
// orders.
type Table struct {
	mu      sync.Mutex
	held    map[string]bool
	waiters map[string][]*waiter
	timeout time.Duration
}

// New returns an empty lock table using the spec's 30s default timeout.
func New() *Table {
	return &Table{
		held:    make(map[string]bool),
		waiters: make(map[string][]*waiter),
		timeout: defaultTimeout,
	}
}

// Lock implements scripting.KeyLocker. Keys are sorted before acquisition
// so two callers locking the same key set in different orders cannot
// deadlock each other.
func (t *Table) Lock(ctx context.Context, keys []string) (func(), error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	deadline := time.Now().Add(t.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	acquired := make([]string, 0, len(sorted))
	for _, key := range sorted {
		if err := t.acquireOne(ctx, key, deadline); err != nil {
			t.releaseAll(acquired)
			return nil, err
		}
		acquired = append(acquired, key)
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() { t.releaseAll(acquired) })
	}
	return unlock, nil
}

// acquireOne grants key either immediately or once it is handed off by
// releaseAll. A waiter woken via its channel already owns the key; it
// must not recheck t.held, since ownership transfers directly from the
// releaser to keep FIFO order (a naive recheck would let a later caller
// jump the queue).
func (t *Table) acquireOne(ctx context.Context, key string, deadline time.Time) error {
	t.mu.Lock()
	if !t.held[key] {
		t.held[key] = true
		t.mu.Unlock()
		return nil
	}
	w := &waiter{ch: make(chan struct{})}
	t.waiters[key] = append(t.waiters[key], w)
	t.mu.Unlock()

	remaining := time.Until(deadline)
	if remaining <= 0 {
		t.removeWaiter(key, w)
		return context.DeadlineExceeded
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-w.ch:
		return nil
	case <-timer.C:
		t.removeWaiter(key, w)
		return context.DeadlineExceeded
	case <-ctx.Done():
		t.removeWaiter(key, w)
		return ctx.Err()
	}
}

func (t *Table) removeWaiter(key string, target *waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws := t.waiters[key]
	for i, w := range ws {
		if w == target {
			t.waiters[key] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

func (t *Table) releaseAll(keys []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range keys {
		ws := t.waiters[key]
		if len(ws) > 0 {
			next := ws[0]
			t.waiters[key] = ws[1:]
			close(next.ch)
			// held[key] stays true; ownership transfers to next waiter.
			continue
		}
		delete(t.held, key)
	}
}
