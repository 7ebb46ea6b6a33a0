package keylock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aikv/aikv/internal/scripting/keylock"
)

func TestLockExcludesConcurrentAccess(t *testing.T) {
	table := keylock.New()
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := table.Lock(context.Background(), []string{"shared"})
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 20 {
		t.Fatalf("expected 20 increments under lock, got %d", counter)
	}
}

func TestLockOrderingIsDeadlockFree(t *testing.T) {
	table := keylock.New()
	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		unlock, err := table.Lock(context.Background(), []string{"a", "b"})
		if err != nil {
			errs <- err
			return
		}
		time.Sleep(10 * time.Millisecond)
		unlock()
	}()
	go func() {
		defer wg.Done()
		unlock, err := table.Lock(context.Background(), []string{"b", "a"})
		if err != nil {
			errs <- err
			return
		}
		time.Sleep(10 * time.Millisecond)
		unlock()
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock: both lockers did not complete in time")
	}
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected lock error: %v", err)
	}
}

func TestLockRespectsContextCancellation(t *testing.T) {
	table := keylock.New()
	unlock, err := table.Lock(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("first lock failed: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = table.Lock(ctx, []string{"x"})
	if err == nil {
		t.Fatal("expected contended lock to time out")
	}
}
