package usecase

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSessionLockerSerializes(t *testing.T) {
	sl := NewSessionLocker()
	ctx := context.Background()

	var inCritical int
	var maxConcurrent int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := sl.Lock(ctx, "s1")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			mu.Lock()
			inCritical++
			if inCritical > maxConcurrent {
				maxConcurrent = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxConcurrent != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxConcurrent)
	}
	if sl.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0 after all unlocks", sl.ActiveCount())
	}
}

func TestSessionLockerIndependentSessions(t *testing.T) {
	sl := NewSessionLocker()
	ctx := context.Background()

	unlock1, err := sl.Lock(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock1()

	// A different session must not block.
	done := make(chan struct{})
	go func() {
		unlock2, err := sl.Lock(ctx, "b")
		if err == nil {
			unlock2()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on independent session blocked")
	}
}

func TestSessionLockerContextCancelled(t *testing.T) {
	sl := NewSessionLocker()

	unlock, err := sl.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = sl.Lock(ctx, "s1")
	if err == nil {
		t.Fatal("expected error when lock held and context expires")
	}

	unlock()

	// The cleanup goroutine releases the abandoned acquisition; the lock
	// must become available again.
	deadline := time.Now().Add(time.Second)
	for {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
		u, lockErr := sl.Lock(ctx2, "s1")
		cancel2()
		if lockErr == nil {
			u()
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("lock never became available after cancelled acquisition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
