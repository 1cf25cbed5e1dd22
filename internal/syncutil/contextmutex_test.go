package syncutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestContextMutex_BasicLockUnlock(t *testing.T) {
	m := NewContextMutex()

	unlock, err := m.LockContext(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()

	unlock = m.Lock()
	unlock()
}

func TestContextMutex_MutualExclusion(t *testing.T) {
	m := NewContextMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx)
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			// Non-atomic increment: a broken lock shows up as a lost update.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d", n, atomic.LoadInt64(&counter))
	}
}

func TestContextMutex_ContextCancelled(t *testing.T) {
	m := NewContextMutex()

	unlock, err := m.LockContext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestContextMutex_AlreadyCancelledFailsEvenWhenFree(t *testing.T) {
	m := NewContextMutex()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.LockContext(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Canceled, got %v", err)
	}
	if _, ok := m.TryLock(); !ok {
		t.Fatal("failed lock attempt must leave the mutex free")
	}
}

func TestContextMutex_TryLock(t *testing.T) {
	m := NewContextMutex()
	unlock, ok := m.TryLock()
	if !ok {
		t.Fatal("expected TryLock to succeed on a free mutex")
	}
	if _, ok := m.TryLock(); ok {
		t.Fatal("expected TryLock to fail on a held mutex")
	}
	unlock()
}

func TestContextMutex_UnlockAllowsNext(t *testing.T) {
	m := NewContextMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx)
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second goroutine acquired lock before first released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second goroutine did not acquire lock after first released")
	}
}
