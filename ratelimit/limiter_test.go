package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquire_BoundsConcurrency(t *testing.T) {
	// Generous window so only the semaphore constrains this test.
	l := New(3, 1000, 50*time.Millisecond)

	var inFlight int64
	var maxSeen int64
	var wg sync.WaitGroup

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt64(&inFlight, 1)
			for {
				prev := atomic.LoadInt64(&maxSeen)
				if n <= prev || atomic.CompareAndSwapInt64(&maxSeen, prev, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			release()
		}()
	}
	wg.Wait()

	if maxSeen > 3 {
		t.Fatalf("expected at most 3 concurrent in-flight calls, saw %d", maxSeen)
	}
}

func TestAcquire_NeverExceedsWindowQuota(t *testing.T) {
	const window = 100 * time.Millisecond
	l := New(3, 3, window)

	var mu sync.Mutex
	var starts []time.Time
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if len(starts) != 100 {
		t.Fatalf("expected 100 captured starts, got %d", len(starts))
	}

	// No trailing window may contain more than 3 starts. The capture
	// timestamps land shortly after the limiter's own bookkeeping, so allow a
	// small scheduling skew when sliding the window.
	const skew = 5 * time.Millisecond
	for i := range starts {
		count := 1
		for j := range starts {
			if j == i {
				continue
			}
			d := starts[j].Sub(starts[i])
			if d >= 0 && d < window-skew {
				count++
			}
		}
		if count > 3 {
			t.Fatalf("found %d call starts within one %s window", count, window)
		}
	}
}

func TestAcquire_DelaysInsteadOfRejecting(t *testing.T) {
	const window = 50 * time.Millisecond
	l := New(10, 2, window)

	begin := time.Now()
	for i := 0; i < 6; i++ {
		release, err := l.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		release()
	}
	elapsed := time.Since(begin)

	// 6 calls at 2 per window need at least 2 full extra windows.
	if elapsed < 2*window {
		t.Fatalf("expected at least %s of scheduling delay, got %s", 2*window, elapsed)
	}
}

func TestAcquire_HonorsContextCancellation(t *testing.T) {
	l := New(1, 1, time.Hour)

	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := l.Acquire(ctx); err == nil {
		t.Fatal("expected context error while semaphore is full")
	}
}
