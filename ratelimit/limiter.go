// Package ratelimit bounds outbound calls to the Vendo API by concurrency and
// a sliding per-second quota. One Limiter instance is shared by every batch
// task using the same API credential; it is always injected, never a package
// global.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultMaxConcurrent  = 3
	DefaultCallsPerWindow = 3
	DefaultWindow         = time.Second
)

// Limiter never rejects a caller, it only delays. Callers apply their own
// timeouts through ctx.
type Limiter struct {
	window   time.Duration
	maxCalls int
	sem      chan struct{}

	mu     sync.Mutex
	starts []time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func New(maxConcurrent int, callsPerWindow int, window time.Duration) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if callsPerWindow <= 0 {
		callsPerWindow = DefaultCallsPerWindow
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		window:   window,
		maxCalls: callsPerWindow,
		sem:      make(chan struct{}, maxConcurrent),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func NewDefault() *Limiter {
	return New(DefaultMaxConcurrent, DefaultCallsPerWindow, DefaultWindow)
}

// Acquire blocks until a slot is available in both the concurrency semaphore
// and the trailing window, then returns the release func for the semaphore
// slot. The wait is a re-check loop keyed to the oldest start in the window,
// not a fixed sleep, so the quota is neither under- nor overshot.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	release := func() { <-l.sem }

	for {
		wait, ok := l.tryStart()
		if ok {
			return release, nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			release()
			return nil, err
		}
	}
}

// tryStart records a call start if the trailing window has room, otherwise
// reports how long until the oldest start expires.
func (l *Limiter) tryStart() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.starts[:0]
	for _, t := range l.starts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.starts = kept

	if len(l.starts) < l.maxCalls {
		l.starts = append(l.starts, now)
		return 0, true
	}

	wait := l.starts[0].Sub(cutoff)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
