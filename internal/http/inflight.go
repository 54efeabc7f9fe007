package http

import (
	"context"
	"sync"
	"time"
)

// InFlightTracker counts requests the server has accepted but not yet
// finished answering. Shutdown drains on this count before closing stores.
type InFlightTracker struct {
	mu    sync.RWMutex
	count int64
}

// Increment records a request entering the handler chain.
func (t *InFlightTracker) Increment() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
}

// Decrement records a request leaving the handler chain. Must pair with a
// prior Increment.
func (t *InFlightTracker) Decrement() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count--
}

// Count returns the number of requests currently in flight.
func (t *InFlightTracker) Count() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// WaitForZero polls every checkInterval until the count drains to zero,
// returning the context error if ctx expires first.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		if t.Count() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// globalInFlightTracker backs MetricsMiddleware; one counter per process.
var globalInFlightTracker = &InFlightTracker{}

// InFlightCount reports the process-wide in-flight request count.
func InFlightCount() int64 {
	return globalInFlightTracker.Count()
}

// WaitForInFlight drains the process-wide counter; used by main during
// graceful shutdown after the listener has stopped accepting.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	return globalInFlightTracker.WaitForZero(ctx, checkInterval)
}
