package service

import (
	"context"
	"sync"
	"time"

	"github.com/geosight/geosight/internal/models"
)

// inFlightFetch tracks a single upstream fetch that multiple callers may wait for.
type inFlightFetch struct {
	mu      sync.Mutex
	result  models.ResultBundle
	err     error
	done    bool
	waiters []chan struct{} // closed to notify waiters when the result is ready
}

// requestCoalescer prevents cache stampede by coalescing concurrent fetches
// for the same query key into one upstream pipeline run.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightFetch
	timeout  time.Duration
}

// newRequestCoalescer creates a requestCoalescer with the specified wait timeout.
func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightFetch),
		timeout:  timeout,
	}
}

// GetOrDo checks if a fetch for key is already in-flight. If yes, waits for
// its result. If no, executes fn and registers the fetch. Respects context
// cancellation and the coalescer timeout to prevent indefinite blocking.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.ResultBundle, error)) (models.ResultBundle, error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if exists {
		notify := make(chan struct{})
		req.mu.Lock()
		if req.done {
			result := req.result
			err := req.err
			req.mu.Unlock()
			rc.mu.Unlock()
			if err != nil {
				return models.ResultBundle{}, err
			}
			return result, nil
		}
		req.waiters = append(req.waiters, notify)
		req.mu.Unlock()
		rc.mu.Unlock()

		return rc.await(ctx, req, notify)
	}

	req = &inFlightFetch{
		waiters: make([]chan struct{}, 0),
	}
	rc.inFlight[key] = req
	rc.mu.Unlock()

	// Run the fetch in a goroutine so the initiator can also time out
	// without abandoning waiters.
	go func() {
		result, err := fn()

		req.mu.Lock()
		req.result = result
		req.err = err
		req.done = true
		waiters := req.waiters
		req.waiters = nil
		req.mu.Unlock()

		for _, notify := range waiters {
			close(notify)
		}

		rc.cleanup(key)
	}()

	notify := make(chan struct{})
	req.mu.Lock()
	if req.done {
		result := req.result
		err := req.err
		req.mu.Unlock()
		if err != nil {
			return models.ResultBundle{}, err
		}
		return result, nil
	}
	req.waiters = append(req.waiters, notify)
	req.mu.Unlock()

	return rc.await(ctx, req, notify)
}

// await blocks until the in-flight fetch completes, the context is done, or
// the coalescer timeout elapses.
func (rc *requestCoalescer) await(ctx context.Context, req *inFlightFetch, notify chan struct{}) (models.ResultBundle, error) {
	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-notify:
		req.mu.Lock()
		result := req.result
		err := req.err
		req.mu.Unlock()
		if err != nil {
			return models.ResultBundle{}, err
		}
		return result, nil
	case <-waitCtx.Done():
		return models.ResultBundle{}, waitCtx.Err()
	}
}

// cleanup removes the in-flight entry for key. Called after the fetch completes.
func (rc *requestCoalescer) cleanup(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.inFlight, key)
}
