package store

import "context"

// Async wraps a Store with a bounded blocking pool so callers on an async
// executor never call into SQLite directly from the reactor. Operations
// queue behind a semaphore of size poolSize and run on their own goroutine.
type Async struct {
	store *Store
	sem   chan struct{}
}

// NewAsync wraps store with a blocking pool of the given size.
func NewAsync(store *Store, poolSize int) *Async {
	if poolSize <= 0 {
		poolSize = 4
	}
	return &Async{store: store, sem: make(chan struct{}, poolSize)}
}

// Offload runs fn on the blocking pool, respecting ctx cancellation while
// waiting for a free slot.
func (a *Async) Offload(ctx context.Context, fn func(*Store) error) error {
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-a.sem }()

	done := make(chan error, 1)
	go func() {
		done <- fn(a.store)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The goroutine keeps running to completion against the store
		// (SQLite has no per-call cancellation), but the caller is freed.
		return ctx.Err()
	}
}

// Store returns the wrapped synchronous Store for callers that are already
// running on a worker goroutine (e.g. the action worker loop).
func (a *Async) Store() *Store {
	return a.store
}
