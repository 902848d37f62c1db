package retrieval

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Locker hands out exclusive, context-aware locks keyed by mailbox. It only
// serializes sessions inside this process.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*semaphore.Weighted)}
}

// Acquire blocks until the lock for key is free or ctx ends. The returned
// release func is safe to call more than once; only the first call releases.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	sem, ok := l.locks[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.locks[key] = sem
	}
	l.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}
