package vault

import (
	"context"
	"sync"
)

type lockEntry struct {
	held chan struct{}
	refs int
}

// lockTable serialises pipelines per capsule key. Different keys never
// contend; entries are dropped once no goroutine holds or waits on them.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*lockEntry)}
}

// Acquire blocks until key is free or ctx is done. The returned func
// releases the lock and must be called exactly once.
func (t *lockTable) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	e, ok := t.locks[key]
	if !ok {
		e = &lockEntry{held: make(chan struct{}, 1)}
		t.locks[key] = e
	}
	e.refs++
	t.mu.Unlock()

	select {
	case e.held <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.held
				t.unref(key, e)
			})
		}, nil
	case <-ctx.Done():
		t.unref(key, e)
		return nil, ctx.Err()
	}
}

func (t *lockTable) unref(key string, e *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.locks, key)
	}
}

// Len returns the number of keys held or waited on.
func (t *lockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
