// Package locks provides per-key mutual exclusion with context-bounded waits.
package locks

import (
	"context"
	"sync"
)

// Keyed hands out one exclusive slot per key. Entries are dropped once no
// goroutine holds or waits for them.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	slot chan struct{}
	refs int
}

// New returns an empty keyed lock set.
func New() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Lock acquires the slot for key or returns ctx.Err() once the context ends.
// The returned function releases the slot and must be called exactly once.
func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	e := k.acquire(key)
	select {
	case e.slot <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.slot
				k.release(key)
			})
		}, nil
	case <-ctx.Done():
		k.release(key)
		return nil, ctx.Err()
	}
}

// Len reports how many keys are currently tracked.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *Keyed) acquire(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(k.entries, key)
	}
}
