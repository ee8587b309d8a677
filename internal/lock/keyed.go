// Package lock provides a registry of per-key mutexes with bounded waits.
//
// Each key (a party identity, a provider id) gets its own lock, so writers for
// unrelated keys never block each other. Every acquisition is bounded: either
// by the caller's context or by an explicit maximum wait.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxWait is used when a caller passes a non-positive wait bound.
const DefaultMaxWait = 5 * time.Second

// ErrLockTimeout is returned when a lock could not be acquired within the wait bound.
var ErrLockTimeout = errors.New("lock wait exceeded")

// Keyed hands out one exclusive lock per key. Entries are reference counted and
// dropped once no holder or waiter remains.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewKeyed creates an empty lock registry.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*entry)}
}

// Acquire blocks until the lock for key is held, maxWait elapses or ctx is
// cancelled. The returned release function is safe to call more than once.
func (k *Keyed) Acquire(ctx context.Context, key string, maxWait time.Duration) (func(), error) {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}

	e := k.ref(key)

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	if err := e.sem.Acquire(waitCtx, 1); err != nil {
		k.unref(key, e)
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, key, maxWait)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			k.unref(key, e)
		})
	}, nil
}

// Len reports how many keys currently have holders or waiters.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *Keyed) ref(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.locks[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) unref(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e.refs--
	if e.refs <= 0 {
		delete(k.locks, key)
	}
}
