// Package lock serializes work per key.
//
// The aggregation engine takes a lock on (date, device) around each daily
// read-modify-write so concurrent uplinks for the same device never race,
// even on a backend whose UpdateDaily is only atomic per process.
package lock

import (
	"context"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ErrLockTimeout is returned when a lock could not be acquired before the
// context expired.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Unlock releases a held lock. It is safe to call once.
type Unlock func()

// Locker acquires a lock for key, blocking until it is free or ctx ends.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// DefaultStripes is the stripe count used by NewKeyed when n <= 0.
const DefaultStripes = 256

// Keyed is an in-process Locker. Keys hash onto a fixed set of stripes, so
// memory stays bounded no matter how many devices report; two keys sharing
// a stripe simply serialize.
type Keyed struct {
	stripes []chan struct{}
}

var _ Locker = (*Keyed)(nil)

// NewKeyed creates a Keyed locker with n stripes.
func NewKeyed(n int) *Keyed {
	if n <= 0 {
		n = DefaultStripes
	}
	k := &Keyed{stripes: make([]chan struct{}, n)}
	for i := range k.stripes {
		k.stripes[i] = make(chan struct{}, 1)
	}
	return k
}

// Lock blocks until key's stripe is free or ctx is done.
func (k *Keyed) Lock(ctx context.Context, key string) (Unlock, error) {
	stripe := k.stripes[xxhash.Sum64String(key)%uint64(len(k.stripes))]

	select {
	case stripe <- struct{}{}:
		return func() { <-stripe }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
	}
}
