// Package idalloc allocates small dense integer identifiers, recycling
// the lowest-numbered free slot first. It backs transport-table ID
// assignment, mirroring how the reference run-loop keeps its live
// transports packed into a low range of an xports array rather than an
// ever-growing one.
package idalloc

import (
	"fmt"
	"sync"

	"github.com/behrlich/go-rpcsvc/internal/bitset"
)

// Allocator hands out the smallest unused non-negative integer ID and
// tracks which IDs are currently live. Safe for concurrent use.
type Allocator struct {
	mu   sync.Mutex
	used *bitset.Bitset
	cap  int
}

// New creates an Allocator able to hand out IDs in [0, capacity).
func New(capacity int) *Allocator {
	if capacity <= 0 {
		panic("idalloc: capacity must be positive")
	}
	return &Allocator{
		used: bitset.New(capacity),
		cap:  capacity,
	}
}

// Alloc reserves and returns the smallest free ID. It returns an error
// if the allocator has reached capacity, the Go analogue of the
// reference implementation's table-full fatal path.
func (a *Allocator) Alloc() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.used.FirstClear()
	if id < 0 {
		return -1, fmt.Errorf("idalloc: table exhausted (capacity %d)", a.cap)
	}
	a.used.Set(id)
	return id, nil
}

// Free releases id back to the pool so a future Alloc can reuse it.
// Freeing an ID that is not currently allocated is a no-op.
func (a *Allocator) Free(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < 0 || id >= a.cap {
		return
	}
	a.used.Clear(id)
}

// InUse reports whether id is currently allocated.
func (a *Allocator) InUse(id int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < 0 || id >= a.cap {
		return false
	}
	return a.used.Test(id)
}

// Count returns the number of currently allocated IDs.
func (a *Allocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used.Count()
}

// Capacity returns the maximum number of simultaneously live IDs.
func (a *Allocator) Capacity() int {
	return a.cap
}
