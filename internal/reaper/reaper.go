// Package reaper implements the mark-and-sweep reclamation pass run
// between poll iterations, grounded on the xprt_gc_reap_all() call at
// the top of the reference implementation's svc_run() main loop.
package reaper

import (
	"sync"

	"github.com/behrlich/go-rpcsvc/internal/registry"
	"github.com/behrlich/go-rpcsvc/internal/transport"
)

// Destroyer is invoked once per reclaimed transport so the caller can
// close its fd (if owned), tear down its codec, and drop references.
type Destroyer func(t *transport.Transport)

// MarkSet is a disjointly-locked set of transport IDs pending
// destruction. Marking is cheap and wait-free from a worker's
// perspective; sweeping happens only from the run-loop goroutine.
type MarkSet struct {
	mu     sync.Mutex
	marked map[int]struct{}
}

// NewMarkSet creates an empty mark set.
func NewMarkSet() *MarkSet {
	return &MarkSet{marked: make(map[int]struct{})}
}

// Mark schedules id for destruction on the next sweep.
func (m *MarkSet) Mark(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked[id] = struct{}{}
}

// Marked reports whether id is currently pending destruction.
func (m *MarkSet) Marked(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.marked[id]
	return ok
}

// Len returns the number of IDs currently marked.
func (m *MarkSet) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.marked)
}

func (m *MarkSet) drain() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.marked))
	for id := range m.marked {
		ids = append(ids, id)
	}
	m.marked = make(map[int]struct{})
	return ids
}

func (m *MarkSet) remark(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked[id] = struct{}{}
}

// Reaper applies mark-set entries against the registry: a clone is
// always destroyed; an owner is destroyed only once its refcount has
// dropped to zero (invariant I3/I4). Owners that still have live
// clones are put back in the mark set for the next sweep.
type Reaper struct {
	reg   *registry.Registry
	marks *MarkSet
}

// New creates a Reaper over reg and marks.
func New(reg *registry.Registry, marks *MarkSet) *Reaper {
	return &Reaper{reg: reg, marks: marks}
}

// ReapAll destroys every transport eligible for reclamation this
// sweep, invoking destroy for each. It returns the number destroyed.
func (r *Reaper) ReapAll(destroy Destroyer) int {
	ids := r.marks.drain()
	n := 0
	for _, id := range ids {
		t, ok := r.reg.Lookup(id)
		if !ok {
			// Already gone; nothing to do.
			continue
		}

		if t.IsClone() {
			r.reg.Unregister(t)
			if destroy != nil {
				destroy(t)
			}
			n++
			continue
		}

		if t.RefCount() == 0 {
			r.reg.Unregister(t)
			if destroy != nil {
				destroy(t)
			}
			n++
			continue
		}

		// Owner still has live clones; try again next sweep.
		r.marks.remark(id)
	}
	return n
}
