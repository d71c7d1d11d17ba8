// Package registry owns the transport table, the socket-fd index, the
// id allocator, and a lock-free snapshot view. It is the Go home for
// what the reference implementation scatters across the global
// xports/sock_xports arrays and xports_global_lock.
package registry

import (
	"fmt"
	"sync"

	"github.com/behrlich/go-rpcsvc/internal/idalloc"
	"github.com/behrlich/go-rpcsvc/internal/transport"
)

// ErrAlreadyRegistered is returned by Register when the target fd slot
// is occupied by a live (non-vacant) transport.
var ErrAlreadyRegistered = fmt.Errorf("registry: socket slot already registered")

// Registry owns transports by ID, keyed also by socket fd for non-clone
// transports. registryLock guards mutation; viewLock guards the
// published snapshot, kept separate so readers of the view never
// contend with writers of the live table (spec §5 lock ordering:
// registryLock before viewLock).
type Registry struct {
	registryLock sync.Mutex
	viewLock     sync.RWMutex

	ids     *idalloc.Allocator
	table   map[int]*transport.Transport
	sockets map[int]*transport.Transport

	view    map[int]*transport.Transport
	version uint64
	maxID   int
}

// New creates a Registry able to hold up to capacity simultaneous
// transports.
func New(capacity int) *Registry {
	return &Registry{
		ids:     idalloc.New(capacity),
		table:   make(map[int]*transport.Transport),
		sockets: make(map[int]*transport.Transport),
		view:    make(map[int]*transport.Transport),
	}
}

// socketVacant implements the socket availability rule: a slot is
// vacant if empty, tombstoned (absent from the map), or the occupant's
// progress has RETURN set.
func (r *Registry) socketVacant(fd int) bool {
	occ, ok := r.sockets[fd]
	if !ok {
		return true
	}
	return occ.HasProgress(transport.ProgressReturn)
}

// Register assigns an ID (if unassigned), installs t in the table and,
// for non-clone transports, in the socket index, then bumps the
// version. It fails with ErrAlreadyRegistered if the socket slot is
// non-vacant.
func (r *Registry) Register(t *transport.Transport) error {
	r.registryLock.Lock()
	defer r.registryLock.Unlock()

	if !t.IsClone() {
		if !r.socketVacant(t.SocketFD) {
			return ErrAlreadyRegistered
		}
	}

	if t.ID == transport.InvalidID {
		id, err := r.ids.Alloc()
		if err != nil {
			return fmt.Errorf("registry: %w", err)
		}
		t.ID = id
	}

	r.table[t.ID] = t
	if !t.IsClone() {
		r.sockets[t.SocketFD] = t
	}
	if t.ID > r.maxID {
		r.maxID = t.ID
	}
	r.bumpVersionLocked()
	return nil
}

// Unregister removes t from the table and socket index, releases its
// ID, and bumps the version. If t is a clone, its parent's refcount is
// decremented. The caller need not pre-hold registryLock; Unregister
// acquires it (see DESIGN.md Open Question decision #1).
func (r *Registry) Unregister(t *transport.Transport) {
	r.registryLock.Lock()
	defer r.registryLock.Unlock()

	delete(r.table, t.ID)
	if !t.IsClone() {
		if occ, ok := r.sockets[t.SocketFD]; ok && occ == t {
			delete(r.sockets, t.SocketFD)
		}
	}
	r.ids.Free(t.ID)

	if t.IsClone() {
		if parent, ok := r.table[t.ParentID]; ok {
			parent.Release()
		}
	}
	r.bumpVersionLocked()
}

// Lookup returns the transport registered under id, if any.
func (r *Registry) Lookup(id int) (*transport.Transport, bool) {
	r.registryLock.Lock()
	defer r.registryLock.Unlock()
	t, ok := r.table[id]
	return t, ok
}

// LookupSocket returns the non-clone transport owning fd, if any.
func (r *Registry) LookupSocket(fd int) (*transport.Transport, bool) {
	r.registryLock.Lock()
	defer r.registryLock.Unlock()
	t, ok := r.sockets[fd]
	return t, ok
}

// Count returns the number of registered transports.
func (r *Registry) Count() int {
	r.registryLock.Lock()
	defer r.registryLock.Unlock()
	return len(r.table)
}

// MaxID returns the highest ID ever assigned; it never shrinks.
func (r *Registry) MaxID() int {
	r.registryLock.Lock()
	defer r.registryLock.Unlock()
	return r.maxID
}

// Version returns the current mutation counter.
func (r *Registry) Version() uint64 {
	r.registryLock.Lock()
	defer r.registryLock.Unlock()
	return r.version
}

func (r *Registry) bumpVersionLocked() {
	r.version++
	r.publishViewLocked()
}

// publishViewLocked copies the live table into the view buffer under
// viewLock, while registryLock is already held. Readers of Snapshot
// never block writers of the live table beyond this copy.
func (r *Registry) publishViewLocked() {
	snap := make(map[int]*transport.Transport, len(r.table))
	for id, t := range r.table {
		snap[id] = t
	}
	r.viewLock.Lock()
	r.view = snap
	r.viewLock.Unlock()
}

// Snapshot returns the most recently published view of the table,
// safe for lock-free concurrent readers such as tracing code.
func (r *Registry) Snapshot() map[int]*transport.Transport {
	r.viewLock.RLock()
	defer r.viewLock.RUnlock()
	out := make(map[int]*transport.Transport, len(r.view))
	for id, t := range r.view {
		out[id] = t
	}
	return out
}

// Fsck runs consistency checks corresponding to invariants I1-I3 and
// returns the first violation found, or nil. The runtime never calls
// it on its own and svcconfig.FailFast does not enable it; it runs only
// when a caller invokes it explicitly.
func (r *Registry) Fsck() error {
	r.registryLock.Lock()
	defer r.registryLock.Unlock()

	for fd, t := range r.sockets {
		if t.SocketFD != fd {
			return fmt.Errorf("registry: I1 violated: socket_table[%d] holds transport with fd %d", fd, t.SocketFD)
		}
		if t.IsClone() {
			return fmt.Errorf("registry: I1 violated: clone transport %d present in socket_table", t.ID)
		}
	}

	for id, t := range r.table {
		if t.ID != id {
			return fmt.Errorf("registry: I2 violated: table[%d] holds transport with id %d", id, t.ID)
		}
		if !r.ids.InUse(id) {
			return fmt.Errorf("registry: I2 violated: id %d not marked allocated", id)
		}
	}

	for id, t := range r.table {
		if t.RefCount() > 0 && t.IsClone() {
			// A clone with live refs is a contradiction: clones never
			// themselves hold refs (only parents are pinned by them).
			return fmt.Errorf("registry: I3 violated: clone transport %d has nonzero refcount", id)
		}
	}

	return nil
}
