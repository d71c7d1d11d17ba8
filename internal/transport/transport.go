// Package transport defines the per-connection state record shared by
// the registry, poll set, and pipeline. Its field layout mirrors the
// reference implementation's multi-threaded SVCXPRT extension, with
// the historical "extra bytes tacked onto a C struct" trick replaced
// by plain Go composition.
package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Role identifies what kind of transport a record represents.
type Role int

const (
	RoleInvalid Role = iota
	RoleRendezvousTCP
	RoleConnectionTCP
	RoleConnectionUDP
	RoleCloneUDP
)

func (r Role) String() string {
	switch r {
	case RoleRendezvousTCP:
		return "RendezvousTCP"
	case RoleConnectionTCP:
		return "ConnectionTCP"
	case RoleConnectionUDP:
		return "ConnectionUDP"
	case RoleCloneUDP:
		return "CloneUDP"
	default:
		return "Invalid"
	}
}

// Progress milestone bits. They form a monotone join-semilattice: once
// set, a bit is never cleared except by the explicit composite reset
// applied when a returned connection transport is recycled (spec
// invariant I5).
type Progress uint32

const (
	ProgressRecv Progress = 1 << iota
	ProgressRead
	ProgressGetArgs
	ProgressDispatch
	ProgressReply
	ProgressFreeArgs
	ProgressWait
	ProgressReturn
)

// InvalidID is the sentinel for "unassigned" transport IDs.
const InvalidID = -1

// NoParent is the sentinel parent_id for non-clone transports.
const NoParent = -1

// guardValue is written into Guard as a use-after-free / overrun
// sentinel; only an explicit CheckGuard call checks it.
const guardValue = "MTXPRT_"

// magicValue mirrors the reference implementation's MTXPRT_MAGIC.
const magicValue = 0x12345

// Transport is the per-connection state record. It is shared between
// the run-loop goroutine (which owns recv/accept) and at most one
// worker goroutine at a time (which owns get_args/reply/free_args/
// return), per invariant I6.
type Transport struct {
	ID       int
	Role     Role
	SocketFD int
	Port     int
	ParentID int

	// mu guards the non-atomic bookkeeping fields below: busy and
	// refcount. Progress is accessed without mu
	// via atomic ops so a worker can publish a milestone without
	// blocking on whatever the poll thread is doing.
	mu       sync.Mutex
	busy     bool
	refcount int

	Progress atomic.Uint32

	// Codec is the external wire-format collaborator; opaque to this
	// package (see internal/collab.Codec).
	Codec any

	// Scratch holds the per-transport request/message/credentials
	// storage so worker goroutines never alias each other's buffers
	// (invariant I7).
	Scratch *RequestScratch

	// Ready unblocks the poll thread once a worker has consumed the
	// call arguments (mutex-wait strategy in spec §4.5). Buffered 1 so
	// a worker's get_args never blocks on a pipeline that hasn't
	// started waiting yet.
	Ready chan struct{}

	// CreatorGoroutine is a debug-only owner token, the Go analogue of
	// mtxp_creator; it is not a real thread ID, just an opaque marker.
	// Nothing in this module sets or compares it.
	CreatorGoroutine uint64

	Magic int
	Guard string
}

// RequestScratch is the per-transport preallocated storage for the
// current request's call metadata, reply message, and credentials
// bytes. Having this live on the Transport rather than a worker's
// stack is what gives invariant I7 its non-aliasing guarantee.
type RequestScratch struct {
	Program   uint32
	Version   uint32
	Procedure uint32
	AuthFlavor uint32
	Credentials []byte
	Xid       uint32
	PeerAddr  string
}

// New constructs a Transport with zeroed progress and a ready signal
// ready for immediate use.
func New(role Role, socketFD int) *Transport {
	t := &Transport{
		ID:       InvalidID,
		Role:     role,
		SocketFD: socketFD,
		ParentID: NoParent,
		Ready:    make(chan struct{}, 1),
		Scratch:  &RequestScratch{},
		Magic:    magicValue,
		Guard:    guardValue,
	}
	return t
}

// SetBusy marks whether the fd is currently owned by an in-flight
// request; the poll loop must not re-submit a busy fd.
func (t *Transport) SetBusy(busy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.busy = busy
}

// Busy reports whether the fd is currently owned by an in-flight
// request.
func (t *Transport) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busy
}

// AddRef increments the refcount, pinning a parent against
// destruction while it has live clones.
func (t *Transport) AddRef() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refcount++
	return t.refcount
}

// Release decrements the refcount and returns the new value. It does
// not clamp at zero: a surplus release drives the count negative, an
// invariant violation the caller should surface.
func (t *Transport) Release() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refcount--
	return t.refcount
}

// RefCount returns the current refcount.
func (t *Transport) RefCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refcount
}

// IsClone reports whether this transport is a UDP per-request clone.
func (t *Transport) IsClone() bool {
	return t.ParentID != NoParent
}

// SetProgress atomically ORs bits into Progress. Bits are never
// cleared by this call, matching invariant I5.
func (t *Transport) SetProgress(bits Progress) {
	for {
		old := t.Progress.Load()
		next := old | uint32(bits)
		if next == old {
			return
		}
		if t.Progress.CompareAndSwap(old, next) {
			return
		}
	}
}

// HasProgress reports whether all of bits are set.
func (t *Transport) HasProgress(bits Progress) bool {
	return t.Progress.Load()&uint32(bits) == uint32(bits)
}

// ResetProgress clears Progress entirely. This is the one sanctioned
// exception to invariant I5's monotonicity: it is only ever called on
// an already-RETURNed connection transport being recycled for its next
// request, strictly between the worker's RETURN write and the next
// poll (see DESIGN.md's Open Question decision #3).
func (t *Transport) ResetProgress() {
	t.Progress.Store(0)
}

// CheckGuard validates the debug sentinels, returning an error if they
// have been corrupted. The runtime never calls it on its own and
// svcconfig's failfast flag does not enable it.
func (t *Transport) CheckGuard() error {
	if t.Magic != magicValue {
		return fmt.Errorf("transport %d: bad magic %#x", t.ID, t.Magic)
	}
	if t.Guard != guardValue {
		return fmt.Errorf("transport %d: bad guard %q", t.ID, t.Guard)
	}
	return nil
}
