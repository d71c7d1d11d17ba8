// Package pollset maintains the dense array of file descriptors
// currently eligible for I/O polling, rebuilt from the registry each
// run-loop iteration. It is grounded on the pollfd rebuild loop in the
// reference implementation's svc_poll(), including the "fd == -1 is a
// hole" convention and the busy-fd exclusion rule.
package pollset

import (
	"golang.org/x/sys/unix"

	"github.com/behrlich/go-rpcsvc/internal/registry"
	"github.com/behrlich/go-rpcsvc/internal/transport"
)

// Mode selects how aggressively busy fds are excluded from the poll
// array, mirroring spec §4.6's concurrency modes.
type Mode int

const (
	// ModeConcurrent excludes only fds currently marked Busy.
	ModeConcurrent Mode = iota
	// ModeSerial additionally excludes fds whose transport has already
	// returned but not yet been recycled, reusing the RETURN bit as a
	// second busy signal the way single-threaded mode does.
	ModeSerial
)

// Entry is one slot of the compact poll array.
type Entry struct {
	FD     int
	Events int16
}

// PollSet is a dense, rebuildable array of pollable fds paired with the
// transport each one resolves to.
type PollSet struct {
	reg   *registry.Registry
	mode  Mode
	byFD  map[int]*transport.Transport
	polls []unix.PollFd
}

// New creates a PollSet backed by reg.
func New(reg *registry.Registry, mode Mode) *PollSet {
	return &PollSet{reg: reg, mode: mode, byFD: make(map[int]*transport.Transport)}
}

// SetMode changes the exclusion policy used by future rebuilds.
func (p *PollSet) SetMode(mode Mode) {
	p.mode = mode
}

// eligible reports whether t's fd should be included in this
// iteration's poll array.
func (p *PollSet) eligible(t *transport.Transport) bool {
	if t.IsClone() {
		return false
	}
	if t.Busy() {
		return false
	}
	if p.mode == ModeSerial && t.HasProgress(transport.ProgressReturn) {
		return false
	}
	return true
}

// Rebuild reconstructs the poll array from the registry's current
// snapshot, dropping busy transports (and, in serial mode, transports
// still awaiting recycle). A serial-mode connection that finished its
// last request and is no longer busy has its progress reset here,
// recycling it back into the poll array for its next request, the way
// the reference implementation's single-threaded svc_getreqset clears
// a connection's state before reusing its slot. Returns the number of
// fds selected.
func (p *PollSet) Rebuild() int {
	snap := p.reg.Snapshot()

	p.byFD = make(map[int]*transport.Transport, len(snap))
	p.polls = p.polls[:0]

	for _, t := range snap {
		if p.mode == ModeSerial && !t.IsClone() && !t.Busy() && t.HasProgress(transport.ProgressReturn) {
			t.ResetProgress()
		}
		if !p.eligible(t) {
			continue
		}
		p.byFD[t.SocketFD] = t
		p.polls = append(p.polls, unix.PollFd{
			Fd:     int32(t.SocketFD),
			Events: unix.POLLIN,
		})
	}
	return len(p.polls)
}

// Poll blocks for up to timeoutMillis waiting for readiness on the
// current poll array, retrying transparently on EINTR as the reference
// run loop does. It returns the set of fds with ready events.
func (p *PollSet) Poll(timeoutMillis int) ([]Entry, error) {
	for {
		n, err := unix.Poll(p.polls, timeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		ready := make([]Entry, 0, n)
		for _, pfd := range p.polls {
			if pfd.Revents != 0 {
				ready = append(ready, Entry{FD: int(pfd.Fd), Events: pfd.Revents})
			}
		}
		return ready, nil
	}
}

// TransportForFD resolves an fd from the last Rebuild to its
// transport.
func (p *PollSet) TransportForFD(fd int) (*transport.Transport, bool) {
	t, ok := p.byFD[fd]
	return t, ok
}

// Len returns the number of fds in the current poll array.
func (p *PollSet) Len() int {
	return len(p.polls)
}
