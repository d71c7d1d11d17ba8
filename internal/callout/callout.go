// Package callout implements the service callout table: the mapping
// consulted by the pipeline to route an incoming (program, version)
// pair to a user-supplied dispatch function. Grounded on the
// (program, version, dispatch_fn, pmap_flag) tuple described in spec
// §3 and the callout-list scan used throughout svc.c's dispatch path.
package callout

import (
	"sync"

	"github.com/behrlich/go-rpcsvc/internal/collab"
)

// Dispatch is the user-supplied handler invoked once a request has
// matched a registered (program, version) pair. w gives the handler
// the fixed get_args/reply/free_args/return protocol to walk.
type Dispatch func(w collab.Worker, procedure uint32) error

// entry is one node of the singly linked callout list.
type entry struct {
	program uint32
	version uint32
	dispatch Dispatch
	pmapFlag bool
	next     *entry
}

// Table is the service callout table, a singly linked list scanned on
// every lookup. Registrations are rare relative to lookups, so a plain
// mutex-guarded list (matching the reference implementation's own
// structure) outperforms building an index nothing else needs.
type Table struct {
	mu   sync.RWMutex
	head *entry
}

// New creates an empty callout table.
func New() *Table {
	return &Table{}
}

// Register adds a (program, version) entry. pmapFlag mirrors the
// reference struct's flag marking whether this program/version should
// be advertised via pmap_set.
func (t *Table) Register(program, version uint32, dispatch Dispatch, pmapFlag bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.head = &entry{
		program:  program,
		version:  version,
		dispatch: dispatch,
		pmapFlag: pmapFlag,
		next:     t.head,
	}
}

// Unregister removes all entries matching (program, version).
func (t *Table) Unregister(program, version uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var prev *entry
	cur := t.head
	for cur != nil {
		if cur.program == program && cur.version == version {
			if prev == nil {
				t.head = cur.next
			} else {
				prev.next = cur.next
			}
			cur = cur.next
			continue
		}
		prev = cur
		cur = cur.next
	}
}

// LookupResult reports the outcome of a program/version match.
type LookupResult struct {
	Dispatch   Dispatch
	Found      bool
	ProgramHit bool
	LowVers    uint32
	HighVers   uint32
}

// Lookup scans the table for (program, version). If the program exists
// under a different version, LookupResult reports the min/max versions
// observed for that program, matching spec §4.4's PROGVERS reply data.
func (t *Table) Lookup(program, version uint32) LookupResult {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var res LookupResult
	haveBounds := false
	for cur := t.head; cur != nil; cur = cur.next {
		if cur.program != program {
			continue
		}
		res.ProgramHit = true
		if !haveBounds || cur.version < res.LowVers {
			res.LowVers = cur.version
		}
		if !haveBounds || cur.version > res.HighVers {
			res.HighVers = cur.version
		}
		haveBounds = true
		if cur.version == version {
			res.Dispatch = cur.dispatch
			res.Found = true
		}
	}
	return res
}

// Entries returns a snapshot of (program, version, pmapFlag) tuples,
// used to drive pmap registration at startup.
func (t *Table) Entries() []struct {
	Program  uint32
	Version  uint32
	PmapFlag bool
} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []struct {
		Program  uint32
		Version  uint32
		PmapFlag bool
	}
	for cur := t.head; cur != nil; cur = cur.next {
		out = append(out, struct {
			Program  uint32
			Version  uint32
			PmapFlag bool
		}{cur.program, cur.version, cur.pmapFlag})
	}
	return out
}
