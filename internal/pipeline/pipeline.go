// Package pipeline implements the per-request state machine: receive,
// authenticate, match program/version, dispatch, wait for the worker
// milestone, and return. Grounded on svc_getreq_poll_mt conceptually
// and structurally modeled on the teacher's per-tag completion state
// machine — a small per-unit state guarded by the unit's own mutex,
// advanced only by well-defined handlers.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/behrlich/go-rpcsvc/internal/callout"
	"github.com/behrlich/go-rpcsvc/internal/collab"
	"github.com/behrlich/go-rpcsvc/internal/svcconfig"
	"github.com/behrlich/go-rpcsvc/internal/transport"
)

// State names a stage of the per-request state machine.
type State int

const (
	StateIdle State = iota
	StateReceived
	StateMatched
	StateDispatched
	StateWaited
	StateReturned
)

// ReplyKind distinguishes which fixed wire reply the pipeline asks the
// codec to send when a request is rejected before reaching the user's
// dispatch function.
type ReplyKind int

const (
	ReplyNone ReplyKind = iota
	ReplyProgUnavail
	ReplyProgMismatch
	ReplyAuthError
	ReplyGarbageArgs
	ReplySystemError
)

// Outcome summarizes what a single on-ready cycle did, for logging and
// tests.
type Outcome struct {
	State     State
	Reply     ReplyKind
	LowVers   uint32
	HighVers  uint32
	Err       error
}

// Pipeline drives one request at a time on a given transport through
// the state machine. It holds no per-transport state itself; all of
// that lives on the transport.Transport passed into Run.
type Pipeline struct {
	callouts *callout.Table
	cfg      *svcconfig.Config
	auth     collab.Authenticator
}

// New constructs a Pipeline. auth may be nil if no non-NULL-flavor
// authentication is required.
func New(callouts *callout.Table, cfg *svcconfig.Config, auth collab.Authenticator) *Pipeline {
	return &Pipeline{callouts: callouts, cfg: cfg, auth: auth}
}

// workerContext implements collab.Worker, threading codec calls
// through the transport's progress bits and ready signal as each
// protocol step completes.
type workerContext struct {
	t     *transport.Transport
	codec collab.Codec
}

func (w *workerContext) GetArgs(argsOut any) error {
	err := w.codec.GetArgs(argsOut)
	w.t.SetProgress(transport.ProgressGetArgs)
	select {
	case w.t.Ready <- struct{}{}:
	default:
	}
	return err
}

func (w *workerContext) Reply(result any) error {
	err := w.codec.Reply(result)
	w.t.SetProgress(transport.ProgressReply)
	return err
}

func (w *workerContext) FreeArgs() error {
	err := w.codec.FreeArgs()
	w.t.SetProgress(transport.ProgressFreeArgs)
	return err
}

func (w *workerContext) Return() {
	w.t.SetProgress(transport.ProgressReturn)
	select {
	case w.t.Ready <- struct{}{}:
	default:
	}
}

// Run drives t through exactly one request: receive, authenticate,
// match, dispatch, and (per the configured concurrency mode) wait for
// a worker milestone before returning control to the run loop. A
// batch of requests on one TCP connection is achieved by the caller
// invoking Run repeatedly for the same ready event, per spec §4.4.
func (p *Pipeline) Run(ctx context.Context, t *transport.Transport, codec collab.Codec, req *transport.RequestScratch) Outcome {
	ok, err := codec.Recv(ctx)
	if err != nil {
		return Outcome{State: StateIdle, Reply: ReplySystemError, Err: err}
	}
	if !ok {
		return Outcome{State: StateIdle}
	}
	t.SetProgress(transport.ProgressRecv)

	if req.AuthFlavor != 0 {
		if p.auth == nil {
			return Outcome{State: StateReceived, Reply: ReplyAuthError, Err: fmt.Errorf("pipeline: non-null auth flavor %d with no authenticator configured", req.AuthFlavor)}
		}
		res, err := p.auth.Authenticate(req.AuthFlavor, req.Credentials)
		if err != nil || !res.Accepted {
			return Outcome{State: StateReceived, Reply: ReplyAuthError, Err: err}
		}
	}

	lookup := p.callouts.Lookup(req.Program, req.Version)
	if !lookup.ProgramHit {
		return Outcome{State: StateMatched, Reply: ReplyProgUnavail}
	}
	if !lookup.Found {
		return Outcome{State: StateMatched, Reply: ReplyProgMismatch, LowVers: lookup.LowVers, HighVers: lookup.HighVers}
	}

	t.SetProgress(transport.ProgressDispatch)
	wctx := &workerContext{t: t, codec: codec}

	// Drain any stale buffered signal left over from a previous
	// request on this same (reused, serial-mode) transport before
	// waiting on a fresh one.
	select {
	case <-t.Ready:
	default:
	}

	runDispatch := func() error {
		return lookup.Dispatch(wctx, req.Procedure)
	}

	switch p.cfg.MTMode() {
	case svcconfig.ModeFullyConcurrent:
		go func() {
			_ = runDispatch()
		}()
		return Outcome{State: StateDispatched}

	case svcconfig.ModeHybrid:
		done := make(chan error, 1)
		go func() { done <- runDispatch() }()
		select {
		case <-t.Ready:
			return Outcome{State: StateWaited}
		case err := <-done:
			return Outcome{State: StateWaited, Err: err}
		}

	default: // svcconfig.ModeSerial
		err := runDispatch()
		t.SetProgress(transport.ProgressWait)
		return Outcome{State: StateReturned, Err: err}
	}
}

// WaitForMilestone blocks the caller (the run-loop goroutine, after a
// fully concurrent TCP dispatch) until t reaches GETARGS or RETURN, or until
// timeout elapses. It implements the poll wait strategy from spec
// §4.5, spinning at the configured jiffy interval.
func WaitForMilestone(t *transport.Transport, jiffy time.Duration, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if t.HasProgress(transport.ProgressGetArgs) || t.HasProgress(transport.ProgressReturn) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(jiffy)
	}
}

// WaitForMilestoneMutex blocks on t.Ready until a worker publishes
// GETARGS or RETURN, or until timeout elapses. This is the mutex/
// condvar wait strategy from spec §4.5: rather than spinning at a
// jiffy interval, the caller parks until signaled.
func WaitForMilestoneMutex(t *transport.Transport, timeout time.Duration) bool {
	if t.HasProgress(transport.ProgressGetArgs) || t.HasProgress(transport.ProgressReturn) {
		return true
	}
	select {
	case <-t.Ready:
		return true
	case <-time.After(timeout):
		return t.HasProgress(transport.ProgressGetArgs) || t.HasProgress(transport.ProgressReturn)
	}
}
