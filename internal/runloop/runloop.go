// Package runloop drives the single poll-thread goroutine: reap
// retired transports, rate-limit concurrency, rebuild the poll array,
// poll with a short timeout, and dispatch ready fds. Grounded on
// svc_run()/rate_limit() in the reference implementation, matched
// closely enough to keep the same constants (10ms poll timeout, 1ms
// rate-limit retry, nprocessors floor of 2).
package runloop

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/behrlich/go-rpcsvc/internal/logging"
	"github.com/behrlich/go-rpcsvc/internal/pollset"
	"github.com/behrlich/go-rpcsvc/internal/reaper"
)

const pollTimeoutMillis = 10

// Dispatcher is invoked once per ready fd with its poll revents.
type Dispatcher func(fd int, events int16)

// Config configures the run loop's rate limiter and reaper wiring.
type Config struct {
	// NumProcessors overrides the rate-limit ceiling; 0 selects
	// runtime.NumCPU(), floored at 2 like the reference implementation.
	NumProcessors int

	// CountBusy returns the current number of busy fds system-wide;
	// supplied by the caller since busy tracking lives in the registry
	// the run loop doesn't own directly.
	CountBusy func() int
}

// RunLoop owns one PollSet and drives it until its context is
// cancelled.
type RunLoop struct {
	poll    *pollset.PollSet
	reap    *reaper.Reaper
	destroy reaper.Destroyer
	dispatch Dispatcher
	cfg     Config

	nprocessors int

	rateLimitWaits atomic.Uint64
	pollIterations atomic.Uint64
}

// New constructs a RunLoop. destroy is invoked by the reaper for each
// reclaimed transport; dispatch is invoked by the pipeline for each
// ready fd.
func New(ps *pollset.PollSet, rp *reaper.Reaper, destroy reaper.Destroyer, dispatch Dispatcher, cfg Config) *RunLoop {
	n := cfg.NumProcessors
	if n == 0 {
		n = runtime.NumCPU()
	}
	if n < 2 {
		n = 2
	}
	return &RunLoop{
		poll:        ps,
		reap:        rp,
		destroy:     destroy,
		dispatch:    dispatch,
		cfg:         cfg,
		nprocessors: n,
	}
}

// RateLimitWaits returns the number of 1ms waits the rate limiter has
// performed, the Go analogue of cnt_rate_limit_waits.
func (rl *RunLoop) RateLimitWaits() uint64 {
	return rl.rateLimitWaits.Load()
}

// Iterations returns the number of completed poll iterations.
func (rl *RunLoop) Iterations() uint64 {
	return rl.pollIterations.Load()
}

// rateLimit blocks while the count of busy fds strictly exceeds the
// processor ceiling, sleeping 1ms between checks, and gives up once
// two consecutive checks see no change (the pipeline has stalled, not
// merely catching up).
func (rl *RunLoop) rateLimit() {
	if rl.cfg.CountBusy == nil {
		return
	}
	nbusy := rl.cfg.CountBusy()
	for nbusy > rl.nprocessors {
		time.Sleep(time.Millisecond)
		rl.rateLimitWaits.Add(1)
		prev := nbusy
		nbusy = rl.cfg.CountBusy()
		if nbusy == prev {
			break
		}
	}
}

// Run executes iterations until ctx is cancelled. Each iteration
// reaps, rate-limits, rebuilds the poll array, polls with a 10ms
// timeout, and dispatches ready fds — the same order as svc_run()'s
// reap → rate_limit → poll-under-lock sequence. A poll error is logged
// and the loop goes on to its next iteration.
func (rl *RunLoop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rl.reap.ReapAll(rl.destroy)
		rl.rateLimit()
		rl.poll.Rebuild()

		ready, err := rl.poll.Poll(pollTimeoutMillis)
		if err != nil {
			logging.Default().Warn("poll failed", "error", err)
			continue
		}
		rl.pollIterations.Add(1)

		for _, e := range ready {
			if rl.dispatch != nil {
				rl.dispatch(e.FD, e.Events)
			}
		}
	}
}
