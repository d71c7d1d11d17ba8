package rpcsvc

import (
	"sync/atomic"
	"time"
)

// Metrics tracks the per-service counters described in spec §5: each
// protocol milestone gets its own atomic counter, plus the run loop's
// rate-limiter activity.
type Metrics struct {
	RequestsReceived   atomic.Uint64
	RequestsDispatched atomic.Uint64
	GetArgsCalls       atomic.Uint64
	ReplyCalls         atomic.Uint64
	FreeArgsCalls      atomic.Uint64
	ReturnCalls        atomic.Uint64
	RateLimitWaits     atomic.Uint64

	ProgUnavailReplies  atomic.Uint64
	ProgMismatchReplies atomic.Uint64
	AuthErrorReplies    atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a Metrics instance with its start time stamped.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordReceived increments the request-received counter.
func (m *Metrics) RecordReceived() { m.RequestsReceived.Add(1) }

// RecordDispatched increments the request-dispatched counter.
func (m *Metrics) RecordDispatched() { m.RequestsDispatched.Add(1) }

// RecordGetArgs increments the get_args-call counter.
func (m *Metrics) RecordGetArgs() { m.GetArgsCalls.Add(1) }

// RecordReply increments the reply-call counter.
func (m *Metrics) RecordReply() { m.ReplyCalls.Add(1) }

// RecordFreeArgs increments the free_args-call counter.
func (m *Metrics) RecordFreeArgs() { m.FreeArgsCalls.Add(1) }

// RecordReturn increments the return-call counter.
func (m *Metrics) RecordReturn() { m.ReturnCalls.Add(1) }

// RecordRateLimitWait increments the rate-limiter wait counter.
func (m *Metrics) RecordRateLimitWait() { m.RateLimitWaits.Add(1) }

// RecordProgUnavail, RecordProgMismatch and RecordAuthError each count
// one of the three fixed rejection replies a request can receive before
// reaching a handler.
func (m *Metrics) RecordProgUnavail()  { m.ProgUnavailReplies.Add(1) }
func (m *Metrics) RecordProgMismatch() { m.ProgMismatchReplies.Add(1) }
func (m *Metrics) RecordAuthError()    { m.AuthErrorReplies.Add(1) }

// Stop marks the service as stopped.
func (m *Metrics) Stop() { m.StopTime.Store(time.Now().UnixNano()) }

// MetricsSnapshot is a point-in-time copy of Metrics, safe to log or
// serialize without further atomic reads.
type MetricsSnapshot struct {
	RequestsReceived   uint64
	RequestsDispatched uint64
	GetArgsCalls       uint64
	ReplyCalls         uint64
	FreeArgsCalls      uint64
	ReturnCalls        uint64
	RateLimitWaits     uint64

	ProgUnavailReplies  uint64
	ProgMismatchReplies uint64
	AuthErrorReplies    uint64

	UptimeNs uint64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		RequestsReceived:    m.RequestsReceived.Load(),
		RequestsDispatched:  m.RequestsDispatched.Load(),
		GetArgsCalls:        m.GetArgsCalls.Load(),
		ReplyCalls:          m.ReplyCalls.Load(),
		FreeArgsCalls:       m.FreeArgsCalls.Load(),
		ReturnCalls:         m.ReturnCalls.Load(),
		RateLimitWaits:      m.RateLimitWaits.Load(),
		ProgUnavailReplies:  m.ProgUnavailReplies.Load(),
		ProgMismatchReplies: m.ProgMismatchReplies.Load(),
		AuthErrorReplies:    m.AuthErrorReplies.Load(),
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}
	return snap
}
