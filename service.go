// Package rpcsvc is a multi-threaded ONC-RPC server runtime: a
// transport registry, a single poll-thread run loop, and a per-request
// dispatch pipeline, wired to a pluggable external wire codec,
// authenticator, and portmap client. Service composes the internal
// packages the way the teacher's backend.go composes Device around
// its queue runners and control-plane client.
package rpcsvc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-rpcsvc/internal/bufpool"
	"github.com/behrlich/go-rpcsvc/internal/callout"
	"github.com/behrlich/go-rpcsvc/internal/collab"
	"github.com/behrlich/go-rpcsvc/internal/logging"
	"github.com/behrlich/go-rpcsvc/internal/pipeline"
	"github.com/behrlich/go-rpcsvc/internal/pollset"
	"github.com/behrlich/go-rpcsvc/internal/reaper"
	"github.com/behrlich/go-rpcsvc/internal/registry"
	"github.com/behrlich/go-rpcsvc/internal/runloop"
	"github.com/behrlich/go-rpcsvc/internal/svcconfig"
	"github.com/behrlich/go-rpcsvc/internal/tcpxprt"
	"github.com/behrlich/go-rpcsvc/internal/transport"
	"github.com/behrlich/go-rpcsvc/internal/udpxprt"
)

// CodecFactory builds the external wire codec for a newly accepted TCP
// connection or a newly arrived UDP datagram. Everything below this
// boundary — RPC header framing and XDR encode/decode — is outside
// this module's scope; the factory is how a concrete implementation
// plugs in.
type CodecFactory interface {
	// NewStreamCodec builds a codec reading/writing record-marked
	// messages over rw, writing decoded call metadata into scratch as a
	// side effect of Recv.
	NewStreamCodec(scratch *transport.RequestScratch, rw io.ReadWriter) collab.Codec

	// NewDatagramCodec builds a codec for a single already-received UDP
	// datagram. payload is the raw datagram; send transmits one reply
	// datagram back to the request's peer.
	NewDatagramCodec(scratch *transport.RequestScratch, payload []byte, send func([]byte) error) collab.Codec
}

// RejectionKind names which fixed RPC-level rejection a concrete codec
// must encode when it receives a RejectionReply from Reply.
type RejectionKind int

const (
	RejectProgUnavail RejectionKind = iota
	RejectProgMismatch
	RejectAuthError
	RejectGarbageArgs
	RejectSystemError
)

// RejectionReply is passed to collab.Codec.Reply whenever the pipeline
// rejects a request before it reaches a registered handler. A
// concrete codec implementation must special-case this type and
// encode the matching RPC reject/accept-with-error body; this module
// only decides which rejection applies.
type RejectionReply struct {
	Kind              RejectionKind
	LowVers, HighVers uint32
}

// Config configures a Service. Every field has a usable zero value
// except Codecs, which must describe how to build the external wire
// codec.
type Config struct {
	// SvcConfig holds the mtmode/failfast/jiffy/trace/fd-range knobs. A
	// nil value uses svcconfig.New()'s defaults (hybrid mtmode).
	SvcConfig *svcconfig.Config

	NumProcessors    int
	RegistryCapacity int
	ReplyCacheSize   int

	Logger        *logging.Logger
	Authenticator collab.Authenticator
	PmapClient    collab.PmapClient
	Codecs        CodecFactory
}

func (c *Config) setDefaults() {
	if c.SvcConfig == nil {
		c.SvcConfig = svcconfig.New()
	}
	if c.RegistryCapacity <= 0 {
		c.RegistryCapacity = 1024
	}
	if c.ReplyCacheSize <= 0 {
		c.ReplyCacheSize = 256
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
}

// Service owns the registry, callout table, dispatch pipeline, and
// run loop for one ONC-RPC server process. cmd/rpcsvc-echo creates one
// TCP rendezvous and one UDP endpoint; a Service does not limit this:
// CreateTCPServer and CreateUDPServer can each be called again, and
// RegisterProgram then advertises only the most recently created port
// of each family.
type Service struct {
	mu sync.Mutex

	cfg        *svcconfig.Config
	codecs     CodecFactory
	auth       collab.Authenticator
	pmapClient collab.PmapClient
	logger     *logging.Logger
	metrics    *Metrics

	numProcessors int

	reg      *registry.Registry
	callouts *callout.Table
	pipe     *pipeline.Pipeline
	marks    *reaper.MarkSet
	reap     *reaper.Reaper
	poll     *pollset.PollSet
	loop     *runloop.RunLoop

	rendezvous   map[int]*tcpxprt.Rendezvous
	tcpConns     map[int]*tcpxprt.Connection
	udpEndpoints map[int]*udpxprt.Endpoint
	udpCache     *udpxprt.ReplyCache

	tcpPort int
	udpPort int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService builds a Service from cfg. It does not create any
// listening sockets; call CreateTCPServer/CreateUDPServer next.
func NewService(cfg Config) *Service {
	cfg.setDefaults()

	reg := registry.New(cfg.RegistryCapacity)
	callouts := callout.New()

	mode := pollset.ModeConcurrent
	if cfg.SvcConfig.MTMode() == svcconfig.ModeSerial {
		mode = pollset.ModeSerial
	}

	s := &Service{
		cfg:           cfg.SvcConfig,
		codecs:        cfg.Codecs,
		auth:          cfg.Authenticator,
		pmapClient:    cfg.PmapClient,
		logger:        cfg.Logger,
		metrics:       NewMetrics(),
		numProcessors: cfg.NumProcessors,

		reg:      reg,
		callouts: callouts,
		pipe:     pipeline.New(callouts, cfg.SvcConfig, cfg.Authenticator),
		marks:    reaper.NewMarkSet(),

		rendezvous:   make(map[int]*tcpxprt.Rendezvous),
		tcpConns:     make(map[int]*tcpxprt.Connection),
		udpEndpoints: make(map[int]*udpxprt.Endpoint),
		udpCache:     udpxprt.NewReplyCache(cfg.ReplyCacheSize),

		ctx: context.Background(),
	}
	s.reap = reaper.New(reg, s.marks)
	s.poll = pollset.New(reg, mode)
	return s
}

// Metrics returns the service's counters.
func (s *Service) Metrics() *Metrics { return s.metrics }

// CreateTCPServer binds and registers a TCP rendezvous transport.
func (s *Service) CreateTCPServer(host string, port int) (*transport.Transport, error) {
	rv, err := tcpxprt.Listen(host, port, s.cfg.FDRegion())
	if err != nil {
		return nil, fmt.Errorf("rpcsvc: create tcp server: %w", err)
	}

	t := transport.New(transport.RoleRendezvousTCP, rv.FD())
	t.Port = rv.Port()
	if err := s.reg.Register(t); err != nil {
		rv.Close()
		return nil, fmt.Errorf("rpcsvc: register tcp rendezvous: %w", err)
	}

	s.mu.Lock()
	s.rendezvous[t.ID] = rv
	s.tcpPort = rv.Port()
	s.mu.Unlock()

	return t, nil
}

// CreateUDPServer binds and registers a UDP endpoint transport.
func (s *Service) CreateUDPServer(host string, port int) (*transport.Transport, error) {
	ep, err := udpxprt.Listen(host, port)
	if err != nil {
		return nil, fmt.Errorf("rpcsvc: create udp server: %w", err)
	}

	t := transport.New(transport.RoleConnectionUDP, ep.FD())
	t.Port = ep.Port()
	if err := s.reg.Register(t); err != nil {
		ep.Close()
		return nil, fmt.Errorf("rpcsvc: register udp endpoint: %w", err)
	}

	s.mu.Lock()
	s.udpEndpoints[t.ID] = ep
	s.udpPort = ep.Port()
	s.mu.Unlock()

	return t, nil
}

// RegisterProgram adds a (program, version) callout and, if advertise
// is set and a PmapClient is configured, registers it with the
// portmapper for every transport family currently listening.
func (s *Service) RegisterProgram(program, version uint32, dispatch callout.Dispatch, advertise bool) error {
	s.callouts.Register(program, version, dispatch, advertise)

	if !advertise || s.pmapClient == nil {
		return nil
	}
	if s.tcpPort != 0 {
		if err := s.pmapClient.Set(program, version, unix.IPPROTO_TCP, s.tcpPort); err != nil {
			return fmt.Errorf("rpcsvc: pmap set tcp: %w", err)
		}
	}
	if s.udpPort != 0 {
		if err := s.pmapClient.Set(program, version, unix.IPPROTO_UDP, s.udpPort); err != nil {
			return fmt.Errorf("rpcsvc: pmap set udp: %w", err)
		}
	}
	return nil
}

// UnregisterProgram removes a (program, version) callout and
// deregisters it from the portmapper, if configured.
func (s *Service) UnregisterProgram(program, version uint32) error {
	s.callouts.Unregister(program, version)
	if s.pmapClient == nil {
		return nil
	}
	if err := s.pmapClient.Unset(program, version); err != nil {
		return fmt.Errorf("rpcsvc: pmap unset: %w", err)
	}
	return nil
}

// RunLoop drives the service until ctx is cancelled or
// RequestShutdown is called. It returns nil when the context is
// cancelled, and the context's error for any other end (a deadline).
func (s *Service) RunLoop(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.loop = runloop.New(s.poll, s.reap, s.destroyTransport, s.onReady, runloop.Config{
		NumProcessors: s.numProcessors,
		CountBusy:     s.countBusy,
	})

	err := s.loop.Run(s.ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// RequestShutdown cancels the run loop's context, causing RunLoop to
// return once the current poll iteration completes.
func (s *Service) RequestShutdown() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Shutdown performs the root cleanup pass: it destroys every live
// transport and empties the registry. Callers must only invoke it
// after RunLoop has returned (RequestShutdown, then wait), since
// Shutdown does not itself coordinate with an in-flight poll
// iteration. It destroys in the order root cleanup requires: UDP
// clones first (a clone pins its parent's refcount, so clearing them
// is what lets an owner become reclaimable at all), then TCP
// rendezvous listeners (so no further connections can arrive while the
// remaining owners are torn down), then everything left.
func (s *Service) Shutdown() {
	for _, t := range s.reg.Snapshot() {
		if t.IsClone() {
			s.reg.Unregister(t)
			s.destroyTransport(t)
		}
	}
	for _, t := range s.reg.Snapshot() {
		if t.Role == transport.RoleRendezvousTCP {
			s.reg.Unregister(t)
			s.destroyTransport(t)
		}
	}
	for _, t := range s.reg.Snapshot() {
		s.reg.Unregister(t)
		s.destroyTransport(t)
	}
}

func (s *Service) countBusy() int {
	n := 0
	for _, t := range s.reg.Snapshot() {
		if t.Busy() {
			n++
		}
	}
	return n
}

func (s *Service) jiffy() time.Duration {
	return time.Duration(s.cfg.Jiffy()) * time.Nanosecond
}

// onReady is the run loop's Dispatcher: it resolves fd back to its
// transport and routes to the role-specific handler.
func (s *Service) onReady(fd int, events int16) {
	t, ok := s.poll.TransportForFD(fd)
	if !ok {
		return
	}

	t.SetBusy(true)
	defer t.SetBusy(false)

	switch t.Role {
	case transport.RoleRendezvousTCP:
		s.acceptTCP(t)
	case transport.RoleConnectionTCP:
		s.serviceTCP(t)
	case transport.RoleConnectionUDP:
		s.serviceUDP(t)
	}
}

// acceptTCP drains the rendezvous socket's accept queue, registering
// one RoleConnectionTCP transport per accepted connection.
func (s *Service) acceptTCP(owner *transport.Transport) {
	s.mu.Lock()
	rv := s.rendezvous[owner.ID]
	s.mu.Unlock()
	if rv == nil {
		return
	}

	for {
		conn, res, err := rv.Accept()
		if err != nil {
			s.logger.Warnf("tcpxprt accept: %v", err)
			return
		}
		if res == tcpxprt.AcceptNoWork {
			return
		}

		child := transport.New(transport.RoleConnectionTCP, conn.FD())
		if err := s.reg.Register(child); err != nil {
			s.logger.Warnf("rpcsvc: register accepted connection: %v", err)
			conn.Close()
			continue
		}

		codec := s.codecs.NewStreamCodec(child.Scratch, tcpReadWriter{conn: conn})
		child.Codec = codec

		s.mu.Lock()
		s.tcpConns[child.ID] = conn
		s.mu.Unlock()
	}
}

// serviceTCP drains every complete request currently buffered on one
// TCP connection (spec's pipelined-batch scenario), stopping once
// Recv reports no more data. A fully-concurrent dispatch still waits
// for GETARGS before the loop reuses the transport's shared Scratch
// for the next request, since Scratch is per-transport rather than
// per-request on a stream transport.
func (s *Service) serviceTCP(t *transport.Transport) {
	codec, _ := t.Codec.(collab.Codec)
	if codec == nil {
		return
	}

	for {
		out := s.pipe.Run(s.ctx, t, codec, t.Scratch)
		s.observe(out)

		if out.State == pipeline.StateIdle {
			if out.Err != nil {
				s.closeTCP(t)
			}
			return
		}

		if out.Reply != pipeline.ReplyNone {
			s.sendRejection(codec, out)
		}

		if out.State == pipeline.StateDispatched {
			s.waitTCPMilestone(t)
		}
	}
}

// waitTCPMilestone blocks the run-loop goroutine until the worker
// dispatched above reaches GETARGS, per the configured wait strategy.
// This wait exists only for TCP: a stream connection's Scratch is
// shared by every request on it, so the next Recv must not start
// until the in-flight worker is done reading out of it. UDP clones
// have their own independent Scratch and never need this.
func (s *Service) waitTCPMilestone(t *transport.Transport) {
	if s.cfg.WaitMethodTCP() == svcconfig.WaitMutex {
		pipeline.WaitForMilestoneMutex(t, 5*time.Second)
		return
	}
	pipeline.WaitForMilestone(t, s.jiffy(), 5*time.Second)
}

func (s *Service) closeTCP(t *transport.Transport) {
	s.marks.Mark(t.ID)
	t.SetProgress(transport.ProgressReturn)
}

// serviceUDP drains every datagram currently queued on one UDP socket.
// Each datagram is answered either from the reply cache (a retransmit,
// with no clone created) or on a short-lived clone transport by running
// the pipeline and caching whatever bytes the codec actually transmits.
func (s *Service) serviceUDP(owner *transport.Transport) {
	s.mu.Lock()
	ep := s.udpEndpoints[owner.ID]
	s.mu.Unlock()
	if ep == nil {
		return
	}

	buf := bufpool.Get(65536)
	defer bufpool.Put(buf)

	for {
		dg, err := ep.Recv(buf)
		if err != nil {
			if err != udpxprt.ErrNoWork {
				s.logger.Warnf("udpxprt recv: %v", err)
			}
			return
		}
		if len(dg.Payload) < 4 {
			continue // too short to even carry an xid; drop silently
		}

		peerKey := udpxprt.PeerKey(dg.Peer)
		xid := binary.BigEndian.Uint32(dg.Payload[:4])

		if cached, ok := s.udpCache.GetByXidPeer(xid, peerKey); ok {
			if err := ep.Send(cached, dg.Peer); err != nil {
				s.logger.Warnf("udpxprt send (cache hit): %v", err)
			}
			continue
		}

		s.dispatchUDPClone(owner, ep, dg, peerKey)
	}
}

// dispatchUDPClone runs one datagram through the pipeline on its own
// clone transport and never waits on it afterward, even under fully
// concurrent mode: unlike a TCP connection, a clone owns its own
// Scratch, so there is no shared state a later Recv could race
// against. The reply-cache entry is written from inside the send
// closure itself, synchronously with the actual transmit, so caching
// never races against a still-running dispatch goroutine.
func (s *Service) dispatchUDPClone(owner *transport.Transport, ep *udpxprt.Endpoint, dg udpxprt.Datagram, peerKey string) {
	clone := transport.New(transport.RoleCloneUDP, owner.SocketFD)
	clone.ParentID = owner.ID
	owner.AddRef()

	if err := s.reg.Register(clone); err != nil {
		owner.Release()
		s.logger.Warnf("rpcsvc: register udp clone: %v", err)
		return
	}
	defer s.marks.Mark(clone.ID) // clones are always destroyed on the next sweep

	payload := append([]byte(nil), dg.Payload...)

	send := func(b []byte) error {
		sent := append([]byte(nil), b...)
		err := ep.Send(sent, dg.Peer)
		key := udpxprt.CacheKey{
			Xid:       clone.Scratch.Xid,
			Program:   clone.Scratch.Program,
			Version:   clone.Scratch.Version,
			Procedure: clone.Scratch.Procedure,
			Peer:      peerKey,
		}
		s.udpCache.Set(key, sent)
		return err
	}

	codec := s.codecs.NewDatagramCodec(clone.Scratch, payload, send)
	clone.Codec = codec

	out := s.pipe.Run(s.ctx, clone, codec, clone.Scratch)
	s.observe(out)

	if out.Reply != pipeline.ReplyNone {
		s.sendRejection(codec, out)
	}
}

func (s *Service) sendRejection(codec collab.Codec, out pipeline.Outcome) {
	var kind RejectionKind
	switch out.Reply {
	case pipeline.ReplyProgUnavail:
		kind = RejectProgUnavail
		s.metrics.RecordProgUnavail()
	case pipeline.ReplyProgMismatch:
		kind = RejectProgMismatch
		s.metrics.RecordProgMismatch()
	case pipeline.ReplyAuthError:
		kind = RejectAuthError
		s.metrics.RecordAuthError()
	case pipeline.ReplyGarbageArgs:
		kind = RejectGarbageArgs
	case pipeline.ReplySystemError:
		kind = RejectSystemError
	default:
		return
	}

	reply := RejectionReply{Kind: kind, LowVers: out.LowVers, HighVers: out.HighVers}
	if err := codec.Reply(reply); err != nil {
		s.logger.Warnf("rpcsvc: rejection reply: %v", err)
	}
}

func (s *Service) observe(out pipeline.Outcome) {
	if out.State == pipeline.StateIdle && out.Err == nil {
		return
	}
	s.metrics.RecordReceived()
	if out.State == pipeline.StateDispatched || out.State == pipeline.StateWaited || out.State == pipeline.StateReturned {
		s.metrics.RecordDispatched()
	}
}

// destroyTransport is the reaper.Destroyer: it releases whatever
// resource the role owns. Clones share their owner's fd and own
// nothing to close.
func (s *Service) destroyTransport(t *transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch t.Role {
	case transport.RoleConnectionTCP:
		if conn, ok := s.tcpConns[t.ID]; ok {
			conn.Close()
			delete(s.tcpConns, t.ID)
		}
	case transport.RoleRendezvousTCP:
		if rv, ok := s.rendezvous[t.ID]; ok {
			rv.Close()
			delete(s.rendezvous, t.ID)
		}
	case transport.RoleConnectionUDP:
		if ep, ok := s.udpEndpoints[t.ID]; ok {
			ep.Close()
			delete(s.udpEndpoints, t.ID)
		}
	}
}

// tcpReadWriter adapts a tcpxprt.Connection's record-oriented
// ReadRecord/WriteRecord pair to io.ReadWriter, the shape a
// CodecFactory's stream codec expects.
type tcpReadWriter struct {
	conn *tcpxprt.Connection
}

func (rw tcpReadWriter) Read(p []byte) (int, error) { return rw.conn.ReadRecord(p) }

func (rw tcpReadWriter) Write(p []byte) (int, error) {
	if err := rw.conn.WriteRecord(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
