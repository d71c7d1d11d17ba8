package rpcsvc

import (
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/behrlich/go-rpcsvc/internal/collab"
	"github.com/behrlich/go-rpcsvc/internal/pipeline"
	"github.com/behrlich/go-rpcsvc/internal/svcconfig"
	"github.com/behrlich/go-rpcsvc/internal/tcpxprt"
	"github.com/behrlich/go-rpcsvc/internal/transport"
)

type stubCodecFactory struct{}

func (stubCodecFactory) NewStreamCodec(scratch *transport.RequestScratch, rw io.ReadWriter) collab.Codec {
	return NewMockCodec(0)
}

func (stubCodecFactory) NewDatagramCodec(scratch *transport.RequestScratch, payload []byte, send func([]byte) error) collab.Codec {
	return NewMockCodec(0)
}

type mockPmapClient struct {
	mu   sync.Mutex
	sets []setCall
	uns  []unsetCall
}

type setCall struct {
	program, version, protocol uint32
	port                       int
}
type unsetCall struct{ program, version uint32 }

func (m *mockPmapClient) Set(program, version, protocol uint32, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets = append(m.sets, setCall{program, version, protocol, port})
	return nil
}

func (m *mockPmapClient) Unset(program, version uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uns = append(m.uns, unsetCall{program, version})
	return nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(Config{
		SvcConfig: svcconfig.New(),
		Codecs:    stubCodecFactory{},
	})
}

func TestNewService_BuildsNonNilCollaborators(t *testing.T) {
	s := newTestService(t)
	assert.NotNil(t, s.reg)
	assert.NotNil(t, s.callouts)
	assert.NotNil(t, s.pipe)
	assert.NotNil(t, s.marks)
	assert.NotNil(t, s.reap)
	assert.NotNil(t, s.poll)
	assert.NotNil(t, s.udpCache)
	assert.NotNil(t, s.metrics)
}

func TestCreateTCPServer_RegistersRendezvousTransport(t *testing.T) {
	s := newTestService(t)
	xp, err := s.CreateTCPServer("127.0.0.1", 0)
	require.NoError(t, err)
	assert.Equal(t, transport.RoleRendezvousTCP, xp.Role)
	assert.NotZero(t, xp.Port)

	got, ok := s.reg.Lookup(xp.ID)
	require.True(t, ok)
	assert.Same(t, xp, got)

	s.destroyTransport(xp)
}

func TestCreateUDPServer_RegistersConnectionTransport(t *testing.T) {
	s := newTestService(t)
	xp, err := s.CreateUDPServer("127.0.0.1", 0)
	require.NoError(t, err)
	assert.Equal(t, transport.RoleConnectionUDP, xp.Role)
	assert.NotZero(t, xp.Port)

	s.destroyTransport(xp)
}

func TestRegisterProgram_AdvertisesOverBothTransportsWhenConfigured(t *testing.T) {
	pmap := &mockPmapClient{}
	s := NewService(Config{
		SvcConfig:  svcconfig.New(),
		Codecs:     stubCodecFactory{},
		PmapClient: pmap,
	})

	tcpXp, err := s.CreateTCPServer("127.0.0.1", 0)
	require.NoError(t, err)
	udpXp, err := s.CreateUDPServer("127.0.0.1", 0)
	require.NoError(t, err)

	dispatch := func(w collab.Worker, procedure uint32) error { return nil }
	require.NoError(t, s.RegisterProgram(100, 1, dispatch, true))

	require.Len(t, pmap.sets, 2)
	assert.Equal(t, tcpXp.Port, pmap.sets[0].port)
	assert.Equal(t, udpXp.Port, pmap.sets[1].port)

	lookup := s.callouts.Lookup(100, 1)
	assert.True(t, lookup.Found)
}

func TestRegisterProgram_SkipsAdvertiseWhenFalse(t *testing.T) {
	pmap := &mockPmapClient{}
	s := NewService(Config{SvcConfig: svcconfig.New(), Codecs: stubCodecFactory{}, PmapClient: pmap})
	_, err := s.CreateTCPServer("127.0.0.1", 0)
	require.NoError(t, err)

	dispatch := func(w collab.Worker, procedure uint32) error { return nil }
	require.NoError(t, s.RegisterProgram(100, 1, dispatch, false))
	assert.Empty(t, pmap.sets)
}

func TestUnregisterProgram_CallsPmapUnset(t *testing.T) {
	pmap := &mockPmapClient{}
	s := NewService(Config{SvcConfig: svcconfig.New(), Codecs: stubCodecFactory{}, PmapClient: pmap})

	require.NoError(t, s.UnregisterProgram(42, 7))
	require.Len(t, pmap.uns, 1)
	assert.Equal(t, uint32(42), pmap.uns[0].program)
	assert.Equal(t, uint32(7), pmap.uns[0].version)

	lookup := s.callouts.Lookup(42, 7)
	assert.False(t, lookup.Found)
}

func TestSendRejection_ProgUnavailRecordsMetricAndEncodesReply(t *testing.T) {
	s := newTestService(t)
	codec := NewMockCodec(0)

	s.sendRejection(codec, pipeline.Outcome{Reply: pipeline.ReplyProgUnavail})

	require.Len(t, codec.Replies, 1)
	rej, ok := codec.Replies[0].(RejectionReply)
	require.True(t, ok)
	assert.Equal(t, RejectProgUnavail, rej.Kind)
	assert.Equal(t, uint64(1), s.metrics.Snapshot().ProgUnavailReplies)
}

func TestSendRejection_ProgMismatchCarriesVersionBounds(t *testing.T) {
	s := newTestService(t)
	codec := NewMockCodec(0)

	s.sendRejection(codec, pipeline.Outcome{Reply: pipeline.ReplyProgMismatch, LowVers: 1, HighVers: 3})

	rej := codec.Replies[0].(RejectionReply)
	assert.Equal(t, RejectProgMismatch, rej.Kind)
	assert.Equal(t, uint32(1), rej.LowVers)
	assert.Equal(t, uint32(3), rej.HighVers)
}

func TestSendRejection_ReplyNoneSendsNothing(t *testing.T) {
	s := newTestService(t)
	codec := NewMockCodec(0)

	s.sendRejection(codec, pipeline.Outcome{Reply: pipeline.ReplyNone})
	assert.Empty(t, codec.Replies)
}

func TestObserve_IdleWithNoErrDoesNotCountAsReceived(t *testing.T) {
	s := newTestService(t)
	s.observe(pipeline.Outcome{State: pipeline.StateIdle})
	assert.Zero(t, s.metrics.Snapshot().RequestsReceived)
}

func TestObserve_DispatchedCountsReceivedAndDispatched(t *testing.T) {
	s := newTestService(t)
	s.observe(pipeline.Outcome{State: pipeline.StateDispatched})
	snap := s.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.RequestsReceived)
	assert.Equal(t, uint64(1), snap.RequestsDispatched)
}

func TestObserve_MatchedRejectionCountsReceivedOnly(t *testing.T) {
	s := newTestService(t)
	s.observe(pipeline.Outcome{State: pipeline.StateMatched, Reply: pipeline.ReplyProgUnavail})
	snap := s.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.RequestsReceived)
	assert.Zero(t, snap.RequestsDispatched)
}

func TestDestroyTransport_ClosesOwnedUDPEndpointAndForgetsIt(t *testing.T) {
	s := newTestService(t)
	xp, err := s.CreateUDPServer("127.0.0.1", 0)
	require.NoError(t, err)

	s.destroyTransport(xp)

	s.mu.Lock()
	_, stillTracked := s.udpEndpoints[xp.ID]
	s.mu.Unlock()
	assert.False(t, stillTracked)
}

func TestDestroyTransport_CloneDoesNothing(t *testing.T) {
	s := newTestService(t)
	clone := transport.New(transport.RoleCloneUDP, 999)
	clone.ID = 1
	clone.ParentID = 0

	assert.NotPanics(t, func() { s.destroyTransport(clone) })
}

func TestCountBusy_CountsOnlyBusyTransports(t *testing.T) {
	s := newTestService(t)
	xp1, err := s.CreateTCPServer("127.0.0.1", 0)
	require.NoError(t, err)
	xp2, err := s.CreateUDPServer("127.0.0.1", 0)
	require.NoError(t, err)
	defer s.destroyTransport(xp1)
	defer s.destroyTransport(xp2)

	assert.Equal(t, 0, s.countBusy())
	xp1.SetBusy(true)
	assert.Equal(t, 1, s.countBusy())
	xp2.SetBusy(true)
	assert.Equal(t, 2, s.countBusy())
}

func TestShutdown_DestroysEverythingAndEmptiesRegistry(t *testing.T) {
	s := newTestService(t)

	tcpXp, err := s.CreateTCPServer("127.0.0.1", 0)
	require.NoError(t, err)
	udpXp, err := s.CreateUDPServer("127.0.0.1", 0)
	require.NoError(t, err)

	// A live clone, as serviceUDP would leave behind mid-dispatch: its
	// parent must be released before the owner can itself be destroyed.
	clone := transport.New(transport.RoleCloneUDP, udpXp.SocketFD)
	clone.ParentID = udpXp.ID
	udpXp.AddRef()
	require.NoError(t, s.reg.Register(clone))

	tcpFD := tcpXp.SocketFD
	udpFD := udpXp.SocketFD

	s.Shutdown()

	assert.Equal(t, 0, s.reg.Count())

	s.mu.Lock()
	assert.Empty(t, s.rendezvous)
	assert.Empty(t, s.tcpConns)
	assert.Empty(t, s.udpEndpoints)
	s.mu.Unlock()

	// destroyTransport closed the underlying fds; closing them again
	// must fail since the kernel has already reclaimed them.
	assert.ErrorIs(t, unix.Close(tcpFD), unix.EBADF)
	assert.ErrorIs(t, unix.Close(udpFD), unix.EBADF)
}

func TestTCPReadWriter_RoundTripsThroughConnection(t *testing.T) {
	rv, err := tcpxprt.Listen("127.0.0.1", 0, svcconfig.FDRegion{})
	require.NoError(t, err)
	defer rv.Close()

	client, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(rv.Port()))
	require.NoError(t, err)
	defer client.Close()

	var conn *tcpxprt.Connection
	require.Eventually(t, func() bool {
		c, res, err := rv.Accept()
		require.NoError(t, err)
		if res == tcpxprt.AcceptAccepted {
			conn = c
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)
	defer conn.Close()

	rw := tcpReadWriter{conn: conn}
	n, err := rw.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	client.SetReadDeadline(time.Now().Add(time.Second))
	clientBuf := make([]byte, 16)
	n2, err := client.Read(clientBuf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(clientBuf[:n2]))

	require.NoError(t, client.Close())
	readBuf := make([]byte, 16)
	_, err = rw.Read(readBuf)
	assert.ErrorIs(t, err, tcpxprt.ErrDead)
}
