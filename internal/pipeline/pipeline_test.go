package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-rpcsvc/internal/callout"
	"github.com/behrlich/go-rpcsvc/internal/collab"
	"github.com/behrlich/go-rpcsvc/internal/svcconfig"
	"github.com/behrlich/go-rpcsvc/internal/transport"
)

type fakeCodec struct {
	recvOK    bool
	recvErr   error
	getArgsN  int
	replyN    int
	freeArgsN int
}

func (f *fakeCodec) Recv(ctx context.Context) (bool, error) { return f.recvOK, f.recvErr }
func (f *fakeCodec) GetArgs(argsOut any) error               { f.getArgsN++; return nil }
func (f *fakeCodec) Reply(result any) error                  { f.replyN++; return nil }
func (f *fakeCodec) FreeArgs() error                          { f.freeArgsN++; return nil }
func (f *fakeCodec) Close() error                             { return nil }

type rejectAuth struct{}

func (rejectAuth) Authenticate(flavor uint32, creds []byte) (collab.AuthResult, error) {
	return collab.AuthResult{Accepted: false}, nil
}

func echoDispatch(w collab.Worker, proc uint32) error {
	var args int
	if err := w.GetArgs(&args); err != nil {
		return err
	}
	if err := w.Reply(args); err != nil {
		return err
	}
	if err := w.FreeArgs(); err != nil {
		return err
	}
	w.Return()
	return nil
}

func TestRun_NoDataAvailable(t *testing.T) {
	cfg := svcconfig.New()
	callouts := callout.New()
	p := New(callouts, cfg, nil)

	tr := transport.New(transport.RoleConnectionUDP, 1)
	codec := &fakeCodec{recvOK: false}

	out := p.Run(context.Background(), tr, codec, tr.Scratch)
	assert.Equal(t, StateIdle, out.State)
	assert.Equal(t, ReplyNone, out.Reply)
}

func TestRun_ProgramNotFound(t *testing.T) {
	cfg := svcconfig.New()
	callouts := callout.New()
	p := New(callouts, cfg, nil)

	tr := transport.New(transport.RoleConnectionUDP, 1)
	tr.Scratch.Program = 100099
	tr.Scratch.Version = 1
	codec := &fakeCodec{recvOK: true}

	out := p.Run(context.Background(), tr, codec, tr.Scratch)
	assert.Equal(t, StateMatched, out.State)
	assert.Equal(t, ReplyProgUnavail, out.Reply)
}

func TestRun_VersionMismatchReportsBounds(t *testing.T) {
	cfg := svcconfig.New()
	callouts := callout.New()
	callouts.Register(100021, 1, echoDispatch, false)
	callouts.Register(100021, 3, echoDispatch, false)
	p := New(callouts, cfg, nil)

	tr := transport.New(transport.RoleConnectionUDP, 1)
	tr.Scratch.Program = 100021
	tr.Scratch.Version = 2
	codec := &fakeCodec{recvOK: true}

	out := p.Run(context.Background(), tr, codec, tr.Scratch)
	assert.Equal(t, StateMatched, out.State)
	assert.Equal(t, ReplyProgMismatch, out.Reply)
	assert.Equal(t, uint32(1), out.LowVers)
	assert.Equal(t, uint32(3), out.HighVers)
}

func TestRun_NullFlavorSkipsAuth(t *testing.T) {
	cfg := svcconfig.New()
	require.NoError(t, cfg.Set("mtmode", "0"))
	callouts := callout.New()
	callouts.Register(1, 1, echoDispatch, false)
	p := New(callouts, cfg, rejectAuth{}) // would reject if consulted

	tr := transport.New(transport.RoleConnectionTCP, 1)
	tr.Scratch.Program = 1
	tr.Scratch.Version = 1
	tr.Scratch.AuthFlavor = 0
	codec := &fakeCodec{recvOK: true}

	out := p.Run(context.Background(), tr, codec, tr.Scratch)
	assert.Equal(t, StateReturned, out.State)
	assert.NoError(t, out.Err)
}

func TestRun_NonNullAuthRejected(t *testing.T) {
	cfg := svcconfig.New()
	callouts := callout.New()
	callouts.Register(1, 1, echoDispatch, false)
	p := New(callouts, cfg, rejectAuth{})

	tr := transport.New(transport.RoleConnectionTCP, 1)
	tr.Scratch.Program = 1
	tr.Scratch.Version = 1
	tr.Scratch.AuthFlavor = 1
	codec := &fakeCodec{recvOK: true}

	out := p.Run(context.Background(), tr, codec, tr.Scratch)
	assert.Equal(t, ReplyAuthError, out.Reply)
	assert.Equal(t, 0, codec.getArgsN, "rejected auth must never reach the dispatch function")
}

func TestRun_SerialMode_RunsDispatchSynchronously(t *testing.T) {
	cfg := svcconfig.New()
	require.NoError(t, cfg.Set("mtmode", "0"))
	callouts := callout.New()
	callouts.Register(1, 1, echoDispatch, false)
	p := New(callouts, cfg, nil)

	tr := transport.New(transport.RoleConnectionTCP, 1)
	tr.Scratch.Program = 1
	tr.Scratch.Version = 1
	codec := &fakeCodec{recvOK: true}

	out := p.Run(context.Background(), tr, codec, tr.Scratch)
	assert.Equal(t, StateReturned, out.State)
	assert.Equal(t, 1, codec.getArgsN)
	assert.Equal(t, 1, codec.replyN)
	assert.Equal(t, 1, codec.freeArgsN)
	assert.True(t, tr.HasProgress(transport.ProgressReturn))
}

func TestRun_HybridMode_WaitsForGetArgsOnly(t *testing.T) {
	cfg := svcconfig.New() // default is hybrid
	callouts := callout.New()

	unblock := make(chan struct{})
	slowDispatch := func(w collab.Worker, proc uint32) error {
		if err := w.GetArgs(new(int)); err != nil {
			return err
		}
		<-unblock // simulate the worker doing slow work after get_args
		w.Reply(0)
		w.FreeArgs()
		w.Return()
		return nil
	}
	callouts.Register(1, 1, slowDispatch, false)
	p := New(callouts, cfg, nil)

	tr := transport.New(transport.RoleConnectionUDP, 1)
	tr.Scratch.Program = 1
	tr.Scratch.Version = 1
	codec := &fakeCodec{recvOK: true}

	done := make(chan Outcome, 1)
	go func() { done <- p.Run(context.Background(), tr, codec, tr.Scratch) }()

	select {
	case out := <-done:
		assert.Equal(t, StateWaited, out.State)
	case <-time.After(2 * time.Second):
		t.Fatal("hybrid mode must return once GETARGS is observed, not wait for full completion")
	}
	close(unblock)
}

func TestRun_FullyConcurrentMode_DoesNotWait(t *testing.T) {
	cfg := svcconfig.New()
	require.NoError(t, cfg.Set("mtmode", "2"))
	callouts := callout.New()

	started := make(chan struct{})
	blocker := make(chan struct{})
	callouts.Register(1, 1, func(w collab.Worker, proc uint32) error {
		close(started)
		<-blocker
		return nil
	}, false)
	p := New(callouts, cfg, nil)

	tr := transport.New(transport.RoleConnectionUDP, 1)
	tr.Scratch.Program = 1
	tr.Scratch.Version = 1
	codec := &fakeCodec{recvOK: true}

	out := p.Run(context.Background(), tr, codec, tr.Scratch)
	assert.Equal(t, StateDispatched, out.State)
	close(blocker)
	<-started
}

func TestWaitForMilestone_ReturnsTrueOnceSet(t *testing.T) {
	tr := transport.New(transport.RoleConnectionTCP, 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.SetProgress(transport.ProgressGetArgs)
	}()
	ok := WaitForMilestone(tr, time.Millisecond, time.Second)
	assert.True(t, ok)
}

func TestWaitForMilestone_TimesOut(t *testing.T) {
	tr := transport.New(transport.RoleConnectionTCP, 1)
	ok := WaitForMilestone(tr, time.Millisecond, 20*time.Millisecond)
	assert.False(t, ok)
}

func TestWaitForMilestoneMutex_ReturnsTrueWhenSignaled(t *testing.T) {
	tr := transport.New(transport.RoleConnectionTCP, 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.SetProgress(transport.ProgressGetArgs)
		select {
		case tr.Ready <- struct{}{}:
		default:
		}
	}()
	ok := WaitForMilestoneMutex(tr, time.Second)
	assert.True(t, ok)
}

func TestWaitForMilestoneMutex_ReturnsTrueImmediatelyIfAlreadyAtMilestone(t *testing.T) {
	tr := transport.New(transport.RoleConnectionTCP, 1)
	tr.SetProgress(transport.ProgressReturn)
	ok := WaitForMilestoneMutex(tr, time.Second)
	assert.True(t, ok)
}

func TestWaitForMilestoneMutex_TimesOut(t *testing.T) {
	tr := transport.New(transport.RoleConnectionTCP, 1)
	ok := WaitForMilestoneMutex(tr, 20*time.Millisecond)
	assert.False(t, ok)
}
