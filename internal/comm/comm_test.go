package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beegfs/buddymirror/internal/nodes"
	"github.com/beegfs/buddymirror/internal/workqueue"
	"github.com/beegfs/buddymirror/pkg/proto"
	"github.com/beegfs/buddymirror/testutil"
)

func newTestPool(t *testing.T) *workqueue.Pool {
	t.Helper()
	p := workqueue.NewPool(workqueue.PoolConfig{Name: "test", Workers: 2, QueueSize: 16, Logger: zerolog.Nop()})
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func startServer(t *testing.T, h Handler) *Server {
	t.Helper()
	s := NewServer(ServerConfig{
		Addr:    "127.0.0.1:0",
		Handler: h,
		Workers: newTestPool(t),
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

type staticResolver map[proto.TargetID]string

func (r staticResolver) Resolve(id proto.TargetID) (nodes.Node, error) {
	addr, ok := r[id]
	if !ok {
		return nodes.Node{}, fmt.Errorf("target %d: %w", id, proto.OpsUnknownTarget)
	}
	return nodes.Node{ID: 1, Addr: addr}, nil
}

func newTestMessenger(t *testing.T, r TargetResolver) *Messenger {
	t.Helper()
	m := NewMessenger(MessengerConfig{
		Resolver:       r,
		Pool:           NewConnPool(time.Second, 2),
		RequestTimeout: 2 * time.Second,
		Logger:         zerolog.Nop(),
	})
	t.Cleanup(m.Close)
	return m
}

func locksHandler() Handler {
	return HandlerFunc(func(_ context.Context, req *Request) proto.Message {
		switch m := req.Msg.(type) {
		case *proto.GetChunkLocks:
			return &proto.GetChunkLocksResp{Chunks: []string{fmt.Sprintf("t%d/a", m.TargetID)}}
		default:
			return &proto.GenericResponse{Code: proto.ControlTryAgain, Message: "unsupported"}
		}
	})
}

func TestAckStore_WaitAndMissing(t *testing.T) {
	s := NewAckStore(nil)
	w := s.Register("a", "b")
	defer s.Unregister(w)

	assert.True(t, s.Received("a"))
	assert.False(t, s.Received("a"), "second ack for the same id is ignored")
	assert.False(t, s.Received("zzz"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, w.Wait(ctx))
	assert.Equal(t, []string{"b"}, w.Missing(s))

	assert.True(t, s.Received("b"))
	assert.True(t, w.Wait(context.Background()))
	assert.Empty(t, w.Missing(s))
	assert.Equal(t, 0, s.Pending())
}

func TestAckStore_UnregisterForgetsPending(t *testing.T) {
	s := NewAckStore(nil)
	w := s.Register("x")
	assert.Equal(t, 1, s.Pending())
	s.Unregister(w)
	assert.Equal(t, 0, s.Pending())
	assert.False(t, s.Received("x"))
}

func TestAckStore_EmptyWaitIsDone(t *testing.T) {
	s := NewAckStore(nil)
	w := s.Register()
	select {
	case <-w.Done():
	default:
		t.Fatal("empty wait should be done")
	}
}

func TestConnPool_ReusesConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 1)
				_, _ = c.Read(buf)
				_ = c.Close()
			}()
		}
	}()

	p := NewConnPool(time.Second, 1)
	defer p.Close()
	addr := ln.Addr().String()

	c1, err := p.Get(context.Background(), addr)
	require.NoError(t, err)
	c2, err := p.Get(context.Background(), addr)
	require.NoError(t, err)

	p.Put(addr, c1)
	p.Put(addr, c2)
	assert.Equal(t, 1, p.Idle(addr), "idle limit enforced")

	c3, err := p.Get(context.Background(), addr)
	require.NoError(t, err)
	assert.Same(t, c1, c3)
	p.Invalidate(c3)
}

func TestConnPool_DialFailureIsCommError(t *testing.T) {
	p := NewConnPool(200*time.Millisecond, 1)
	defer p.Close()

	_, err := p.Get(context.Background(), fmt.Sprintf("127.0.0.1:%d", testutil.FreePort(t)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, proto.OpsCommunication))
}

func TestMessenger_RoundTrip(t *testing.T) {
	s := startServer(t, locksHandler())
	m := newTestMessenger(t, staticResolver{7: s.Addr().String()})

	for i := 0; i < 3; i++ {
		resp, err := Call[*proto.GetChunkLocksResp](context.Background(), m, 7, &proto.GetChunkLocks{TargetID: 7})
		require.NoError(t, err)
		assert.Equal(t, []string{"t7/a"}, resp.Chunks)
	}
	assert.Equal(t, 1, m.pool.Idle(s.Addr().String()), "connection reused across requests")
}

func TestMessenger_GenericResponseIsRetryable(t *testing.T) {
	s := startServer(t, locksHandler())
	m := newTestMessenger(t, staticResolver{7: s.Addr().String()})

	_, err := Call[*proto.RmChunkPathsResp](context.Background(), m, 7, &proto.RmChunkPaths{TargetID: 7})
	require.Error(t, err)
	assert.True(t, proto.IsTransient(err))
}

func TestMessenger_UnknownTarget(t *testing.T) {
	m := newTestMessenger(t, staticResolver{})
	_, err := m.Request(context.Background(), 9, &proto.GetChunkLocks{TargetID: 9})
	assert.ErrorIs(t, err, proto.OpsUnknownTarget)
}

func TestMessenger_NoResponseClosesConnection(t *testing.T) {
	s := startServer(t, HandlerFunc(func(context.Context, *Request) proto.Message { return nil }))
	m := newTestMessenger(t, staticResolver{1: s.Addr().String()})

	_, err := m.Request(context.Background(), 1, &proto.GetChunkLocks{TargetID: 1})
	require.Error(t, err)
	assert.True(t, proto.IsTransient(err))
	assert.Equal(t, 0, m.pool.Idle(s.Addr().String()))
}

func TestMessenger_CancelInterruptsRequest(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := startServer(t, HandlerFunc(func(context.Context, *Request) proto.Message {
		<-release
		return &proto.GetChunkLocksResp{}
	}))
	m := newTestMessenger(t, staticResolver{1: s.Addr().String()})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := m.Request(ctx, 1, &proto.GetChunkLocks{TargetID: 1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, proto.IsTransient(err))
}

func TestMessenger_TimeoutIsCommTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := startServer(t, HandlerFunc(func(context.Context, *Request) proto.Message {
		<-release
		return &proto.GetChunkLocksResp{}
	}))
	m := NewMessenger(MessengerConfig{
		Resolver:       staticResolver{1: s.Addr().String()},
		RequestTimeout: 50 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	defer m.Close()

	_, err := m.Request(context.Background(), 1, &proto.GetChunkLocks{TargetID: 1})
	assert.ErrorIs(t, err, proto.OpsCommTimeout)
	assert.True(t, proto.IsTransient(err))
}

func TestIsDirect(t *testing.T) {
	assert.True(t, IsDirect(proto.MsgGetStorageResyncStats))
	assert.True(t, IsDirect(proto.MsgAck))
	assert.False(t, IsDirect(proto.MsgResyncLocalFile))
	assert.False(t, IsDirect(proto.MsgListChunkDirIncremental))
}

type recordingHandler struct {
	mu   sync.Mutex
	msgs []proto.Message
}

func (h *recordingHandler) ServeMessage(_ context.Context, req *Request) proto.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, req.Msg)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func startDatagram(t *testing.T, h Handler) *Datagram {
	t.Helper()
	d, err := NewDatagram(DatagramConfig{
		Addr:       "127.0.0.1:0",
		Handler:    h,
		Pool:       newTestPool(t),
		AckTimeout: 200 * time.Millisecond,
		AckRetries: 2,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)
	return d
}

func TestDatagram_SendWithAckProcessesOnce(t *testing.T) {
	rec := &recordingHandler{}
	receiver := startDatagram(t, rec)
	sender := startDatagram(t, nil)

	msg := &proto.RefreshTargetStates{AckID: NewAckID()}
	require.NoError(t, sender.SendWithAck(context.Background(), receiver.LocalAddr().String(), msg))
	require.True(t, testutil.WaitFor(t, time.Second, 5*time.Millisecond, func() bool { return rec.count() == 1 }))

	// A resend of the same ack ID is acknowledged but not processed again.
	require.NoError(t, sender.SendWithAck(context.Background(), receiver.LocalAddr().String(), msg))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 0, sender.Acks().Pending())
}

func TestDatagram_NoAckGivesCommTimeout(t *testing.T) {
	sender := startDatagram(t, nil)

	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer func() { _ = silent.Close() }()

	start := time.Now()
	err = sender.SendWithAck(context.Background(), silent.LocalAddr().String(), &proto.RefreshTargetStates{AckID: NewAckID()})
	require.Error(t, err)
	assert.True(t, proto.IsTransient(err))
	assert.GreaterOrEqual(t, time.Since(start), 600*time.Millisecond, "waited for every retry")
}

func TestDatagram_RejectsMissingAckID(t *testing.T) {
	sender := startDatagram(t, nil)
	err := sender.SendWithAck(context.Background(), "127.0.0.1:1", &proto.RefreshTargetStates{})
	assert.ErrorIs(t, err, proto.OpsInval)
}

func TestDatagram_PlainSendIsHandled(t *testing.T) {
	var got atomic.Int32
	receiver := startDatagram(t, HandlerFunc(func(_ context.Context, req *Request) proto.Message {
		if _, ok := req.Msg.(*proto.GetChunkLocks); ok {
			got.Add(1)
		}
		return nil
	}))
	sender := startDatagram(t, nil)

	require.NoError(t, sender.Send(receiver.LocalAddr().String(), &proto.GetChunkLocks{TargetID: 3}))
	assert.True(t, testutil.WaitFor(t, time.Second, 5*time.Millisecond, func() bool { return got.Load() == 1 }))
}
