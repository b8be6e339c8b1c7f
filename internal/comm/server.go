package comm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/beegfs/buddymirror/internal/metrics"
	"github.com/beegfs/buddymirror/internal/workqueue"
	"github.com/beegfs/buddymirror/pkg/proto"
)

// Request is one decoded incoming message.
type Request struct {
	Header proto.Header
	Msg    proto.Message
	Peer   net.Addr
}

// Handler produces the response for an incoming request. Returning nil
// closes the connection without a reply.
type Handler interface {
	ServeMessage(ctx context.Context, req *Request) proto.Message
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) proto.Message

func (f HandlerFunc) ServeMessage(ctx context.Context, req *Request) proto.Message {
	return f(ctx, req)
}

// IsDirect reports whether t is a short control message served by the
// direct pool so it never queues behind bulk resync traffic.
func IsDirect(t proto.MsgType) bool {
	switch t {
	case proto.MsgAck,
		proto.MsgRefreshTargetStates,
		proto.MsgGetStorageResyncStats,
		proto.MsgGetStorageTargetInfo,
		proto.MsgGetChunkLocks,
		proto.MsgSetLastBuddyCommOverride,
		proto.MsgSetTargetConsistencyStates:
		return true
	}
	return false
}

// ServerConfig holds configuration for a stream Server.
type ServerConfig struct {
	Addr    string
	Codec   *proto.Codec
	Handler Handler
	Workers *workqueue.Pool
	Direct  *workqueue.Pool
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Server accepts stream connections and hands every incoming frame to a
// worker pool. A connection carries one request at a time; the reply is
// written before the next frame is read.
type Server struct {
	cfg    ServerConfig
	logger zerolog.Logger

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a server. Start must be called to begin listening.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Codec == nil {
		cfg.Codec = proto.NewCodec(0)
	}
	if cfg.Direct == nil {
		cfg.Direct = cfg.Workers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "stream-server").Logger(),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("stream server started")
	return nil
}

// Addr returns the bound address. Only valid after Start.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Stop closes the listener and all open connections and waits for the
// connection goroutines.
func (s *Server) Stop() {
	s.cancel()
	if s.ln != nil {
		_ = s.ln.Close()
	}

	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("stream server stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Debug().Err(err).Msg("accept failed")
			continue
		}

		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(c)
	}
}

func (s *Server) serveConn(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	log := s.logger.With().Str("peer", c.RemoteAddr().String()).Logger()
	for {
		h, msg, err := s.cfg.Codec.ReadMessage(c)
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				log.Debug().Err(err).Msg("read failed, closing connection")
			}
			return
		}
		s.cfg.Metrics.Message(h.Type.String(), "in")

		pool := s.cfg.Workers
		if IsDirect(h.Type) {
			pool = s.cfg.Direct
		}
		w := &connWork{
			req:     &Request{Header: h, Msg: msg, Peer: c.RemoteAddr()},
			handler: s.cfg.Handler,
			done:    make(chan proto.Message, 1),
		}
		if err := pool.Submit(s.ctx, w); err != nil {
			return
		}

		var resp proto.Message
		select {
		case resp = <-w.done:
		case <-s.ctx.Done():
			return
		}
		if resp == nil {
			log.Debug().Str("type", h.Type.String()).Msg("no response, closing connection")
			return
		}
		if err := s.cfg.Codec.WriteMessage(c, resp); err != nil {
			log.Debug().Err(err).Msg("write failed, closing connection")
			return
		}
		s.cfg.Metrics.Message(resp.Type().String(), "out")
	}
}

// connWork runs one request on a pool worker.
type connWork struct {
	req     *Request
	handler Handler
	done    chan proto.Message
}

func (w *connWork) Process(ctx context.Context) {
	var resp proto.Message
	defer func() { w.done <- resp }()
	resp = w.handler.ServeMessage(ctx, w.req)
}

func (w *connWork) Abandon(error) {
	w.done <- nil
}
