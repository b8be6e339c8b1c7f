package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/beegfs/buddymirror/internal/metrics"
	"github.com/beegfs/buddymirror/internal/nodes"
	"github.com/beegfs/buddymirror/pkg/proto"
)

// TargetResolver maps a target to the node serving it.
type TargetResolver interface {
	Resolve(targetID proto.TargetID) (nodes.Node, error)
}

// MessengerConfig holds configuration for a Messenger.
type MessengerConfig struct {
	Resolver       TargetResolver
	Codec          *proto.Codec
	Pool           *ConnPool
	RequestTimeout time.Duration
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

// Messenger sends a request to the node serving a target and waits for the
// response on the same connection.
type Messenger struct {
	resolver TargetResolver
	codec    *proto.Codec
	pool     *ConnPool
	timeout  time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewMessenger creates a messenger.
func NewMessenger(cfg MessengerConfig) *Messenger {
	if cfg.Codec == nil {
		cfg.Codec = proto.NewCodec(0)
	}
	if cfg.Pool == nil {
		cfg.Pool = NewConnPool(0, 0)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Messenger{
		resolver: cfg.Resolver,
		codec:    cfg.Codec,
		pool:     cfg.Pool,
		timeout:  cfg.RequestTimeout,
		logger:   cfg.Logger.With().Str("component", "messenger").Logger(),
		metrics:  cfg.Metrics,
	}
}

// Request sends req to the node serving targetID. Transport failures wrap
// OpsCommunication or OpsCommTimeout. A cancelled ctx yields context.Canceled.
func (m *Messenger) Request(ctx context.Context, targetID proto.TargetID, req proto.Message) (proto.Message, error) {
	node, err := m.resolver.Resolve(targetID)
	if err != nil {
		return nil, err
	}
	return m.RequestAddr(ctx, node.Addr, req)
}

// RequestAddr sends req to an explicit node address.
func (m *Messenger) RequestAddr(ctx context.Context, addr string, req proto.Message) (proto.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := m.pool.Get(ctx, addr)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(m.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})

	resp, err := m.roundTrip(c, req)
	interrupted := !stop()
	if err != nil {
		m.pool.Invalidate(c)
		if interrupted && errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		m.logger.Debug().Err(err).Str("addr", addr).Str("type", req.Type().String()).Msg("request failed")
		return nil, classifyIOError(addr, req.Type(), err)
	}
	m.pool.Put(addr, c)
	return resp, nil
}

func (m *Messenger) roundTrip(c net.Conn, req proto.Message) (proto.Message, error) {
	if err := m.codec.WriteMessage(c, req); err != nil {
		return nil, err
	}
	m.metrics.Message(req.Type().String(), "out")

	_, resp, err := m.codec.ReadMessage(c)
	if err != nil {
		return nil, err
	}
	m.metrics.Message(resp.Type().String(), "in")
	return resp, nil
}

// Close releases pooled connections.
func (m *Messenger) Close() {
	m.pool.Close()
}

func classifyIOError(addr string, t proto.MsgType, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %s to %s: %v", proto.OpsCommTimeout, t, addr, err)
	}
	if errors.Is(err, proto.OpsCommunication) {
		return err
	}
	return fmt.Errorf("%w: %s to %s: %v", proto.OpsCommunication, t, addr, err)
}

// Call sends req to the node serving targetID and checks that the response
// has the expected kind.
func Call[T proto.Message](ctx context.Context, r Requester, targetID proto.TargetID, req proto.Message) (T, error) {
	resp, err := r.Request(ctx, targetID, req)
	if err != nil {
		var zero T
		return zero, err
	}
	return proto.Expect[T](resp)
}

// Requester is satisfied by Messenger and by test doubles.
type Requester interface {
	Request(ctx context.Context, targetID proto.TargetID, req proto.Message) (proto.Message, error)
}
