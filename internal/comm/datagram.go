package comm

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/beegfs/buddymirror/internal/metrics"
	"github.com/beegfs/buddymirror/internal/workqueue"
	"github.com/beegfs/buddymirror/pkg/proto"
)

// Datagram defaults.
const (
	DefaultAckTimeout = 3 * time.Second
	DefaultAckRetries = 3
	DefaultDedupSize  = 4096

	maxDatagramSize = 65507
)

// NewAckID returns a fresh acknowledgment ID.
func NewAckID() string {
	return uuid.NewString()
}

// DatagramConfig holds configuration for a Datagram endpoint.
type DatagramConfig struct {
	Addr       string
	Codec      *proto.Codec
	Handler    Handler
	Pool       *workqueue.Pool
	AckTimeout time.Duration
	AckRetries int
	DedupSize  int
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Datagram sends and receives single-frame UDP messages. Messages carrying
// an ack ID are acknowledged once queued for processing, and an ack ID seen
// before is acknowledged again but not processed twice.
type Datagram struct {
	cfg    DatagramConfig
	logger zerolog.Logger
	acks   *AckStore
	seen   *lru.Cache[string, struct{}]

	conn    *net.UDPConn
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewDatagram creates an endpoint. Start must be called before use.
func NewDatagram(cfg DatagramConfig) (*Datagram, error) {
	if cfg.Codec == nil {
		cfg.Codec = proto.NewCodec(0)
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.AckRetries < 0 {
		cfg.AckRetries = 0
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = DefaultDedupSize
	}
	seen, err := lru.New[string, struct{}](cfg.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	return &Datagram{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "datagram").Logger(),
		acks:   NewAckStore(cfg.Metrics),
		seen:   seen,
	}, nil
}

// Start binds the UDP socket and starts the receive loop.
func (d *Datagram) Start() error {
	addr, err := net.ResolveUDPAddr("udp", d.cfg.Addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", d.cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Addr, err)
	}
	d.conn = conn
	d.running.Store(true)

	d.wg.Add(1)
	go d.receiveLoop()

	d.logger.Info().Str("addr", conn.LocalAddr().String()).Msg("datagram listener started")
	return nil
}

// LocalAddr returns the bound address. Only valid after Start.
func (d *Datagram) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}

// Acks exposes the acknowledgment store.
func (d *Datagram) Acks() *AckStore {
	return d.acks
}

// Stop closes the socket and waits for the receive loop.
func (d *Datagram) Stop() {
	if !d.running.Swap(false) {
		return
	}
	_ = d.conn.Close()
	d.wg.Wait()
}

// Send writes msg to addr without waiting for anything.
func (d *Datagram) Send(addr string, msg proto.Message) error {
	to, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", proto.OpsCommunication, addr, err)
	}
	return d.sendTo(to, msg)
}

func (d *Datagram) sendTo(to *net.UDPAddr, msg proto.Message) error {
	frame, err := d.cfg.Codec.Marshal(msg)
	if err != nil {
		return err
	}
	if len(frame) > maxDatagramSize {
		return fmt.Errorf("%w: %s frame of %d bytes exceeds datagram size", proto.OpsInval, msg.Type(), len(frame))
	}
	if _, err := d.conn.WriteToUDP(frame, to); err != nil {
		return fmt.Errorf("%w: send %s to %s: %v", proto.OpsCommunication, msg.Type(), to, err)
	}
	d.cfg.Metrics.Message(msg.Type().String(), "out")
	return nil
}

// SendWithAck sends msg to addr and resends it until its ack arrives, the
// retries are used up or ctx is done. Giving up is reported as
// OpsCommunication.
func (d *Datagram) SendWithAck(ctx context.Context, addr string, msg proto.Acknowledgeable) error {
	id := msg.AckIdentifier()
	if id == "" {
		return fmt.Errorf("%w: %s without ack id", proto.OpsInval, msg.Type())
	}

	w := d.acks.Register(id)
	defer d.acks.Unregister(w)

	for attempt := 0; attempt <= d.cfg.AckRetries; attempt++ {
		if attempt > 0 {
			d.cfg.Metrics.CommRetry("datagram_" + msg.Type().String())
		}
		if err := d.Send(addr, msg); err != nil {
			return err
		}

		wctx, cancel := context.WithTimeout(ctx, d.cfg.AckTimeout)
		ok := w.Wait(wctx)
		cancel()
		if ok {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.logger.Debug().Str("ack_id", id).Str("addr", addr).Int("attempt", attempt).Msg("ack timed out")
	}
	return fmt.Errorf("%w: no ack for %s from %s", proto.OpsCommTimeout, msg.Type(), addr)
}

func (d *Datagram) receiveLoop() {
	defer d.wg.Done()
	buf := make([]byte, maxDatagramSize)

	for d.running.Load() {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if d.running.Load() {
				d.logger.Debug().Err(err).Msg("read error")
			}
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		d.handleFrame(frame, from)
	}
}

func (d *Datagram) handleFrame(frame []byte, from *net.UDPAddr) {
	h, msg, err := d.cfg.Codec.Unmarshal(frame)
	if err != nil {
		d.logger.Debug().Err(err).Str("from", from.String()).Msg("dropping malformed datagram")
		return
	}
	d.cfg.Metrics.Message(h.Type.String(), "in")

	if ack, ok := msg.(*proto.Ack); ok {
		if !d.acks.Received(ack.AckID) {
			d.logger.Debug().Str("ack_id", ack.AckID).Msg("ack for nobody")
		}
		return
	}

	var ackID string
	if a, ok := msg.(proto.Acknowledgeable); ok {
		ackID = a.AckIdentifier()
	}
	if ackID != "" && d.seen.Contains(ackID) {
		d.reply(from, ackID)
		return
	}

	req := &Request{Header: h, Msg: msg, Peer: from}
	work := workqueue.WorkFunc(func(ctx context.Context) {
		if d.cfg.Handler != nil {
			d.cfg.Handler.ServeMessage(ctx, req)
		}
	})
	if !d.cfg.Pool.TrySubmit(work) {
		// Unacknowledged, so the sender retries.
		d.logger.Debug().Str("type", h.Type.String()).Msg("work queue full, dropping datagram")
		return
	}
	if ackID != "" {
		d.seen.Add(ackID, struct{}{})
		d.reply(from, ackID)
	}
}

func (d *Datagram) reply(to *net.UDPAddr, ackID string) {
	if err := d.sendTo(to, &proto.Ack{AckID: ackID}); err != nil {
		d.logger.Debug().Err(err).Str("ack_id", ackID).Msg("failed to send ack")
	}
}
