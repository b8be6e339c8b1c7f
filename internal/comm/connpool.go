package comm

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/beegfs/buddymirror/pkg/proto"
)

// DefaultMaxIdlePerNode bounds the idle connections kept per peer address.
const DefaultMaxIdlePerNode = 8

// ConnPool keeps idle stream connections per peer address for reuse. A
// connection is either checked out by exactly one caller or idle in the pool.
type ConnPool struct {
	dialTimeout time.Duration
	maxIdle     int

	mu     sync.Mutex
	idle   map[string][]net.Conn
	closed bool
}

// NewConnPool creates a pool. Non-positive values select the defaults.
func NewConnPool(dialTimeout time.Duration, maxIdlePerNode int) *ConnPool {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	if maxIdlePerNode <= 0 {
		maxIdlePerNode = DefaultMaxIdlePerNode
	}
	return &ConnPool{
		dialTimeout: dialTimeout,
		maxIdle:     maxIdlePerNode,
		idle:        make(map[string][]net.Conn),
	}
}

// Get returns an idle connection to addr or dials a new one. Dial failures
// are reported as OpsCommunication.
func (p *ConnPool) Get(ctx context.Context, addr string) (net.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: connection pool closed", proto.OpsCommunication)
	}
	if conns := p.idle[addr]; len(conns) > 0 {
		c := conns[len(conns)-1]
		p.idle[addr] = conns[:len(conns)-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	d := net.Dialer{Timeout: p.dialTimeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", proto.OpsCommunication, addr, err)
	}
	return c, nil
}

// Put hands a healthy connection back. Connections beyond the idle limit are
// closed.
func (p *ConnPool) Put(addr string, c net.Conn) {
	_ = c.SetDeadline(time.Time{})

	p.mu.Lock()
	if p.closed || len(p.idle[addr]) >= p.maxIdle {
		p.mu.Unlock()
		_ = c.Close()
		return
	}
	p.idle[addr] = append(p.idle[addr], c)
	p.mu.Unlock()
}

// Invalidate closes a connection that hit an error instead of pooling it.
func (p *ConnPool) Invalidate(c net.Conn) {
	_ = c.Close()
}

// Idle returns the number of idle connections to addr.
func (p *ConnPool) Idle(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[addr])
}

// Close closes all idle connections and rejects further use.
func (p *ConnPool) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = make(map[string][]net.Conn)
	p.mu.Unlock()

	for _, conns := range idle {
		for _, c := range conns {
			_ = c.Close()
		}
	}
}
