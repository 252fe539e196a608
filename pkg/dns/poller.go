package dns

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"split-dns/pkg/logging"
)

// Token identifies a registered socket
type Token int

const (
	// TokenLocal is the local listener
	TokenLocal Token = iota
	// TokenTrusted is the trusted upstream socket
	TokenTrusted
	// TokenPoisoned is the poisoned upstream socket
	TokenPoisoned

	numTokens
)

func (t Token) String() string {
	switch t {
	case TokenLocal:
		return "local"
	case TokenTrusted:
		return "trusted"
	case TokenPoisoned:
		return "poisoned"
	default:
		return "unknown"
	}
}

// maxDatagram is the largest UDP payload
const maxDatagram = 65535

var (
	// ErrWouldBlock is returned by a non-blocking read with nothing queued
	ErrWouldBlock = errors.New("operation would block")

	// ErrClosed is returned once the poller or a socket has been closed
	ErrClosed = errors.New("poller closed")
)

type datagram struct {
	b    []byte
	from netip.AddrPort
	err  error
}

// queuedConn turns a blocking UDP socket into a non-blocking readiness source.
// A reader goroutine moves datagrams into a bounded queue and arms the poller;
// ReadFrom only ever takes from the queue.
type queuedConn struct {
	conn   *net.UDPConn
	token  Token
	queue  chan datagram
	armed  atomic.Bool
	wake   func(Token)
	drops  atomic.Uint64
	done   chan struct{}
	logger *logging.Logger
}

func newQueuedConn(conn *net.UDPConn, token Token, size int, wake func(Token), logger *logging.Logger) *queuedConn {
	if size < 1 {
		size = 1
	}
	return &queuedConn{
		conn:   conn,
		token:  token,
		queue:  make(chan datagram, size),
		wake:   wake,
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (q *queuedConn) readLoop() {
	defer close(q.done)

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := q.conn.ReadFromUDPAddrPort(buf)
		if err != nil && errors.Is(err, net.ErrClosed) {
			return
		}

		d := datagram{from: from, err: err}
		if err == nil {
			d.b = append([]byte(nil), buf[:n]...)
		}

		select {
		case q.queue <- d:
		default:
			// Same outcome as a full kernel receive buffer
			if q.drops.Add(1)%1000 == 1 {
				q.logger.Warn("Socket queue full, dropping datagrams",
					"socket", q.token.String(),
					"dropped_total", q.drops.Load(),
				)
			}
			continue
		}

		if q.armed.CompareAndSwap(false, true) {
			q.wake(q.token)
		}
	}
}

// ReadFrom copies the oldest queued datagram into p.
// It returns ErrWouldBlock when nothing is queued.
func (q *queuedConn) ReadFrom(p []byte) (int, netip.AddrPort, error) {
	select {
	case d := <-q.queue:
		if d.err != nil {
			return 0, d.from, d.err
		}
		return copy(p, d.b), d.from, nil
	default:
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
}

// WriteTo sends b to addr from this socket
func (q *queuedConn) WriteTo(b []byte, addr netip.AddrPort) (int, error) {
	return q.conn.WriteToUDPAddrPort(b, addr)
}

// disarm lets the next queued datagram wake the poller again.
// Called before a drain so nothing queued during the drain is missed.
func (q *queuedConn) disarm() {
	q.armed.Store(false)
}

// Poller multiplexes readiness of the registered sockets
type Poller struct {
	ready   chan Token
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	sources [numTokens]*queuedConn
	logger  *logging.Logger
}

// NewPoller creates an empty poller
func NewPoller(logger *logging.Logger) *Poller {
	return &Poller{
		// Each token is in flight at most once while armed
		ready:  make(chan Token, numTokens),
		closed: make(chan struct{}),
		logger: logger,
	}
}

// Register starts watching conn under token. queueSize bounds the datagrams
// buffered between two drains.
func (p *Poller) Register(token Token, conn *net.UDPConn, queueSize int) (*queuedConn, error) {
	if token < 0 || token >= numTokens {
		return nil, errors.New("invalid poller token")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.closed:
		return nil, ErrClosed
	default:
	}
	if p.sources[token] != nil {
		return nil, errors.New("token " + token.String() + " already registered")
	}

	q := newQueuedConn(conn, token, queueSize, p.wake, p.logger)
	p.sources[token] = q
	go q.readLoop()
	return q, nil
}

func (p *Poller) wake(t Token) {
	select {
	case p.ready <- t:
	case <-p.closed:
	}
}

// Wait blocks until at least one socket is readable and returns every ready token
func (p *Poller) Wait(ctx context.Context) ([]Token, error) {
	var first Token
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrClosed
	case first = <-p.ready:
	}

	tokens := []Token{first}
	for {
		select {
		case t := <-p.ready:
			tokens = append(tokens, t)
		default:
			return tokens, nil
		}
	}
}

func (p *Poller) source(t Token) *queuedConn {
	if t < 0 || t >= numTokens {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sources[t]
}

// Close closes every registered socket and waits for the readers to exit
func (p *Poller) Close() error {
	var first error
	p.once.Do(func() {
		close(p.closed)

		p.mu.Lock()
		sources := p.sources
		p.mu.Unlock()

		for _, q := range sources {
			if q == nil {
				continue
			}
			if err := q.conn.Close(); err != nil && first == nil {
				first = err
			}
		}
		for _, q := range sources {
			if q != nil {
				<-q.done
			}
		}
	})
	return first
}
