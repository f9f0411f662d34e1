// Package datagram implements the reliable stop-and-wait client over UDP
// used for handshake traffic and keep-alives (small, infrequent messages).
// One background goroutine per client reads the socket and replies to
// acknowledgements, the way the teacher runs one goroutine per accepted
// connection in client/main.go's handleClient and a ticker-driven
// background loop in its scavenger.
package datagram

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rdrop-io/rdrop/internal/transport"
	"github.com/rdrop-io/rdrop/internal/werr"
	"github.com/rdrop-io/rdrop/internal/wire"
)

// Defaults from the handshake/datagram transport design.
const (
	DefaultRetryInterval     = 200 * time.Millisecond
	DefaultTimeout           = 5 * time.Second
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultKeepAliveMisses   = 3
)

// Config tunes the retry/keep-alive behavior of a Client.
type Config struct {
	RetryInterval     time.Duration
	Timeout           time.Duration
	KeepAliveInterval time.Duration
	KeepAliveMisses   int
}

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.KeepAliveMisses <= 0 {
		c.KeepAliveMisses = DefaultKeepAliveMisses
	}
	return c
}

// Client is a reliable, in-order, stop-and-wait message client over a UDP
// socket fixed to a single remote peer.
type Client struct {
	conn   net.PacketConn
	remote net.Addr
	cfg    Config

	sendMu   sync.Mutex // serializes the single send-half: one outstanding frame at a time
	sendSeq  wire.SeqNo
	lastSend time.Time

	ackMu   sync.Mutex
	waiters map[wire.SeqNo]chan struct{}

	recvMu   sync.Mutex
	recvNext wire.SeqNo
	recvCh   chan []byte

	misses int32

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// New wraps conn (already bound) as a reliable client talking to remote.
// It starts the background read/ACK worker and keep-alive loop.
func New(conn net.PacketConn, remote net.Addr, cfg Config) *Client {
	c := &Client{
		conn:    conn,
		remote:  remote,
		cfg:     cfg.withDefaults(),
		waiters: make(map[wire.SeqNo]chan struct{}),
		recvCh:  make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.keepAliveLoop()
	return c
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, wire.MaxPayload+headerLen+64)
	for {
		n, addr, err := c.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			continue
		}
		if !sameAddr(addr, c.remote) {
			continue
		}
		kind, seq, payload, ok := decodeFrame(buf[:n])
		if !ok {
			continue
		}
		cp := make([]byte, len(payload))
		copy(cp, payload)

		switch kind {
		case kindAck:
			c.signalAck(seq)
		case kindData, kindHeartbeat:
			c.handleIncoming(kind, seq, cp)
		}
	}
}

func (c *Client) handleIncoming(kind byte, seq wire.SeqNo, payload []byte) {
	c.recvMu.Lock()
	deliver := seq == c.recvNext
	if deliver {
		c.recvNext = c.recvNext.Next()
	}
	c.recvMu.Unlock()

	// Always ACK: duplicates are ACKed and dropped, per the ordering
	// guarantee in the sliding-window/stop-and-wait designs alike.
	c.writeFrame(kindAck, seq, nil)

	// kindHeartbeat only advances recvNext and gets ACKed above; it never
	// reaches recvCh, so it's invisible to whatever sits on top of Recv
	// (including an AEAD that would otherwise fail to open an unsealed frame).
	if deliver && kind == kindData {
		select {
		case c.recvCh <- payload:
		case <-c.closed:
		}
	}
}

func (c *Client) signalAck(seq wire.SeqNo) {
	c.ackMu.Lock()
	ch, ok := c.waiters[seq]
	c.ackMu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (c *Client) writeFrame(kind byte, seq wire.SeqNo, payload []byte) {
	_, _ = c.conn.WriteTo(encodeFrame(kind, seq, payload), c.remote)
}

// Send transmits msg, retransmitting every RetryInterval until ACKed or the
// total Timeout window elapses.
func (c *Client) Send(ctx context.Context, msg []byte) error {
	if len(msg) > wire.MaxPayload {
		return werr.New(werr.KindProtocol, "payload exceeds MaxPayload")
	}
	return c.sendFrame(ctx, kindData, msg)
}

// sendFrame drives the stop-and-wait retry loop for one outgoing frame of
// the given kind. Shared by Send (kindData) and keepAliveLoop (kindHeartbeat)
// so that heartbeats ride the same ACKed, retransmitted path as application
// data without ever being mistaken for one on the wire.
func (c *Client) sendFrame(ctx context.Context, kind byte, msg []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.closed:
		return werr.New(werr.KindClosed, "client closed")
	default:
	}

	seq := c.sendSeq
	waitCh := make(chan struct{}, 1)
	c.ackMu.Lock()
	c.waiters[seq] = waitCh
	c.ackMu.Unlock()
	defer func() {
		c.ackMu.Lock()
		delete(c.waiters, seq)
		c.ackMu.Unlock()
	}()

	deadline := time.Now().Add(c.cfg.Timeout)
	ticker := time.NewTicker(c.cfg.RetryInterval)
	defer ticker.Stop()

	c.writeFrame(kind, seq, msg)
	c.lastSend = time.Now()

	for {
		select {
		case <-waitCh:
			c.sendSeq = c.sendSeq.Next()
			return nil
		case <-ticker.C:
			if time.Now().After(deadline) {
				return werr.New(werr.KindTimeout, "send retry budget exhausted")
			}
			c.writeFrame(kind, seq, msg)
			c.lastSend = time.Now()
		case <-ctx.Done():
			return werr.Wrap(ctx.Err(), werr.KindCancelled, "send cancelled")
		case <-c.closed:
			return werr.New(werr.KindCancelled, "send unblocked by close")
		}
	}
}

// Recv yields the next in-order message.
func (c *Client) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.recvCh:
		return msg, nil
	case <-ctx.Done():
		return nil, werr.Wrap(ctx.Err(), werr.KindCancelled, "recv cancelled")
	case <-c.closed:
		return nil, werr.New(werr.KindClosed, "client closed")
	}
}

func (c *Client) keepAliveLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sendMu.Lock()
			idle := time.Since(c.lastSend) >= c.cfg.KeepAliveInterval
			c.sendMu.Unlock()
			if !idle {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
			err := c.sendFrame(ctx, kindHeartbeat, nil)
			cancel()
			if err != nil {
				c.misses++
				if int(c.misses) >= c.cfg.KeepAliveMisses {
					_ = c.Close()
					return
				}
			} else {
				c.misses = 0
			}
		case <-c.closed:
			return
		}
	}
}

// Split returns two independent halves sharing the underlying socket.
func (c *Client) Split() (transport.Sender, transport.Receiver) {
	return &SendHalf{c}, &RecvHalf{c}
}

// Close terminates the background worker and releases the socket. Pending
// sends observe Cancelled/Closed per the cancellation contract.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = errors.WithStack(c.conn.Close())
	})
	return c.closeErr
}

// Detach stops this client's background goroutines and hands the still-open
// socket to a follow-on transport, without closing it — the post-handshake
// handoff from UDP-SAW to the sliding-window bulk client, which needs the
// same hole-punched (local, remote) mapping rather than a fresh socket.
// Safe to call at most once; a later Close becomes a no-op.
func (c *Client) Detach() net.PacketConn {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.SetReadDeadline(time.Now())
	})
	c.wg.Wait()
	_ = c.conn.SetReadDeadline(time.Time{})
	return c.conn
}

// SendHalf is the independent send capability of a split Client.
type SendHalf struct{ c *Client }

func (s *SendHalf) Send(ctx context.Context, msg []byte) error { return s.c.Send(ctx, msg) }
func (s *SendHalf) Close() error                                { return s.c.Close() }

// RecvHalf is the independent recv capability of a split Client.
type RecvHalf struct{ c *Client }

func (r *RecvHalf) Recv(ctx context.Context) ([]byte, error) { return r.c.Recv(ctx) }
func (r *RecvHalf) Close() error                               { return r.c.Close() }

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.String() == b.String()
}
