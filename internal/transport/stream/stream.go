// Package stream implements the length-prefixed framed reliable client on
// top of an established TCP connection. Each frame is a 4-byte big-endian
// length prefix followed by the payload; Send and Recv allocate only the
// prefix and the payload for each frame.
package stream

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rdrop-io/rdrop/internal/transport"
	"github.com/rdrop-io/rdrop/internal/werr"
	"github.com/rdrop-io/rdrop/internal/wire"
)

const lengthPrefixSize = 4

// Client is a framed reliable client over a net.Conn (TCP in practice, but
// any io.ReadWriteCloser stream works).
type Client struct {
	conn net.Conn

	sendMu sync.Mutex

	recvMu   sync.Mutex
	closed   chan struct{}
	closeErr error
	once     sync.Once
}

// New wraps an established stream connection.
func New(conn net.Conn) *Client {
	return &Client{conn: conn, closed: make(chan struct{})}
}

// Send writes a length-prefixed frame. TCP already guarantees delivery and
// ordering; Send blocks only for the duration of the underlying Write.
func (c *Client) Send(ctx context.Context, msg []byte) error {
	if len(msg) > wire.MaxPayload {
		return werr.New(werr.KindProtocol, "payload exceeds MaxPayload")
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	header := make([]byte, lengthPrefixSize)
	binary.BigEndian.PutUint32(header, uint32(len(msg)))
	if _, err := c.conn.Write(header); err != nil {
		return classifyErr(err)
	}
	if len(msg) > 0 {
		if _, err := c.conn.Write(msg); err != nil {
			return classifyErr(err)
		}
	}
	return nil
}

// Recv reads exactly one length-prefixed frame. Undersized/oversized frames
// fail with Protocol.
func (c *Client) Recv(ctx context.Context) ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	header := make([]byte, lengthPrefixSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, classifyErr(err)
	}
	n := binary.BigEndian.Uint32(header)
	if n > wire.MaxPayload {
		return nil, werr.New(werr.KindProtocol, "frame exceeds MaxPayload")
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return nil, classifyErr(err)
		}
	}
	return payload, nil
}

func classifyErr(err error) error {
	if err == io.EOF {
		return werr.Wrap(err, werr.KindClosed, "stream closed")
	}
	if err == io.ErrUnexpectedEOF {
		return werr.Wrap(err, werr.KindProtocol, "truncated frame")
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return werr.Wrap(err, werr.KindTimeout, "stream I/O timeout")
	}
	return werr.Wrap(err, werr.KindIO, "stream I/O error")
}

// Split returns two independent halves sharing the underlying connection.
func (c *Client) Split() (transport.Sender, transport.Receiver) {
	return &SendHalf{c}, &RecvHalf{c}
}

// Close closes the underlying connection once.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.closeErr = errors.WithStack(c.conn.Close())
	})
	return c.closeErr
}

// SendHalf is the independent send capability of a split Client.
type SendHalf struct{ c *Client }

func (s *SendHalf) Send(ctx context.Context, msg []byte) error { return s.c.Send(ctx, msg) }
func (s *SendHalf) Close() error                                { return s.c.Close() }

// RecvHalf is the independent recv capability of a split Client.
type RecvHalf struct{ c *Client }

func (r *RecvHalf) Recv(ctx context.Context) ([]byte, error) { return r.c.Recv(ctx) }
func (r *RecvHalf) Close() error                               { return r.c.Close() }
