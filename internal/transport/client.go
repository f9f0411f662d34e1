// Package transport defines the capability set every concrete transport
// (datagram, stream, sliding-window) satisfies, so the handshake and
// orchestrator can treat them interchangeably — the "active client"
// abstraction from the design notes. The shape is modeled directly on the
// teacher's generic.Mux/generic.Stream interface pair: a small capability
// interface rather than a concrete struct, so crypto and the three
// transports can all sit behind it.
package transport

import "context"

// Sender is the send half of a split client. Split does not track its
// halves: each call returns a new Sender sharing the same client.
type Sender interface {
	// Send transmits msg, blocking until the transport has taken it or ctx
	// is done: the stop-and-wait client waits for the peer's ACK, the
	// sliding-window client for a free window slot, the stream client for
	// the write. Returns a werr-Kind error (Timeout, Cancelled, Closed, IO)
	// on failure.
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// Receiver is the recv half of a split client. Split does not track its
// halves: each call returns a new Receiver sharing the same client.
type Receiver interface {
	// Recv blocks until the next in-order message is available, ctx is
	// done, or the client is closed.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Client is the full send/recv/split/close capability set the handshake
// hands to callers, stable across the UDP->TCP transition.
type Client interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
	// Split returns two independent halves that may be used concurrently.
	// After Split, the caller should prefer the halves over the original
	// Client for further sends/recvs.
	Split() (Sender, Receiver)
	Close() error
}
