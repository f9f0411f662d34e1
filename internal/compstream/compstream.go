// Package compstream is an optional snappy compression decorator over a
// transport.Client, adapted from the teacher's std/comp.go CompStream —
// same library, same "wrap the concrete conn" shape, but block-compressing
// one message at a time (snappy.Encode/Decode) instead of streaming through
// a snappy.Writer/Reader pair, since transport.Client already deals in
// discrete messages rather than a byte stream. Compression happens before
// encryption (wrap the plaintext active client, then hand the result to
// cryptostream.New) since compressing ciphertext wastes CPU for nothing.
package compstream

import (
	"context"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/rdrop-io/rdrop/internal/transport"
)

// Stream compresses every outgoing message and decompresses every incoming
// one, otherwise behaving exactly like its inner transport.Client.
type Stream struct {
	inner transport.Client
}

// New wraps inner with snappy compression.
func New(inner transport.Client) *Stream {
	return &Stream{inner: inner}
}

func (s *Stream) Send(ctx context.Context, msg []byte) error {
	return s.inner.Send(ctx, snappy.Encode(nil, msg))
}

func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	raw, err := s.inner.Recv(ctx)
	if err != nil {
		return nil, err
	}
	out, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, errors.Wrap(err, "snappy decode failed")
	}
	return out, nil
}

func (s *Stream) Split() (transport.Sender, transport.Receiver) {
	sender, receiver := s.inner.Split()
	return &sendHalf{sender}, &recvHalf{receiver}
}

func (s *Stream) Close() error { return s.inner.Close() }

type sendHalf struct{ inner transport.Sender }

func (h *sendHalf) Send(ctx context.Context, msg []byte) error {
	return h.inner.Send(ctx, snappy.Encode(nil, msg))
}
func (h *sendHalf) Close() error { return h.inner.Close() }

type recvHalf struct{ inner transport.Receiver }

func (h *recvHalf) Recv(ctx context.Context) ([]byte, error) {
	raw, err := h.inner.Recv(ctx)
	if err != nil {
		return nil, err
	}
	out, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, errors.Wrap(err, "snappy decode failed")
	}
	return out, nil
}
func (h *recvHalf) Close() error { return h.inner.Close() }
