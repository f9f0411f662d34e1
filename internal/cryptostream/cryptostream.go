// Package cryptostream wraps any transport.Client to produce an
// authenticated-encrypted client with the same send/recv/split/close
// contract. The shape — a decorator over an io-like capability that
// transforms bytes on the way in and out — is modeled directly on the
// teacher's generic.QPPPort (client/main.go wraps a stream in a QPPPort the
// same way this wraps a transport.Client in a Stream).
package cryptostream

import (
	"context"
	"crypto/cipher"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/rdrop-io/rdrop/internal/transport"
	"github.com/rdrop-io/rdrop/internal/werr"
)

// KeySize is the ChaCha20-Poly1305 key size consumed by this package.
const KeySize = chacha20poly1305.KeySize

// Stream is a transport.Client decorator providing authenticated
// encryption. On Send the payload is sealed with the local write AEAD; on
// Recv the frame is opened with the peer's AEAD. A decryption failure is
// fatal: the failing Recv returns werr.KindSecurity, the client is closed,
// and every subsequent Send or Recv fails with werr.KindClosed.
type Stream struct {
	inner transport.Client

	writeAEAD cipher.AEAD
	readAEAD  cipher.AEAD

	sendMu  sync.Mutex
	sendCtr uint64

	recvMu  sync.Mutex
	recvCtr uint64

	closed int32
}

// New builds the two ChaCha20-Poly1305 AEADs from writeKey (used to seal
// outgoing frames) and readKey (used to open incoming frames) and wraps
// inner. Keys must be KeySize bytes and are role-distinguished by the
// handshake: the Initiator's writeKey is the Responder's readKey and vice
// versa.
func New(inner transport.Client, writeKey, readKey []byte) (*Stream, error) {
	w, err := chacha20poly1305.New(writeKey)
	if err != nil {
		return nil, werr.Wrap(err, werr.KindSecurity, "invalid write key")
	}
	r, err := chacha20poly1305.New(readKey)
	if err != nil {
		return nil, werr.Wrap(err, werr.KindSecurity, "invalid read key")
	}
	return &Stream{inner: inner, writeAEAD: w, readAEAD: r}, nil
}

func nonceFor(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Send encrypts msg under the next send nonce and forwards the sealed frame
// to the inner client.
func (s *Stream) Send(ctx context.Context, msg []byte) error {
	if atomic.LoadInt32(&s.closed) != 0 {
		return werr.New(werr.KindClosed, "crypto stream closed")
	}
	s.sendMu.Lock()
	nonce := nonceFor(s.sendCtr)
	s.sendCtr++
	s.sendMu.Unlock()

	sealed := s.writeAEAD.Seal(nil, nonce, msg, nil)
	return s.inner.Send(ctx, sealed)
}

// Recv reads the next frame from the inner client and opens it. A failed
// open is fatal: the client closes and the error carries werr.KindSecurity.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	if atomic.LoadInt32(&s.closed) != 0 {
		return nil, werr.New(werr.KindClosed, "crypto stream closed")
	}
	frame, err := s.inner.Recv(ctx)
	if err != nil {
		return nil, err
	}

	s.recvMu.Lock()
	nonce := nonceFor(s.recvCtr)
	s.recvMu.Unlock()

	plain, err := s.readAEAD.Open(nil, nonce, frame, nil)
	if err != nil {
		_ = s.Close()
		return nil, werr.Wrap(err, werr.KindSecurity, "authentication failed, closing")
	}
	s.recvMu.Lock()
	s.recvCtr++
	s.recvMu.Unlock()
	return plain, nil
}

// Split returns two independent crypto-wrapped halves sharing the inner
// client's halves.
func (s *Stream) Split() (transport.Sender, transport.Receiver) {
	innerSend, innerRecv := s.inner.Split()
	return &sendHalf{s: s, inner: innerSend}, &recvHalf{s: s, inner: innerRecv}
}

// Close marks the stream permanently closed and releases the inner client.
func (s *Stream) Close() error {
	atomic.StoreInt32(&s.closed, 1)
	return s.inner.Close()
}

type sendHalf struct {
	s     *Stream
	inner transport.Sender
}

func (h *sendHalf) Send(ctx context.Context, msg []byte) error {
	if atomic.LoadInt32(&h.s.closed) != 0 {
		return werr.New(werr.KindClosed, "crypto stream closed")
	}
	h.s.sendMu.Lock()
	nonce := nonceFor(h.s.sendCtr)
	h.s.sendCtr++
	h.s.sendMu.Unlock()
	sealed := h.s.writeAEAD.Seal(nil, nonce, msg, nil)
	return h.inner.Send(ctx, sealed)
}

func (h *sendHalf) Close() error { return h.inner.Close() }

type recvHalf struct {
	s     *Stream
	inner transport.Receiver
}

func (h *recvHalf) Recv(ctx context.Context) ([]byte, error) {
	if atomic.LoadInt32(&h.s.closed) != 0 {
		return nil, werr.New(werr.KindClosed, "crypto stream closed")
	}
	frame, err := h.inner.Recv(ctx)
	if err != nil {
		return nil, err
	}
	h.s.recvMu.Lock()
	nonce := nonceFor(h.s.recvCtr)
	h.s.recvMu.Unlock()
	plain, err := h.s.readAEAD.Open(nil, nonce, frame, nil)
	if err != nil {
		_ = h.s.Close()
		return nil, werr.Wrap(err, werr.KindSecurity, "authentication failed, closing")
	}
	h.s.recvMu.Lock()
	h.s.recvCtr++
	h.s.recvMu.Unlock()
	return plain, nil
}

func (h *recvHalf) Close() error { return h.inner.Close() }
