package cryptostream

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/rdrop-io/rdrop/internal/transport"
	"github.com/rdrop-io/rdrop/internal/werr"
	"github.com/stretchr/testify/require"
)

// memoryPipe is a minimal in-memory transport.Client double: frames sent on
// one end land on the out channel, letting two linked memoryPipes emulate a
// point-to-point connection for tests without a real socket.
type memoryPipe struct {
	out    chan []byte
	in     chan []byte
	closed chan struct{}
}

func newMemoryPair() (*memoryPipe, *memoryPipe) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	a := &memoryPipe{out: ab, in: ba, closed: make(chan struct{})}
	b := &memoryPipe{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

func (m *memoryPipe) Send(ctx context.Context, msg []byte) error {
	cp := append([]byte(nil), msg...)
	select {
	case m.out <- cp:
		return nil
	case <-ctx.Done():
		return werr.Wrap(ctx.Err(), werr.KindCancelled, "send cancelled")
	}
}

func (m *memoryPipe) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-m.in:
		return msg, nil
	case <-ctx.Done():
		return nil, werr.Wrap(ctx.Err(), werr.KindCancelled, "recv cancelled")
	case <-m.closed:
		return nil, werr.New(werr.KindClosed, "pipe closed")
	}
}

func (m *memoryPipe) Split() (transport.Sender, transport.Receiver) { return m, m }
func (m *memoryPipe) Close() error {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	return nil
}

func randKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, KeySize)
	_, err := rand.Read(k)
	require.NoError(t, err)
	return k
}

func TestRoundTrip(t *testing.T) {
	pa, pb := newMemoryPair()
	keyA := randKey(t) // Initiator writes with keyA, Responder reads with keyA
	keyB := randKey(t) // Responder writes with keyB, Initiator reads with keyB

	initiator, err := New(pa, keyA, keyB)
	require.NoError(t, err)
	responder, err := New(pb, keyB, keyA)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, initiator.Send(ctx, []byte("offer hash=deadbeef")))
	msg, err := responder.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "offer hash=deadbeef", string(msg))
}

func TestTamperedFrameFailsSecurityAndCloses(t *testing.T) {
	pa, pb := newMemoryPair()
	keyA := randKey(t)
	keyB := randKey(t)

	initiator, err := New(pa, keyA, keyB)
	require.NoError(t, err)
	responder, err := New(pb, keyB, keyA)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, initiator.Send(ctx, []byte("payload")))
	// Flip one bit of the sealed frame in flight.
	tampered := <-pb.in
	tampered[len(tampered)-1] ^= 0x01
	pb.in <- tampered

	_, err = responder.Recv(ctx)
	require.Error(t, err)
	require.True(t, werr.Is(err, werr.KindSecurity))

	// The responder is now closed; further Recv calls fail too.
	_, err = responder.Recv(ctx)
	require.Error(t, err)
}
