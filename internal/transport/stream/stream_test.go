package stream

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (*Client, *Client) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var server net.Conn
	accepted := make(chan struct{})
	go func() {
		server, _ = ln.Accept()
		close(accepted)
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	<-accepted

	a := New(clientConn)
	b := New(server)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestFramedRoundTrip(t *testing.T) {
	a, b := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, []byte("offer hash=abc")))
	msg, err := b.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "offer hash=abc", string(msg))
}

func TestEmptyFrame(t *testing.T) {
	a, b := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, nil))
	msg, err := b.Recv(ctx)
	require.NoError(t, err)
	require.Empty(t, msg)
}

func TestRecvFailsAfterClose(t *testing.T) {
	a, b := newPair(t)
	require.NoError(t, a.Close())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := b.Recv(ctx)
	require.Error(t, err)
}
