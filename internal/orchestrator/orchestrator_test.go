package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rdrop-io/rdrop/internal/codec"
	"github.com/rdrop-io/rdrop/internal/transport"
)

// pipeClient is a minimal in-memory transport.Client for two linked peers,
// standing in for a completed handshake's crypto-wrapped active client.
type pipeClient struct {
	out chan []byte
	in  chan []byte
}

func newPipePair() (*pipeClient, *pipeClient) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	return &pipeClient{out: a, in: b}, &pipeClient{out: b, in: a}
}

func (p *pipeClient) Send(ctx context.Context, msg []byte) error {
	cp := append([]byte(nil), msg...)
	select {
	case p.out <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeClient) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			return nil, context.Canceled
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeClient) Split() (transport.Sender, transport.Receiver) { return p, p }
func (p *pipeClient) Close() error                                  { return nil }

func TestOfferAcceptTransferCompletes(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(srcPath, []byte("hello world, this is rdrop"), 0o644))
	dstPath := filepath.Join(dir, "received.txt")

	senderClient, receiverClient := newPipePair()
	sender := New(senderClient, Config{ChunkSize: 8, RetryPeriod: time.Hour}, nil)
	receiver := New(receiverClient, Config{ChunkSize: 8, RetryPeriod: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = sender.Run(ctx) }()
	go func() { defer wg.Done(); _ = receiver.Run(ctx) }()

	require.NoError(t, sender.OfferFile(ctx, srcPath, "hello.txt"))

	var hash [32]byte
	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		for h := range sender.records {
			hash = h
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := receiver.Record(hash)
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, receiver.AcceptFile(ctx, hash, dstPath))

	require.Eventually(t, func() bool {
		rec, ok := receiver.Record(hash)
		return ok && rec.State == StateCompleted
	}, time.Second, 10*time.Millisecond)

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	require.Equal(t, "hello world, this is rdrop", string(got))

	cancel()
	wg.Wait()
}

func TestStopFileMarksAborted(t *testing.T) {
	a, b := newPipePair()
	orchA := New(a, Config{RetryPeriod: time.Hour}, nil)
	orchB := New(b, Config{RetryPeriod: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); _ = orchB.Run(ctx) }()

	var hash [32]byte
	hash[0] = 0xAB
	orchA.mu.Lock()
	orchA.records[hash] = &Record{Hash: hash, State: StateTransferring, Side: SideSender}
	orchA.mu.Unlock()
	orchB.mu.Lock()
	orchB.records[hash] = &Record{Hash: hash, State: StateTransferring, Side: SideReceiver}
	orchB.mu.Unlock()

	require.NoError(t, orchA.StopFile(ctx, hash))

	require.Eventually(t, func() bool {
		rec, ok := orchB.Record(hash)
		return ok && rec.State == StateAborted
	}, time.Second, 5*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestCoalesceRanges(t *testing.T) {
	got := coalesceRanges([]uint32{0, 1, 2, 5, 7, 8})
	require.Equal(t, []codec.Range{{Start: 0, End: 2}, {Start: 5, End: 5}, {Start: 7, End: 8}}, got)
}
