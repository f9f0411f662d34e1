package handshake

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rdrop-io/rdrop/internal/transport/slidingwindow"
)

// runHandshake drives one side of the handshake over conn, an already
// bound UDP PacketConn, targeting remote.
func runHandshake(t *testing.T, conn net.PacketConn, remote net.Addr, cfg Config) (*Secured, error) {
	t.Helper()
	w := NewWaiting(conn, remote, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	punched, err := w.PunchHoles(ctx)
	if err != nil {
		return nil, err
	}
	roleChosen, err := punched.ChooseRole(ctx)
	if err != nil {
		return nil, err
	}
	return roleChosen.ExchangeKeys(ctx, false)
}

func TestHandshakeEndToEnd(t *testing.T) {
	connA, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	connB, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := Config{ProbeInterval: 20 * time.Millisecond, PunchTimeout: 3 * time.Second}

	var wg sync.WaitGroup
	var securedA, securedB *Secured
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		securedA, errA = runHandshake(t, connA, connB.LocalAddr(), cfg)
	}()
	go func() {
		defer wg.Done()
		securedB, errB = runHandshake(t, connB, connA.LocalAddr(), cfg)
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	require.NotEqual(t, securedA.Role(), securedB.Role(), "peers must disagree on who is Initiator")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, securedA.ActiveClient().Send(ctx, []byte("hello")))
	msg, err := securedB.ActiveClient().Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", string(msg))

	securedA.ActiveClient().Close()
	securedB.ActiveClient().Close()
}

func TestClockSyncMedianAndAsymmetry(t *testing.T) {
	samples := []roundSample{
		{offset: 10 * time.Millisecond, rtt: 20 * time.Millisecond},
		{offset: 12 * time.Millisecond, rtt: 21 * time.Millisecond},
		{offset: 500 * time.Millisecond, rtt: 22 * time.Millisecond}, // outlier
		{offset: 11 * time.Millisecond, rtt: 19 * time.Millisecond},
	}
	median := medianOffset(samples)
	require.InDelta(t, 11.5, float64(median)/float64(time.Millisecond), 1.0)
	// a single outlier round is not a consistent one-direction skew
	require.False(t, monotoneAsymmetric(samples))
}

func TestNegotiateCompressionRequiresBothSides(t *testing.T) {
	connA, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	connB, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := Config{ProbeInterval: 20 * time.Millisecond, PunchTimeout: 3 * time.Second}

	var roleA, roleB *RoleChosen
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w := NewWaiting(connA, connB.LocalAddr(), cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		punched, err := w.PunchHoles(ctx)
		require.NoError(t, err)
		roleA, err = punched.ChooseRole(ctx)
		require.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		w := NewWaiting(connB, connA.LocalAddr(), cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		punched, err := w.PunchHoles(ctx)
		require.NoError(t, err)
		roleB, err = punched.ChooseRole(ctx)
		require.NoError(t, err)
	}()
	wg.Wait()

	var wantA, wantB bool
	wg.Add(2)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		wantA, _ = roleA.NegotiateCompression(ctx, true)
	}()
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		wantB, _ = roleB.NegotiateCompression(ctx, false)
	}()
	wg.Wait()

	require.False(t, wantA, "one side declined, so compression must not be negotiated on")
	require.False(t, wantB)
}

func TestUpgradeBulkSwapsToSlidingWindow(t *testing.T) {
	connA, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	connB, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := Config{ProbeInterval: 20 * time.Millisecond, PunchTimeout: 3 * time.Second}

	var securedA, securedB *Secured
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		securedA, _ = runHandshake(t, connA, connB.LocalAddr(), cfg)
	}()
	go func() {
		defer wg.Done()
		securedB, _ = runHandshake(t, connB, connA.LocalAddr(), cfg)
	}()
	wg.Wait()
	require.NotNil(t, securedA)
	require.NotNil(t, securedB)

	require.NoError(t, securedA.UpgradeBulk(slidingwindow.Config{}))
	require.NoError(t, securedB.UpgradeBulk(slidingwindow.Config{}))

	// a second upgrade attempt has no udp-saw socket left to hand off.
	require.Error(t, securedA.UpgradeBulk(slidingwindow.Config{}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, securedA.ActiveClient().Send(ctx, []byte("over sliding window")))
	msg, err := securedB.ActiveClient().Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "over sliding window", string(msg))

	securedA.ActiveClient().Close()
	securedB.ActiveClient().Close()
}

func TestUpgradeTCPSkippedWithoutClockSync(t *testing.T) {
	connA, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	connB, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := Config{ProbeInterval: 20 * time.Millisecond, PunchTimeout: 3 * time.Second}

	var wg sync.WaitGroup
	var securedA *Secured
	wg.Add(2)
	go func() {
		defer wg.Done()
		securedA, _ = runHandshake(t, connA, connB.LocalAddr(), cfg)
	}()
	go func() {
		defer wg.Done()
		_, _ = runHandshake(t, connB, connA.LocalAddr(), cfg)
	}()
	wg.Wait()
	require.NotNil(t, securedA)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	still, err := securedA.UpgradeTCP(ctx, "127.0.0.1:0", 0, 0)
	require.Error(t, err)
	require.Same(t, securedA, still)
}
