package handshake

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/rdrop-io/rdrop/internal/compstream"
	"github.com/rdrop-io/rdrop/internal/cryptostream"
	"github.com/rdrop-io/rdrop/internal/transport"
	"github.com/rdrop-io/rdrop/internal/transport/stream"
	"github.com/rdrop-io/rdrop/internal/werr"
)

// Default TCP-upgrade parameters.
const (
	DefaultUpgradeDelta  = 1 * time.Second
	DefaultUpgradeWindow = 2 * time.Second
	tcpSyncKind          = 0xC2
)

// UpgradeTCP attempts the simultaneous-open TCP upgrade described in
// spec.md §4.4. It requires a prior successful SyncClock (the agreed
// instant T* needs a clock offset to be meaningful); if the clock isn't
// synced, or either side's attempt fails within the window, the handshake
// remains in Secured over whatever transport is already active — the
// transition never regresses, it simply doesn't happen this time.
func (s *Secured) UpgradeTCP(ctx context.Context, localAddr string, delta, window time.Duration) (*Secured, error) {
	if !s.offsetKnown {
		return s, werr.New(werr.KindClockUnsync, "clock not synced, skipping tcp upgrade")
	}
	if delta <= 0 {
		delta = DefaultUpgradeDelta
	}
	if window <= 0 {
		window = DefaultUpgradeWindow
	}

	myNow := time.Now()
	payload := make([]byte, 9)
	payload[0] = tcpSyncKind
	binary.BigEndian.PutUint64(payload[1:], uint64(myNow.UnixNano()))
	if err := s.active.Send(ctx, payload); err != nil {
		return s, err
	}
	peerMsg, err := s.active.Recv(ctx)
	if err != nil || len(peerMsg) != 9 || peerMsg[0] != tcpSyncKind {
		return s, werr.New(werr.KindProtocol, "malformed tcp-upgrade sync message")
	}
	peerNow := time.Unix(0, int64(binary.BigEndian.Uint64(peerMsg[1:])))
	peerNowLocal := peerNow.Add(-s.offset) // convert into our clock frame

	tStar := myNow
	if peerNowLocal.After(tStar) {
		tStar = peerNowLocal
	}
	tStar = tStar.Add(delta)

	sleep := time.Until(tStar)
	if sleep > 0 {
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return s, werr.Wrap(ctx.Err(), werr.KindCancelled, "upgrade cancelled before T*")
		}
	}

	upgradeCtx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()

	conn, err := simultaneousOpen(upgradeCtx, localAddr, s.remote.String())
	if err != nil {
		return s, werr.Wrap(err, werr.KindIO, "tcp simultaneous open failed, staying on udp")
	}

	if err := s.rekey(); err != nil {
		_ = conn.Close()
		return s, err
	}

	var inner transport.Client = stream.New(conn)
	if s.compress {
		inner = compstream.New(inner)
	}
	newCrypto, err := cryptostream.New(inner, s.writeKey, s.readKey)
	if err != nil {
		_ = inner.Close()
		return s, err
	}

	oldActive := s.active
	s.active = newCrypto
	s.datagram = nil // the UDP-SAW socket closes with oldActive; nothing is left for UpgradeBulk
	_ = oldActive.Close()
	return s, nil
}

// simultaneousOpen races an outbound connect against an inbound accept on
// the same local address; either counts as success.
func simultaneousOpen(ctx context.Context, localAddr, remoteAddr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	resCh := make(chan result, 2)

	ln, lnErr := net.Listen("tcp", localAddr)
	if lnErr == nil {
		go func() {
			conn, err := ln.Accept()
			resCh <- result{conn, err}
		}()
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
	}

	// NOTE: a from-scratch SO_REUSEPORT simultaneous open (dialing out from
	// the very same local port that's listening) needs raw socket options
	// outside net.Dialer's portable surface; this races an outbound dial
	// from an ephemeral port against the inbound accept instead, which is
	// sufficient once both peers already share a hole-punched UDP mapping.
	dialer := &net.Dialer{}
	go func() {
		conn, err := dialer.DialContext(ctx, "tcp", remoteAddr)
		resCh <- result{conn, err}
	}()

	select {
	case r := <-resCh:
		if ln != nil {
			ln.Close()
		}
		if r.conn != nil {
			return r.conn, nil
		}
		// first result failed; give the other attempt a chance within ctx
		select {
		case r2 := <-resCh:
			if r2.conn != nil {
				return r2.conn, nil
			}
			return nil, r2.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case <-ctx.Done():
		if ln != nil {
			ln.Close()
		}
		return nil, ctx.Err()
	}
}

