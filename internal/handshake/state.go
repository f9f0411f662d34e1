// Package handshake drives the linear connection-establishment sequence:
// waiting -> hole punched -> role chosen -> keys exchanged -> (optional)
// clock synced -> (optional) TCP upgraded. Each state is a distinct type
// exposing only the operations valid from that state, the "typed state
// tags" discipline from the design notes — generalizing the same
// only-currently-valid-actions discipline the teacher applies to its
// mode-gated CLI flags (client/main.go's nodelay/interval/resend/nc
// profile switch) to the protocol state machine itself.
package handshake

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"crypto/sha256"
	"io"

	"github.com/rdrop-io/rdrop/internal/compstream"
	"github.com/rdrop-io/rdrop/internal/cryptostream"
	"github.com/rdrop-io/rdrop/internal/transport"
	"github.com/rdrop-io/rdrop/internal/transport/datagram"
	"github.com/rdrop-io/rdrop/internal/transport/slidingwindow"
	"github.com/rdrop-io/rdrop/internal/werr"
)

// Config tunes the timing of every handshake step. Zero-value fields take
// the documented defaults.
type Config struct {
	ProbeInterval time.Duration // default 500ms
	PunchTimeout  time.Duration // default 30s
	MaxTieBreaks  int           // default 8
	Datagram      datagram.Config
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 500 * time.Millisecond
	}
	if c.PunchTimeout <= 0 {
		c.PunchTimeout = 30 * time.Second
	}
	if c.MaxTieBreaks <= 0 {
		c.MaxTieBreaks = 8
	}
	return c
}

// Waiting is the initial state: the local UDP port is bound and the peer's
// address is known (signaling/rendezvous — the public-IP lookup helper
// named in spec.md §1 — is a thin collaborator outside this package's
// scope; the peer address is supplied by the caller).
type Waiting struct {
	conn   net.PacketConn
	remote net.Addr
	cfg    Config
}

// NewWaiting exposes conn (already bound to a local UDP port) for hole
// punching against remote.
func NewWaiting(conn net.PacketConn, remote net.Addr, cfg Config) *Waiting {
	return &Waiting{conn: conn, remote: remote, cfg: cfg.withDefaults()}
}

// rawClient is the unencrypted UDP-SAW client used for hole punching and
// key exchange, before a crypto stream can be built.
type rawClient struct {
	*datagram.Client
}

// PunchHoles sends probes to the peer every ProbeInterval and waits for any
// datagram in return, causing both NATs to accept each other's traffic.
func (w *Waiting) PunchHoles(ctx context.Context) (*Punched, error) {
	punchCtx, cancel := context.WithTimeout(ctx, w.cfg.PunchTimeout)
	defer cancel()

	raw := &rawClient{Client: datagram.New(w.conn, w.remote, w.cfg.Datagram)}

	probe := make([]byte, 1)
	probe[0] = 0xA5 // hole-punch probe marker, never confused with real messages post-handshake

	recvDone := make(chan struct{})
	go func() {
		_, _ = raw.Recv(punchCtx)
		close(recvDone)
	}()

	ticker := time.NewTicker(w.cfg.ProbeInterval)
	defer ticker.Stop()

	// Fire an immediate probe, then on the interval, using best-effort sends
	// (the peer isn't necessarily ACKing these stop-and-wait style during
	// punching; any packet escaping the local NAT is enough).
	sendProbe := func() { go func() { _ = raw.Send(punchCtx, probe) }() }
	sendProbe()
	for {
		select {
		case <-recvDone:
			return &Punched{raw: raw, remote: w.remote, cfg: w.cfg}, nil
		case <-ticker.C:
			sendProbe()
		case <-punchCtx.Done():
			_ = raw.Close()
			return nil, werr.New(werr.KindTimeout, "hole punch timed out")
		}
	}
}

// Punched is reached once both NATs have exchanged at least one datagram.
type Punched struct {
	raw    *rawClient
	remote net.Addr
	cfg    Config
}

// ChooseRole performs the mutual random tie-break: each side picks a random
// uint32, exchanges it with the peer, and the larger number becomes
// Initiator. Equal draws retry up to MaxTieBreaks times.
func (p *Punched) ChooseRole(ctx context.Context) (*RoleChosen, error) {
	for attempt := 0; attempt < p.cfg.MaxTieBreaks; attempt++ {
		mine, err := randUint32()
		if err != nil {
			return nil, werr.Wrap(err, werr.KindSecurity, "tie-break rng failure")
		}
		mineBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(mineBuf, mine)

		if err := p.raw.Send(ctx, mineBuf); err != nil {
			return nil, err
		}
		theirBuf, err := p.raw.Recv(ctx)
		if err != nil || len(theirBuf) != 4 {
			return nil, werr.New(werr.KindProtocol, "malformed tie-break value")
		}
		theirs := binary.BigEndian.Uint32(theirBuf)

		if mine == theirs {
			continue // retry with a fresh draw
		}
		role := RoleResponder
		if mine > theirs {
			role = RoleInitiator
		}
		return &RoleChosen{raw: p.raw, remote: p.remote, cfg: p.cfg, role: role}, nil
	}
	return nil, werr.New(werr.KindProtocol, "tie-break exhausted after max retries")
}

func randUint32() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// RoleChosen holds the asymmetry decided by the tie-break; the next step is
// key exchange.
type RoleChosen struct {
	raw    *rawClient
	remote net.Addr
	cfg    Config
	role   Role
}

// Role reports the asymmetry chosen for this connection.
func (r *RoleChosen) Role() Role { return r.role }

// NegotiateCompression exchanges a single desire byte over the raw,
// pre-crypto client and agrees compression on only if both peers asked for
// it. It must run before ExchangeKeys: compression has to be composed
// underneath the crypto stream from the moment that stream is built, since
// rewrapping a live cryptostream.Stream with a new inner client later would
// restart its nonce counter and risk reusing a nonce under the same key.
func (r *RoleChosen) NegotiateCompression(ctx context.Context, want bool) (bool, error) {
	mine := byte(0)
	if want {
		mine = 1
	}
	if err := r.raw.Send(ctx, []byte{mine}); err != nil {
		return false, err
	}
	theirs, err := r.raw.Recv(ctx)
	if err != nil || len(theirs) != 1 {
		return false, werr.New(werr.KindProtocol, "malformed compression negotiation message")
	}
	return want && theirs[0] == 1, nil
}

// ExchangeKeys generates an X25519 keypair, exchanges public keys with the
// peer over the raw client, and derives the two role-distinguished
// ChaCha20-Poly1305 keys via HKDF-SHA256 over the shared secret — the
// same curve25519.X25519 + derive-then-AEAD pattern the NLipatov ChaCha20
// UDP transport handler in the retrieval pack uses for its rekey path.
// compress, typically the result of NegotiateCompression, decides whether
// the active client compresses plaintext before it is sealed: compression
// always sits underneath encryption, per compstream's own contract, never
// on top of it.
func (r *RoleChosen) ExchangeKeys(ctx context.Context, compress bool) (*Secured, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, werr.Wrap(err, werr.KindSecurity, "keypair generation failed")
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, werr.Wrap(err, werr.KindSecurity, "public key derivation failed")
	}

	if err := r.raw.Send(ctx, pub); err != nil {
		return nil, err
	}
	peerPub, err := r.raw.Recv(ctx)
	if err != nil || len(peerPub) != 32 {
		return nil, werr.New(werr.KindSecurity, "malformed peer public key")
	}

	shared, err := curve25519.X25519(priv[:], peerPub)
	if err != nil {
		return nil, werr.Wrap(err, werr.KindSecurity, "shared secret derivation failed")
	}

	keyInitiator, keyResponder, err := deriveKeys(shared, "rdrop handshake v1")
	if err != nil {
		return nil, werr.Wrap(err, werr.KindSecurity, "key derivation failed")
	}

	writeKey, readKey := keyResponder, keyInitiator
	if r.role == RoleInitiator {
		writeKey, readKey = keyInitiator, keyResponder
	}

	var inner transport.Client = r.raw.Client
	if compress {
		inner = compstream.New(r.raw.Client)
	}
	crypto, err := cryptostream.New(inner, writeKey, readKey)
	if err != nil {
		return nil, err
	}

	return &Secured{
		active:   crypto,
		datagram: r.raw.Client,
		remote:   r.remote,
		cfg:      r.cfg,
		role:     r.role,
		compress: compress,
		writeKey: writeKey,
		readKey:  readKey,
	}, nil
}

// deriveKeys expands the X25519 shared secret into two independent
// ChaCha20-Poly1305 keys: one for the Initiator's write direction, one for
// the Responder's.
func deriveKeys(shared []byte, info string) (keyInitiator, keyResponder []byte, err error) {
	h := hkdf.New(sha256.New, shared, nil, []byte(info))
	keyInitiator = make([]byte, cryptostream.KeySize)
	keyResponder = make([]byte, cryptostream.KeySize)
	if _, err := io.ReadFull(h, keyInitiator); err != nil {
		return nil, nil, err
	}
	if _, err := io.ReadFull(h, keyResponder); err != nil {
		return nil, nil, err
	}
	return keyInitiator, keyResponder, nil
}

// rekey replaces the session's write/read keys with a fresh pair derived
// from the current ones via HKDF, before a transport transition
// (UpgradeBulk, UpgradeTCP) builds a brand-new cryptostream.Stream whose
// nonce counter starts back at zero. Any frames already sent under the
// current keys (SyncClock's round trips, at least) mean reusing them for
// a second Stream would reuse a nonce under an already-used key, so each
// transition ratchets forward instead of rebuilding with the same keys.
// Both peers compute the same ratchet independently: the two current keys
// are sorted before concatenating into the HKDF input so the result
// doesn't depend on which one is the local write key versus read key.
func (s *Secured) rekey() error {
	a, b := s.writeKey, s.readKey
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	combined := append(append([]byte{}, a...), b...)
	keyInitiator, keyResponder, err := deriveKeys(combined, "rdrop transition rekey v1")
	if err != nil {
		return werr.Wrap(err, werr.KindSecurity, "transition rekey failed")
	}
	writeKey, readKey := keyResponder, keyInitiator
	if s.role == RoleInitiator {
		writeKey, readKey = keyInitiator, keyResponder
	}
	s.writeKey, s.readKey = writeKey, readKey
	return nil
}

// Secured is reached once the active client is authenticated and
// encrypted. From here, the orchestrator can use the stable
// transport.Client capability directly, or optionally invoke clock sync
// and/or TCP upgrade — both return to (or stay in) Secured, never
// regressing, matching the monotonic-advance invariant.
type Secured struct {
	active   transport.Client
	datagram *datagram.Client // the original UDP-SAW client, while still live for a bulk handoff
	remote   net.Addr
	cfg      Config
	role     Role
	compress bool // negotiated once, before ExchangeKeys; reapplied under crypto at every active-client transition

	writeKey, readKey []byte

	offset      time.Duration
	offsetKnown bool
}

// ActiveClient exposes the stable send/recv/split/close capability set,
// stable across the UDP->TCP transition.
func (s *Secured) ActiveClient() transport.Client { return s.active }

// UpgradeBulk hands the hole-punched UDP socket off from the stop-and-wait
// client used for the handshake to a sliding-window client, and makes the
// result the new active client — the post-handshake handoff spec.md's
// component split calls for, so that Offer/Order/Stop/DataPacket traffic
// all move at sliding-window throughput instead of one-at-a-time ACKing.
// It requires the connection still be on its original UDP socket (it
// fails harmlessly if TCP upgrade already replaced active, or if called
// twice); the caller should treat an error as "stay on the current
// active client" exactly like UpgradeTCP's failure path.
func (s *Secured) UpgradeBulk(cfg slidingwindow.Config) error {
	if s.datagram == nil {
		return werr.New(werr.KindProtocol, "bulk upgrade unavailable: no udp-saw socket to hand off")
	}
	conn := s.datagram.Detach()
	s.datagram = nil

	if err := s.rekey(); err != nil {
		return err
	}

	sw := slidingwindow.New(conn, s.remote, cfg)
	var inner transport.Client = sw
	if s.compress {
		inner = compstream.New(sw)
	}
	crypto, err := cryptostream.New(inner, s.writeKey, s.readKey)
	if err != nil {
		_ = sw.Close()
		return err
	}

	oldActive := s.active
	s.active = crypto
	_ = oldActive.Close()
	return nil
}

// Role reports the asymmetry chosen earlier in the handshake.
func (s *Secured) Role() Role { return s.role }

// ClockOffset reports the last synchronized offset (peer_time -
// local_time), and whether a sync has completed yet.
func (s *Secured) ClockOffset() (time.Duration, bool) { return s.offset, s.offsetKnown }

// SyncClock runs source (the round-trip procedure, or an external NTP-style
// source) to refresh the clock offset. ClockUnsync is non-fatal: the
// caller stays in Secured over whatever transport is currently active.
func (s *Secured) SyncClock(ctx context.Context, source TimeSource) error {
	offset, err := source.Offset(ctx, s.active)
	if err != nil {
		return err
	}
	s.offset = offset
	s.offsetKnown = true
	return nil
}
