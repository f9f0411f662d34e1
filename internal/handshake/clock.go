package handshake

import (
	"context"
	"encoding/binary"
	"net"
	"sort"
	"time"

	"github.com/rdrop-io/rdrop/internal/transport"
	"github.com/rdrop-io/rdrop/internal/werr"
)

// Default clock-sync parameters.
const (
	DefaultClockRounds = 16
	clockPing          = 0xC0
	clockPong          = 0xC1
)

// TimeSource produces a ClockOffset (peer_time - local_time). The
// round-trip sub-protocol and an external NTP-style source both satisfy
// this interface, per design note 9(d): "treat as a pluggable time source
// with the same offset interface."
type TimeSource interface {
	Offset(ctx context.Context, active transport.Client) (time.Duration, error)
}

// RoundTripSource implements the clock-sync sub-protocol described in
// spec.md §4.4: N rounds of ping/pong timestamp exchange, offset computed
// per round, final offset the median of per-round offsets so a single
// outlier round is harmless.
type RoundTripSource struct {
	Rounds int
}

func (s RoundTripSource) rounds() int {
	if s.Rounds <= 0 {
		return DefaultClockRounds
	}
	return s.Rounds
}

// roundSample is one round's offset/rtt pair.
type roundSample struct {
	offset time.Duration
	rtt    time.Duration
}

func (s RoundTripSource) Offset(ctx context.Context, active transport.Client) (time.Duration, error) {
	samples := make([]roundSample, 0, s.rounds())
	for i := 0; i < s.rounds(); i++ {
		sample, err := s.oneRound(ctx, active)
		if err != nil {
			return 0, err
		}
		samples = append(samples, sample)
	}
	if monotoneAsymmetric(samples) {
		return 0, werr.New(werr.KindClockUnsync, "rtt variance dominated by one direction")
	}
	return medianOffset(samples), nil
}

func (s RoundTripSource) oneRound(ctx context.Context, active transport.Client) (roundSample, error) {
	t0 := time.Now()
	ping := make([]byte, 9)
	ping[0] = clockPing
	binary.BigEndian.PutUint64(ping[1:], uint64(t0.UnixNano()))
	if err := active.Send(ctx, ping); err != nil {
		return roundSample{}, err
	}

	pong, err := active.Recv(ctx)
	t3 := time.Now()
	if err != nil {
		return roundSample{}, err
	}
	if len(pong) != 17 || pong[0] != clockPong {
		return roundSample{}, werr.New(werr.KindProtocol, "malformed clock-sync pong")
	}
	t1 := time.Unix(0, int64(binary.BigEndian.Uint64(pong[1:9])))
	t2 := time.Unix(0, int64(binary.BigEndian.Uint64(pong[9:17])))

	offset := (t1.Sub(t0) + t2.Sub(t3)) / 2
	rtt := t3.Sub(t0) - t2.Sub(t1)
	return roundSample{offset: offset, rtt: rtt}, nil
}

// RespondClockPing answers a single ping with a pong carrying this peer's
// receive and send timestamps, for the peer playing the passive role in a
// clock-sync round. A ping is identified by its leading 0xC0 byte, disjoint
// from the 0x00-0x03 message kinds in internal/codec; the orchestrator's
// dispatch does not route such frames here.
func RespondClockPing(ctx context.Context, active transport.Client, ping []byte) error {
	if len(ping) != 9 || ping[0] != clockPing {
		return werr.New(werr.KindProtocol, "malformed clock-sync ping")
	}
	t1 := time.Now()
	pong := make([]byte, 17)
	pong[0] = clockPong
	copy(pong[1:9], ping[1:9])
	binary.BigEndian.PutUint64(pong[1:9], uint64(t1.UnixNano()))
	t2 := time.Now()
	binary.BigEndian.PutUint64(pong[9:17], uint64(t2.UnixNano()))
	return active.Send(ctx, pong)
}

func medianOffset(samples []roundSample) time.Duration {
	offsets := make([]time.Duration, len(samples))
	for i, s := range samples {
		offsets[i] = s.offset
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	mid := len(offsets) / 2
	if len(offsets)%2 == 1 {
		return offsets[mid]
	}
	return (offsets[mid-1] + offsets[mid]) / 2
}

// monotoneAsymmetric declares ClockUnsync when the per-round RTT is
// consistently skewed in one direction rather than fluctuating around a
// stable value — a simple heuristic: if every round's one-way estimate
// (offset) moves the same direction relative to the median by more than
// the median RTT, the path is asymmetric enough that the offset estimate
// isn't trustworthy.
func monotoneAsymmetric(samples []roundSample) bool {
	if len(samples) < 4 {
		return false
	}
	rtts := make([]time.Duration, len(samples))
	for i, s := range samples {
		rtts[i] = s.rtt
	}
	sort.Slice(rtts, func(i, j int) bool { return rtts[i] < rtts[j] })
	medianRTT := rtts[len(rtts)/2]
	if medianRTT <= 0 {
		return true
	}
	offMedian := medianOffset(samples)
	sameSign := 0
	for _, s := range samples {
		delta := s.offset - offMedian
		if delta < 0 {
			delta = -delta
		}
		if delta > medianRTT && sign(s.offset-offMedian) == sign(offMedian) {
			sameSign++
		}
	}
	return sameSign == len(samples) && offMedian != 0
}

func sign(d time.Duration) int {
	switch {
	case d > 0:
		return 1
	case d < 0:
		return -1
	default:
		return 0
	}
}

// NTPSource queries an external SNTP server instead of running the
// round-trip procedure over the active client, per design note 9(d).
type NTPSource struct {
	Addr    string
	Timeout time.Duration
}

func (s NTPSource) Offset(ctx context.Context, _ transport.Client) (time.Duration, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	conn, err := net.DialTimeout("udp", s.Addr, timeout)
	if err != nil {
		return 0, werr.Wrap(err, werr.KindIO, "ntp dial failed")
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	var req [48]byte
	req[0] = 0x1B // LI=0, VN=3, Mode=3 (client), SNTP request
	sendTime := time.Now()
	if _, err := conn.Write(req[:]); err != nil {
		return 0, werr.Wrap(err, werr.KindIO, "ntp request failed")
	}

	var resp [48]byte
	if _, err := conn.Read(resp[:]); err != nil {
		return 0, werr.Wrap(err, werr.KindIO, "ntp response failed")
	}
	recvTime := time.Now()

	const ntpEpochOffset = 2208988800 // seconds between 1900 and 1970
	transmitSecs := binary.BigEndian.Uint32(resp[40:44])
	transmitFrac := binary.BigEndian.Uint32(resp[44:48])
	serverTime := time.Unix(int64(transmitSecs)-ntpEpochOffset, int64(float64(transmitFrac)/(1<<32)*1e9))

	rtt := recvTime.Sub(sendTime)
	return serverTime.Sub(sendTime.Add(rtt / 2)), nil
}
