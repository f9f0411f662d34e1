package datagram

import (
	"encoding/binary"

	"github.com/rdrop-io/rdrop/internal/wire"
)

// frame kinds for the stop-and-wait envelope. These are internal to the
// UDP-SAW transport; they are not the application-level message kinds of
// internal/codec.
const (
	kindData byte = iota
	kindAck
	kindHeartbeat
)

// header is 5 bytes: 1 kind byte + 4 byte big-endian sequence number.
const headerLen = 5

func encodeFrame(kind byte, seq wire.SeqNo, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[1:5], uint32(seq))
	copy(buf[5:], payload)
	return buf
}

func decodeFrame(b []byte) (kind byte, seq wire.SeqNo, payload []byte, ok bool) {
	if len(b) < headerLen {
		return 0, 0, nil, false
	}
	kind = b[0]
	seq = wire.SeqNo(binary.BigEndian.Uint32(b[1:5]))
	payload = b[headerLen:]
	return kind, seq, payload, true
}
