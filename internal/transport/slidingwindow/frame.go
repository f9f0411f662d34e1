package slidingwindow

import (
	"encoding/binary"

	"github.com/rdrop-io/rdrop/internal/wire"
)

const (
	kindData byte = iota
	kindAck
	kindFin
	kindFinAck
)

// header: 1 kind byte + 4 byte big-endian sequence number (data seq, or
// cumulative ack value for kindAck).
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
