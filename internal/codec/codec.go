// Package codec is a pure serializer/deserializer for the four
// application-level message kinds exchanged over an active client: Offer,
// Order, DataPacket, Stop. Parsing never performs I/O. Offer/Order/Stop use
// a single fixed regexp compiled once at package init, grounded in the
// teacher's generic.ParseMultiPort ("one regex, parsed once" idiom);
// DataPacket uses a fixed binary header, encoded/decoded with
// encoding/binary the way the teacher's own framing does.
package codec

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rdrop-io/rdrop/internal/werr"
)

// Kind disambiguates the four message kinds by their leading wire byte.
type Kind byte

const (
	KindDataPacket Kind = 0x00
	KindOffer      Kind = 0x01
	KindOrder      Kind = 0x02
	KindStop       Kind = 0x03
)

const (
	maxNameLen   = 64
	hashLen      = 32
	headerPrefix = 1 /*kind*/ + 1 /*version*/ + hashLen + 1 /*name_len*/
	headerSuffix = 4 /*total_chunks*/ + 4 /*chunk_index*/ + 8 /*chunk_offset*/ + 4 /*chunk_length*/ + hashLen
	// MaxDataPacketHeader is the largest possible DataPacket header: the
	// 151-byte bound named in spec.md §6 (1+1+32+1+64+4+4+8+4+32).
	MaxDataPacketHeader = headerPrefix + maxNameLen + headerSuffix
)

const dataPacketVersion = 1

var textPattern = regexp.MustCompile(
	`^(OFFER|ORDER|STOP) hash=([0-9a-fA-F]{64}) name="([^"]*)" size=(\d+)(?: ranges=([0-9.,]+))?\n?$`,
)

// Range is an inclusive chunk-index range, e.g. "0..3" covers chunks 0,1,2,3.
type Range struct {
	Start, End uint32
}

// Offer announces a file the sender holds in full.
type Offer struct {
	Hash [32]byte
	Name string
	Size uint64
}

// Order requests a set of chunk ranges from the sender. An empty Ranges
// slice with a non-empty file means "the full range," assigned by the
// caller before encoding (see FullRange).
type Order struct {
	Hash   [32]byte
	Ranges []Range
}

// Stop aborts a transfer identified by hash.
type Stop struct {
	Hash [32]byte
}

// DataPacketHeader is the fixed binary header carried by every file chunk.
type DataPacketHeader struct {
	Version      byte
	FileHash     [32]byte
	Name         string
	TotalChunks  uint32
	ChunkIndex   uint32
	ChunkOffset  uint64
	ChunkLength  uint32
	ChunkHash    [32]byte
}

// DataPacket is one file chunk: header plus payload bytes.
type DataPacket struct {
	Header  DataPacketHeader
	Payload []byte
}

// FullRange builds the single range covering every chunk of a
// totalChunks-chunk file, for the initial Order a receiver sends after
// accept_file.
func FullRange(totalChunks uint32) []Range {
	if totalChunks == 0 {
		return nil
	}
	return []Range{{Start: 0, End: totalChunks - 1}}
}

// EncodeOffer serializes o as the wire frame: leading kind byte followed by
// its textual record.
func EncodeOffer(o Offer) []byte {
	return encodeText(KindOffer, "OFFER", o.Hash, o.Name, o.Size, nil)
}

// EncodeOrder serializes o.
func EncodeOrder(o Order) []byte {
	return encodeText(KindOrder, "ORDER", o.Hash, "", 0, o.Ranges)
}

// EncodeStop serializes s.
func EncodeStop(s Stop) []byte {
	return encodeText(KindStop, "STOP", s.Hash, "", 0, nil)
}

func encodeText(kind Kind, word string, hash [32]byte, name string, size uint64, ranges []Range) []byte {
	var b strings.Builder
	b.WriteByte(byte(kind))
	b.WriteString(word)
	b.WriteString(" hash=")
	b.WriteString(fmt.Sprintf("%x", hash))
	b.WriteString(` name="`)
	b.WriteString(name)
	b.WriteString(`" size=`)
	b.WriteString(strconv.FormatUint(size, 10))
	if len(ranges) > 0 {
		b.WriteString(" ranges=")
		for i, r := range ranges {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatUint(uint64(r.Start), 10))
			b.WriteString("..")
			b.WriteString(strconv.FormatUint(uint64(r.End), 10))
		}
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// EncodeDataPacket serializes a DataPacket's fixed binary header followed
// by its payload.
func EncodeDataPacket(p DataPacket) ([]byte, error) {
	if len(p.Header.Name) > maxNameLen {
		return nil, werr.New(werr.KindProtocol, "chunk name exceeds 64 bytes")
	}
	nameLen := len(p.Header.Name)
	total := headerPrefix + nameLen + headerSuffix + len(p.Payload)
	buf := make([]byte, total)
	buf[0] = byte(KindDataPacket)
	buf[1] = dataPacketVersion
	copy(buf[2:2+hashLen], p.Header.FileHash[:])
	buf[2+hashLen] = byte(nameLen)
	off := 2 + hashLen + 1
	copy(buf[off:off+nameLen], p.Header.Name)
	off += nameLen
	binary.BigEndian.PutUint32(buf[off:], p.Header.TotalChunks)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], p.Header.ChunkIndex)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], p.Header.ChunkOffset)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], p.Header.ChunkLength)
	off += 4
	copy(buf[off:off+hashLen], p.Header.ChunkHash[:])
	off += hashLen
	copy(buf[off:], p.Payload)
	return buf, nil
}

// Decode inspects the leading byte of frame and parses the corresponding
// message. Unknown leading bytes fail with Protocol.
func Decode(frame []byte) (interface{}, error) {
	if len(frame) < 1 {
		return nil, werr.New(werr.KindProtocol, "empty frame")
	}
	switch Kind(frame[0]) {
	case KindDataPacket:
		return decodeDataPacket(frame)
	case KindOffer:
		return decodeText(frame, KindOffer)
	case KindOrder:
		return decodeText(frame, KindOrder)
	case KindStop:
		return decodeText(frame, KindStop)
	default:
		return nil, werr.New(werr.KindProtocol, fmt.Sprintf("unknown message kind 0x%02x", frame[0]))
	}
}

func decodeText(frame []byte, kind Kind) (interface{}, error) {
	text := string(frame[1:])
	m := textPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, werr.New(werr.KindProtocol, "malformed text record")
	}
	var hash [32]byte
	raw, err := hexDecode(m[2])
	if err != nil || len(raw) != 32 {
		return nil, werr.New(werr.KindProtocol, "malformed file hash")
	}
	copy(hash[:], raw)
	size, err := strconv.ParseUint(m[4], 10, 64)
	if err != nil {
		return nil, werr.New(werr.KindProtocol, "malformed size field")
	}

	switch kind {
	case KindOffer:
		if m[1] != "OFFER" {
			return nil, werr.New(werr.KindProtocol, "kind/word mismatch")
		}
		return Offer{Hash: hash, Name: m[3], Size: size}, nil
	case KindOrder:
		if m[1] != "ORDER" {
			return nil, werr.New(werr.KindProtocol, "kind/word mismatch")
		}
		ranges, err := parseRanges(m[5])
		if err != nil {
			return nil, err
		}
		return Order{Hash: hash, Ranges: ranges}, nil
	case KindStop:
		if m[1] != "STOP" {
			return nil, werr.New(werr.KindProtocol, "kind/word mismatch")
		}
		return Stop{Hash: hash}, nil
	}
	return nil, werr.New(werr.KindProtocol, "unreachable")
}

func parseRanges(s string) ([]Range, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ranges := make([]Range, 0, len(parts))
	for _, p := range parts {
		bounds := strings.SplitN(p, "..", 2)
		if len(bounds) != 2 {
			return nil, werr.New(werr.KindProtocol, "malformed range")
		}
		start, err1 := strconv.ParseUint(bounds[0], 10, 32)
		end, err2 := strconv.ParseUint(bounds[1], 10, 32)
		if err1 != nil || err2 != nil || start > end {
			return nil, werr.New(werr.KindProtocol, "malformed range bounds")
		}
		ranges = append(ranges, Range{Start: uint32(start), End: uint32(end)})
	}
	return ranges, nil
}

func decodeDataPacket(frame []byte) (interface{}, error) {
	if len(frame) < headerPrefix {
		return nil, werr.New(werr.KindProtocol, "truncated data packet header")
	}
	version := frame[1]
	var fileHash [32]byte
	copy(fileHash[:], frame[2:2+hashLen])
	nameLen := int(frame[2+hashLen])
	off := 2 + hashLen + 1
	if nameLen > maxNameLen || len(frame) < off+nameLen+headerSuffix {
		return nil, werr.New(werr.KindProtocol, "truncated data packet header")
	}
	name := string(frame[off : off+nameLen])
	off += nameLen

	totalChunks := binary.BigEndian.Uint32(frame[off:])
	off += 4
	chunkIndex := binary.BigEndian.Uint32(frame[off:])
	off += 4
	chunkOffset := binary.BigEndian.Uint64(frame[off:])
	off += 8
	chunkLength := binary.BigEndian.Uint32(frame[off:])
	off += 4
	var chunkHash [32]byte
	copy(chunkHash[:], frame[off:off+hashLen])
	off += hashLen

	payload := frame[off:]
	if uint32(len(payload)) != chunkLength {
		return nil, werr.New(werr.KindProtocol, "chunk length mismatch")
	}

	return DataPacket{
		Header: DataPacketHeader{
			Version:     version,
			FileHash:    fileHash,
			Name:        name,
			TotalChunks: totalChunks,
			ChunkIndex:  chunkIndex,
			ChunkOffset: chunkOffset,
			ChunkLength: chunkLength,
			ChunkHash:   chunkHash,
		},
		Payload: append([]byte(nil), payload...),
	}, nil
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, werr.New(werr.KindProtocol, "odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, werr.New(werr.KindProtocol, "invalid hex digit")
	}
}
