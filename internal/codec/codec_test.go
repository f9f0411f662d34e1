package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func hashOf(b byte) [32]byte {
	var h [32]byte
	for i := range h {
		h[i] = b
	}
	return h
}

func TestOfferRoundTrip(t *testing.T) {
	o := Offer{Hash: hashOf(0xAB), Name: "notes.txt", Size: 12345}
	frame := EncodeOffer(o)
	require.Equal(t, byte(KindOffer), frame[0])

	decoded, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, o, decoded)
}

func TestOrderRoundTripWithRanges(t *testing.T) {
	o := Order{Hash: hashOf(0x01), Ranges: []Range{{Start: 0, End: 3}, {Start: 7, End: 7}}}
	frame := EncodeOrder(o)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, o, decoded)
}

func TestOrderRoundTripNoRanges(t *testing.T) {
	o := Order{Hash: hashOf(0x02)}
	frame := EncodeOrder(o)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	got := decoded.(Order)
	require.Equal(t, o.Hash, got.Hash)
	require.Empty(t, got.Ranges)
}

func TestStopRoundTrip(t *testing.T) {
	s := Stop{Hash: hashOf(0xFF)}
	frame := EncodeStop(s)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, s, decoded)
}

func TestDataPacketRoundTrip(t *testing.T) {
	p := DataPacket{
		Header: DataPacketHeader{
			Version:     1,
			FileHash:    hashOf(0x10),
			Name:        "video.mp4",
			TotalChunks: 100,
			ChunkIndex:  42,
			ChunkOffset: 42 * 1024 * 1024,
			ChunkLength: 5,
			ChunkHash:   hashOf(0x20),
		},
		Payload: []byte{1, 2, 3, 4, 5},
	}
	frame, err := EncodeDataPacket(p)
	require.NoError(t, err)
	require.LessOrEqual(t, len(frame)-len(p.Payload), MaxDataPacketHeader)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, p, decoded)
}

func TestDataPacketRejectsLengthMismatch(t *testing.T) {
	p := DataPacket{
		Header: DataPacketHeader{FileHash: hashOf(0x01), ChunkLength: 10},
		Payload: []byte{1, 2, 3},
	}
	frame, err := EncodeDataPacket(p)
	require.NoError(t, err)

	_, err = Decode(frame)
	require.Error(t, err)
}

func TestDataPacketRejectsOversizedName(t *testing.T) {
	longName := make([]byte, 65)
	for i := range longName {
		longName[i] = 'a'
	}
	p := DataPacket{Header: DataPacketHeader{Name: string(longName)}}
	_, err := EncodeDataPacket(p)
	require.Error(t, err)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte{0x09, 'x'})
	require.Error(t, err)
}

func TestDecodeRejectsMalformedText(t *testing.T) {
	frame := append([]byte{byte(KindOffer)}, []byte("not a valid record\n")...)
	_, err := Decode(frame)
	require.Error(t, err)
}

func TestFullRange(t *testing.T) {
	require.Equal(t, []Range{{Start: 0, End: 9}}, FullRange(10))
	require.Nil(t, FullRange(0))
}
