package sharder

import (
	"crypto/sha256"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rdrop-io/rdrop/internal/codec"
)

func writeTempFile(t *testing.T, dir string, size int) string {
	t.Helper()
	path := filepath.Join(dir, "source.bin")
	data := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(data)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestSplitMergeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := writeTempFile(t, dir, 10*1024+17) // not an even multiple of chunk size
	chunkSize := 4096

	splitter := NewSplitter(src, "source.bin", chunkSize)
	plan, err := splitter.Plan()
	require.NoError(t, err)

	dst := filepath.Join(dir, "dest.bin")
	writer := NewWriter(dst)

	var packets []codec.DataPacket
	require.NoError(t, splitter.Split(plan, func(p codec.DataPacket) error {
		packets = append(packets, p)
		return nil
	}))
	require.Equal(t, int(plan.TotalChunks), len(packets))

	// deliver out of order
	rand.New(rand.NewSource(7)).Shuffle(len(packets), func(i, j int) {
		packets[i], packets[j] = packets[j], packets[i]
	})
	for _, p := range packets {
		require.NoError(t, writer.WriteChunk(p))
	}

	complete, err := IsComplete(dst, plan.TotalChunks)
	require.NoError(t, err)
	require.True(t, complete)

	srcSum, err := HashFile(src, HashSHA256)
	require.NoError(t, err)
	dstSum, err := HashFile(dst, HashSHA256)
	require.NoError(t, err)
	require.Equal(t, srcSum, dstSum)
	require.Equal(t, sha256.Sum256(mustRead(t, src)), plan.Hash)
}

func TestMissingChunksAfterPartialWrite(t *testing.T) {
	dir := t.TempDir()
	src := writeTempFile(t, dir, 3*1024)
	splitter := NewSplitter(src, "source.bin", 1024)
	plan, err := splitter.Plan()
	require.NoError(t, err)
	require.Equal(t, uint32(3), plan.TotalChunks)

	dst := filepath.Join(dir, "dest.bin")
	writer := NewWriter(dst)

	var packets []codec.DataPacket
	require.NoError(t, splitter.Split(plan, func(p codec.DataPacket) error {
		packets = append(packets, p)
		return nil
	}))

	require.NoError(t, writer.WriteChunk(packets[0]))
	require.NoError(t, writer.WriteChunk(packets[2]))

	missing, err := MissingChunks(dst, plan.TotalChunks)
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, missing)

	complete, err := IsComplete(dst, plan.TotalChunks)
	require.NoError(t, err)
	require.False(t, complete)
}

func TestWriteChunkIdempotent(t *testing.T) {
	dir := t.TempDir()
	src := writeTempFile(t, dir, 2048)
	splitter := NewSplitter(src, "source.bin", 2048)
	plan, err := splitter.Plan()
	require.NoError(t, err)

	dst := filepath.Join(dir, "dest.bin")
	writer := NewWriter(dst)

	var pkt codec.DataPacket
	require.NoError(t, splitter.Split(plan, func(p codec.DataPacket) error {
		pkt = p
		return nil
	}))

	require.NoError(t, writer.WriteChunk(pkt))
	require.NoError(t, writer.WriteChunk(pkt))

	entries, err := ReadLog(dst)
	require.NoError(t, err)
	require.Len(t, entries, 2) // append-only: two writes, two log lines

	complete, err := IsComplete(dst, plan.TotalChunks)
	require.NoError(t, err)
	require.True(t, complete)
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}
