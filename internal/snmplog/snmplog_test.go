package snmplog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.csv")

	c := &Counters{}
	c.AddBytesSent(100)
	c.IncChunksSent()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		Run(stop, path, 10*time.Millisecond, c)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	close(stop)
	<-done

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(rows), 2) // header + at least one sample
	require.Equal(t, "BytesSent", rows[0][1])
	require.Equal(t, "100", rows[1][1])
}

func TestRunDisabledWithEmptyPath(t *testing.T) {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		Run(stop, "", time.Millisecond, &Counters{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with empty path should return immediately")
	}
}
