package iobuf

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRecords(t *testing.T, w *Writer, records [][]byte) {
	t.Helper()
	for _, rec := range records {
		region, err := w.StartWrite(len(rec))
		require.NoError(t, err)
		copy(region, rec)
		w.FinishWrite(len(rec))
	}
	require.NoError(t, w.Flush())
}

func randomRecords(rng *rand.Rand, n int) [][]byte {
	records := make([][]byte, n)
	for i := range records {
		rec := make([]byte, 1+rng.Intn(200))
		rng.Read(rec)
		records[i] = rec
	}
	return records
}

func TestForwardRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	records := randomRecords(rng, 500)

	var sink bytes.Buffer
	// Small buffer forces many flush/rebuffer cycles.
	writeRecords(t, NewWriter(&sink, 512), records)

	r := NewReader(bytes.NewReader(sink.Bytes()), 512)
	for _, want := range records {
		region, err := r.StartRead(len(want))
		require.NoError(t, err)
		assert.Equal(t, want, region[:len(want)])
		r.FinishRead(len(want))
	}
	_, err := r.StartRead(1)
	assert.Equal(t, io.EOF, err)
}

// TestBackwardStream checks reverse-stream consistency: a
// backward-readable writer followed by a reverse reader yields the
// records in reverse order, and a forward reader yields them in order.
func TestBackwardStream(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	records := randomRecords(rng, 300)

	path := filepath.Join(t.TempDir(), "stream")
	f, err := os.Create(path)
	require.NoError(t, err)
	writeRecords(t, NewBackwardWriter(f, 1024), records)
	require.NoError(t, f.Close())

	f, err = os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	info, err := f.Stat()
	require.NoError(t, err)

	rr := NewReverseReader(f, info.Size(), 1024)
	for i := len(records) - 1; i >= 0; i-- {
		rec, err := rr.Read()
		require.NoError(t, err)
		assert.Equal(t, records[i], rec)
	}
	_, err = rr.Read()
	assert.Equal(t, io.EOF, err)

	// Forward pass over the same bytes skips the size markers.
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	fr := NewBackwardStreamReader(f, 1024)
	for _, want := range records {
		region, err := fr.StartRead(len(want))
		require.NoError(t, err)
		assert.Equal(t, want, region[:len(want)])
		fr.FinishRead(len(want))
	}
}

func TestEOFMidRecordIsFatal(t *testing.T) {
	var sink bytes.Buffer
	w := NewWriter(&sink, 128)
	require.NoError(t, w.WriteRecord([]byte{1, 2, 3}))
	require.NoError(t, w.Flush())

	r := NewReader(bytes.NewReader(sink.Bytes()), 128)
	_, err := r.StartRead(8)
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestOversizeBackwardRecordPanics(t *testing.T) {
	w := NewBackwardWriter(io.Discard, 1024)
	assert.Panics(t, func() { _, _ = w.StartWrite(256) })
}

func TestReadFull(t *testing.T) {
	payload := make([]byte, 10000)
	rand.New(rand.NewSource(3)).Read(payload)

	var sink bytes.Buffer
	w := NewWriter(&sink, 256)
	require.NoError(t, w.WriteRecord(payload[:200]))
	require.NoError(t, w.Flush())
	_, err := sink.Write(payload[200:])
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(sink.Bytes()), 256)
	got := make([]byte, len(payload))
	require.NoError(t, r.ReadFull(got))
	assert.Equal(t, payload, got)
}
