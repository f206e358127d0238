package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `garbler:
  workers:
    - internal_host: 10.0.0.1
      internal_port: 50000
      external_host: 198.51.100.1
      external_port: 40000
      storage_path: /var/swap/worker0
      page_shift: 12
      num_pages: 1024
      prefetch_buffer_size: 256
      prefetch_lookahead: 10000
      oblivious_transfer:
        max_batch_size: 1024
        pipeline_depth: 2
        num_daemons: 3
    - internal_host: 10.0.0.2
      internal_port: 50001
      external_host: 198.51.100.1
      external_port: 40001
      storage_path: /var/swap/worker1
      page_shift: 12
      num_pages: 1024
      prefetch_buffer_size: 256
      prefetch_lookahead: 10000
evaluator:
  workers:
    - internal_host: 10.0.1.1
      internal_port: 50000
      external_host: 203.0.113.1
      external_port: 40000
      storage_path: /var/swap/worker0
      page_shift: 12
      num_pages: 2048
      prefetch_buffer_size: 128
      prefetch_lookahead: 5000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSample(t *testing.T) {
	c, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	garbler, err := c.Party("garbler")
	require.NoError(t, err)
	require.Len(t, garbler.Workers, 2)

	w, err := c.Worker("garbler", 0)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", w.InternalHost)
	assert.Equal(t, uint16(50000), w.InternalPort)
	assert.Equal(t, uint8(12), w.PageShift)
	assert.Equal(t, uint64(1024), w.NumPages)
	require.NotNil(t, w.ObliviousTransfer)
	assert.Equal(t, uint32(1024), w.ObliviousTransfer.MaxBatchSize)

	w1, err := c.Worker("garbler", 1)
	require.NoError(t, err)
	assert.Nil(t, w1.ObliviousTransfer)

	eps := garbler.InternalEndpoints()
	require.Len(t, eps, 2)
	assert.Equal(t, "10.0.0.2", eps[1].Host)
	assert.Equal(t, uint16(50001), eps[1].Port)
}

func TestMissingPartyAndWorker(t *testing.T) {
	c, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	_, err = c.Party("dealer")
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "dealer", cfgErr.Path)

	_, err = c.Worker("evaluator", 5)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "evaluator.workers", cfgErr.Path)
}

func TestValidationErrorsCarryPath(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		wantPath string
	}{
		{
			name: "missing internal_host",
			yaml: `garbler:
  workers:
    - internal_port: 50000
      storage_path: /tmp/swap
      page_shift: 12
      num_pages: 4
`,
			wantPath: "garbler.workers[0].internal_host",
		},
		{
			name: "zero num_pages",
			yaml: `garbler:
  workers:
    - internal_host: a
      internal_port: 50000
      storage_path: /tmp/swap
      page_shift: 12
`,
			wantPath: "garbler.workers[0].num_pages",
		},
		{
			name: "inconsistent prefetch keys",
			yaml: `garbler:
  workers:
    - internal_host: a
      internal_port: 50000
      storage_path: /tmp/swap
      page_shift: 12
      num_pages: 4
      prefetch_buffer_size: 16
`,
			wantPath: "garbler.workers[0].prefetch_lookahead",
		},
		{
			name: "bad oblivious_transfer",
			yaml: `garbler:
  workers:
    - internal_host: a
      internal_port: 50000
      storage_path: /tmp/swap
      page_shift: 12
      num_pages: 4
      oblivious_transfer:
        pipeline_depth: 2
`,
			wantPath: "garbler.workers[0].oblivious_transfer.max_batch_size",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			var cfgErr *Error
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.wantPath, cfgErr.Path)
		})
	}
}
