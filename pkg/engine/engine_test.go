package engine

import (
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oisee/memplan/pkg/dsl"
	"github.com/oisee/memplan/pkg/memprog"
	"github.com/oisee/memplan/pkg/progfile"
	"github.com/oisee/memplan/pkg/programs"
	"github.com/oisee/memplan/pkg/protocol"
)

// writeInputFile packs 32-bit values LSB-first, which matches the
// bit-per-bit input order of 32-wide Input instructions.
func writeInputFile(t *testing.T, path string, values []uint32) {
	t.Helper()
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func plan(t *testing.T, dir, name string, numPages, lookahead uint64, prefetch uint32, build func(ctx *dsl.Context) error) *memprog.Pipeline {
	t.Helper()
	p := &memprog.Pipeline{
		ProblemName:        filepath.Join(dir, name),
		PageShift:          6, // 64 wires per page
		NumPages:           numPages,
		PrefetchBufferSize: prefetch,
		PrefetchLookahead:  lookahead,
	}
	err := p.Plan("plaintext", protocol.PlaintextSizer(), func(prog *memprog.Program) error {
		return build(dsl.NewContext(prog))
	})
	require.NoError(t, err)
	return p
}

func planRegistered(t *testing.T, dir, program string, problemSize uint64, numPages, lookahead uint64, prefetch uint32) *memprog.Pipeline {
	t.Helper()
	entry, err := programs.Lookup(program)
	require.NoError(t, err)
	return plan(t, dir, program, numPages, lookahead, prefetch, func(ctx *dsl.Context) error {
		return entry.Build(ctx, programs.Options{NumWorkers: 1, ProblemSize: problemSize})
	})
}

// runProgram executes one memory program with a fresh plaintext backend
// and returns the output file contents.
func runProgram(t *testing.T, dir, memprogPath, garblerIn, evaluatorIn, tag string) []byte {
	t.Helper()
	outPath := filepath.Join(dir, tag+".output")
	gate, err := protocol.NewPlaintextGate(garblerIn, evaluatorIn, outPath)
	require.NoError(t, err)

	r, err := progfile.OpenPhys(memprogPath)
	require.NoError(t, err)
	header := r.Header()
	require.NoError(t, r.Close())

	e, err := New(protocol.NewBitEngine("plaintext", gate), nil, filepath.Join(dir, tag+".swap"), header)
	require.NoError(t, err)
	require.NoError(t, e.Run(memprogPath))
	require.NoError(t, e.Close())
	require.NoError(t, gate.Close())

	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	return out
}

// The scheduling-equivalence property: the backdated memory program
// produces byte-identical output to the same physical program run with
// synchronous swaps, and both match the cleartext computation.
//
// The circuit keeps every input alive and then consumes them in reverse
// allocation order, so the live set dwarfs the four page frames and the
// plan is dense with swaps.
func TestSchedulingEquivalenceReverseSum(t *testing.T) {
	dir := t.TempDir()
	const n = 40

	rng := rand.New(rand.NewSource(5))
	var garblerValues, evaluatorValues []uint32
	var want uint32
	values := make([]uint32, n)
	for i := range values {
		values[i] = rng.Uint32()
		want += values[i]
		if i%2 == 0 {
			garblerValues = append(garblerValues, values[i])
		} else {
			evaluatorValues = append(evaluatorValues, values[i])
		}
	}

	garblerIn := filepath.Join(dir, "garbler.input")
	evaluatorIn := filepath.Join(dir, "evaluator.input")
	writeInputFile(t, garblerIn, garblerValues)
	writeInputFile(t, evaluatorIn, evaluatorValues)

	p := plan(t, dir, "reverse_sum", 4, 8, 2, func(ctx *dsl.Context) error {
		xs := make([]dsl.Int, n)
		for i := range xs {
			from := dsl.Garbler
			if i%2 == 1 {
				from = dsl.Evaluator
			}
			xs[i] = ctx.Input(32, from)
		}
		acc := xs[n-1]
		for i := n - 2; i >= 0; i-- {
			acc = ctx.Add(acc, xs[i])
		}
		ctx.Output(acc)
		return nil
	})
	require.Greater(t, p.Stats().NumSwapIns, uint64(0), "live set too small to exercise paging")

	nopPath := filepath.Join(dir, "nop.memprog")
	require.NoError(t, memprog.NOPSchedule(p.RepProgFile(), nopPath))

	nopOut := runProgram(t, dir, nopPath, garblerIn, evaluatorIn, "nop")
	backdatedOut := runProgram(t, dir, p.MemProgFile(), garblerIn, evaluatorIn, "backdated")

	assert.Equal(t, nopOut, backdatedOut, "scheduler changed observable output")
	require.Len(t, nopOut, 4)
	assert.Equal(t, want, binary.LittleEndian.Uint32(nopOut))
}

func TestInnerProduct(t *testing.T) {
	dir := t.TempDir()
	const problemSize = 32

	rng := rand.New(rand.NewSource(7))
	var garblerValues, evaluatorValues []uint32
	var want uint32
	for i := 0; i < problemSize; i++ {
		a := rng.Uint32()
		b := rng.Uint32()
		want += a * b
		garblerValues = append(garblerValues, a)
		evaluatorValues = append(evaluatorValues, b)
	}

	garblerIn := filepath.Join(dir, "garbler.input")
	evaluatorIn := filepath.Join(dir, "evaluator.input")
	writeInputFile(t, garblerIn, garblerValues)
	writeInputFile(t, evaluatorIn, evaluatorValues)

	p := planRegistered(t, dir, "inner_product", problemSize, 8, 8, 2)
	out := runProgram(t, dir, p.MemProgFile(), garblerIn, evaluatorIn, "run")
	require.Len(t, out, 4)
	assert.Equal(t, want, binary.LittleEndian.Uint32(out))
}

func TestMillionaire(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		a, b uint32
		want byte
	}{
		{5, 9, 1},
		{9, 5, 0},
		{7, 7, 0},
	}
	for _, tc := range tests {
		subdir := filepath.Join(dir, "case")
		require.NoError(t, os.MkdirAll(subdir, 0o755))

		garblerIn := filepath.Join(subdir, "garbler.input")
		evaluatorIn := filepath.Join(subdir, "evaluator.input")
		writeInputFile(t, garblerIn, []uint32{tc.a})
		writeInputFile(t, evaluatorIn, []uint32{tc.b})

		p := planRegistered(t, subdir, "millionaire", 1, 8, 4, 1)
		out := runProgram(t, subdir, p.MemProgFile(), garblerIn, evaluatorIn, "run")
		require.Len(t, out, 1)
		assert.Equal(t, tc.want, out[0]&1, "a=%d b=%d", tc.a, tc.b)
	}
}

func TestRunningMax(t *testing.T) {
	dir := t.TempDir()
	const problemSize = 20

	rng := rand.New(rand.NewSource(6))
	var garblerValues, evaluatorValues []uint32
	var want uint32
	for i := 0; i < problemSize; i++ {
		v := rng.Uint32() >> 1
		if v > want {
			want = v
		}
		if i%2 == 0 {
			garblerValues = append(garblerValues, v)
		} else {
			evaluatorValues = append(evaluatorValues, v)
		}
	}

	garblerIn := filepath.Join(dir, "garbler.input")
	evaluatorIn := filepath.Join(dir, "evaluator.input")
	writeInputFile(t, garblerIn, garblerValues)
	writeInputFile(t, evaluatorIn, evaluatorValues)

	p := planRegistered(t, dir, "running_max", problemSize, 8, 8, 2)
	out := runProgram(t, dir, p.MemProgFile(), garblerIn, evaluatorIn, "run")
	require.Len(t, out, 4)
	assert.Equal(t, want, binary.LittleEndian.Uint32(out))
}
