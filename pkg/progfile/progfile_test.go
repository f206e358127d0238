package progfile

import (
	"io"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oisee/memplan/pkg/instr"
	"github.com/oisee/memplan/pkg/opcode"
)

func randomVirtInstruction(rng *rand.Rand) instr.Instruction {
	ops := []opcode.OpCode{
		opcode.Input, opcode.Output, opcode.Copy, opcode.BitAND,
		opcode.BitXOR, opcode.IntAdd, opcode.ValueSelect,
		opcode.PublicConstant, opcode.NetworkFinishSend,
	}
	var ins instr.Instruction
	ins.Op = ops[rng.Intn(len(ops))]
	info := opcode.InfoFor(ins.Op)
	switch info.Layout {
	case opcode.FormatControl:
		ins.Data = rng.Uint32()
	default:
		ins.Width = instr.BitWidth(rng.Intn(256))
		ins.Output = rng.Uint64() & ((1 << 56) - 1)
		for i := 0; i < info.Layout.NumArgs(); i++ {
			ins.Inputs[i] = rng.Uint64() & ((1 << 56) - 1)
		}
		if info.Layout.UsesConstant() {
			ins.Constant = rng.Uint64()
		}
	}
	return ins
}

func TestVirtWriterReaderRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	path := filepath.Join(t.TempDir(), "test.prog")

	w, err := NewVirtWriter(path, 12)
	require.NoError(t, err)
	w.SetPageCount(77)

	var written []instr.Instruction
	for i := 0; i < 1000; i++ {
		ins := randomVirtInstruction(rng)
		require.NoError(t, w.Append(&ins))
		written = append(written, ins)
	}
	require.NoError(t, w.Close())

	r, err := OpenVirt(path)
	require.NoError(t, err)
	defer r.Close()

	h := r.Header()
	assert.Equal(t, uint64(1000), h.NumInstructions)
	assert.Equal(t, uint64(77), h.NumPages)
	assert.Equal(t, uint8(12), h.PageShift)

	var ins instr.Instruction
	for i := range written {
		require.NoError(t, r.Next(&ins))
		assert.Equal(t, written[i], ins, "instruction %d", i)
	}
	assert.Equal(t, io.EOF, r.Next(&ins))
}

func TestVirtReverseReader(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	path := filepath.Join(t.TempDir(), "rev.prog")

	w, err := NewVirtWriter(path, 10)
	require.NoError(t, err)
	var written []instr.Instruction
	for i := 0; i < 257; i++ {
		ins := randomVirtInstruction(rng)
		require.NoError(t, w.Append(&ins))
		written = append(written, ins)
	}
	require.NoError(t, w.Close())

	r, err := OpenVirtReverse(path)
	require.NoError(t, err)
	defer r.Close()

	var ins instr.Instruction
	for i := len(written) - 1; i >= 0; i-- {
		require.NoError(t, r.Prev(&ins))
		assert.Equal(t, written[i], ins, "instruction %d", i)
	}
	assert.Equal(t, io.EOF, r.Prev(&ins))
}

func TestPhysWriterReaderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.memprog")

	w, err := NewPhysWriter(path)
	require.NoError(t, err)
	w.SetPageShift(9)
	w.SetPageCount(4)
	w.SetSwapPageCount(16)
	w.SetConcurrentSwaps(3)

	swap := instr.Instruction{Op: opcode.IssueSwapIn, Output: 2, Constant: 11}
	fin := instr.Instruction{Op: opcode.FinishSwapIn, Output: 2}
	and := instr.Instruction{Op: opcode.BitAND, Width: 4, Output: 2 << 9, Inputs: [3]uint64{0, 1 << 9}}
	require.NoError(t, w.Append(&swap))
	require.NoError(t, w.Append(&fin))
	require.NoError(t, w.Append(&and))
	require.NoError(t, w.Close())

	r, err := OpenPhys(path)
	require.NoError(t, err)
	defer r.Close()

	h := r.Header()
	assert.Equal(t, uint64(3), h.NumInstructions)
	assert.Equal(t, uint64(16), h.NumSwapPages)
	assert.Equal(t, uint32(3), h.MaxConcurrentSwaps)

	var ins instr.Instruction
	require.NoError(t, r.Next(&ins))
	assert.Equal(t, swap, ins)
	require.NoError(t, r.Next(&ins))
	assert.Equal(t, fin, ins)
	require.NoError(t, r.Next(&ins))
	assert.Equal(t, and, ins)
	assert.Equal(t, io.EOF, r.Next(&ins))
}
