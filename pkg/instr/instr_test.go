package instr

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oisee/memplan/pkg/addr"
	"github.com/oisee/memplan/pkg/opcode"
)

func TestPackedSizes(t *testing.T) {
	tests := []struct {
		layout Layout
		format opcode.Format
		want   int
	}{
		{Virt, opcode.FormatNoArgs, 11},
		{Virt, opcode.FormatOneArg, 18},
		{Virt, opcode.FormatTwoArgs, 25},
		{Virt, opcode.FormatThreeArgs, 32},
		{Virt, opcode.FormatConstant, 19},
		{Virt, opcode.FormatSwap, 16},
		{Virt, opcode.FormatSwapFinish, 9},
		{Virt, opcode.FormatControl, 6},
		{Phys, opcode.FormatNoArgs, 9},
		{Phys, opcode.FormatOneArg, 14},
		{Phys, opcode.FormatTwoArgs, 19},
		{Phys, opcode.FormatThreeArgs, 24},
		{Phys, opcode.FormatConstant, 17},
		{Phys, opcode.FormatSwap, 13},
		{Phys, opcode.FormatSwapFinish, 7},
		{Phys, opcode.FormatControl, 6},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.layout.PackedSize(tc.format))
	}
}

// TestRoundTrip packs and unpacks random instructions of every opcode and
// checks that all fields survive bit-identically and the packed size
// matches the format-implied size.
func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	layouts := []struct {
		name    string
		layout  Layout
		addrMax uint64
		storMax uint64
	}{
		{"virt", Virt, addr.InvalidVirtAddr, addr.InvalidVirtAddr},
		{"phys", Phys, addr.InvalidPhysAddr, addr.InvalidStorageAddr},
	}

	for _, l := range layouts {
		t.Run(l.name, func(t *testing.T) {
			for op := opcode.OpCode(1); int(op) < opcode.Count(); op++ {
				info := opcode.InfoFor(op)
				for trial := 0; trial < 64; trial++ {
					var ins Instruction
					ins.Op = op
					ins.Flags = Flags(rng.Intn(256))
					switch info.Layout {
					case opcode.FormatControl:
						ins.Data = rng.Uint32()
					case opcode.FormatSwap:
						ins.Output = rng.Uint64() & l.addrMax
						ins.Constant = rng.Uint64() & l.storMax
					case opcode.FormatSwapFinish:
						ins.Output = rng.Uint64() & l.addrMax
					default:
						ins.Width = BitWidth(rng.Intn(1 << 16))
						ins.Output = rng.Uint64() & l.addrMax
						for i := 0; i < info.Layout.NumArgs(); i++ {
							ins.Inputs[i] = rng.Uint64() & l.addrMax
						}
						if info.Layout.UsesConstant() {
							ins.Constant = rng.Uint64()
						}
					}

					buf := make([]byte, l.layout.MaxPackedSize())
					size := ins.Pack(l.layout, buf)
					require.Equal(t, l.layout.PackedSizeOp(op), size)

					var back Instruction
					consumed := back.Unpack(l.layout, buf)
					require.Equal(t, size, consumed)
					require.Equal(t, ins, back, "opcode %v", op)
				}
			}
		})
	}
}

func TestStorePageNumbersDedup(t *testing.T) {
	const shift addr.PageShift = 6

	var ins Instruction
	ins.Op = opcode.ValueSelect
	ins.Output = 0x40       // page 1
	ins.Inputs[0] = 0x48    // page 1, dup of output
	ins.Inputs[1] = 0x80    // page 2
	ins.Inputs[2] = 0x81    // page 2, dup of input2

	var pages [MaxTouchedPages]uint64
	n := ins.StorePageNumbers(pages[:], shift)
	require.Equal(t, 2, n)
	assert.Equal(t, uint64(1), pages[0])
	assert.Equal(t, uint64(2), pages[1])
}

func TestRestorePageNumbers(t *testing.T) {
	const shift addr.PageShift = 6

	var virt Instruction
	virt.Op = opcode.BitAND
	virt.Flags = FlagOutputPageFirstUse
	virt.Width = 8
	virt.Output = 0x40 + 3  // page 1, offset 3
	virt.Inputs[0] = 0x80   // page 2
	virt.Inputs[1] = 0x44   // page 1, offset 4 (same page as output)

	var pages [MaxTouchedPages]uint64
	n := virt.StorePageNumbers(pages[:], shift)
	require.Equal(t, 2, n)

	frames := []uint64{7, 9} // page 1 -> frame 7, page 2 -> frame 9
	var phys Instruction
	consumed := phys.RestorePageNumbers(&virt, frames, shift)
	require.Equal(t, 2, consumed)

	assert.Equal(t, virt.Op, phys.Op)
	assert.Equal(t, virt.Flags, phys.Flags)
	assert.Equal(t, virt.Width, phys.Width)
	assert.Equal(t, uint64(7*64+3), phys.Output)
	assert.Equal(t, uint64(9*64), phys.Inputs[0])
	assert.Equal(t, uint64(7*64+4), phys.Inputs[1])
}

func TestStorePageNumbersPanicsOnSwap(t *testing.T) {
	var ins Instruction
	ins.Op = opcode.IssueSwapIn
	var pages [MaxTouchedPages]uint64
	assert.Panics(t, func() { ins.StorePageNumbers(pages[:], 12) })
}
