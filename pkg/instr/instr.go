// Package instr defines the instruction record shared by all bytecode
// stages and its packed wire encoding.
//
// An instruction is serialised as a two-byte header (opcode, flags)
// followed by a format-dependent payload. Address fields occupy exactly
// their address-space width (56 bits virtual, 40 physical, 48 storage);
// all widths are whole bytes and are stored little-endian.
package instr

import (
	"github.com/oisee/memplan/pkg/addr"
	"github.com/oisee/memplan/pkg/opcode"
)

// Flags is the instruction flag byte. The lower nybble is reserved for
// the planner.
type Flags uint8

const (
	FlagInput1Constant Flags = 1 << iota
	FlagInput2Constant
	FlagInput3Constant
	// FlagOutputPageFirstUse marks the first instruction to touch its
	// output page; replacement elides the swap-in for such pages.
	FlagOutputPageFirstUse
	// FlagEvaluatorInput marks an Input instruction whose value is
	// supplied by the evaluator party rather than the garbler.
	FlagEvaluatorInput
	// FlagNotNormalized marks a denormalised ciphertext result.
	FlagNotNormalized
)

// BitWidth is the width operand of an instruction: a bit count for
// boolean protocols, or a level for levelled homomorphic encryption.
type BitWidth uint16

// Layout selects the address widths of an encoding. Virtual and physical
// programs use different layouts.
type Layout struct {
	AddrBytes    int
	StorageBytes int
}

var (
	// Virt is the layout of virtual bytecode.
	Virt = Layout{AddrBytes: addr.VirtualAddressBits / 8, StorageBytes: addr.VirtualAddressBits / 8}
	// Phys is the layout of physical bytecode.
	Phys = Layout{AddrBytes: addr.PhysicalAddressBits / 8, StorageBytes: addr.StorageAddressBits / 8}
)

const headerBytes = 2

// PackedSize returns the encoded size of an instruction with format f.
func (l Layout) PackedSize(f opcode.Format) int {
	switch f {
	case opcode.FormatNoArgs:
		return headerBytes + 2 + l.AddrBytes
	case opcode.FormatOneArg:
		return headerBytes + 2 + 2*l.AddrBytes
	case opcode.FormatTwoArgs:
		return headerBytes + 2 + 3*l.AddrBytes
	case opcode.FormatThreeArgs:
		return headerBytes + 2 + 4*l.AddrBytes
	case opcode.FormatConstant:
		return headerBytes + 2 + l.AddrBytes + 8
	case opcode.FormatSwap:
		return headerBytes + l.AddrBytes + l.StorageBytes
	case opcode.FormatSwapFinish:
		return headerBytes + l.AddrBytes
	case opcode.FormatControl:
		return headerBytes + 4
	default:
		panic("instr: unknown instruction format")
	}
}

// PackedSizeOp returns the encoded size of an instruction with opcode op.
func (l Layout) PackedSizeOp(op opcode.OpCode) int {
	return l.PackedSize(opcode.InfoFor(op).Layout)
}

// MaxPackedSize returns the largest encoded size any opcode can take in
// this layout.
func (l Layout) MaxPackedSize() int {
	return l.PackedSize(opcode.FormatThreeArgs)
}

// MaxTouchedPages is the largest number of distinct pages one
// instruction can reference: the output plus three inputs.
const MaxTouchedPages = 4

// Instruction is the unpacked form of one bytecode instruction. Field
// use depends on the opcode's format: Output doubles as the memory page
// number of swap instructions, and Constant as their storage page number.
type Instruction struct {
	Op     opcode.OpCode
	Flags  Flags
	Width  BitWidth
	Output uint64
	Inputs [3]uint64
	// Constant holds the immediate of constant-format instructions and
	// the storage page number of swap-format instructions.
	Constant uint64
	// Data is the opaque payload of control-format instructions.
	Data uint32
}

func putLE(buf []byte, v uint64, n int) {
	for i := 0; i < n; i++ {
		buf[i] = byte(v)
		v >>= 8
	}
}

func getLE(buf []byte, n int) uint64 {
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}

// Pack encodes ins into buf, which must have room for at least
// l.PackedSizeOp(ins.Op) bytes, and returns the encoded size.
func (ins *Instruction) Pack(l Layout, buf []byte) int {
	info := opcode.InfoFor(ins.Op)
	buf[0] = byte(ins.Op)
	buf[1] = byte(ins.Flags)
	p := buf[headerBytes:]

	switch info.Layout {
	case opcode.FormatNoArgs, opcode.FormatOneArg, opcode.FormatTwoArgs, opcode.FormatThreeArgs:
		putLE(p, uint64(ins.Width), 2)
		putLE(p[2:], ins.Output, l.AddrBytes)
		off := 2 + l.AddrBytes
		for i := 0; i < info.Layout.NumArgs(); i++ {
			putLE(p[off:], ins.Inputs[i], l.AddrBytes)
			off += l.AddrBytes
		}
	case opcode.FormatConstant:
		putLE(p, uint64(ins.Width), 2)
		putLE(p[2:], ins.Output, l.AddrBytes)
		putLE(p[2+l.AddrBytes:], ins.Constant, 8)
	case opcode.FormatSwap:
		putLE(p, ins.Output, l.AddrBytes)
		putLE(p[l.AddrBytes:], ins.Constant, l.StorageBytes)
	case opcode.FormatSwapFinish:
		putLE(p, ins.Output, l.AddrBytes)
	case opcode.FormatControl:
		putLE(p, uint64(ins.Data), 4)
	}
	return l.PackedSize(info.Layout)
}

// Unpack decodes one instruction from buf and returns the number of
// bytes consumed.
func (ins *Instruction) Unpack(l Layout, buf []byte) int {
	*ins = Instruction{}
	ins.Op = opcode.OpCode(buf[0])
	ins.Flags = Flags(buf[1])
	info := opcode.InfoFor(ins.Op)
	p := buf[headerBytes:]

	switch info.Layout {
	case opcode.FormatNoArgs, opcode.FormatOneArg, opcode.FormatTwoArgs, opcode.FormatThreeArgs:
		ins.Width = BitWidth(getLE(p, 2))
		ins.Output = getLE(p[2:], l.AddrBytes)
		off := 2 + l.AddrBytes
		for i := 0; i < info.Layout.NumArgs(); i++ {
			ins.Inputs[i] = getLE(p[off:], l.AddrBytes)
			off += l.AddrBytes
		}
	case opcode.FormatConstant:
		ins.Width = BitWidth(getLE(p, 2))
		ins.Output = getLE(p[2:], l.AddrBytes)
		ins.Constant = getLE(p[2+l.AddrBytes:], 8)
	case opcode.FormatSwap:
		ins.Output = getLE(p, l.AddrBytes)
		ins.Constant = getLE(p[l.AddrBytes:], l.StorageBytes)
	case opcode.FormatSwapFinish:
		ins.Output = getLE(p, l.AddrBytes)
	case opcode.FormatControl:
		ins.Data = uint32(getLE(p, 4))
	}
	return l.PackedSize(info.Layout)
}

// StorePageNumbers fills into with the distinct page numbers referenced
// by ins — the output page first, then input pages in declaration order,
// skipping duplicates — and returns the count. Control instructions
// reference no pages and yield zero. It must not be called on
// swap-format instructions, whose operands are page numbers already.
func (ins *Instruction) StorePageNumbers(into []uint64, shift addr.PageShift) int {
	info := opcode.InfoFor(ins.Op)
	switch info.Layout {
	case opcode.FormatSwap, opcode.FormatSwapFinish:
		panic("instr: StorePageNumbers on swap instruction " + ins.Op.String())
	case opcode.FormatControl:
		return 0
	}

	n := 0
	into[n] = addr.PageNumber(ins.Output, shift)
	n++
	for i := 0; i < info.Layout.NumArgs(); i++ {
		vpn := addr.PageNumber(ins.Inputs[i], shift)
		dup := false
		for j := 0; j < n; j++ {
			if into[j] == vpn {
				dup = true
				break
			}
		}
		if !dup {
			into[n] = vpn
			n++
		}
	}
	return n
}

// RestorePageNumbers rewrites ins as the translated form of original:
// opcode, flags, width and offsets are taken from original, while page
// numbers come from from, consumed in the same deduplicated order that
// StorePageNumbers produces. It returns the number of entries consumed.
func (ins *Instruction) RestorePageNumbers(original *Instruction, from []uint64, shift addr.PageShift) int {
	info := opcode.InfoFor(original.Op)
	switch info.Layout {
	case opcode.FormatSwap, opcode.FormatSwapFinish:
		panic("instr: RestorePageNumbers on swap instruction " + original.Op.String())
	}

	ins.Op = original.Op
	ins.Flags = original.Flags
	ins.Width = original.Width
	ins.Data = original.Data
	if info.Layout == opcode.FormatControl {
		return 0
	}
	if info.Layout.UsesConstant() {
		ins.Constant = original.Constant
	}

	var vpns [MaxTouchedPages]uint64
	var ppns [MaxTouchedPages]uint64
	n := 0
	vpns[n] = addr.PageNumber(original.Output, shift)
	ppns[n] = from[n]
	ins.Output = addr.PageSetNumber(original.Output, from[n], shift)
	n++
	for i := 0; i < info.Layout.NumArgs(); i++ {
		vpn := addr.PageNumber(original.Inputs[i], shift)
		ppn := uint64(0)
		found := false
		for j := 0; j < n; j++ {
			if vpns[j] == vpn {
				ppn = ppns[j]
				found = true
				break
			}
		}
		if !found {
			ppn = from[n]
			vpns[n] = vpn
			ppns[n] = ppn
			n++
		}
		ins.Inputs[i] = addr.PageSetNumber(original.Inputs[i], ppn, shift)
	}
	return n
}
