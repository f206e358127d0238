// Package dsl is the circuit-description surface that drives the
// program writer. Values are secure unsigned integers of a fixed bit
// width; every operation appends one virtual instruction and allocates
// its result through the program's placer.
//
// The context threads the program explicitly; there is no ambient
// current-program state.
package dsl

import (
	"github.com/oisee/memplan/pkg/addr"
	"github.com/oisee/memplan/pkg/instr"
	"github.com/oisee/memplan/pkg/memprog"
	"github.com/oisee/memplan/pkg/opcode"
	"github.com/oisee/memplan/pkg/protocol"
)

// Party selects which party supplies an input value.
type Party uint8

const (
	Garbler Party = iota
	Evaluator
)

// Int is a secure unsigned integer: a virtual address and a bit width.
type Int struct {
	addr  addr.VirtAddr
	width uint16
}

// Width returns the bit width of the value.
func (v Int) Width() int { return int(v.width) }

// Context builds a program through the DSL.
type Context struct {
	prog *memprog.Program
}

// NewContext wraps a program writer.
func NewContext(p *memprog.Program) *Context {
	return &Context{prog: p}
}

func (c *Context) alloc(width uint16) memprog.AllocationSize {
	return c.prog.PhysicalWidth(uint64(width), protocol.Ciphertext)
}

// Input reads a width-bit value from the given party's input stream.
func (c *Context) Input(width uint16, from Party) Int {
	ins := c.prog.Instruction()
	ins.Op = opcode.Input
	ins.Width = instr.BitWidth(width)
	if from == Evaluator {
		ins.Flags |= instr.FlagEvaluatorInput
	}
	a := c.prog.CommitInstruction(c.alloc(width))
	return Int{addr: a, width: width}
}

// Constant materialises a public constant.
func (c *Context) Constant(width uint16, value uint64) Int {
	ins := c.prog.Instruction()
	ins.Op = opcode.PublicConstant
	ins.Width = instr.BitWidth(width)
	ins.Constant = value
	a := c.prog.CommitInstruction(c.alloc(width))
	return Int{addr: a, width: width}
}

// Output reveals a value to the output stream.
func (c *Context) Output(v Int) {
	ins := c.prog.Instruction()
	ins.Op = opcode.Output
	ins.Width = instr.BitWidth(v.width)
	ins.Output = v.addr
	c.prog.CommitInstruction(0)
}

// Drop recycles a value's storage; the value must not be used again.
func (c *Context) Drop(v Int) {
	c.prog.Recycle(v.addr, c.alloc(v.width))
}

func (c *Context) binary(op opcode.OpCode, a, b Int, outWidth uint16) Int {
	if a.width != b.width {
		panic("dsl: operand widths differ")
	}
	ins := c.prog.Instruction()
	ins.Op = op
	ins.Width = instr.BitWidth(a.width)
	ins.Inputs[0] = a.addr
	ins.Inputs[1] = b.addr
	out := c.prog.CommitInstruction(c.alloc(outWidth))
	return Int{addr: out, width: outWidth}
}

func (c *Context) unary(op opcode.OpCode, a Int, outWidth uint16) Int {
	ins := c.prog.Instruction()
	ins.Op = op
	ins.Width = instr.BitWidth(a.width)
	ins.Inputs[0] = a.addr
	out := c.prog.CommitInstruction(c.alloc(outWidth))
	return Int{addr: out, width: outWidth}
}

// Add returns a + b, truncated to the operand width.
func (c *Context) Add(a, b Int) Int { return c.binary(opcode.IntAdd, a, b, a.width) }

// Sub returns a - b, modulo the operand width.
func (c *Context) Sub(a, b Int) Int { return c.binary(opcode.IntSub, a, b, a.width) }

// Mul returns a * b, truncated to the operand width.
func (c *Context) Mul(a, b Int) Int { return c.binary(opcode.IntMultiply, a, b, a.width) }

// Increment returns a + 1, truncated.
func (c *Context) Increment(a Int) Int { return c.unary(opcode.IntIncrement, a, a.width) }

// Decrement returns a - 1, modulo the width.
func (c *Context) Decrement(a Int) Int { return c.unary(opcode.IntDecrement, a, a.width) }

// Less returns the single-bit comparison a < b, unsigned.
func (c *Context) Less(a, b Int) Int { return c.binary(opcode.IntLess, a, b, 1) }

// Equal returns the single-bit comparison a == b.
func (c *Context) Equal(a, b Int) Int { return c.binary(opcode.Equal, a, b, 1) }

// IsZero returns a single bit that is 1 iff every bit of a is 0.
func (c *Context) IsZero(a Int) Int { return c.unary(opcode.IsZero, a, 1) }

// NonZero returns the complement of IsZero.
func (c *Context) NonZero(a Int) Int { return c.unary(opcode.NonZero, a, 1) }

// And returns the bitwise AND.
func (c *Context) And(a, b Int) Int { return c.binary(opcode.BitAND, a, b, a.width) }

// Or returns the bitwise OR.
func (c *Context) Or(a, b Int) Int { return c.binary(opcode.BitOR, a, b, a.width) }

// Xor returns the bitwise XOR.
func (c *Context) Xor(a, b Int) Int { return c.binary(opcode.BitXOR, a, b, a.width) }

// Not returns the bitwise complement.
func (c *Context) Not(a Int) Int { return c.unary(opcode.BitNOT, a, a.width) }

// Copy duplicates a value into fresh storage.
func (c *Context) Copy(a Int) Int { return c.unary(opcode.Copy, a, a.width) }

// Mux returns selector ? a : b. The selector is a single-bit value.
func (c *Context) Mux(selector, a, b Int) Int {
	if a.width != b.width {
		panic("dsl: operand widths differ")
	}
	ins := c.prog.Instruction()
	ins.Op = opcode.ValueSelect
	ins.Width = instr.BitWidth(a.width)
	ins.Inputs[0] = a.addr
	ins.Inputs[1] = b.addr
	ins.Inputs[2] = selector.addr
	out := c.prog.CommitInstruction(c.alloc(a.width))
	return Int{addr: out, width: a.width}
}

// FinishSend flushes buffered sends to a worker.
func (c *Context) FinishSend(to addr.WorkerID) { c.prog.FinishSend(to) }

// FinishReceive blocks on posted receives from a worker.
func (c *Context) FinishReceive(from addr.WorkerID) { c.prog.FinishReceive(from) }

// PrintStats asks the engine to dump its counters at this point.
func (c *Context) PrintStats() { c.prog.PrintStats() }

// StartTimer starts the engine's wall-clock timer.
func (c *Context) StartTimer() { c.prog.StartTimer() }

// StopTimer stops the engine's wall-clock timer.
func (c *Context) StopTimer() { c.prog.StopTimer() }
