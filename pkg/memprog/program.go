package memprog

import (
	"github.com/oisee/memplan/pkg/addr"
	"github.com/oisee/memplan/pkg/instr"
	"github.com/oisee/memplan/pkg/opcode"
	"github.com/oisee/memplan/pkg/progfile"
	"github.com/oisee/memplan/pkg/protocol"
)

// Program emits virtual bytecode driven by a DSL. The DSL fills the
// current instruction buffer in place and commits it; the program
// allocates the output operand through its placer and appends the
// packed instruction to the virtual program file.
//
// The program owns the placer and the file writer; the DSL holds a
// reference to the program for the duration of its execution.
type Program struct {
	writer    *progfile.Writer
	placer    Placer
	sizer     protocol.Sizer
	protoName string
	pageShift addr.PageShift
	current   instr.Instruction
	err       error
}

// NewProgram creates a virtual program file at path, placing operands
// with placer and sizing them with the protocol's sizer.
func NewProgram(path string, shift addr.PageShift, placer Placer, protoName string, sizer protocol.Sizer) (*Program, error) {
	w, err := progfile.NewVirtWriter(path, shift)
	if err != nil {
		return nil, err
	}
	return &Program{
		writer:    w,
		placer:    placer,
		sizer:     sizer,
		protoName: protoName,
		pageShift: shift,
	}, nil
}

// Instruction returns the in-place buffer the DSL fills before calling
// CommitInstruction. The buffer is reset after each commit.
func (p *Program) Instruction() *instr.Instruction {
	return &p.current
}

// CommitInstruction appends the current instruction. If outputWidth is
// nonzero the output operand is allocated through the placer first, and
// a fresh page sets the output-page-first-use flag. It returns the
// output address.
func (p *Program) CommitInstruction(outputWidth AllocationSize) addr.VirtAddr {
	if p.err != nil {
		return addr.InvalidVirtAddr
	}
	if outputWidth != 0 {
		a, fresh := p.placer.Allocate(outputWidth)
		p.current.Output = a
		if fresh {
			p.current.Flags |= instr.FlagOutputPageFirstUse
		}
	}
	out := p.current.Output
	p.err = p.writer.Append(&p.current)
	p.current = instr.Instruction{}
	return out
}

// PhysicalWidth maps a logical width and operand type to its placement
// size through the protocol sizer. A refusal is recorded as a fatal
// planning error.
func (p *Program) PhysicalWidth(logicalWidth uint64, t protocol.PlaceableType) AllocationSize {
	size := p.sizer.SizeOf(logicalWidth, t)
	if size == protocol.SizeRefused {
		if p.err == nil {
			p.err = &PlacementRefusedError{Protocol: p.protoName, Width: logicalWidth, Type: t}
		}
		return 0
	}
	return size
}

// Recycle returns an operand's storage to the placer.
func (p *Program) Recycle(a addr.VirtAddr, width AllocationSize) {
	p.placer.Deallocate(a, width)
}

func (p *Program) control(op opcode.OpCode, data uint32) {
	if p.err != nil {
		return
	}
	ins := instr.Instruction{Op: op, Data: data}
	p.err = p.writer.Append(&ins)
}

// FinishSend emits the control instruction that flushes buffered sends
// to a worker.
func (p *Program) FinishSend(to addr.WorkerID) {
	p.control(opcode.NetworkFinishSend, to)
}

// FinishReceive emits the control instruction that blocks on posted
// receives from a worker.
func (p *Program) FinishReceive(from addr.WorkerID) {
	p.control(opcode.NetworkFinishReceive, from)
}

// PrintStats emits the control instruction that dumps engine counters.
func (p *Program) PrintStats() {
	p.control(opcode.PrintStats, 0)
}

// StartTimer emits the control instruction that starts the engine timer.
func (p *Program) StartTimer() {
	p.control(opcode.StartTimer, 0)
}

// StopTimer emits the control instruction that stops the engine timer.
func (p *Program) StopTimer() {
	p.control(opcode.StopTimer, 0)
}

// NumInstructions returns the number of committed instructions.
func (p *Program) NumInstructions() uint64 {
	return p.writer.NumInstructions()
}

// PageShift returns the page shift the program is planned with.
func (p *Program) PageShift() addr.PageShift {
	return p.pageShift
}

// Close finalises the program file, recording the placer's page count
// in the header. It returns the first error encountered during program
// construction.
func (p *Program) Close() error {
	p.writer.SetPageCount(p.placer.NumPages())
	if err := p.writer.Close(); err != nil && p.err == nil {
		p.err = err
	}
	return p.err
}
