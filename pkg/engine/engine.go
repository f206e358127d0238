// Package engine interprets a memory program: it owns the physical
// frame memory, drives asynchronous I/O against the swap device and
// message traffic over the worker mesh, and dispatches wire-level
// operations to the protocol backend.
package engine

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/oisee/memplan/pkg/addr"
	"github.com/oisee/memplan/pkg/cluster"
	"github.com/oisee/memplan/pkg/instr"
	"github.com/oisee/memplan/pkg/opcode"
	"github.com/oisee/memplan/pkg/progfile"
	"github.com/oisee/memplan/pkg/protocol"
)

// SwapError reports a failed transfer between memory and the swap
// device. Fatal; nothing is retried.
type SwapError struct {
	PPN addr.PhysPageNumber
	Err error
}

func (e *SwapError) Error() string {
	return fmt.Sprintf("engine: swap of frame %d failed: %v", e.PPN, e.Err)
}

func (e *SwapError) Unwrap() error { return e.Err }

// ProtocolError reports a failure signalled by the cryptographic
// backend. Fatal.
type ProtocolError struct {
	Instr addr.InstructionNumber
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("engine: protocol failure at instruction %d: %v", e.Instr, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NetworkError reports a failed peer channel operation. Fatal.
type NetworkError struct {
	Peer addr.WorkerID
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("engine: channel to worker %d failed: %v", e.Peer, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Engine executes one memory program on a single interpreter thread.
type Engine struct {
	memory   []byte
	wireSize uint64
	shift    addr.PageShift

	dev   *swapDevice
	net   *cluster.Network
	proto protocol.Engine

	inFlight  map[addr.PhysPageNumber]struct{}
	completed map[addr.PhysPageNumber]struct{}

	inum addr.InstructionNumber

	timerStart   time.Time
	timerRunning bool
	timerTotal   time.Duration

	swapsIssued   uint64
	swapsFinished uint64
	swapBlocked   time.Duration
}

// New sizes the physical-frame memory and opens the swap device for
// the given program header. net may be nil for single-worker runs.
func New(proto protocol.Engine, net *cluster.Network, storagePath string, header progfile.Header) (*Engine, error) {
	wireSize := uint64(proto.WireSize())
	pageBytes := addr.PageSize(header.PageShift) * wireSize
	e := &Engine{
		memory:    make([]byte, header.NumPages*pageBytes),
		wireSize:  wireSize,
		shift:     header.PageShift,
		net:       net,
		proto:     proto,
		inFlight:  make(map[addr.PhysPageNumber]struct{}),
		completed: make(map[addr.PhysPageNumber]struct{}),
	}
	required := int64(header.NumSwapPages * pageBytes)
	dev, err := openSwapDevice(storagePath, required, int(header.MaxConcurrentSwaps))
	if err != nil {
		return nil, err
	}
	e.dev = dev
	return e, nil
}

// Close releases the swap device.
func (e *Engine) Close() error {
	return e.dev.close()
}

// Run interprets the memory program at path to completion.
func (e *Engine) Run(path string) error {
	r, err := progfile.OpenPhys(path)
	if err != nil {
		return err
	}
	defer r.Close()

	header := r.Header()
	if header.PageShift != e.shift {
		return errors.Errorf("engine: program page shift %d does not match engine %d", header.PageShift, e.shift)
	}

	var ins instr.Instruction
	for e.inum = 0; e.inum != header.NumInstructions; e.inum++ {
		if err := r.Next(&ins); err != nil {
			if err == io.EOF {
				return errors.Errorf("engine: program truncated at instruction %d", e.inum)
			}
			return err
		}
		if err := e.execute(&ins); err != nil {
			return err
		}
	}
	return nil
}

// wires returns the slice of memory covering width wires starting at
// wire address a.
func (e *Engine) wires(a uint64, width instr.BitWidth) []byte {
	start := a * e.wireSize
	return e.memory[start : start+uint64(width)*e.wireSize]
}

// page returns the slice of memory covering the given page frame.
func (e *Engine) page(ppn addr.PhysPageNumber) []byte {
	bytes := addr.PageSize(e.shift) * e.wireSize
	return e.memory[ppn*bytes : (ppn+1)*bytes]
}

func (e *Engine) pageBytes() uint64 {
	return addr.PageSize(e.shift) * e.wireSize
}

func (e *Engine) issueSwap(write bool, ppn addr.PhysPageNumber, spn addr.StoragePageNumber) {
	if _, dup := e.inFlight[ppn]; dup {
		panic(fmt.Sprintf("engine: frame %d already has a swap in flight", ppn))
	}
	e.inFlight[ppn] = struct{}{}
	e.swapsIssued++
	e.dev.submit(swapOp{
		write:  write,
		ppn:    ppn,
		buf:    e.page(ppn),
		offset: int64(spn * e.pageBytes()),
	})
}

// waitForSwap drains completions until the given frame's transfer has
// finished. A finish with no pending transfer is a no-op.
func (e *Engine) waitForSwap(ppn addr.PhysPageNumber) error {
	if _, done := e.completed[ppn]; done {
		delete(e.completed, ppn)
		return nil
	}
	if _, pending := e.inFlight[ppn]; !pending {
		return nil
	}
	start := time.Now()
	for {
		c := e.dev.wait()
		if _, pending := e.inFlight[c.ppn]; !pending {
			panic(fmt.Sprintf("engine: completion for frame %d with no swap in flight", c.ppn))
		}
		delete(e.inFlight, c.ppn)
		e.swapsFinished++
		if c.err != nil {
			return &SwapError{PPN: c.ppn, Err: c.err}
		}
		if c.ppn == ppn {
			break
		}
		e.completed[c.ppn] = struct{}{}
	}
	e.swapBlocked += time.Since(start)
	return nil
}

func (e *Engine) contactWorker(id uint32) (*cluster.Channel, error) {
	if e.net == nil {
		return nil, &NetworkError{Peer: id, Err: errors.New("no cluster network")}
	}
	ch := e.net.ContactWorker(id)
	if ch == nil {
		return nil, &NetworkError{Peer: id, Err: errors.New("no channel to worker")}
	}
	return ch, nil
}

func (e *Engine) protoErr(err error) error {
	if err == nil {
		return nil
	}
	return &ProtocolError{Instr: e.inum, Err: err}
}

func (e *Engine) execute(ins *instr.Instruction) error {
	switch ins.Op {
	case opcode.IssueSwapIn:
		e.issueSwap(false, ins.Output, ins.Constant)
		return nil
	case opcode.IssueSwapOut:
		e.issueSwap(true, ins.Output, ins.Constant)
		return nil
	case opcode.FinishSwapIn, opcode.FinishSwapOut:
		return e.waitForSwap(ins.Output)
	case opcode.CopySwap:
		copy(e.page(ins.Output), e.page(ins.Constant))
		return nil

	case opcode.NetworkPostReceive:
		ch, err := e.contactWorker(uint32(ins.Constant))
		if err != nil {
			return err
		}
		ch.PostReceive(e.wires(ins.Output, ins.Width))
		return nil
	case opcode.NetworkFinishReceive:
		ch, err := e.contactWorker(ins.Data)
		if err != nil {
			return err
		}
		if err := ch.WaitReceives(); err != nil {
			return &NetworkError{Peer: ins.Data, Err: err}
		}
		return nil
	case opcode.NetworkBufferSend:
		ch, err := e.contactWorker(uint32(ins.Constant))
		if err != nil {
			return err
		}
		if err := ch.Write(e.wires(ins.Output, ins.Width)); err != nil {
			return &NetworkError{Peer: uint32(ins.Constant), Err: err}
		}
		return nil
	case opcode.NetworkFinishSend:
		ch, err := e.contactWorker(ins.Data)
		if err != nil {
			return err
		}
		if err := ch.Flush(); err != nil {
			return &NetworkError{Peer: ins.Data, Err: err}
		}
		return nil

	case opcode.Input:
		garbler := ins.Flags&instr.FlagEvaluatorInput == 0
		return e.protoErr(e.proto.Input(e.wires(ins.Output, ins.Width), int(ins.Width), garbler))
	case opcode.Output:
		return e.protoErr(e.proto.Output(e.wires(ins.Output, ins.Width), int(ins.Width)))
	case opcode.PublicConstant:
		e.proto.PublicConstant(e.wires(ins.Output, ins.Width), int(ins.Width), ins.Constant)
		return nil

	case opcode.Copy:
		e.proto.OpCopy(e.wires(ins.Output, ins.Width), e.wires(ins.Inputs[0], ins.Width), int(ins.Width))
		return nil
	case opcode.BitNOT:
		e.proto.OpNOT(e.wires(ins.Output, ins.Width), e.wires(ins.Inputs[0], ins.Width), int(ins.Width))
		return nil
	case opcode.BitXOR:
		e.proto.OpXOR(e.wires(ins.Output, ins.Width), e.wires(ins.Inputs[0], ins.Width), e.wires(ins.Inputs[1], ins.Width), int(ins.Width))
		return nil
	case opcode.BitAND:
		return e.protoErr(e.proto.OpAND(e.wires(ins.Output, ins.Width), e.wires(ins.Inputs[0], ins.Width), e.wires(ins.Inputs[1], ins.Width), int(ins.Width)))
	case opcode.BitOR:
		return e.protoErr(e.proto.OpOR(e.wires(ins.Output, ins.Width), e.wires(ins.Inputs[0], ins.Width), e.wires(ins.Inputs[1], ins.Width), int(ins.Width)))

	case opcode.IntAdd:
		return e.protoErr(e.proto.OpAdd(e.wires(ins.Output, ins.Width), e.wires(ins.Inputs[0], ins.Width), e.wires(ins.Inputs[1], ins.Width), int(ins.Width)))
	case opcode.IntIncrement:
		return e.protoErr(e.proto.OpIncrement(e.wires(ins.Output, ins.Width), e.wires(ins.Inputs[0], ins.Width), int(ins.Width)))
	case opcode.IntSub:
		return e.protoErr(e.proto.OpSub(e.wires(ins.Output, ins.Width), e.wires(ins.Inputs[0], ins.Width), e.wires(ins.Inputs[1], ins.Width), int(ins.Width)))
	case opcode.IntDecrement:
		return e.protoErr(e.proto.OpDecrement(e.wires(ins.Output, ins.Width), e.wires(ins.Inputs[0], ins.Width), int(ins.Width)))
	case opcode.IntMultiply:
		return e.protoErr(e.proto.OpMultiply(e.wires(ins.Output, ins.Width), e.wires(ins.Inputs[0], ins.Width), e.wires(ins.Inputs[1], ins.Width), int(ins.Width)))
	case opcode.IntLess:
		return e.protoErr(e.proto.OpLess(e.wires(ins.Output, 1), e.wires(ins.Inputs[0], ins.Width), e.wires(ins.Inputs[1], ins.Width), int(ins.Width)))
	case opcode.Equal:
		return e.protoErr(e.proto.OpEqual(e.wires(ins.Output, 1), e.wires(ins.Inputs[0], ins.Width), e.wires(ins.Inputs[1], ins.Width), int(ins.Width)))
	case opcode.IsZero:
		return e.protoErr(e.proto.OpIsZero(e.wires(ins.Output, 1), e.wires(ins.Inputs[0], ins.Width), int(ins.Width)))
	case opcode.NonZero:
		return e.protoErr(e.proto.OpNonZero(e.wires(ins.Output, 1), e.wires(ins.Inputs[0], ins.Width), int(ins.Width)))
	case opcode.ValueSelect:
		return e.protoErr(e.proto.OpSelect(
			e.wires(ins.Output, ins.Width),
			e.wires(ins.Inputs[0], ins.Width),
			e.wires(ins.Inputs[1], ins.Width),
			e.wires(ins.Inputs[2], 1),
			int(ins.Width)))

	case opcode.Encode:
		return e.protoErr(e.proto.OpEncode(e.wires(ins.Output, 1), int(ins.Width), ins.Constant))
	case opcode.Renormalize:
		return e.protoErr(e.proto.OpRenormalize(e.wires(ins.Output, 1), e.wires(ins.Inputs[0], 1), int(ins.Width)))
	case opcode.SwitchLevel:
		return e.protoErr(e.proto.OpSwitchLevel(e.wires(ins.Output, 1), e.wires(ins.Inputs[0], 1), int(ins.Width)))
	case opcode.AddPlaintext:
		return e.protoErr(e.proto.OpAddPlaintext(e.wires(ins.Output, 1), e.wires(ins.Inputs[0], 1), e.wires(ins.Inputs[1], 1), int(ins.Width)))
	case opcode.MultiplyPlaintext:
		return e.protoErr(e.proto.OpMultiplyPlaintext(e.wires(ins.Output, 1), e.wires(ins.Inputs[0], 1), e.wires(ins.Inputs[1], 1), int(ins.Width)))
	case opcode.MultiplyRaw:
		return e.protoErr(e.proto.OpMultiplyRaw(e.wires(ins.Output, 1), e.wires(ins.Inputs[0], 1), e.wires(ins.Inputs[1], 1), int(ins.Width)))
	case opcode.MultiplyPlaintextRaw:
		return e.protoErr(e.proto.OpMultiplyPlaintextRaw(e.wires(ins.Output, 1), e.wires(ins.Inputs[0], 1), e.wires(ins.Inputs[1], 1), int(ins.Width)))

	case opcode.PrintStats:
		e.printStats()
		return nil
	case opcode.StartTimer:
		e.timerStart = time.Now()
		e.timerRunning = true
		return nil
	case opcode.StopTimer:
		if e.timerRunning {
			e.timerTotal += time.Since(e.timerStart)
			e.timerRunning = false
		}
		return nil

	default:
		return errors.Errorf("engine: undefined opcode %v at instruction %d", ins.Op, e.inum)
	}
}

func (e *Engine) printStats() {
	log.WithFields(log.Fields{
		"instruction":    e.inum,
		"swaps_issued":   e.swapsIssued,
		"swaps_finished": e.swapsFinished,
		"swap_blocked":   e.swapBlocked,
		"timer":          e.timerTotal,
	}).Info("engine stats")
	e.proto.PrintStats()
}
