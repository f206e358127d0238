package memprog

import (
	"github.com/pkg/errors"

	"github.com/oisee/memplan/pkg/addr"
	"github.com/oisee/memplan/pkg/instr"
	"github.com/oisee/memplan/pkg/opcode"
	"github.com/oisee/memplan/pkg/prioq"
	"github.com/oisee/memplan/pkg/progfile"
)

// NOPSchedule turns the synchronous swaps of a physical program into
// issue/finish pairs with the finish immediately following the issue.
// The result hides no latency; it is the baseline the backdating
// scheduler is measured against.
func NOPSchedule(inputPath, outputPath string) error {
	in, err := progfile.OpenPhys(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := progfile.NewPhysWriter(outputPath)
	if err != nil {
		return err
	}

	header := in.Header()
	out.SetPageShift(header.PageShift)
	out.SetPageCount(header.NumPages)
	out.SetSwapPageCount(header.NumSwapPages)
	out.SetConcurrentSwaps(1)

	var ins instr.Instruction
	for i := uint64(0); i != header.NumInstructions; i++ {
		if err := in.Next(&ins); err != nil {
			out.Close()
			return errors.Wrap(err, "memprog: schedule input read")
		}
		if err := out.Append(&ins); err != nil {
			out.Close()
			return err
		}
		switch ins.Op {
		case opcode.IssueSwapIn:
			fin := instr.Instruction{Op: opcode.FinishSwapIn, Output: ins.Output}
			if err := out.Append(&fin); err != nil {
				out.Close()
				return err
			}
		case opcode.IssueSwapOut:
			fin := instr.Instruction{Op: opcode.FinishSwapOut, Output: ins.Output}
			if err := out.Append(&fin); err != nil {
				out.Close()
				return err
			}
		}
	}
	return out.Close()
}

// backdatedSwapIn tracks one swap-in that was rewritten to land in a
// prefetch frame ahead of time.
type backdatedSwapIn struct {
	spn    addr.StoragePageNumber
	target addr.PhysPageNumber
	pframe addr.PhysPageNumber
	elided bool
}

// gapSwapOut records a swap-out the leading cursor has seen but the
// trailing cursor has not yet issued.
type gapSwapOut struct {
	inum addr.InstructionNumber
}

// BackdatingScheduler splits each synchronous swap into an issue/finish
// pair separated by the prefetch lookahead, landing backdated swap-ins
// in a scratch buffer of extra page frames so that storage latency
// hides behind computation. A swap-in whose source storage frame has a
// swap-out still pending inside the lookahead window is elided into an
// in-memory copy.
type BackdatingScheduler struct {
	inputPath  string
	outputPath string
	gap        uint64
	bufferSize uint32
	shift      addr.PageShift

	out *progfile.Writer

	freePages          []addr.PhysPageNumber
	backdated          map[addr.InstructionNumber]*backdatedSwapIn
	latestSwapoutInGap map[addr.StoragePageNumber]gapSwapOut
	elidedSwapouts     map[addr.InstructionNumber]addr.PhysPageNumber

	// In-flight swap-outs: deadline-ordered queue valued by the source
	// frame, with companion indexes by frame and by storage page for
	// the reuse barriers.
	inFlightSwapoutQueue *prioq.Queue[addr.InstructionNumber, addr.PhysPageNumber]
	inFlightSwapoutSPN   map[addr.StoragePageNumber]addr.PhysPageNumber
	inFlightSwapoutByPPN map[addr.PhysPageNumber]addr.StoragePageNumber
	inFlightSwapins      int

	numAllocFailures uint64
	numSyncSwapins   uint64
	numElisions      uint64
}

// NewBackdatingScheduler creates a scheduler with the given lookahead
// (in instructions) and prefetch buffer size (in extra page frames).
func NewBackdatingScheduler(inputPath, outputPath string, lookahead uint64, prefetchBufferSize uint32) *BackdatingScheduler {
	if lookahead == 0 {
		lookahead = 1
	}
	return &BackdatingScheduler{
		inputPath:            inputPath,
		outputPath:           outputPath,
		gap:                  lookahead,
		bufferSize:           prefetchBufferSize,
		backdated:            make(map[addr.InstructionNumber]*backdatedSwapIn),
		latestSwapoutInGap:   make(map[addr.StoragePageNumber]gapSwapOut),
		elidedSwapouts:       make(map[addr.InstructionNumber]addr.PhysPageNumber),
		inFlightSwapoutQueue: prioq.New[addr.InstructionNumber, addr.PhysPageNumber](),
		inFlightSwapoutSPN:   make(map[addr.StoragePageNumber]addr.PhysPageNumber),
		inFlightSwapoutByPPN: make(map[addr.PhysPageNumber]addr.StoragePageNumber),
	}
}

// NumAllocationFailures reports how often a leading-edge swap-in found
// the prefetch buffer exhausted and stayed synchronous.
func (s *BackdatingScheduler) NumAllocationFailures() uint64 { return s.numAllocFailures }

// NumSynchronousSwapins reports how many swap-ins were left synchronous.
func (s *BackdatingScheduler) NumSynchronousSwapins() uint64 { return s.numSyncSwapins }

// NumElisions reports how many storage round-trips became memory copies.
func (s *BackdatingScheduler) NumElisions() uint64 { return s.numElisions }

func (s *BackdatingScheduler) allocPageFrame() (addr.PhysPageNumber, bool) {
	if len(s.freePages) == 0 {
		return 0, false
	}
	ppn := s.freePages[len(s.freePages)-1]
	s.freePages = s.freePages[:len(s.freePages)-1]
	return ppn, true
}

func (s *BackdatingScheduler) freePageFrame(ppn addr.PhysPageNumber) {
	s.freePages = append(s.freePages, ppn)
}

func (s *BackdatingScheduler) inFlight() int {
	return s.inFlightSwapins + s.inFlightSwapoutQueue.Len()
}

func (s *BackdatingScheduler) emitFinishSwapOut(ppn addr.PhysPageNumber) error {
	spn := s.inFlightSwapoutByPPN[ppn]
	delete(s.inFlightSwapoutByPPN, ppn)
	delete(s.inFlightSwapoutSPN, spn)
	if s.inFlightSwapoutQueue.Contains(ppn) {
		s.inFlightSwapoutQueue.Erase(ppn)
	}
	fin := instr.Instruction{Op: opcode.FinishSwapOut, Output: ppn}
	return s.out.Append(&fin)
}

// finishSwapoutsDue retires swap-outs whose deadline has arrived.
func (s *BackdatingScheduler) finishSwapoutsDue(i addr.InstructionNumber) error {
	for !s.inFlightSwapoutQueue.Empty() && s.inFlightSwapoutQueue.Min().Key <= i {
		if err := s.emitFinishSwapOut(s.inFlightSwapoutQueue.Min().Value); err != nil {
			return err
		}
	}
	return nil
}

// frameBarrier retires any in-flight swap-out of ppn before another
// instruction touches that frame.
func (s *BackdatingScheduler) frameBarrier(ppn addr.PhysPageNumber) error {
	if _, busy := s.inFlightSwapoutByPPN[ppn]; busy {
		return s.emitFinishSwapOut(ppn)
	}
	return nil
}

// storageBarrier retires any in-flight swap-out writing spn before a
// swap-in reads that storage frame.
func (s *BackdatingScheduler) storageBarrier(spn addr.StoragePageNumber) error {
	if ppn, busy := s.inFlightSwapoutSPN[spn]; busy {
		return s.emitFinishSwapOut(ppn)
	}
	return nil
}

// ensureBudget keeps the number of concurrently in-flight swaps within
// prefetch_buffer_size + 1, retiring the oldest swap-out when a new
// issue would exceed it.
func (s *BackdatingScheduler) ensureBudget() error {
	for s.inFlight() > int(s.bufferSize) {
		if s.inFlightSwapoutQueue.Empty() {
			// Swap-ins alone are bounded by the prefetch frames.
			return nil
		}
		if err := s.emitFinishSwapOut(s.inFlightSwapoutQueue.Min().Value); err != nil {
			return err
		}
	}
	return nil
}

// processGapIncrease handles the instruction entering the lookahead
// window at position j.
func (s *BackdatingScheduler) processGapIncrease(ins *instr.Instruction, j addr.InstructionNumber) error {
	switch ins.Op {
	case opcode.IssueSwapOut:
		s.latestSwapoutInGap[ins.Constant] = gapSwapOut{inum: j}
	case opcode.IssueSwapIn:
		spn := ins.Constant
		pframe, ok := s.allocPageFrame()
		if !ok {
			s.numAllocFailures++
			return nil
		}
		bd := &backdatedSwapIn{spn: spn, target: ins.Output, pframe: pframe}
		if g, pending := s.latestSwapoutInGap[spn]; pending {
			// The victim page never made it to disk: replace the
			// round-trip with a copy at the swap-out's position.
			bd.elided = true
			s.elidedSwapouts[g.inum] = pframe
			delete(s.latestSwapoutInGap, spn)
			s.numElisions++
		} else {
			if err := s.storageBarrier(spn); err != nil {
				return err
			}
			if err := s.ensureBudget(); err != nil {
				return err
			}
			issue := instr.Instruction{Op: opcode.IssueSwapIn, Output: pframe, Constant: spn}
			if err := s.out.Append(&issue); err != nil {
				return err
			}
			s.inFlightSwapins++
		}
		s.backdated[j] = bd
	}
	return nil
}

// processGapDecrease handles the instruction leaving the window at the
// trailing edge, emitting it (or its rewritten form) to the output.
func (s *BackdatingScheduler) processGapDecrease(ins *instr.Instruction, i addr.InstructionNumber) error {
	if err := s.finishSwapoutsDue(i); err != nil {
		return err
	}

	switch ins.Op {
	case opcode.IssueSwapOut:
		spn := ins.Constant
		if pframe, elided := s.elidedSwapouts[i]; elided {
			delete(s.elidedSwapouts, i)
			cp := instr.Instruction{Op: opcode.CopySwap, Output: pframe, Constant: ins.Output}
			return s.out.Append(&cp)
		}
		if g, ok := s.latestSwapoutInGap[spn]; ok && g.inum == i {
			delete(s.latestSwapoutInGap, spn)
		}
		if err := s.ensureBudget(); err != nil {
			return err
		}
		if err := s.out.Append(ins); err != nil {
			return err
		}
		s.inFlightSwapoutQueue.Insert(i+s.gap, ins.Output)
		s.inFlightSwapoutSPN[spn] = ins.Output
		s.inFlightSwapoutByPPN[ins.Output] = spn
		return nil

	case opcode.IssueSwapIn:
		if bd, ok := s.backdated[i]; ok {
			delete(s.backdated, i)
			if !bd.elided {
				fin := instr.Instruction{Op: opcode.FinishSwapIn, Output: bd.pframe}
				if err := s.out.Append(&fin); err != nil {
					return err
				}
				s.inFlightSwapins--
			}
			if err := s.frameBarrier(bd.target); err != nil {
				return err
			}
			cp := instr.Instruction{Op: opcode.CopySwap, Output: bd.target, Constant: bd.pframe}
			if err := s.out.Append(&cp); err != nil {
				return err
			}
			s.freePageFrame(bd.pframe)
			return nil
		}
		// Left synchronous: issue and finish back to back.
		s.numSyncSwapins++
		if err := s.storageBarrier(ins.Constant); err != nil {
			return err
		}
		if err := s.frameBarrier(ins.Output); err != nil {
			return err
		}
		if err := s.ensureBudget(); err != nil {
			return err
		}
		if err := s.out.Append(ins); err != nil {
			return err
		}
		fin := instr.Instruction{Op: opcode.FinishSwapIn, Output: ins.Output}
		return s.out.Append(&fin)

	default:
		// Any frame the instruction touches must not have a swap-out
		// still in flight.
		info := opcode.InfoFor(ins.Op)
		if info.Layout != opcode.FormatControl {
			var frames [instr.MaxTouchedPages]uint64
			n := ins.StorePageNumbers(frames[:], s.shift)
			for k := 0; k < n; k++ {
				if err := s.frameBarrier(frames[k]); err != nil {
					return err
				}
			}
		}
		return s.out.Append(ins)
	}
}

// Schedule runs the two-cursor pass and finalises the memory program.
func (s *BackdatingScheduler) Schedule() error {
	trailing, err := progfile.OpenPhys(s.inputPath)
	if err != nil {
		return err
	}
	defer trailing.Close()
	leadingReader, err := progfile.OpenPhys(s.inputPath)
	if err != nil {
		return err
	}
	defer leadingReader.Close()

	header := trailing.Header()
	s.shift = header.PageShift

	s.out, err = progfile.NewPhysWriter(s.outputPath)
	if err != nil {
		return err
	}
	s.out.SetPageShift(header.PageShift)
	s.out.SetPageCount(header.NumPages + uint64(s.bufferSize))
	s.out.SetSwapPageCount(header.NumSwapPages)
	s.out.SetConcurrentSwaps(s.bufferSize + 1)

	// The prefetch buffer occupies the frames above the program's own.
	s.freePages = make([]addr.PhysPageNumber, 0, s.bufferSize)
	for k := uint32(0); k != s.bufferSize; k++ {
		s.freePages = append(s.freePages, header.NumPages+uint64(k))
	}

	n := header.NumInstructions
	leading := addr.InstructionNumber(0)
	var leadIns, trailIns instr.Instruction

	for i := addr.InstructionNumber(0); i != n; i++ {
		for leading < n && leading < i+s.gap {
			if err := leadingReader.Next(&leadIns); err != nil {
				s.out.Close()
				return errors.Wrap(err, "memprog: leading cursor read")
			}
			if err := s.processGapIncrease(&leadIns, leading); err != nil {
				s.out.Close()
				return err
			}
			leading++
		}
		if err := trailing.Next(&trailIns); err != nil {
			s.out.Close()
			return errors.Wrap(err, "memprog: trailing cursor read")
		}
		if err := s.processGapDecrease(&trailIns, i); err != nil {
			s.out.Close()
			return err
		}
	}

	// Retire whatever is still in flight.
	for !s.inFlightSwapoutQueue.Empty() {
		if err := s.emitFinishSwapOut(s.inFlightSwapoutQueue.Min().Value); err != nil {
			s.out.Close()
			return err
		}
	}
	return s.out.Close()
}
