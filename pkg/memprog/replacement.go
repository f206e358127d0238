package memprog

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/oisee/memplan/pkg/addr"
	"github.com/oisee/memplan/pkg/instr"
	"github.com/oisee/memplan/pkg/iobuf"
	"github.com/oisee/memplan/pkg/opcode"
	"github.com/oisee/memplan/pkg/prioq"
	"github.com/oisee/memplan/pkg/progfile"
)

// beladyKey inverts a next-use instruction number so that a farther use
// sorts smaller: the min-heap's minimum is then the page whose next use
// is farthest in the future, which is MIN's eviction victim.
func beladyKey(nextUse addr.InstructionNumber) uint64 {
	return addr.InvalidInstr - nextUse
}

// pageTableEntry tracks where a live virtual page currently resides.
// Both slots are meaningful across a swap-out event: ppn until the
// frame is reclaimed, spn from then until the page is swapped back in.
type pageTableEntry struct {
	resident bool
	ppn      addr.PhysPageNumber
	spn      addr.StoragePageNumber
}

// BeladyAllocator translates virtual bytecode into physical bytecode by
// applying Belady's MIN replacement policy offline, inlining synchronous
// swap directives where pages move between memory and storage.
type BeladyAllocator struct {
	physProg    *progfile.Writer
	virtPath    string
	annPath     string
	pageShift   addr.PageShift
	freeFrames  []addr.PhysPageNumber
	freeStorage []addr.StoragePageNumber
	nextStorage addr.StoragePageNumber
	pageTable   map[addr.VirtPageNumber]*pageTableEntry
	nextUseHeap *prioq.Queue[uint64, addr.VirtPageNumber]

	numSwapOuts uint64
	numSwapIns  uint64
}

// NewBeladyAllocator creates the allocator. outputPath receives the
// physical program; numFrames is the physical page budget.
func NewBeladyAllocator(outputPath, virtualProgramPath, annotationsPath string, numFrames addr.PhysPageNumber, shift addr.PageShift) (*BeladyAllocator, error) {
	physProg, err := progfile.NewPhysWriter(outputPath)
	if err != nil {
		return nil, err
	}
	a := &BeladyAllocator{
		physProg:    physProg,
		virtPath:    virtualProgramPath,
		annPath:     annotationsPath,
		pageShift:   shift,
		pageTable:   make(map[addr.VirtPageNumber]*pageTableEntry),
		nextUseHeap: prioq.New[uint64, addr.VirtPageNumber](),
	}
	a.freeFrames = make([]addr.PhysPageNumber, 0, numFrames)
	for f := numFrames; f != 0; f-- {
		a.freeFrames = append(a.freeFrames, f-1)
	}
	return a, nil
}

// NumSwapOuts returns the number of swap-out directives emitted.
func (a *BeladyAllocator) NumSwapOuts() uint64 { return a.numSwapOuts }

// NumSwapIns returns the number of swap-in directives emitted.
func (a *BeladyAllocator) NumSwapIns() uint64 { return a.numSwapIns }

// NumStorageFrames returns the high-water mark of storage frames used.
func (a *BeladyAllocator) NumStorageFrames() addr.StoragePageNumber { return a.nextStorage }

func (a *BeladyAllocator) frameAvailable() bool {
	return len(a.freeFrames) > 0
}

func (a *BeladyAllocator) allocFrame() addr.PhysPageNumber {
	f := a.freeFrames[len(a.freeFrames)-1]
	a.freeFrames = a.freeFrames[:len(a.freeFrames)-1]
	return f
}

// emitSwapOut allocates a storage frame, emits the synchronous swap-out
// directive, and returns the storage frame.
func (a *BeladyAllocator) emitSwapOut(primary addr.PhysPageNumber) (addr.StoragePageNumber, error) {
	var secondary addr.StoragePageNumber
	if len(a.freeStorage) == 0 {
		secondary = a.nextStorage
		a.nextStorage++
	} else {
		secondary = a.freeStorage[len(a.freeStorage)-1]
		a.freeStorage = a.freeStorage[:len(a.freeStorage)-1]
	}
	ins := instr.Instruction{Op: opcode.IssueSwapOut, Output: primary, Constant: secondary}
	if err := a.physProg.Append(&ins); err != nil {
		return 0, err
	}
	a.numSwapOuts++
	return secondary, nil
}

// emitSwapIn emits the synchronous swap-in directive and returns the
// storage frame to the free list.
func (a *BeladyAllocator) emitSwapIn(secondary addr.StoragePageNumber, primary addr.PhysPageNumber) error {
	ins := instr.Instruction{Op: opcode.IssueSwapIn, Output: primary, Constant: secondary}
	if err := a.physProg.Append(&ins); err != nil {
		return err
	}
	a.numSwapIns++
	a.freeStorage = append(a.freeStorage, secondary)
	return nil
}

// Allocate runs the replacement pass and finalises the physical program
// file. It fails with ErrPagingInfeasible if an instruction's working
// set exceeds the frame budget.
func (a *BeladyAllocator) Allocate() error {
	virtProg, err := progfile.OpenVirt(a.virtPath)
	if err != nil {
		return err
	}
	defer virtProg.Close()

	annFile, err := os.Open(a.annPath)
	if err != nil {
		a.physProg.Close()
		return errors.Wrap(err, "memprog: open annotations")
	}
	defer annFile.Close()
	anns := iobuf.NewReader(annFile, 0)

	header := virtProg.Header()
	var current instr.Instruction
	var ann Annotation
	var vpns [instr.MaxTouchedPages]uint64
	var ppns [instr.MaxTouchedPages]uint64
	var justSwappedIn [instr.MaxTouchedPages]bool

	for i := addr.InstructionNumber(0); i != header.NumInstructions; i++ {
		if err := virtProg.Next(&current); err != nil {
			a.physProg.Close()
			return errors.Wrap(err, "memprog: virtual program read")
		}
		if err := ReadAnnotation(anns, &ann); err != nil {
			a.physProg.Close()
			return errors.Wrap(err, "memprog: annotation read")
		}

		numPages := current.StorePageNumbers(vpns[:], a.pageShift)
		if numPages != ann.NumPages {
			a.physProg.Close()
			return errors.Errorf("memprog: annotation mismatch at instruction %d: %d pages vs %d", i, numPages, ann.NumPages)
		}

		for j := 0; j < numPages; j++ {
			vpn := vpns[j]
			entry, known := a.pageTable[vpn]
			if known && entry.resident {
				justSwappedIn[j] = false
				ppns[j] = entry.ppn
				continue
			}
			justSwappedIn[j] = true

			var ppn addr.PhysPageNumber
			if a.frameAvailable() {
				ppn = a.allocFrame()
			} else {
				if a.nextUseHeap.Empty() {
					a.physProg.Close()
					return errors.Wrapf(ErrPagingInfeasible, "instruction %d", i)
				}
				victim := a.nextUseHeap.RemoveMin()
				evictVPN := victim.Value
				evictEntry := a.pageTable[evictVPN]
				ppn = evictEntry.ppn
				if victim.Key == beladyKey(addr.InvalidInstr) {
					// Never used again: the page dies with its frame.
					delete(a.pageTable, evictVPN)
				} else {
					evictEntry.resident = false
					spn, err := a.emitSwapOut(ppn)
					if err != nil {
						a.physProg.Close()
						return err
					}
					evictEntry.spn = spn
				}
			}

			if !known {
				// First use: the output page materialises in place.
				if j != 0 || current.Flags&instr.FlagOutputPageFirstUse == 0 {
					a.physProg.Close()
					return errors.Errorf("memprog: page %#x first touched at instruction %d without first-use flag", vpn, i)
				}
				a.pageTable[vpn] = &pageTableEntry{resident: true, ppn: ppn}
			} else {
				if err := a.emitSwapIn(entry.spn, ppn); err != nil {
					a.physProg.Close()
					return err
				}
				entry.resident = true
				entry.ppn = ppn
			}
			ppns[j] = ppn
		}

		for j := 0; j < numPages; j++ {
			key := beladyKey(ann.NextUse[j])
			if justSwappedIn[j] {
				a.nextUseHeap.Insert(key, vpns[j])
			} else {
				// Next use moves later in time, so the inverted key
				// decreases.
				a.nextUseHeap.DecreaseKey(key, vpns[j])
			}
		}

		var phys instr.Instruction
		phys.RestorePageNumbers(&current, ppns[:], a.pageShift)
		if err := a.physProg.Append(&phys); err != nil {
			a.physProg.Close()
			return err
		}
	}

	// Drain any trailing bytes check: the annotation stream must end
	// with the program.
	var extra Annotation
	if err := ReadAnnotation(anns, &extra); err != io.EOF {
		a.physProg.Close()
		return errors.New("memprog: annotation stream longer than program")
	}

	a.physProg.SetPageShift(a.pageShift)
	a.physProg.SetPageCount(uint64(cap(a.freeFrames)))
	a.physProg.SetSwapPageCount(a.nextStorage)
	return a.physProg.Close()
}
