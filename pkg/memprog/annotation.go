package memprog

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/oisee/memplan/pkg/addr"
	"github.com/oisee/memplan/pkg/instr"
	"github.com/oisee/memplan/pkg/iobuf"
	"github.com/oisee/memplan/pkg/progfile"
)

// Annotation names, for each distinct page an instruction touches (the
// output page first, then input pages in order), the index of the next
// instruction that touches the same page. The sentinel addr.InvalidInstr
// means "never".
type Annotation struct {
	NumPages int
	NextUse  [instr.MaxTouchedPages]addr.InstructionNumber
}

const nextUseBytes = addr.InstructionNumberBits / 8

// EncodedSize returns the on-disk size of the record: a page-count byte
// followed by one 48-bit next-use field per page.
func (a *Annotation) EncodedSize() int {
	return 1 + a.NumPages*nextUseBytes
}

func (a *Annotation) encode(buf []byte) int {
	buf[0] = byte(a.NumPages)
	off := 1
	for i := 0; i < a.NumPages; i++ {
		v := a.NextUse[i]
		binary.LittleEndian.PutUint32(buf[off:], uint32(v))
		binary.LittleEndian.PutUint16(buf[off+4:], uint16(v>>32))
		off += nextUseBytes
	}
	return off
}

func (a *Annotation) decode(buf []byte) {
	a.NumPages = int(buf[0])
	off := 1
	for i := 0; i < a.NumPages; i++ {
		lo := uint64(binary.LittleEndian.Uint32(buf[off:]))
		hi := uint64(binary.LittleEndian.Uint16(buf[off+4:]))
		a.NextUse[i] = hi<<32 | lo
		off += nextUseBytes
	}
}

// ReadAnnotation decodes the next record from a forward annotation
// stream.
func ReadAnnotation(r *iobuf.Reader, a *Annotation) error {
	head, err := r.StartRead(1)
	if err != nil {
		return err
	}
	size := 1 + int(head[0])*nextUseBytes
	region, err := r.StartRead(size)
	if err != nil {
		return err
	}
	a.decode(region)
	r.FinishRead(size)
	return nil
}

// AnnotateProgram runs the reverse pass over the virtual program at
// programPath and writes the per-instruction next-use records, in
// forward order, to annotationsPath. It returns the maximum working-set
// size observed (in pages).
//
// The pass iterates the program from its last instruction to its first,
// maintaining for each page the number of the instruction that most
// recently touched it in reverse order — which, replayed forward, is
// the next use. Records come out in reverse order, so they are staged
// in a backward-readable temporary file and unreversed in a second
// streaming pass.
func AnnotateProgram(annotationsPath, programPath string, shift addr.PageShift) (uint64, error) {
	reversePath := annotationsPath + ".rev"
	maxWorkingSet, err := reverseAnnotate(reversePath, programPath, shift)
	if err != nil {
		return 0, err
	}
	if err := unreverseAnnotations(annotationsPath, reversePath); err != nil {
		return 0, err
	}
	if err := os.Remove(reversePath); err != nil {
		return 0, errors.Wrap(err, "memprog: remove temporary annotations")
	}
	return maxWorkingSet, nil
}

func reverseAnnotate(reversePath, programPath string, shift addr.PageShift) (uint64, error) {
	prog, err := progfile.OpenVirtReverse(programPath)
	if err != nil {
		return 0, err
	}
	defer prog.Close()

	out, err := os.Create(reversePath)
	if err != nil {
		return 0, errors.Wrap(err, "memprog: create reverse annotations")
	}
	w := iobuf.NewBackwardWriter(out, 0)

	nextAccess := make(map[addr.VirtPageNumber]addr.InstructionNumber)
	var maxWorkingSet uint64

	inum := prog.Header().NumInstructions
	var current instr.Instruction
	var ann Annotation
	var vpns [instr.MaxTouchedPages]uint64

	for inum != 0 {
		if err := prog.Prev(&current); err != nil {
			out.Close()
			return 0, errors.Wrap(err, "memprog: reverse program read")
		}
		inum--

		ann.NumPages = current.StorePageNumbers(vpns[:], shift)
		for i := 0; i < ann.NumPages; i++ {
			if next, ok := nextAccess[vpns[i]]; ok {
				ann.NextUse[i] = next
			} else {
				ann.NextUse[i] = addr.InvalidInstr
			}
			nextAccess[vpns[i]] = inum
		}

		region, err := w.StartWrite(ann.EncodedSize())
		if err != nil {
			out.Close()
			return 0, err
		}
		w.FinishWrite(ann.encode(region))

		if uint64(len(nextAccess)) > maxWorkingSet {
			maxWorkingSet = uint64(len(nextAccess))
		}

		// The output page is not live before its first use; forget it
		// so earlier instructions cannot see a stale next-use.
		if current.Flags&instr.FlagOutputPageFirstUse != 0 {
			delete(nextAccess, addr.PageNumber(current.Output, shift))
		}
	}

	if err := w.Flush(); err != nil {
		out.Close()
		return 0, err
	}
	return maxWorkingSet, errors.Wrap(out.Close(), "memprog: close reverse annotations")
}

// unreverseAnnotations streams the backward-readable reverse file from
// its end to its beginning, which yields the records in forward
// instruction order, and writes them without size markers.
func unreverseAnnotations(annotationsPath, reversePath string) error {
	in, err := os.Open(reversePath)
	if err != nil {
		return errors.Wrap(err, "memprog: open reverse annotations")
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return errors.Wrap(err, "memprog: stat reverse annotations")
	}
	rr := iobuf.NewReverseReader(in, info.Size(), 0)

	out, err := os.Create(annotationsPath)
	if err != nil {
		return errors.Wrap(err, "memprog: create annotations")
	}
	w := iobuf.NewWriter(out, 0)

	for {
		rec, err := rr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			out.Close()
			return err
		}
		if err := w.WriteRecord(rec); err != nil {
			out.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return err
	}
	return errors.Wrap(out.Close(), "memprog: close annotations")
}
