// Package progfile reads and writes bytecode program files.
//
// A program file is a fixed header followed by packed variable-size
// instructions. Virtual programs are written backward-readable (each
// instruction carries a trailing size byte) so the annotation stage can
// iterate them in reverse; physical programs are forward-only.
package progfile

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/oisee/memplan/pkg/addr"
	"github.com/oisee/memplan/pkg/instr"
	"github.com/oisee/memplan/pkg/iobuf"
	"github.com/oisee/memplan/pkg/opcode"
)

// Header describes a program file: instruction count, page count,
// swap-page count, max concurrent swaps, and the page shift.
type Header struct {
	NumInstructions    uint64
	NumPages           uint64
	NumSwapPages       uint64
	MaxConcurrentSwaps uint32
	PageShift          addr.PageShift
}

// HeaderSize is the on-disk size of the header, little-endian packed.
const HeaderSize = 8 + 8 + 8 + 4 + 1

func (h *Header) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], h.NumInstructions)
	binary.LittleEndian.PutUint64(buf[8:], h.NumPages)
	binary.LittleEndian.PutUint64(buf[16:], h.NumSwapPages)
	binary.LittleEndian.PutUint32(buf[24:], h.MaxConcurrentSwaps)
	buf[28] = h.PageShift
}

func (h *Header) decode(buf []byte) {
	h.NumInstructions = binary.LittleEndian.Uint64(buf[0:])
	h.NumPages = binary.LittleEndian.Uint64(buf[8:])
	h.NumSwapPages = binary.LittleEndian.Uint64(buf[16:])
	h.MaxConcurrentSwaps = binary.LittleEndian.Uint32(buf[24:])
	h.PageShift = buf[28]
}

// Writer appends packed instructions to a program file and rewrites the
// header on Close.
type Writer struct {
	f      *os.File
	w      *iobuf.Writer
	layout instr.Layout
	header Header
}

// NewVirtWriter creates a virtual (backward-readable) program file.
func NewVirtWriter(path string, shift addr.PageShift) (*Writer, error) {
	return newWriter(path, instr.Virt, shift, true)
}

// NewPhysWriter creates a physical (forward-only) program file.
func NewPhysWriter(path string) (*Writer, error) {
	return newWriter(path, instr.Phys, 0, false)
}

func newWriter(path string, layout instr.Layout, shift addr.PageShift, backward bool) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "progfile: create")
	}
	var placeholder [HeaderSize]byte
	if _, err := f.Write(placeholder[:]); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "progfile: header placeholder")
	}
	var w *iobuf.Writer
	if backward {
		w = iobuf.NewBackwardWriter(f, 0)
	} else {
		w = iobuf.NewWriter(f, 0)
	}
	pw := &Writer{f: f, w: w, layout: layout}
	pw.header.PageShift = shift
	pw.header.MaxConcurrentSwaps = 1
	return pw, nil
}

// Append packs ins onto the file.
func (w *Writer) Append(ins *instr.Instruction) error {
	region, err := w.w.StartWrite(w.layout.PackedSizeOp(ins.Op))
	if err != nil {
		return err
	}
	size := ins.Pack(w.layout, region)
	w.w.FinishWrite(size)
	w.header.NumInstructions++
	return nil
}

// NumInstructions returns the number of instructions appended so far.
func (w *Writer) NumInstructions() uint64 {
	return w.header.NumInstructions
}

// SetPageCount records the number of pages used by the program.
func (w *Writer) SetPageCount(n uint64) { w.header.NumPages = n }

// SetSwapPageCount records the number of storage frames the program uses.
func (w *Writer) SetSwapPageCount(n uint64) { w.header.NumSwapPages = n }

// SetConcurrentSwaps records the maximum number of in-flight swaps.
func (w *Writer) SetConcurrentSwaps(n uint32) { w.header.MaxConcurrentSwaps = n }

// SetPageShift records the page shift of the program's address spaces.
func (w *Writer) SetPageShift(shift addr.PageShift) { w.header.PageShift = shift }

// Close flushes buffered instructions, rewrites the header with final
// counts, and closes the file.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	var buf [HeaderSize]byte
	w.header.encode(buf[:])
	if _, err := w.f.WriteAt(buf[:], 0); err != nil {
		w.f.Close()
		return errors.Wrap(err, "progfile: rewrite header")
	}
	return errors.Wrap(w.f.Close(), "progfile: close")
}

// Reader iterates a program file forward.
type Reader struct {
	f      *os.File
	r      *iobuf.Reader
	layout instr.Layout
	header Header
}

// OpenVirt opens a virtual program file for forward reading.
func OpenVirt(path string) (*Reader, error) {
	return openReader(path, instr.Virt, true)
}

// OpenPhys opens a physical program file for forward reading.
func OpenPhys(path string) (*Reader, error) {
	return openReader(path, instr.Phys, false)
}

func openReader(path string, layout instr.Layout, backward bool) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "progfile: open")
	}
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "progfile: read header")
	}
	var r *iobuf.Reader
	if backward {
		r = iobuf.NewBackwardStreamReader(f, 0)
	} else {
		r = iobuf.NewReader(f, 0)
	}
	pr := &Reader{f: f, r: r, layout: layout}
	pr.header.decode(buf[:])
	return pr, nil
}

// Header returns the file header.
func (r *Reader) Header() Header {
	return r.header
}

// Next decodes the next instruction into ins. It returns io.EOF after
// the last instruction.
func (r *Reader) Next(ins *instr.Instruction) error {
	head, err := r.r.StartRead(1)
	if err != nil {
		return err
	}
	size := r.layout.PackedSizeOp(opcode.OpCode(head[0]))
	region, err := r.r.StartRead(size)
	if err != nil {
		return err
	}
	ins.Unpack(r.layout, region)
	r.r.FinishRead(size)
	return nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// ReverseReader iterates a virtual program file from its last
// instruction to its first.
type ReverseReader struct {
	f      *os.File
	rr     *iobuf.ReverseReader
	header Header
}

// OpenVirtReverse opens a virtual program file for reverse iteration.
func OpenVirtReverse(path string) (*ReverseReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "progfile: open")
	}
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "progfile: read header")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "progfile: stat")
	}
	body := io.NewSectionReader(f, HeaderSize, info.Size()-HeaderSize)
	r := &ReverseReader{f: f, rr: iobuf.NewReverseReader(body, info.Size()-HeaderSize, 0)}
	r.header.decode(buf[:])
	return r, nil
}

// Header returns the file header.
func (r *ReverseReader) Header() Header {
	return r.header
}

// Prev decodes the preceding instruction into ins. It returns io.EOF
// once the first instruction has been consumed.
func (r *ReverseReader) Prev(ins *instr.Instruction) error {
	rec, err := r.rr.Read()
	if err != nil {
		return err
	}
	ins.Unpack(instr.Virt, rec)
	return nil
}

// Close closes the underlying file.
func (r *ReverseReader) Close() error {
	return r.f.Close()
}
