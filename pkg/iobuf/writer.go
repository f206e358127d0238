// Package iobuf provides buffered byte streams with a zero-copy
// start/finish record API, optionally carrying trailing size markers so
// that a stream can be re-read backwards.
//
// The hot path avoids per-record allocation: StartWrite hands out a
// region of the internal buffer, the caller fills it in place, and
// FinishWrite commits however many bytes were actually produced. A
// backward-readable stream appends a single size byte after each record,
// which limits records to 255 bytes; that limit is a documented
// precondition, and violating it is a caller bug that panics.
package iobuf

import (
	"io"

	"github.com/pkg/errors"
)

// DefaultBufferSize is the buffer size used when 0 is requested.
const DefaultBufferSize = 1 << 18

// Writer buffers writes to an underlying stream.
type Writer struct {
	w        io.Writer
	buf      []byte
	pos      int
	backward bool
}

// NewWriter creates a forward-only buffered writer.
func NewWriter(w io.Writer, bufferSize int) *Writer {
	return newWriter(w, bufferSize, false)
}

// NewBackwardWriter creates a writer whose records carry trailing size
// bytes, enabling reverse iteration with ReverseReader. Records must not
// exceed 255 bytes.
func NewBackwardWriter(w io.Writer, bufferSize int) *Writer {
	return newWriter(w, bufferSize, true)
}

func newWriter(w io.Writer, bufferSize int, backward bool) *Writer {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Writer{w: w, buf: make([]byte, bufferSize), backward: backward}
}

// StartWrite returns a region of at least maxSize bytes to fill in,
// flushing the buffer first if it is too full. FinishWrite must follow
// before the next StartWrite.
func (w *Writer) StartWrite(maxSize int) ([]byte, error) {
	reserve := maxSize
	if w.backward {
		if maxSize > 255 {
			panic("iobuf: backward-readable record larger than 255 bytes")
		}
		reserve++
	}
	if reserve > len(w.buf)-w.pos {
		if err := w.Flush(); err != nil {
			return nil, err
		}
		if reserve > len(w.buf) {
			panic("iobuf: record larger than stream buffer")
		}
	}
	return w.buf[w.pos : w.pos+maxSize], nil
}

// FinishWrite commits actualSize bytes of the region returned by the
// preceding StartWrite and, on backward-readable streams, appends the
// size marker.
func (w *Writer) FinishWrite(actualSize int) {
	w.pos += actualSize
	if w.backward {
		w.buf[w.pos] = byte(actualSize)
		w.pos++
	}
}

// WriteRecord copies p into the stream as one record.
func (w *Writer) WriteRecord(p []byte) error {
	region, err := w.StartWrite(len(p))
	if err != nil {
		return err
	}
	copy(region, p)
	w.FinishWrite(len(p))
	return nil
}

// Write implements io.Writer on forward streams, splitting p across
// buffer flushes as needed.
func (w *Writer) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		chunk := len(p)
		if chunk > len(w.buf) {
			chunk = len(w.buf)
		}
		region, err := w.StartWrite(chunk)
		if err != nil {
			return total - len(p), err
		}
		copy(region, p)
		w.FinishWrite(chunk)
		p = p[chunk:]
	}
	return total, nil
}

// Flush writes out all buffered bytes.
func (w *Writer) Flush() error {
	if w.pos == 0 {
		return nil
	}
	if _, err := w.w.Write(w.buf[:w.pos]); err != nil {
		return errors.Wrap(err, "iobuf: flush")
	}
	w.pos = 0
	return nil
}
