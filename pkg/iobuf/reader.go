package iobuf

import (
	"io"

	"github.com/pkg/errors"
)

// Reader buffers reads from an underlying stream and mirrors the
// writer's start/finish API. When fewer than the requested bytes are
// buffered, the unconsumed tail is moved to the front and the buffer is
// refilled from the stream.
type Reader struct {
	r        io.Reader
	buf      []byte
	pos      int
	active   int
	backward bool
}

// NewReader creates a forward reader over a stream written by NewWriter.
func NewReader(r io.Reader, bufferSize int) *Reader {
	return newReader(r, bufferSize, false)
}

// NewBackwardStreamReader creates a forward reader over a stream written
// by NewBackwardWriter; it skips the trailing size byte of each record.
func NewBackwardStreamReader(r io.Reader, bufferSize int) *Reader {
	return newReader(r, bufferSize, true)
}

func newReader(r io.Reader, bufferSize int, backward bool) *Reader {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Reader{r: r, buf: make([]byte, bufferSize), backward: backward}
}

// StartRead returns a region holding the next maxSize unconsumed bytes.
// The region stays valid until FinishRead. Reaching end-of-stream with
// fewer than maxSize bytes remaining returns io.ErrUnexpectedEOF unless
// no bytes remain at all, which returns io.EOF.
func (r *Reader) StartRead(maxSize int) ([]byte, error) {
	want := maxSize
	if r.backward {
		want++
	}
	for want > r.active-r.pos {
		n, err := r.rebuffer()
		if n == 0 {
			if r.active == r.pos {
				return nil, io.EOF
			}
			if err == nil || err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, errors.Wrap(err, "iobuf: read")
		}
	}
	return r.buf[r.pos : r.pos+maxSize], nil
}

// FinishRead consumes actualSize bytes of the region returned by the
// preceding StartRead, plus the size marker on backward-readable streams.
func (r *Reader) FinishRead(actualSize int) {
	r.pos += actualSize
	if r.backward {
		r.pos++
	}
}

// ReadFull fills p from the stream, looping through the buffer as needed.
func (r *Reader) ReadFull(p []byte) error {
	for len(p) > 0 {
		chunk := len(p)
		if chunk > len(r.buf) {
			chunk = len(r.buf)
		}
		region, err := r.StartRead(chunk)
		if err != nil {
			return err
		}
		copy(p, region)
		r.FinishRead(chunk)
		p = p[chunk:]
	}
	return nil
}

func (r *Reader) rebuffer() (int, error) {
	leftover := r.active - r.pos
	copy(r.buf, r.buf[r.pos:r.active])
	n, err := r.r.Read(r.buf[leftover:])
	r.active = leftover + n
	r.pos = 0
	return n, err
}

// ReverseReader iterates a backward-readable stream from its end toward
// its beginning, yielding records in reverse write order. It requires
// random access to the underlying file and its total length.
type ReverseReader struct {
	r          io.ReaderAt
	lengthLeft int64
	buf        []byte
	pos        int
}

// NewReverseReader creates a reverse reader over size bytes of r, which
// must have been written by NewBackwardWriter.
func NewReverseReader(r io.ReaderAt, size int64, bufferSize int) *ReverseReader {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if bufferSize < 512 {
		bufferSize = 512
	}
	return &ReverseReader{r: r, lengthLeft: size, buf: make([]byte, bufferSize)}
}

// Read returns the next record moving backwards through the stream, or
// io.EOF once the beginning has been reached. The returned slice stays
// valid until the next Read.
func (rr *ReverseReader) Read() ([]byte, error) {
	if rr.pos == 0 {
		if rr.lengthLeft == 0 {
			return nil, io.EOF
		}
		if err := rr.rebuffer(); err != nil {
			return nil, err
		}
	}
	rr.pos--
	size := int(rr.buf[rr.pos])
	if size > rr.pos {
		if err := rr.rebuffer(); err != nil {
			return nil, err
		}
		if size > rr.pos {
			return nil, errors.New("iobuf: truncated record in backward stream")
		}
	}
	rr.pos -= size
	return rr.buf[rr.pos : rr.pos+size], nil
}

// rebuffer slides the unconsumed prefix toward the end of the buffer and
// fills the space below it with the preceding chunk of the file.
func (rr *ReverseReader) rebuffer() error {
	toRead := int64(len(rr.buf) - rr.pos)
	if toRead > rr.lengthLeft {
		toRead = rr.lengthLeft
	}
	if toRead == 0 {
		return errors.New("iobuf: truncated record in backward stream")
	}
	copy(rr.buf[toRead:toRead+int64(rr.pos)], rr.buf[:rr.pos])
	rr.lengthLeft -= toRead
	if _, err := rr.r.ReadAt(rr.buf[:toRead], rr.lengthLeft); err != nil {
		return errors.Wrap(err, "iobuf: reverse read")
	}
	rr.pos += int(toRead)
	return nil
}
