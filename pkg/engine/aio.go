package engine

import (
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// swapOp is one page transfer between memory and the swap device.
type swapOp struct {
	write  bool
	ppn    uint64
	buf    []byte
	offset int64
}

// completion reports one finished transfer, keyed by the page frame.
type completion struct {
	ppn uint64
	err error
}

// swapDevice submits page-granular I/O against the swap file through a
// pool of worker goroutines and reports completions on a queue — the
// thread-pool rendition of kernel async I/O. Completions may arrive out
// of order; the interpreter correlates them by frame number.
type swapDevice struct {
	f           *os.File
	submissions chan swapOp
	completions chan completion
	wg          sync.WaitGroup
}

// openSwapDevice opens path as the swap device. A regular file is
// created and sized; a block device must already be at least
// requiredSize bytes. depth bounds the number of in-flight transfers.
func openSwapDevice(path string, requiredSize int64, depth int) (*swapDevice, error) {
	if depth < 1 {
		depth = 1
	}
	var f *os.File
	var err error
	if strings.HasPrefix(path, "/dev/") {
		f, err = os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return nil, errors.Wrap(err, "engine: open swap device")
		}
		size, serr := f.Seek(0, 2)
		if serr != nil || size < requiredSize {
			f.Close()
			if serr != nil {
				return nil, errors.Wrap(serr, "engine: size swap device")
			}
			return nil, errors.Errorf("engine: swap device too small: %d B, requires %d B", size, requiredSize)
		}
	} else {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "engine: create swap file")
		}
		if err := f.Truncate(requiredSize); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "engine: size swap file")
		}
	}
	// Swap traffic has no reuse locality worth caching.
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM)

	d := &swapDevice{
		f:           f,
		submissions: make(chan swapOp, depth),
		completions: make(chan completion, depth),
	}
	for i := 0; i < depth; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d, nil
}

func (d *swapDevice) worker() {
	defer d.wg.Done()
	fd := int(d.f.Fd())
	for op := range d.submissions {
		var err error
		if op.write {
			err = pwriteFull(fd, op.buf, op.offset)
		} else {
			err = preadFull(fd, op.buf, op.offset)
		}
		d.completions <- completion{ppn: op.ppn, err: err}
	}
}

// submit enqueues one transfer; it never blocks the interpreter as long
// as the caller bounds in-flight operations by the queue depth.
func (d *swapDevice) submit(op swapOp) {
	d.submissions <- op
}

// wait blocks for the next completion.
func (d *swapDevice) wait() completion {
	return <-d.completions
}

func (d *swapDevice) close() error {
	close(d.submissions)
	d.wg.Wait()
	return d.f.Close()
}

func preadFull(fd int, buf []byte, offset int64) error {
	for len(buf) > 0 {
		n, err := unix.Pread(fd, buf, offset)
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("short read from swap device")
		}
		buf = buf[n:]
		offset += int64(n)
	}
	return nil
}

func pwriteFull(fd int, buf []byte, offset int64) error {
	for len(buf) > 0 {
		n, err := unix.Pwrite(fd, buf, offset)
		if err != nil {
			return err
		}
		buf = buf[n:]
		offset += int64(n)
	}
	return nil
}
