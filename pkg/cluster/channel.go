// Package cluster provides the worker-to-worker message channels of one
// party and the bootstrap that establishes the all-pairs TCP mesh.
package cluster

import (
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/oisee/memplan/pkg/iobuf"
)

// postedReadQueueDepth bounds outstanding posted reads per channel.
const postedReadQueueDepth = 1 << 14

// Channel is the message channel to one peer: buffered writes on the
// caller's thread, and posted reads served in post order by a per-peer
// reader goroutine. Reads from one peer complete in post order; nothing
// is promised across peers.
type Channel struct {
	conn   net.Conn
	writer *iobuf.Writer
	reader *iobuf.Reader

	posted chan []byte

	mu      sync.Mutex
	cond    *sync.Cond
	pending int
	readErr error

	done chan struct{}
}

func newChannel(conn net.Conn, bufferSize int) *Channel {
	c := &Channel{
		conn:   conn,
		writer: iobuf.NewWriter(conn, bufferSize),
		reader: iobuf.NewReader(conn, bufferSize),
		posted: make(chan []byte, postedReadQueueDepth),
		done:   make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.readLoop()
	return c
}

// readLoop drains posted reads, filling each destination buffer from
// the socket in order. It terminates when the posted-read queue closes.
func (c *Channel) readLoop() {
	defer close(c.done)
	for buf := range c.posted {
		err := c.reader.ReadFull(buf)

		c.mu.Lock()
		if err != nil && c.readErr == nil {
			c.readErr = errors.Wrap(err, "cluster: channel read")
		}
		c.pending--
		if c.pending == 0 || c.readErr != nil {
			c.cond.Broadcast()
		}
		c.mu.Unlock()
		if err != nil {
			// Drain remaining posts so writers never block; each is
			// failed by the recorded error.
			for range c.posted {
				c.mu.Lock()
				c.pending--
				c.cond.Broadcast()
				c.mu.Unlock()
			}
			return
		}
	}
}

// PostReceive queues a read of len(into) bytes into the caller's
// buffer. The buffer must stay untouched until WaitReceives returns.
func (c *Channel) PostReceive(into []byte) {
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()
	c.posted <- into
}

// WaitReceives blocks until every posted read has completed, returning
// the first read error if any occurred.
func (c *Channel) WaitReceives() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pending != 0 && c.readErr == nil {
		c.cond.Wait()
	}
	return c.readErr
}

// Write buffers p for sending; the data reaches the socket on Flush or
// when the buffer fills.
func (c *Channel) Write(p []byte) error {
	_, err := c.writer.Write(p)
	return err
}

// Flush forces buffered bytes onto the socket.
func (c *Channel) Flush() error {
	return c.writer.Flush()
}

// Close flushes, stops the reader goroutine, and closes the socket.
func (c *Channel) Close() error {
	flushErr := c.writer.Flush()
	close(c.posted)
	// Unblock the reader if it sits in a socket read with no posts.
	c.conn.Close()
	<-c.done
	return flushErr
}
