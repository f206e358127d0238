package cluster

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/oisee/memplan/pkg/addr"
)

const (
	maxConnectionTries          = 20
	delayBetweenConnectionTries = 3 * time.Second
)

// MeshError reports that the all-pairs mesh could not be completed
// within the retry budget.
type MeshError struct {
	Unreachable []addr.WorkerID
	Cause       error
}

func (e *MeshError) Error() string {
	if len(e.Unreachable) > 0 {
		return fmt.Sprintf("cluster: could not connect to worker(s) %v", e.Unreachable)
	}
	return "cluster: mesh bootstrap failed: " + e.Cause.Error()
}

func (e *MeshError) Unwrap() error { return e.Cause }

// Endpoint is the intra-party address of one worker.
type Endpoint struct {
	Host string
	Port uint16
}

func (ep Endpoint) addr() string {
	return net.JoinHostPort(ep.Host, strconv.Itoa(int(ep.Port)))
}

// Network holds one worker's channels to every other worker of its
// party.
type Network struct {
	self     addr.WorkerID
	channels []*Channel
}

// Self returns this worker's ID.
func (n *Network) Self() addr.WorkerID { return n.self }

// NumWorkers returns the party's worker count.
func (n *Network) NumWorkers() addr.WorkerID { return addr.WorkerID(len(n.channels)) }

// ContactWorker returns the channel to the given worker, or nil for
// this worker itself or an out-of-range ID.
func (n *Network) ContactWorker(id addr.WorkerID) *Channel {
	if id == n.self || int(id) >= len(n.channels) {
		return nil
	}
	return n.channels[id]
}

// Close flushes and closes every channel.
func (n *Network) Close() error {
	var first error
	for _, c := range n.channels {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Establish builds the all-pairs mesh for worker self among endpoints:
// it dials every lower-numbered worker (with bounded retry on refused
// connections) while accepting one inbound connection from every
// higher-numbered worker on its own announced port. The dialling side
// identifies itself by writing its 32-bit worker ID, little-endian, in
// the clear. On any failure the whole mesh is torn down.
func Establish(self addr.WorkerID, endpoints []Endpoint, channelBufferSize int) (*Network, error) {
	numWorkers := addr.WorkerID(len(endpoints))
	if self >= numWorkers {
		return nil, &MeshError{Cause: errors.Errorf("self index %d out of range (%d workers)", self, numWorkers)}
	}
	if numWorkers == 1 {
		return &Network{self: self, channels: make([]*Channel, 1)}, nil
	}

	conns := make([]net.Conn, numWorkers)
	teardown := func() {
		for _, c := range conns {
			if c != nil {
				c.Close()
			}
		}
	}

	var g errgroup.Group
	for j := addr.WorkerID(0); j != self; j++ {
		g.Go(func() error {
			conn, err := dialWithRetry(endpoints[j])
			if err != nil {
				return errors.Wrapf(err, "worker %d", j)
			}
			var id [4]byte
			binary.LittleEndian.PutUint32(id[:], self)
			if _, err := conn.Write(id[:]); err != nil {
				conn.Close()
				return errors.Wrapf(err, "worker %d handshake", j)
			}
			conns[j] = conn
			return nil
		})
	}

	// Higher-numbered workers dial us.
	acceptErr := acceptPeers(endpoints[self], self, numWorkers, conns)
	dialErr := g.Wait()

	if dialErr != nil || acceptErr != nil {
		teardown()
		var unreachable []addr.WorkerID
		for i := addr.WorkerID(0); i != numWorkers; i++ {
			if i != self && conns[i] == nil {
				unreachable = append(unreachable, i)
			}
		}
		cause := dialErr
		if cause == nil {
			cause = acceptErr
		}
		return nil, &MeshError{Unreachable: unreachable, Cause: cause}
	}

	n := &Network{self: self, channels: make([]*Channel, numWorkers)}
	for i := addr.WorkerID(0); i != numWorkers; i++ {
		if i != self {
			n.channels[i] = newChannel(conns[i], channelBufferSize)
		}
	}
	log.WithFields(log.Fields{"self": self, "workers": numWorkers}).Info("cluster mesh established")
	return n, nil
}

func dialWithRetry(ep Endpoint) (net.Conn, error) {
	var lastErr error
	for try := 0; try != maxConnectionTries; try++ {
		conn, err := net.DialTimeout("tcp", ep.addr(), delayBetweenConnectionTries)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// A timeout means the host is unreachable; retrying the
			// full budget would stall the whole mesh.
			break
		}
		// Connection refused: the peer has not started listening yet.
		time.Sleep(delayBetweenConnectionTries)
	}
	return nil, lastErr
}

// acceptPeers listens on this worker's announced port for one inbound
// connection from each higher-numbered worker and slots it by the
// peer's self-announced ID.
func acceptPeers(ep Endpoint, self, numWorkers addr.WorkerID, conns []net.Conn) error {
	remaining := int(numWorkers - self - 1)
	if remaining == 0 {
		return nil
	}
	ln, err := net.Listen("tcp", ep.addr())
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	defer ln.Close()

	for remaining > 0 {
		conn, err := ln.Accept()
		if err != nil {
			return errors.Wrap(err, "accept")
		}
		var id [4]byte
		if _, err := io.ReadFull(conn, id[:]); err != nil {
			conn.Close()
			return errors.Wrap(err, "peer handshake")
		}
		from := addr.WorkerID(binary.LittleEndian.Uint32(id[:]))
		if from > self && from < numWorkers && conns[from] == nil {
			conns[from] = conn
			remaining--
		} else {
			log.WithField("peer", from).Warn("rejecting unexpected mesh connection")
			conn.Close()
		}
	}
	return nil
}
