package protocol

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// PlaintextWireSize is the byte size of a plaintext wire. Plaintext
// wires are sized like garbled-circuit labels so that memory programs
// planned for a real protocol execute unchanged.
const PlaintextWireSize = 16

// PlaintextSizer sizes boolean operands one wire per logical bit.
// Denormalised ciphertexts do not exist in the boolean representation
// and are refused.
func PlaintextSizer() Sizer {
	return SizerFunc(func(width uint64, t PlaceableType) uint64 {
		switch t {
		case Ciphertext, Plaintext:
			return width
		default:
			return SizeRefused
		}
	})
}

// bitReader serves single bits from a bit-packed file, LSB first.
type bitReader struct {
	r    *bufio.Reader
	cur  byte
	left int
}

func (b *bitReader) read1() (byte, error) {
	if b.left == 0 {
		c, err := b.r.ReadByte()
		if err != nil {
			return 0, err
		}
		b.cur = c
		b.left = 8
	}
	bit := b.cur & 1
	b.cur >>= 1
	b.left--
	return bit, nil
}

// bitWriter packs single bits into a file, LSB first.
type bitWriter struct {
	w    *bufio.Writer
	cur  byte
	used int
}

func (b *bitWriter) write1(bit byte) error {
	b.cur |= (bit & 1) << b.used
	b.used++
	if b.used == 8 {
		if err := b.w.WriteByte(b.cur); err != nil {
			return err
		}
		b.cur = 0
		b.used = 0
	}
	return nil
}

func (b *bitWriter) flush() error {
	if b.used != 0 {
		if err := b.w.WriteByte(b.cur); err != nil {
			return err
		}
		b.cur = 0
		b.used = 0
	}
	return b.w.Flush()
}

// PlaintextGate evaluates the circuit in the clear: each wire carries a
// 0/1 value in a label-sized block. Inputs are read from bit-packed
// files and outputs appended to one.
type PlaintextGate struct {
	garblerIn   *bitReader
	evaluatorIn *bitReader
	out         *bitWriter
	files       []*os.File
	gates       uint64
}

// NewPlaintextGate opens the two input files and the output file.
func NewPlaintextGate(garblerInput, evaluatorInput, outputFile string) (*PlaintextGate, error) {
	g := &PlaintextGate{}
	gf, err := os.Open(garblerInput)
	if err != nil {
		return nil, errors.Wrap(err, "plaintext: garbler input")
	}
	g.files = append(g.files, gf)
	ef, err := os.Open(evaluatorInput)
	if err != nil {
		g.Close()
		return nil, errors.Wrap(err, "plaintext: evaluator input")
	}
	g.files = append(g.files, ef)
	of, err := os.Create(outputFile)
	if err != nil {
		g.Close()
		return nil, errors.Wrap(err, "plaintext: output")
	}
	g.files = append(g.files, of)
	g.garblerIn = &bitReader{r: bufio.NewReader(gf)}
	g.evaluatorIn = &bitReader{r: bufio.NewReader(ef)}
	g.out = &bitWriter{w: bufio.NewWriter(of)}
	return g, nil
}

// Close flushes the output and closes all three files.
func (g *PlaintextGate) Close() error {
	var first error
	if g.out != nil {
		first = g.out.flush()
	}
	for _, f := range g.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (g *PlaintextGate) WireSize() int {
	return PlaintextWireSize
}

func (g *PlaintextGate) Input(dst []byte, wires int, garbler bool) error {
	in := g.evaluatorIn
	if garbler {
		in = g.garblerIn
	}
	for i := 0; i < wires; i++ {
		bit, err := in.read1()
		if err != nil {
			if err == io.EOF {
				return errors.New("plaintext: input file exhausted")
			}
			return errors.Wrap(err, "plaintext: input")
		}
		w := dst[i*PlaintextWireSize : (i+1)*PlaintextWireSize]
		clear(w)
		w[0] = bit
	}
	return nil
}

func (g *PlaintextGate) Output(src []byte, wires int) error {
	for i := 0; i < wires; i++ {
		if err := g.out.write1(src[i*PlaintextWireSize] & 1); err != nil {
			return errors.Wrap(err, "plaintext: output")
		}
	}
	return nil
}

func (g *PlaintextGate) One(w []byte) {
	clear(w)
	w[0] = 1
}

func (g *PlaintextGate) Zero(w []byte) {
	clear(w)
}

func (g *PlaintextGate) Copy(dst, src []byte) {
	copy(dst, src)
}

func (g *PlaintextGate) XOR(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

func (g *PlaintextGate) XNOR(dst, a, b []byte) {
	v := (a[0] ^ b[0]) & 1
	clear(dst)
	dst[0] = v ^ 1
}

func (g *PlaintextGate) NOT(dst, a []byte) {
	v := a[0] & 1
	clear(dst)
	dst[0] = v ^ 1
}

func (g *PlaintextGate) AND(dst, a, b []byte) error {
	g.gates++
	v := a[0] & b[0] & 1
	clear(dst)
	dst[0] = v
	return nil
}

func (g *PlaintextGate) PrintStats() {
	log.WithField("nonlinear_gates", g.gates).Info("plaintext engine stats")
}
