// Package protocol defines the capability set the execution engine
// requires of a cryptographic backend, and the sizing function the
// placement stage requires, together with a reference plaintext backend.
package protocol

import "fmt"

// PlaceableType tags an operand with its cryptographic representation.
type PlaceableType uint8

const (
	Ciphertext PlaceableType = iota
	Plaintext
	DenormalizedCiphertext
)

func (t PlaceableType) String() string {
	switch t {
	case Ciphertext:
		return "Ciphertext"
	case Plaintext:
		return "Plaintext"
	case DenormalizedCiphertext:
		return "DenormalizedCiphertext"
	default:
		return "INVALID"
	}
}

// SizeRefused is returned by a Sizer to reject a (level, type) pair.
// Placement treats it as a fatal planning error.
const SizeRefused = ^uint64(0)

// Sizer maps an operand's logical width (bit count, or level for
// levelled schemes) and type to its size in planner address-space units.
type Sizer interface {
	SizeOf(widthOrLevel uint64, t PlaceableType) uint64
}

// SizerFunc adapts a function to the Sizer interface.
type SizerFunc func(widthOrLevel uint64, t PlaceableType) uint64

func (f SizerFunc) SizeOf(w uint64, t PlaceableType) uint64 { return f(w, t) }

// Engine is the execution capability set consumed by the interpreter.
// Every operation receives slices into the physical-frame memory; a
// slice covers width consecutive wires of WireSize bytes each.
//
// Operations that may involve the network or the levelled-HE machinery
// return errors; purely linear operations cannot fail.
type Engine interface {
	// WireSize returns the fixed byte size of one wire.
	WireSize() int

	Input(dst []byte, width int, garbler bool) error
	Output(src []byte, width int) error
	PublicConstant(dst []byte, width int, constant uint64)

	OpCopy(dst, src []byte, width int)
	OpXOR(dst, in1, in2 []byte, width int)
	OpXNOR(dst, in1, in2 []byte, width int)
	OpNOT(dst, in []byte, width int)
	OpAND(dst, in1, in2 []byte, width int) error
	OpOR(dst, in1, in2 []byte, width int) error

	OpAdd(dst, in1, in2 []byte, width int) error
	OpIncrement(dst, in []byte, width int) error
	OpSub(dst, in1, in2 []byte, width int) error
	OpDecrement(dst, in []byte, width int) error
	OpMultiply(dst, in1, in2 []byte, width int) error
	OpLess(dst, in1, in2 []byte, width int) error
	OpEqual(dst, in1, in2 []byte, width int) error
	OpIsZero(dst, in []byte, width int) error
	OpNonZero(dst, in []byte, width int) error
	OpSelect(dst, in1, in2, selector []byte, width int) error

	// Levelled-HE operations. Boolean backends reject them.
	OpEncode(dst []byte, level int, constant uint64) error
	OpRenormalize(dst, in []byte, level int) error
	OpSwitchLevel(dst, in []byte, level int) error
	OpAddPlaintext(dst, in1, in2 []byte, level int) error
	OpMultiplyPlaintext(dst, in1, in2 []byte, level int) error
	OpMultiplyRaw(dst, in1, in2 []byte, level int) error
	OpMultiplyPlaintextRaw(dst, in1, in2 []byte, level int) error

	// PrintStats reports backend counters through the log.
	PrintStats()
}

// ErrUnsupported is the error returned for operations a backend cannot
// perform; the engine surfaces it as a fatal protocol error.
type ErrUnsupported struct {
	Backend string
	Op      string
}

func (e *ErrUnsupported) Error() string {
	return fmt.Sprintf("protocol %s does not support %s", e.Backend, e.Op)
}
