package protocol

// Gate is the single-wire primitive set of a boolean (bit-per-wire)
// backend. BitEngine composes the full Engine interface from it.
type Gate interface {
	WireSize() int
	Input(dst []byte, wires int, garbler bool) error
	Output(src []byte, wires int) error
	One(w []byte)
	Zero(w []byte)
	Copy(dst, src []byte)
	XOR(dst, a, b []byte)
	XNOR(dst, a, b []byte)
	NOT(dst, a []byte)
	AND(dst, a, b []byte) error
	PrintStats()
}

// BitEngine lifts a Gate backend to the full Engine capability set,
// composing multi-bit arithmetic from single-wire gates: ripple adders
// and borrow chains for the integer operations, reductions for the
// comparisons.
type BitEngine struct {
	gate Gate
	name string
	// scratch wires, reused across operations
	t1, t2, t3, t4 []byte
}

// NewBitEngine wraps gate. name appears in unsupported-operation errors.
func NewBitEngine(name string, gate Gate) *BitEngine {
	ws := gate.WireSize()
	return &BitEngine{
		gate: gate,
		name: name,
		t1:   make([]byte, ws),
		t2:   make([]byte, ws),
		t3:   make([]byte, ws),
		t4:   make([]byte, ws),
	}
}

func (e *BitEngine) WireSize() int {
	return e.gate.WireSize()
}

// w returns the i-th wire of buf.
func (e *BitEngine) w(buf []byte, i int) []byte {
	ws := e.gate.WireSize()
	return buf[i*ws : (i+1)*ws]
}

func (e *BitEngine) Input(dst []byte, width int, garbler bool) error {
	return e.gate.Input(dst, width, garbler)
}

func (e *BitEngine) Output(src []byte, width int) error {
	return e.gate.Output(src, width)
}

func (e *BitEngine) PublicConstant(dst []byte, width int, constant uint64) {
	for i := 0; i < width; i++ {
		if constant&1 == 0 {
			e.gate.Zero(e.w(dst, i))
		} else {
			e.gate.One(e.w(dst, i))
		}
		constant >>= 1
	}
}

func (e *BitEngine) OpCopy(dst, src []byte, width int) {
	for i := 0; i < width; i++ {
		e.gate.Copy(e.w(dst, i), e.w(src, i))
	}
}

func (e *BitEngine) OpXOR(dst, in1, in2 []byte, width int) {
	for i := 0; i < width; i++ {
		e.gate.XOR(e.w(dst, i), e.w(in1, i), e.w(in2, i))
	}
}

func (e *BitEngine) OpXNOR(dst, in1, in2 []byte, width int) {
	for i := 0; i < width; i++ {
		e.gate.XNOR(e.w(dst, i), e.w(in1, i), e.w(in2, i))
	}
}

func (e *BitEngine) OpNOT(dst, in []byte, width int) {
	for i := 0; i < width; i++ {
		e.gate.NOT(e.w(dst, i), e.w(in, i))
	}
}

func (e *BitEngine) OpAND(dst, in1, in2 []byte, width int) error {
	for i := 0; i < width; i++ {
		if err := e.gate.AND(e.w(dst, i), e.w(in1, i), e.w(in2, i)); err != nil {
			return err
		}
	}
	return nil
}

func (e *BitEngine) OpOR(dst, in1, in2 []byte, width int) error {
	for i := 0; i < width; i++ {
		a, b := e.w(in1, i), e.w(in2, i)
		e.gate.XOR(e.t1, a, b)
		if err := e.gate.AND(e.t2, a, b); err != nil {
			return err
		}
		e.gate.XOR(e.w(dst, i), e.t1, e.t2)
	}
	return nil
}

// OpAdd is a ripple-carry adder. The result width equals the input
// width; the final carry out of the top bit is discarded.
func (e *BitEngine) OpAdd(dst, in1, in2 []byte, width int) error {
	carry := e.t4
	e.gate.Zero(carry)
	e.gate.Copy(e.t1, e.w(in1, 0))
	e.gate.Copy(e.t2, e.w(in2, 0))
	e.gate.XOR(e.w(dst, 0), e.t1, e.t2)
	for i := 1; i < width; i++ {
		if err := e.gate.AND(e.t3, e.t1, e.t2); err != nil {
			return err
		}
		e.gate.XOR(carry, carry, e.t3)

		e.gate.XOR(e.t1, e.w(in1, i), carry)
		e.gate.XOR(e.t2, e.w(in2, i), carry)
		e.gate.XOR(e.w(dst, i), e.t1, e.w(in2, i))
	}
	return nil
}

func (e *BitEngine) OpIncrement(dst, in []byte, width int) error {
	carry := e.t4
	e.gate.Copy(carry, e.w(in, 0))
	e.gate.NOT(e.w(dst, 0), e.w(in, 0))
	if width == 1 {
		return nil
	}
	for i := 1; i < width-1; i++ {
		e.gate.Copy(e.t1, e.w(in, i))
		e.gate.XOR(e.w(dst, i), e.t1, carry)
		if err := e.gate.AND(carry, carry, e.t1); err != nil {
			return err
		}
	}
	e.gate.XOR(e.w(dst, width-1), e.w(in, width-1), carry)
	return nil
}

func (e *BitEngine) OpSub(dst, in1, in2 []byte, width int) error {
	borrow := e.t4
	e.gate.Zero(borrow)
	e.gate.Copy(e.t1, e.w(in1, 0))
	e.gate.Copy(e.t2, e.w(in2, 0))
	e.gate.XOR(e.w(dst, 0), e.t1, e.t2)
	for i := 1; i < width; i++ {
		// borrow out of bit i-1: (~a & b) | borrow-propagation, folded
		// into the xor form used by the garbled-circuit formulation
		e.gate.NOT(e.t3, e.t1)
		if err := e.gate.AND(e.t3, e.t3, e.t2); err != nil {
			return err
		}
		e.gate.XOR(e.t1, e.t1, e.t2)
		e.gate.NOT(e.t1, e.t1)
		if err := e.gate.AND(e.t1, e.t1, borrow); err != nil {
			return err
		}
		e.gate.XOR(borrow, e.t3, e.t1)

		e.gate.Copy(e.t1, e.w(in1, i))
		e.gate.Copy(e.t2, e.w(in2, i))
		e.gate.XOR(e.w(dst, i), e.t1, e.t2)
		e.gate.XOR(e.w(dst, i), e.w(dst, i), borrow)
	}
	return nil
}

func (e *BitEngine) OpDecrement(dst, in []byte, width int) error {
	borrow := e.t4
	e.gate.NOT(borrow, e.w(in, 0))
	e.gate.Copy(e.w(dst, 0), borrow)
	if width == 1 {
		return nil
	}
	for i := 1; i < width-1; i++ {
		e.gate.NOT(e.t1, e.w(in, i))
		e.gate.XOR(e.w(dst, i), e.w(in, i), borrow)
		if err := e.gate.AND(borrow, borrow, e.t1); err != nil {
			return err
		}
	}
	e.gate.XOR(e.w(dst, width-1), e.w(in, width-1), borrow)
	return nil
}

// OpMultiply is a shift-and-add schoolbook multiplier truncated to the
// input width.
func (e *BitEngine) OpMultiply(dst, in1, in2 []byte, width int) error {
	ws := e.gate.WireSize()
	acc := make([]byte, width*ws)
	partial := make([]byte, width*ws)
	for i := 0; i < width; i++ {
		e.gate.Zero(e.w(acc, i))
	}
	for i := 0; i < width; i++ {
		// partial = (in2 << i) masked by bit i of in1
		for j := 0; j < i; j++ {
			e.gate.Zero(e.w(partial, j))
		}
		for j := i; j < width; j++ {
			if err := e.gate.AND(e.w(partial, j), e.w(in2, j-i), e.w(in1, i)); err != nil {
				return err
			}
		}
		if err := e.OpAdd(acc, acc, partial, width); err != nil {
			return err
		}
	}
	e.OpCopy(dst, acc, width)
	return nil
}

// OpLess writes a single wire holding (in1 < in2), unsigned.
func (e *BitEngine) OpLess(dst, in1, in2 []byte, width int) error {
	result := e.t4
	e.gate.XOR(e.t1, e.w(in1, 0), e.w(in2, 0))
	if err := e.gate.AND(result, e.t1, e.w(in2, 0)); err != nil {
		return err
	}
	for i := 1; i < width; i++ {
		e.gate.XOR(e.t1, e.w(in1, i), e.w(in2, i))
		e.gate.XOR(e.t2, e.w(in2, i), result)
		if err := e.gate.AND(e.t3, e.t1, e.t2); err != nil {
			return err
		}
		e.gate.XOR(result, result, e.t3)
	}
	e.gate.Copy(e.w(dst, 0), result)
	return nil
}

// OpEqual writes a single wire holding (in1 == in2).
func (e *BitEngine) OpEqual(dst, in1, in2 []byte, width int) error {
	result := e.t4
	e.gate.XNOR(result, e.w(in1, 0), e.w(in2, 0))
	for i := 1; i < width; i++ {
		e.gate.XNOR(e.t1, e.w(in1, i), e.w(in2, i))
		if err := e.gate.AND(result, result, e.t1); err != nil {
			return err
		}
	}
	e.gate.Copy(e.w(dst, 0), result)
	return nil
}

// OpIsZero writes a single wire holding the AND-reduction of the
// complemented input bits: 1 iff every input bit is 0.
func (e *BitEngine) OpIsZero(dst, in []byte, width int) error {
	result := e.t4
	e.gate.NOT(result, e.w(in, 0))
	for i := 1; i < width; i++ {
		e.gate.NOT(e.t1, e.w(in, i))
		if err := e.gate.AND(result, result, e.t1); err != nil {
			return err
		}
	}
	e.gate.Copy(e.w(dst, 0), result)
	return nil
}

// OpNonZero is the strict complement of OpIsZero.
func (e *BitEngine) OpNonZero(dst, in []byte, width int) error {
	if err := e.OpIsZero(dst, in, width); err != nil {
		return err
	}
	e.gate.NOT(e.w(dst, 0), e.w(dst, 0))
	return nil
}

// OpSelect writes selector ? in1 : in2, where the selector is the first
// wire of its operand.
func (e *BitEngine) OpSelect(dst, in1, in2, selector []byte, width int) error {
	sel := e.t4
	e.gate.Copy(sel, e.w(selector, 0))
	for i := 0; i < width; i++ {
		e.gate.XOR(e.t1, e.w(in1, i), e.w(in2, i))
		if err := e.gate.AND(e.t2, e.t1, sel); err != nil {
			return err
		}
		e.gate.XOR(e.w(dst, i), e.t2, e.w(in2, i))
	}
	return nil
}

func (e *BitEngine) OpEncode(dst []byte, level int, constant uint64) error {
	return &ErrUnsupported{Backend: e.name, Op: "Encode"}
}

func (e *BitEngine) OpRenormalize(dst, in []byte, level int) error {
	return &ErrUnsupported{Backend: e.name, Op: "Renormalize"}
}

func (e *BitEngine) OpSwitchLevel(dst, in []byte, level int) error {
	return &ErrUnsupported{Backend: e.name, Op: "SwitchLevel"}
}

func (e *BitEngine) OpAddPlaintext(dst, in1, in2 []byte, level int) error {
	return &ErrUnsupported{Backend: e.name, Op: "AddPlaintext"}
}

func (e *BitEngine) OpMultiplyPlaintext(dst, in1, in2 []byte, level int) error {
	return &ErrUnsupported{Backend: e.name, Op: "MultiplyPlaintext"}
}

func (e *BitEngine) OpMultiplyRaw(dst, in1, in2 []byte, level int) error {
	return &ErrUnsupported{Backend: e.name, Op: "MultiplyRaw"}
}

func (e *BitEngine) OpMultiplyPlaintextRaw(dst, in1, in2 []byte, level int) error {
	return &ErrUnsupported{Backend: e.name, Op: "MultiplyPlaintextRaw"}
}

func (e *BitEngine) PrintStats() {
	e.gate.PrintStats()
}
