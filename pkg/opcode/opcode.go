// Package opcode defines the closed instruction set shared by virtual and
// physical bytecode, and the mapping from each operation to its encoding
// format.
package opcode

// OpCode identifies one operation. The set is closed; every opcode maps
// deterministically to exactly one instruction format.
type OpCode uint8

const (
	Undefined OpCode = iota
	PrintStats
	StartTimer
	StopTimer
	IssueSwapIn
	IssueSwapOut
	FinishSwapIn
	FinishSwapOut
	CopySwap
	NetworkPostReceive
	NetworkFinishReceive
	NetworkBufferSend
	NetworkFinishSend
	Input
	Output
	PublicConstant
	Copy
	IntAdd
	IntIncrement
	IntSub
	IntDecrement
	IntMultiply
	IntLess
	Equal
	IsZero
	NonZero
	BitNOT
	BitAND
	BitOR
	BitXOR
	ValueSelect
	SwitchLevel
	AddPlaintext
	MultiplyPlaintext
	MultiplyRaw
	MultiplyPlaintextRaw
	Renormalize
	Encode

	opCodeCount
)

var opNames = [...]string{
	Undefined:            "Undefined",
	PrintStats:           "PrintStats",
	StartTimer:           "StartTimer",
	StopTimer:            "StopTimer",
	IssueSwapIn:          "IssueSwapIn",
	IssueSwapOut:         "IssueSwapOut",
	FinishSwapIn:         "FinishSwapIn",
	FinishSwapOut:        "FinishSwapOut",
	CopySwap:             "CopySwap",
	NetworkPostReceive:   "NetworkPostReceive",
	NetworkFinishReceive: "NetworkFinishReceive",
	NetworkBufferSend:    "NetworkBufferSend",
	NetworkFinishSend:    "NetworkFinishSend",
	Input:                "Input",
	Output:               "Output",
	PublicConstant:       "PublicConstant",
	Copy:                 "Copy",
	IntAdd:               "IntAdd",
	IntIncrement:         "IntIncrement",
	IntSub:               "IntSub",
	IntDecrement:         "IntDecrement",
	IntMultiply:          "IntMultiply",
	IntLess:              "IntLess",
	Equal:                "Equal",
	IsZero:               "IsZero",
	NonZero:              "NonZero",
	BitNOT:               "BitNOT",
	BitAND:               "BitAND",
	BitOR:                "BitOR",
	BitXOR:               "BitXOR",
	ValueSelect:          "ValueSelect",
	SwitchLevel:          "SwitchLevel",
	AddPlaintext:         "AddPlaintext",
	MultiplyPlaintext:    "MultiplyPlaintext",
	MultiplyRaw:          "MultiplyRaw",
	MultiplyPlaintextRaw: "MultiplyPlaintextRaw",
	Renormalize:          "Renormalize",
	Encode:               "Encode",
}

func (op OpCode) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return "INVALID"
}

// Valid reports whether op is a member of the closed opcode set.
func (op OpCode) Valid() bool {
	return op > Undefined && op < opCodeCount
}

// Count returns the number of defined opcodes, including Undefined.
func Count() int {
	return int(opCodeCount)
}

// Format describes the payload layout of an instruction.
type Format uint8

const (
	// FormatNoArgs carries a width and an output address only.
	FormatNoArgs Format = iota
	// FormatOneArg adds one input address.
	FormatOneArg
	// FormatTwoArgs adds two input addresses.
	FormatTwoArgs
	// FormatThreeArgs adds three input addresses.
	FormatThreeArgs
	// FormatConstant carries a width, an output address, and an immediate.
	FormatConstant
	// FormatSwap carries a memory page number and a storage page number.
	FormatSwap
	// FormatSwapFinish carries a memory page number only.
	FormatSwapFinish
	// FormatControl carries an opaque 32-bit payload.
	FormatControl
)

// NumArgs returns the number of input arguments, excluding the output,
// that require address translation.
func (f Format) NumArgs() int {
	switch f {
	case FormatOneArg:
		return 1
	case FormatTwoArgs:
		return 2
	case FormatThreeArgs:
		return 3
	default:
		return 0
	}
}

// UsesConstant reports whether the format encodes an immediate directly.
func (f Format) UsesConstant() bool {
	return f == FormatConstant
}

// Info describes the encoding and behaviour of one operation.
type Info struct {
	Layout Format
	// SingleBit is set for operations that write one logical bit of
	// output regardless of the width in the instruction.
	SingleBit bool
	// HasOutput is set for operations that write to planner-addressed
	// memory.
	HasOutput bool
}

var opInfo = [opCodeCount]Info{
	PrintStats:           {FormatControl, false, false},
	StartTimer:           {FormatControl, false, false},
	StopTimer:            {FormatControl, false, false},
	IssueSwapIn:          {FormatSwap, false, true},
	IssueSwapOut:         {FormatSwap, false, false},
	FinishSwapIn:         {FormatSwapFinish, false, false},
	FinishSwapOut:        {FormatSwapFinish, false, false},
	CopySwap:             {FormatSwap, false, false},
	NetworkPostReceive:   {FormatConstant, false, true},
	NetworkFinishReceive: {FormatControl, false, false},
	NetworkBufferSend:    {FormatConstant, false, false},
	NetworkFinishSend:    {FormatControl, false, false},
	Input:                {FormatNoArgs, false, true},
	Output:               {FormatNoArgs, false, false},
	PublicConstant:       {FormatConstant, false, true},
	Copy:                 {FormatOneArg, false, true},
	IntAdd:               {FormatTwoArgs, false, true},
	IntIncrement:         {FormatOneArg, false, true},
	IntSub:               {FormatTwoArgs, false, true},
	IntDecrement:         {FormatOneArg, false, true},
	IntMultiply:          {FormatTwoArgs, false, true},
	IntLess:              {FormatTwoArgs, true, true},
	Equal:                {FormatTwoArgs, true, true},
	IsZero:               {FormatOneArg, true, true},
	NonZero:              {FormatOneArg, true, true},
	BitNOT:               {FormatOneArg, false, true},
	BitAND:               {FormatTwoArgs, false, true},
	BitOR:                {FormatTwoArgs, false, true},
	BitXOR:               {FormatTwoArgs, false, true},
	ValueSelect:          {FormatThreeArgs, false, true},
	SwitchLevel:          {FormatOneArg, false, true},
	AddPlaintext:         {FormatTwoArgs, false, true},
	MultiplyPlaintext:    {FormatTwoArgs, false, true},
	MultiplyRaw:          {FormatTwoArgs, false, true},
	MultiplyPlaintextRaw: {FormatTwoArgs, false, true},
	Renormalize:          {FormatOneArg, false, true},
	Encode:               {FormatConstant, false, true},
}

// InfoFor returns the encoding information for op. It panics on an
// undefined opcode: instruction streams are planner-generated and an
// unknown opcode means a corrupted file.
func InfoFor(op OpCode) Info {
	if !op.Valid() {
		panic("opcode: InfoFor on invalid opcode " + op.String())
	}
	return opInfo[op]
}
