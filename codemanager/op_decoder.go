package codemanager

import (
	"encoding/binary"
	"fmt"

	"github.com/DataExMachina-dev/stackwalk-go/arch"
)

// OpCode is one instruction of an unwind info stream.
type OpCode uint8

const (
	OpCodeInvalid        OpCode = 0
	OpCodeFrameSize      OpCode = 1
	OpCodeSaveReg        OpCode = 2
	OpCodeFramePointer   OpCode = 3
	OpCodeEHInfo         OpCode = 4
	OpCodeFunclet        OpCode = 5
	OpCodeReversePInvoke OpCode = 6
	OpCodeOutgoingArgs   OpCode = 7
	OpCodeSafePoint      OpCode = 8
	OpCodeEnd            OpCode = 9
)

func (o OpCode) String() string {
	switch o {
	case OpCodeFrameSize:
		return "FrameSize"
	case OpCodeSaveReg:
		return "SaveReg"
	case OpCodeFramePointer:
		return "FramePointer"
	case OpCodeEHInfo:
		return "EHInfo"
	case OpCodeFunclet:
		return "Funclet"
	case OpCodeReversePInvoke:
		return "ReversePInvoke"
	case OpCodeOutgoingArgs:
		return "OutgoingArgs"
	case OpCodeSafePoint:
		return "SafePoint"
	case OpCodeEnd:
		return "End"
	default:
		return fmt.Sprintf("OpCode(%d)", uint8(o))
	}
}

type (
	OpFrameSize struct {
		Size uint32
	}
	OpSaveReg struct {
		Reg    arch.Reg
		Offset uint32
	}
	OpReversePInvoke struct {
		Offset uint32
	}
	OpOutgoingArgs struct {
		Size uint32
	}
	OpSafePoint struct {
		Offset uint32
	}
)

// OpDecoder is a decoder for unwind info operations.
type OpDecoder struct {
	pc    uint32
	opBuf []byte
}

// MakeOpDecoder creates a new OpDecoder.
func MakeOpDecoder(opBuf []byte) OpDecoder {
	return OpDecoder{
		pc:    0,
		opBuf: opBuf,
	}
}

// PC returns the offset of the next operation.
func (d *OpDecoder) PC() uint32 {
	return d.pc
}

// Done reports whether the buffer is exhausted.
func (d *OpDecoder) Done() bool {
	return d.pc >= uint32(len(d.opBuf))
}

// PeekOp returns the next op code without consuming it.
func (d *OpDecoder) PeekOp() OpCode {
	if d.Done() {
		return OpCodeInvalid
	}
	return OpCode(d.opBuf[d.pc])
}

func (d *OpDecoder) has(n int) bool {
	return uint64(d.pc)+uint64(n) <= uint64(len(d.opBuf))
}

func (d *OpDecoder) popOpCode() {
	d.pc++
}

func (d *OpDecoder) popUint8() uint8 {
	v := d.opBuf[d.pc]
	d.pc++
	return v
}

func (d *OpDecoder) popUint32() uint32 {
	v := binary.LittleEndian.Uint32(d.opBuf[d.pc:])
	d.pc += 4
	return v
}

// DecodeNullary consumes an operation without operands.
func (d *OpDecoder) DecodeNullary() bool {
	if !d.has(1) {
		return false
	}
	d.popOpCode()
	return true
}

func (d *OpDecoder) DecodeFrameSize() (OpFrameSize, bool) {
	if !d.has(5) {
		return OpFrameSize{}, false
	}
	d.popOpCode()
	return OpFrameSize{Size: d.popUint32()}, true
}

func (d *OpDecoder) DecodeSaveReg() (OpSaveReg, bool) {
	if !d.has(6) {
		return OpSaveReg{}, false
	}
	d.popOpCode()
	reg := arch.Reg(d.popUint8())
	return OpSaveReg{Reg: reg, Offset: d.popUint32()}, true
}

func (d *OpDecoder) DecodeReversePInvoke() (OpReversePInvoke, bool) {
	if !d.has(5) {
		return OpReversePInvoke{}, false
	}
	d.popOpCode()
	return OpReversePInvoke{Offset: d.popUint32()}, true
}

func (d *OpDecoder) DecodeOutgoingArgs() (OpOutgoingArgs, bool) {
	if !d.has(5) {
		return OpOutgoingArgs{}, false
	}
	d.popOpCode()
	return OpOutgoingArgs{Size: d.popUint32()}, true
}

func (d *OpDecoder) DecodeSafePoint() (OpSafePoint, bool) {
	if !d.has(5) {
		return OpSafePoint{}, false
	}
	d.popOpCode()
	return OpSafePoint{Offset: d.popUint32()}, true
}
