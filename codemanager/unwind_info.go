package codemanager

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/DataExMachina-dev/stackwalk-go/arch"
)

// SavedReg places a callee-saved register in a method's frame.
type SavedReg struct {
	Reg    arch.Reg
	Offset uint32
}

// UnwindInfo describes the steady-state frame of a method.
//
// The frame occupies FrameSize bytes above the method's stack pointer and is
// followed by the return address; the caller's stack pointer is one word
// above that. A method with a frame pointer saves its caller's frame pointer
// in the last word of the frame and points the frame pointer register at it.
type UnwindInfo struct {
	FrameSize       uint32
	Saved           []SavedReg
	HasFramePointer bool
	// HasEHInfo is set for functions with exception clauses. Such functions
	// and their funclets share an establisher frame pointer.
	HasEHInfo bool
	IsFunclet bool
	// ReversePInvoke is set for entry points called from native code; the
	// address of the preceding transition frame is stored at
	// ReversePInvokeOffset in the frame.
	ReversePInvoke       bool
	ReversePInvokeOffset uint32
	OutgoingArgsSize     uint32
	// SafePoints are the code offsets at which the GC may observe the
	// method, in increasing order.
	SafePoints []uint32
}

// maxOps bounds the number of operations decoded from one stream.
const maxOps = 4096

var errTruncated = errors.New("truncated unwind info")

// Encode produces the binary form of info.
func Encode(info UnwindInfo) []byte {
	var buf []byte
	putOp32 := func(op OpCode, v uint32) {
		buf = append(buf, byte(op))
		buf = binary.LittleEndian.AppendUint32(buf, v)
	}
	putOp32(OpCodeFrameSize, info.FrameSize)
	for _, s := range info.Saved {
		buf = append(buf, byte(OpCodeSaveReg), byte(s.Reg))
		buf = binary.LittleEndian.AppendUint32(buf, s.Offset)
	}
	if info.HasFramePointer {
		buf = append(buf, byte(OpCodeFramePointer))
	}
	if info.HasEHInfo {
		buf = append(buf, byte(OpCodeEHInfo))
	}
	if info.IsFunclet {
		buf = append(buf, byte(OpCodeFunclet))
	}
	if info.ReversePInvoke {
		putOp32(OpCodeReversePInvoke, info.ReversePInvokeOffset)
	}
	if info.OutgoingArgsSize != 0 {
		putOp32(OpCodeOutgoingArgs, info.OutgoingArgsSize)
	}
	for _, sp := range info.SafePoints {
		putOp32(OpCodeSafePoint, sp)
	}
	return append(buf, byte(OpCodeEnd))
}

// Decode parses and validates an unwind info stream for a target with the
// given word size.
func Decode(buf []byte, wordSize int) (UnwindInfo, error) {
	var info UnwindInfo
	d := MakeOpDecoder(buf)
	sawFrameSize := false
	for n := 0; ; n++ {
		if n == maxOps {
			return UnwindInfo{}, fmt.Errorf("unwind info exceeds %d operations", maxOps)
		}
		op := d.PeekOp()
		var ok bool
		switch op {
		case OpCodeFrameSize:
			var o OpFrameSize
			o, ok = d.DecodeFrameSize()
			if sawFrameSize {
				return UnwindInfo{}, fmt.Errorf("duplicate frame size at %d", d.PC())
			}
			sawFrameSize = true
			info.FrameSize = o.Size
		case OpCodeSaveReg:
			var o OpSaveReg
			o, ok = d.DecodeSaveReg()
			info.Saved = append(info.Saved, SavedReg(o))
		case OpCodeFramePointer:
			ok = d.DecodeNullary()
			info.HasFramePointer = true
		case OpCodeEHInfo:
			ok = d.DecodeNullary()
			info.HasEHInfo = true
		case OpCodeFunclet:
			ok = d.DecodeNullary()
			info.IsFunclet = true
		case OpCodeReversePInvoke:
			var o OpReversePInvoke
			o, ok = d.DecodeReversePInvoke()
			info.ReversePInvoke = true
			info.ReversePInvokeOffset = o.Offset
		case OpCodeOutgoingArgs:
			var o OpOutgoingArgs
			o, ok = d.DecodeOutgoingArgs()
			info.OutgoingArgsSize = o.Size
		case OpCodeSafePoint:
			var o OpSafePoint
			o, ok = d.DecodeSafePoint()
			info.SafePoints = append(info.SafePoints, o.Offset)
		case OpCodeEnd:
			d.DecodeNullary()
			if !d.Done() {
				return UnwindInfo{}, fmt.Errorf("trailing bytes after end at %d", d.PC())
			}
			if !sawFrameSize {
				return UnwindInfo{}, errors.New("missing frame size")
			}
			return info, info.validate(wordSize)
		case OpCodeInvalid:
			if d.Done() {
				return UnwindInfo{}, errTruncated
			}
			return UnwindInfo{}, fmt.Errorf("invalid op code at %d", d.PC())
		default:
			return UnwindInfo{}, fmt.Errorf("unknown %s at %d", op, d.PC())
		}
		if !ok {
			return UnwindInfo{}, fmt.Errorf("%w: %s at %d", errTruncated, op, d.PC())
		}
	}
}

func (info *UnwindInfo) validate(wordSize int) error {
	word := uint32(wordSize)
	if info.FrameSize%word != 0 {
		return fmt.Errorf("frame size %#x is not word aligned", info.FrameSize)
	}
	if info.HasFramePointer && info.FrameSize < word {
		return errors.New("frame pointer without room to save the caller's")
	}
	if info.HasFramePointer && info.IsFunclet {
		return errors.New("funclets use their parent's frame pointer")
	}
	if info.HasEHInfo && !info.IsFunclet && !info.HasFramePointer {
		return errors.New("exception clauses require a frame pointer")
	}
	inFrame := func(off uint32) bool {
		return off%word == 0 && off+word <= info.FrameSize
	}
	seen := make(map[arch.Reg]bool, len(info.Saved))
	for _, s := range info.Saved {
		if s.Reg >= arch.NumRegs || seen[s.Reg] {
			return fmt.Errorf("invalid or duplicate saved register %d", s.Reg)
		}
		seen[s.Reg] = true
		if !inFrame(s.Offset) {
			return fmt.Errorf("saved register slot %#x outside frame", s.Offset)
		}
		if info.HasFramePointer && s.Offset == info.FrameSize-word {
			return fmt.Errorf("saved register slot %#x overlaps the frame pointer slot", s.Offset)
		}
	}
	if info.ReversePInvoke && !inFrame(info.ReversePInvokeOffset) {
		return fmt.Errorf("reverse P/Invoke slot %#x outside frame", info.ReversePInvokeOffset)
	}
	for i := 1; i < len(info.SafePoints); i++ {
		if info.SafePoints[i] <= info.SafePoints[i-1] {
			return errors.New("safe points are not strictly increasing")
		}
	}
	return nil
}
