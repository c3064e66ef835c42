package report

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Field numbers of the report message:
//
//	message Report {
//	  bytes id = 1;
//	  google.protobuf.Timestamp timestamp = 2;
//	  uint32 kind = 3;
//	  string arch = 4;
//	  fixed64 image_fingerprint = 5;
//	  repeated Thread threads = 6;
//	}
//	message Thread {
//	  uint64 tid = 1;
//	  fixed64 stack_hash = 2;
//	  bool failed = 3;
//	  bool truncated = 4;
//	  bool unwound_reverse_pinvoke = 5;
//	  repeated Frame frames = 6;
//	}
//	message Frame {
//	  uint64 pc = 1;
//	  string method = 2;
//	  uint32 offset = 3;
//	  uint64 sp = 4;
//	  uint64 frame_pointer = 5;
//	  bool collided = 6;
//	  uint64 lower = 7;
//	  uint64 upper = 8;
//	}
const (
	reportID               protowire.Number = 1
	reportTimestamp        protowire.Number = 2
	reportKind             protowire.Number = 3
	reportArch             protowire.Number = 4
	reportImageFingerprint protowire.Number = 5
	reportThreads          protowire.Number = 6

	threadTid                   protowire.Number = 1
	threadStackHash             protowire.Number = 2
	threadFailed                protowire.Number = 3
	threadTruncated             protowire.Number = 4
	threadUnwoundReversePInvoke protowire.Number = 5
	threadFrames                protowire.Number = 6

	framePC           protowire.Number = 1
	frameMethod       protowire.Number = 2
	frameOffset       protowire.Number = 3
	frameSP           protowire.Number = 4
	frameFramePointer protowire.Number = 5
	frameCollided     protowire.Number = 6
	frameLower        protowire.Number = 7
	frameUpper        protowire.Number = 8
)

// Marshal encodes r. Zero-valued scalar fields are omitted.
func (r *Report) Marshal() ([]byte, error) {
	ts, err := proto.Marshal(timestamppb.New(r.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal timestamp: %w", err)
	}
	var b []byte
	b = protowire.AppendTag(b, reportID, protowire.BytesType)
	b = protowire.AppendBytes(b, r.ID[:])
	b = protowire.AppendTag(b, reportTimestamp, protowire.BytesType)
	b = protowire.AppendBytes(b, ts)
	b = appendVarint(b, reportKind, uint64(r.Kind))
	b = appendString(b, reportArch, r.Arch)
	if r.ImageFingerprint != 0 {
		b = protowire.AppendTag(b, reportImageFingerprint, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, r.ImageFingerprint)
	}
	var scratch []byte
	for i := range r.Threads {
		scratch = r.Threads[i].append(scratch[:0])
		b = protowire.AppendTag(b, reportThreads, protowire.BytesType)
		b = protowire.AppendBytes(b, scratch)
	}
	return b, nil
}

func (t *Thread) append(b []byte) []byte {
	b = appendVarint(b, threadTid, t.Tid)
	if t.StackHash != 0 {
		b = protowire.AppendTag(b, threadStackHash, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, t.StackHash)
	}
	b = appendBool(b, threadFailed, t.Failed)
	b = appendBool(b, threadTruncated, t.Truncated)
	b = appendBool(b, threadUnwoundReversePInvoke, t.UnwoundReversePInvoke)
	for i := range t.Frames {
		f := &t.Frames[i]
		b = protowire.AppendTag(b, threadFrames, protowire.BytesType)
		b = protowire.AppendBytes(b, f.append(nil))
	}
	return b
}

func (f *Frame) append(b []byte) []byte {
	b = appendVarint(b, framePC, f.PC)
	b = appendString(b, frameMethod, f.Method)
	b = appendVarint(b, frameOffset, uint64(f.Offset))
	b = appendVarint(b, frameSP, f.SP)
	b = appendVarint(b, frameFramePointer, f.FramePointer)
	b = appendBool(b, frameCollided, f.Collided)
	b = appendVarint(b, frameLower, f.Lower)
	b = appendVarint(b, frameUpper, f.Upper)
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Unmarshal decodes a report encoded by Marshal. Unknown fields are skipped.
func Unmarshal(b []byte) (*Report, error) {
	var r Report
	var haveID bool
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case reportID:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return 0, fmt.Errorf("invalid report id: %w", err)
			}
			r.ID, haveID = id, true
			return n, nil
		case reportTimestamp:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v, &ts); err != nil {
				return 0, fmt.Errorf("invalid timestamp: %w", err)
			}
			if err := ts.CheckValid(); err != nil {
				return 0, fmt.Errorf("invalid timestamp: %w", err)
			}
			r.Timestamp = ts.AsTime()
			return n, nil
		case reportKind:
			v, n, err := consumeVarint(typ, b)
			r.Kind = Kind(v)
			return n, err
		case reportArch:
			v, n, err := consumeBytes(typ, b)
			r.Arch = string(v)
			return n, err
		case reportImageFingerprint:
			if typ != protowire.Fixed64Type {
				return 0, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
			}
			v, n := protowire.ConsumeFixed64(b)
			r.ImageFingerprint = v
			return n, nil
		case reportThreads:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			th, err := unmarshalThread(v)
			if err != nil {
				return 0, fmt.Errorf("thread %d: %w", len(r.Threads), err)
			}
			r.Threads = append(r.Threads, th)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if !haveID {
		return nil, fmt.Errorf("report has no id")
	}
	return &r, nil
}

func unmarshalThread(b []byte) (Thread, error) {
	var t Thread
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case threadTid:
			v, n, err := consumeVarint(typ, b)
			t.Tid = v
			return n, err
		case threadStackHash:
			if typ != protowire.Fixed64Type {
				return 0, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
			}
			v, n := protowire.ConsumeFixed64(b)
			t.StackHash = v
			return n, nil
		case threadFailed:
			v, n, err := consumeVarint(typ, b)
			t.Failed = protowire.DecodeBool(v)
			return n, err
		case threadTruncated:
			v, n, err := consumeVarint(typ, b)
			t.Truncated = protowire.DecodeBool(v)
			return n, err
		case threadUnwoundReversePInvoke:
			v, n, err := consumeVarint(typ, b)
			t.UnwoundReversePInvoke = protowire.DecodeBool(v)
			return n, err
		case threadFrames:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			f, err := unmarshalFrame(v)
			if err != nil {
				return 0, fmt.Errorf("frame %d: %w", len(t.Frames), err)
			}
			t.Frames = append(t.Frames, f)
			return n, nil
		}
		return 0, nil
	})
	return t, err
}

func unmarshalFrame(b []byte) (Frame, error) {
	var f Frame
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == frameMethod {
			v, n, err := consumeBytes(typ, b)
			f.Method = string(v)
			return n, err
		}
		var dst *uint64
		switch num {
		case framePC:
			dst = &f.PC
		case frameSP:
			dst = &f.SP
		case frameFramePointer:
			dst = &f.FramePointer
		case frameLower:
			dst = &f.Lower
		case frameUpper:
			dst = &f.Upper
		case frameOffset, frameCollided:
		default:
			return 0, nil
		}
		v, n, err := consumeVarint(typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case frameOffset:
			if v > 1<<32-1 {
				return 0, fmt.Errorf("offset %#x overflows", v)
			}
			f.Offset = uint32(v)
		case frameCollided:
			f.Collided = protowire.DecodeBool(v)
		default:
			*dst = v
		}
		return n, nil
	})
	return f, err
}

// consumeFields calls fn for each field of a message. fn returns the length
// of the field value it consumed, or 0 to have an unknown field skipped.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("unexpected wire type %d for varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("unexpected wire type %d for bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}
