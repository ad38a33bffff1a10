package record

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrSizeMismatch is wrapped by every SizeMismatchError.
var ErrSizeMismatch = errors.New("record size mismatch")

// SizeMismatchError reports a raw sample whose length does not match the
// fixed size of the session's record kind.
type SizeMismatchError struct {
	Kind Kind
	Got  int
	Want int
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("%s record: got %d bytes, want %d", e.Kind, e.Got, e.Want)
}

func (e *SizeMismatchError) Unwrap() error { return ErrSizeMismatch }

// Record is a decoded event of either kind.
type Record interface {
	Kind() Kind
}

// CaptureRecord holds the six futex(2) arguments in calling-convention order.
// Address slots are values from the traced process and are never dereferenced.
type CaptureRecord struct {
	Uaddr1  uint64
	FutexOp int32
	Val     uint32
	Val2    uint32
	Uaddr2  uint64
	Val3    uint32
}

// CaptureFromParams narrows raw parameter words the same way the kernel
// program does.
func CaptureFromParams(p [6]uint64) CaptureRecord {
	return CaptureRecord{
		Uaddr1:  p[0],
		FutexOp: int32(p[1]),
		Val:     uint32(p[2]),
		Val2:    uint32(p[3]),
		Uaddr2:  p[4],
		Val3:    uint32(p[5]),
	}
}

func (CaptureRecord) Kind() Kind { return KindCapture }

// Put serializes r into b, which must hold at least CaptureSize bytes.
// Reserved bytes are zeroed.
func (r CaptureRecord) Put(b []byte) {
	_ = b[CaptureSize-1]
	clear(b[:CaptureSize])
	binary.NativeEndian.PutUint64(b[offUaddr1:], r.Uaddr1)
	binary.NativeEndian.PutUint32(b[offFutexOp:], uint32(r.FutexOp))
	binary.NativeEndian.PutUint32(b[offVal:], r.Val)
	binary.NativeEndian.PutUint32(b[offVal2:], r.Val2)
	binary.NativeEndian.PutUint64(b[offUaddr2:], r.Uaddr2)
	binary.NativeEndian.PutUint32(b[offVal3:], r.Val3)
}

// String renders the record as a single output line.
func (r CaptureRecord) String() string {
	return fmt.Sprintf("uaddr1: %d, futex_op: %d, val: %d, val2: %d, uaddr2: %d, val3: %d",
		r.Uaddr1, r.FutexOp, r.Val, r.Val2, r.Uaddr2, r.Val3)
}

// ProcessRecord identifies the task that entered the hooked syscall.
type ProcessRecord struct {
	PID       uint32
	Timestamp uint64 // monotonic nanoseconds
	Comm      [CommLen]byte
}

func (ProcessRecord) Kind() Kind { return KindProcess }

// Put serializes r into b, which must hold at least ProcessSize bytes.
func (r ProcessRecord) Put(b []byte) {
	_ = b[ProcessSize-1]
	clear(b[:ProcessSize])
	binary.NativeEndian.PutUint32(b[offPid:], r.PID)
	binary.NativeEndian.PutUint64(b[offTs:], r.Timestamp)
	copy(b[offComm:offComm+CommLen], r.Comm[:])
}

// Name returns the NUL-trimmed process name.
func (r ProcessRecord) Name() string {
	return unix.ByteSliceToString(r.Comm[:])
}

func (r ProcessRecord) String() string {
	return r.Name()
}

// Decode validates raw against the fixed size of kind and reconstitutes the
// record through the kind's schema. A length mismatch is reported before any
// field is read.
func Decode(raw []byte, kind Kind) (Record, error) {
	schema, ok := schemas[kind]
	if !ok {
		return nil, fmt.Errorf("decode: unknown record kind %s", kind)
	}
	if len(raw) != schema.Size {
		return nil, &SizeMismatchError{Kind: kind, Got: len(raw), Want: schema.Size}
	}

	switch kind {
	case KindCapture:
		return CaptureRecord{
			Uaddr1:  readField(raw, schema.Fields[0]),
			FutexOp: int32(readField(raw, schema.Fields[1])),
			Val:     uint32(readField(raw, schema.Fields[2])),
			Val2:    uint32(readField(raw, schema.Fields[3])),
			Uaddr2:  readField(raw, schema.Fields[4]),
			Val3:    uint32(readField(raw, schema.Fields[5])),
		}, nil
	default:
		var rec ProcessRecord
		rec.PID = uint32(readField(raw, schema.Fields[0]))
		rec.Timestamp = readField(raw, schema.Fields[1])
		comm := schema.Fields[2]
		copy(rec.Comm[:], raw[comm.Offset:comm.Offset+comm.Width])
		return rec, nil
	}
}

func readField(raw []byte, f Field) uint64 {
	b := raw[f.Offset : f.Offset+f.Width]
	switch f.Width {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.NativeEndian.Uint16(b))
	case 4:
		return uint64(binary.NativeEndian.Uint32(b))
	default:
		return binary.NativeEndian.Uint64(b)
	}
}
