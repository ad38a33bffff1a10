package record

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// CaptureSize is the byte length of a serialized CaptureRecord.
	CaptureSize = 40
	// ProcessSize is the byte length of a serialized ProcessRecord.
	ProcessSize = 32
	// CommLen matches the kernel's TASK_COMM_LEN.
	CommLen = 16
	// MaxSize is the largest record any kind produces.
	MaxSize = CaptureSize
)

// Slot is fixed storage for one record of any kind.
type Slot [MaxSize]byte

// Kind selects the record layout for a session. Exactly one kind is active
// per session; records carry no discriminator.
type Kind uint8

const (
	KindCapture Kind = iota + 1
	KindProcess
)

// ParseKind maps a configuration value to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "capture", "args", "":
		return KindCapture, nil
	case "process", "proc":
		return KindProcess, nil
	default:
		return 0, fmt.Errorf("unknown record kind %q (must be 'capture' or 'process')", s)
	}
}

func (k Kind) String() string {
	switch k {
	case KindCapture:
		return "capture"
	case KindProcess:
		return "process"
	default:
		return fmt.Sprintf("kind:%d", uint8(k))
	}
}

// Valid reports whether k names a known layout.
func (k Kind) Valid() bool {
	return k == KindCapture || k == KindProcess
}

// Size returns the fixed record size for k, or 0 for unknown kinds.
func (k Kind) Size() int {
	if s, ok := schemas[k]; ok {
		return s.Size
	}
	return 0
}

// Schema returns the field layout for k.
func (k Kind) Schema() (Schema, bool) {
	s, ok := schemas[k]
	return s, ok
}

// Field is one fixed-width member of a record layout.
type Field struct {
	Name   string
	Offset int
	Width  int
	Signed bool
}

// Schema is the explicit layout agreed by the capture program and the decoder.
type Schema struct {
	Kind   Kind
	Size   int
	Fields []Field
}

// Field looks up a field by name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks that fields are ordered, non-overlapping and inside Size.
func (s Schema) Validate() error {
	if s.Size <= 0 || s.Size > MaxSize {
		return fmt.Errorf("%s schema: size %d out of range", s.Kind, s.Size)
	}
	if !sort.SliceIsSorted(s.Fields, func(i, j int) bool { return s.Fields[i].Offset < s.Fields[j].Offset }) {
		return fmt.Errorf("%s schema: fields not ordered by offset", s.Kind)
	}
	end := 0
	for _, f := range s.Fields {
		switch f.Width {
		case 1, 2, 4, 8, CommLen:
		default:
			return fmt.Errorf("%s schema: field %s has unsupported width %d", s.Kind, f.Name, f.Width)
		}
		if f.Offset < end {
			return fmt.Errorf("%s schema: field %s overlaps previous field", s.Kind, f.Name)
		}
		end = f.Offset + f.Width
		if end > s.Size {
			return fmt.Errorf("%s schema: field %s ends at %d beyond size %d", s.Kind, f.Name, end, s.Size)
		}
	}
	return nil
}

// Byte offsets inside the serialized records. Bytes 20-23 and 36-39 of a
// CaptureRecord and 4-7 of a ProcessRecord are reserved and always zero.
const (
	offUaddr1  = 0
	offFutexOp = 8
	offVal     = 12
	offVal2    = 16
	offUaddr2  = 24
	offVal3    = 32

	offPid  = 0
	offTs   = 8
	offComm = 16
)

var captureSchema = Schema{
	Kind: KindCapture,
	Size: CaptureSize,
	Fields: []Field{
		{Name: "uaddr1", Offset: offUaddr1, Width: 8},
		{Name: "futex_op", Offset: offFutexOp, Width: 4, Signed: true},
		{Name: "val", Offset: offVal, Width: 4},
		{Name: "val2", Offset: offVal2, Width: 4},
		{Name: "uaddr2", Offset: offUaddr2, Width: 8},
		{Name: "val3", Offset: offVal3, Width: 4},
	},
}

var processSchema = Schema{
	Kind: KindProcess,
	Size: ProcessSize,
	Fields: []Field{
		{Name: "pid", Offset: offPid, Width: 4},
		{Name: "ts", Offset: offTs, Width: 8},
		{Name: "comm", Offset: offComm, Width: CommLen},
	},
}

var schemas = map[Kind]Schema{
	KindCapture: captureSchema,
	KindProcess: processSchema,
}

func init() {
	for _, s := range schemas {
		if err := s.Validate(); err != nil {
			panic(err)
		}
	}
}
