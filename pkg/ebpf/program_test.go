package ebpf

import (
	"errors"
	"testing"

	"github.com/cilium/ebpf/asm"

	"github.com/saworbit/futexsnoop/pkg/probe"
	"github.com/saworbit/futexsnoop/pkg/record"
)

func calls(insns asm.Instructions, fn asm.BuiltinFunc) int {
	n := 0
	for _, ins := range insns {
		if ins.IsBuiltinCall() && ins.Constant == int64(fn) {
			n++
		}
	}
	return n
}

// stores returns the record-relative offsets written from a register.
func stores(insns asm.Instructions) map[int]asm.Size {
	out := make(map[int]asm.Size)
	for _, ins := range insns {
		if ins.OpCode.Class() != asm.StXClass || ins.Dst != asm.RFP {
			continue
		}
		off := int(ins.Offset - recordOff)
		if off >= 0 && off < record.MaxSize {
			out[off] = ins.OpCode.Size()
		}
	}
	return out
}

func TestBuildCaptureProgramDirect(t *testing.T) {
	sym := probe.Symbol{Name: "__se_sys_futex"}
	insns, err := buildProgram(probe.CaptureArgs, sym, "amd64", 3)
	if err != nil {
		t.Fatalf("buildProgram: %v", err)
	}

	if n := calls(insns, asm.FnPerfEventOutput); n != 1 {
		t.Fatalf("perf_event_output calls = %d, want 1", n)
	}
	if n := calls(insns, asm.FnProbeReadKernel); n != 0 {
		t.Fatalf("direct symbol must read ctx registers, got %d probe reads", n)
	}

	want := map[int]asm.Size{0: asm.DWord, 8: asm.Word, 12: asm.Word, 16: asm.Word, 24: asm.DWord, 32: asm.Word}
	got := stores(insns)
	for off, size := range want {
		if got[off] != size {
			t.Errorf("store at record offset %d = %v, want %v", off, got[off], size)
		}
	}

	// fourth argument comes from rcx for a plain function call
	found := false
	for _, ins := range insns {
		if ins.OpCode.Class() == asm.LdXClass && ins.Src == asm.R6 && ins.Offset == 88 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a load of pt_regs->cx")
	}
}

func TestBuildCaptureProgramWrapped(t *testing.T) {
	sym := probe.Symbol{Name: "__x64_sys_futex", Wrapped: true}
	insns, err := buildProgram(probe.CaptureArgs, sym, "amd64", 3)
	if err != nil {
		t.Fatalf("buildProgram: %v", err)
	}

	if n := calls(insns, asm.FnProbeReadKernel); n != probe.NumParams {
		t.Fatalf("probe reads = %d, want %d", n, probe.NumParams)
	}

	// syscall convention: the fourth argument is saved in r10
	found := false
	for _, ins := range insns {
		if ins.OpCode.Class().IsALU() && ins.Dst == asm.R3 && ins.Constant == 56 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the user pt_regs->r10 address to be computed")
	}
}

func TestBuildProcessProgram(t *testing.T) {
	insns, err := buildProgram(probe.CaptureProcess, probe.Symbol{Name: "__x64_sys_futex", Wrapped: true}, "amd64", 3)
	if err != nil {
		t.Fatalf("buildProgram: %v", err)
	}

	for _, fn := range []asm.BuiltinFunc{asm.FnGetCurrentPidTgid, asm.FnKtimeGetNs, asm.FnGetCurrentComm, asm.FnPerfEventOutput} {
		if n := calls(insns, fn); n != 1 {
			t.Errorf("%v calls = %d, want 1", fn, n)
		}
	}

	var size int64 = -1
	for i, ins := range insns {
		if ins.IsBuiltinCall() && ins.Constant == int64(asm.FnPerfEventOutput) {
			size = insns[i-1].Constant
		}
	}
	if size != record.ProcessSize {
		t.Fatalf("perf output size = %d, want %d", size, record.ProcessSize)
	}
}

func TestBuildProgramArm64(t *testing.T) {
	insns, err := buildProgram(probe.CaptureArgs, probe.Symbol{Name: "__arm64_sys_futex", Wrapped: true}, "arm64", 3)
	if err != nil {
		t.Fatalf("buildProgram: %v", err)
	}
	if n := calls(insns, asm.FnProbeReadKernel); n != probe.NumParams {
		t.Fatalf("probe reads = %d, want %d", n, probe.NumParams)
	}
}

func TestBuildProgramUnsupportedArch(t *testing.T) {
	_, err := buildProgram(probe.CaptureArgs, probe.Symbol{Name: "sys_futex"}, "mips", 3)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("buildProgram(mips) = %v, want ErrUnsupported", err)
	}
}

func TestBuildProgramEndsWithReturn(t *testing.T) {
	for _, h := range []probe.Handler{probe.CaptureArgs, probe.CaptureProcess} {
		insns, err := buildProgram(h, probe.Symbol{Name: "sys_futex"}, "amd64", 3)
		if err != nil {
			t.Fatalf("buildProgram(%s): %v", h.Name, err)
		}
		last := insns[len(insns)-1]
		if last.OpCode.JumpOp() != asm.Exit {
			t.Fatalf("%s does not end with exit: %v", h.Name, last)
		}
	}
}

func TestBuildProgramRejectsUnknownHandlers(t *testing.T) {
	sym := probe.Symbol{Name: "__x64_sys_futex", Wrapped: true}
	custom := probe.Handler{
		Name:    "my_custom",
		Kind:    record.KindCapture,
		Capture: probe.CaptureArgs.Capture,
	}
	swapped := probe.CaptureArgs
	swapped.Kind = record.KindProcess

	for _, h := range []probe.Handler{custom, swapped} {
		insns, err := buildProgram(h, sym, "amd64", 3)
		if !errors.Is(err, errNoProgram) {
			t.Fatalf("buildProgram(%s/%s) = %d insns, %v; want errNoProgram", h.Name, h.Kind, len(insns), err)
		}
	}
}

func TestTrimPerfPadding(t *testing.T) {
	tests := []struct {
		name    string
		rawLen  int
		size    int
		wantLen int
	}{
		{"capture padded", 44, record.CaptureSize, record.CaptureSize},
		{"process padded", 36, record.ProcessSize, record.ProcessSize},
		{"exact", 40, record.CaptureSize, record.CaptureSize},
		{"foreign length kept", 28, record.CaptureSize, 28},
		{"unknown size", 44, 0, 44},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := trimPerfPadding(make([]byte, tt.rawLen), tt.size)
			if len(got) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}
