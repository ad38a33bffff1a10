package ebpf

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf/asm"

	"github.com/saworbit/futexsnoop/pkg/probe"
	"github.com/saworbit/futexsnoop/pkg/record"
)

// currentCPU is BPF_F_CURRENT_CPU: emit into the perf ring of the CPU the
// program runs on.
const currentCPU = 0xffffffff

// regsLayout holds byte offsets into struct pt_regs for one architecture.
type regsLayout struct {
	// call are the function calling convention argument registers.
	call [probe.NumParams]int16
	// syscall are the argument registers as saved on syscall entry.
	syscall [probe.NumParams]int16
}

// x86_64: di, si, dx, cx, r8, r9 for calls; r10 replaces cx for syscalls.
var amd64Regs = regsLayout{
	call:    [probe.NumParams]int16{112, 104, 96, 88, 72, 64},
	syscall: [probe.NumParams]int16{112, 104, 96, 56, 72, 64},
}

// arm64: regs[0..5] for both.
var arm64Regs = regsLayout{
	call:    [probe.NumParams]int16{0, 8, 16, 24, 32, 40},
	syscall: [probe.NumParams]int16{0, 8, 16, 24, 32, 40},
}

func layoutFor(goarch string) (regsLayout, error) {
	switch goarch {
	case "amd64":
		return amd64Regs, nil
	case "arm64":
		return arm64Regs, nil
	default:
		return regsLayout{}, fmt.Errorf("%w: no pt_regs layout for %s", ErrUnsupported, goarch)
	}
}

// Stack layout: the record sits at the top of the frame, an 8 byte scratch
// word for probe reads right below it.
const (
	recordOff  = -int16(record.MaxSize)
	scratchOff = recordOff - 8
)

// errNoProgram rejects handlers the kernel backend cannot run: only the
// built-in handlers have an assembled equivalent.
var errNoProgram = errors.New("handler has no kernel program")

// builtinPrograms maps handler names to the record kind their program emits.
var builtinPrograms = map[string]record.Kind{
	probe.CaptureArgs.Name:    probe.CaptureArgs.Kind,
	probe.CaptureProcess.Name: probe.CaptureProcess.Kind,
}

// buildProgram assembles the kprobe program equivalent of h for sym. The
// record is built on the stack and emitted with bpf_perf_event_output into
// the perf event array whose fd is events.
func buildProgram(h probe.Handler, sym probe.Symbol, goarch string, events int) (asm.Instructions, error) {
	kind, ok := builtinPrograms[h.Name]
	if !ok {
		return nil, fmt.Errorf("%w: no kernel program named %q", errNoProgram, h.Name)
	}
	if h.Kind != kind {
		return nil, fmt.Errorf("%w: program %s emits %s records, handler declares %s", errNoProgram, h.Name, kind, h.Kind)
	}
	schema, ok := h.Kind.Schema()
	if !ok {
		return nil, fmt.Errorf("unknown record kind %s", h.Kind)
	}

	insns := asm.Instructions{
		// r6 = ctx, survives helper calls
		asm.Mov.Reg(asm.R6, asm.R1),
	}
	for off := recordOff; off < 0; off += 8 {
		insns = append(insns, asm.StoreImm(asm.RFP, off, 0, asm.DWord))
	}

	var body asm.Instructions
	var err error
	switch h.Name {
	case probe.CaptureArgs.Name:
		body, err = captureArgsBody(schema, sym, goarch)
	case probe.CaptureProcess.Name:
		body, err = processInfoBody(schema)
	}
	if err != nil {
		return nil, err
	}
	insns = append(insns, body...)

	base := recordOff
	insns = append(insns,
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.LoadMapPtr(asm.R2, events),
		asm.LoadImm(asm.R3, currentCPU, asm.DWord),
		asm.Mov.Reg(asm.R4, asm.RFP),
		asm.Add.Imm(asm.R4, int32(base)),
		asm.Mov.Imm(asm.R5, int32(schema.Size)),
		asm.FnPerfEventOutput.Call(),
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	)
	return insns, nil
}

// captureArgsBody copies the six syscall parameters into the capture fields,
// in schema order. Arch wrappers receive a pointer to the user pt_regs as
// their only argument, so parameters are read through it.
func captureArgsBody(schema record.Schema, sym probe.Symbol, goarch string) (asm.Instructions, error) {
	layout, err := layoutFor(goarch)
	if err != nil {
		return nil, err
	}
	if len(schema.Fields) != probe.NumParams {
		return nil, fmt.Errorf("capture schema has %d fields, want %d", len(schema.Fields), probe.NumParams)
	}

	var insns asm.Instructions
	if sym.Wrapped {
		insns = append(insns, asm.LoadMem(asm.R7, asm.R6, layout.call[0], asm.DWord))
	}

	for i, f := range schema.Fields {
		size, err := storeSize(f.Width)
		if err != nil {
			return nil, err
		}
		dst := recordOff + int16(f.Offset)

		if !sym.Wrapped {
			insns = append(insns,
				asm.LoadMem(asm.R0, asm.R6, layout.call[i], asm.DWord),
				asm.StoreMem(asm.RFP, dst, asm.R0, size),
			)
			continue
		}

		insns = append(insns,
			asm.StoreImm(asm.RFP, scratchOff, 0, asm.DWord),
			asm.Mov.Reg(asm.R1, asm.RFP),
			asm.Add.Imm(asm.R1, int32(scratchOff)),
			asm.Mov.Imm(asm.R2, 8),
			asm.Mov.Reg(asm.R3, asm.R7),
			asm.Add.Imm(asm.R3, int32(layout.syscall[i])),
			asm.FnProbeReadKernel.Call(),
			asm.LoadMem(asm.R0, asm.RFP, scratchOff, asm.DWord),
			asm.StoreMem(asm.RFP, dst, asm.R0, size),
		)
	}
	return insns, nil
}

// processInfoBody fills pid, timestamp and comm from helpers.
func processInfoBody(schema record.Schema) (asm.Instructions, error) {
	pid, ok1 := schema.Field("pid")
	ts, ok2 := schema.Field("ts")
	comm, ok3 := schema.Field("comm")
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("process schema missing fields")
	}
	pidSize, err := storeSize(pid.Width)
	if err != nil {
		return nil, err
	}

	return asm.Instructions{
		asm.FnGetCurrentPidTgid.Call(),
		asm.StoreMem(asm.RFP, recordOff+int16(pid.Offset), asm.R0, pidSize),
		asm.FnKtimeGetNs.Call(),
		asm.StoreMem(asm.RFP, recordOff+int16(ts.Offset), asm.R0, asm.DWord),
		asm.Mov.Reg(asm.R1, asm.RFP),
		asm.Add.Imm(asm.R1, int32(recordOff+int16(comm.Offset))),
		asm.Mov.Imm(asm.R2, int32(comm.Width)),
		asm.FnGetCurrentComm.Call(),
	}, nil
}

func storeSize(width int) (asm.Size, error) {
	switch width {
	case 1:
		return asm.Byte, nil
	case 2:
		return asm.Half, nil
	case 4:
		return asm.Word, nil
	case 8:
		return asm.DWord, nil
	default:
		return asm.InvalidSize, fmt.Errorf("no store instruction for %d byte field", width)
	}
}

// trimPerfPadding strips the bytes the kernel appends to a raw perf sample so
// that the sample plus its 4-byte size header stays 8-byte aligned. Samples
// of any other length are returned unchanged for the decoder to reject.
func trimPerfPadding(raw []byte, size int) []byte {
	if size <= 0 || len(raw) == size {
		return raw
	}
	padded := (size+4+7)&^7 - 4
	if len(raw) == padded {
		return raw[:size]
	}
	return raw
}
