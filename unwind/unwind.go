package unwind

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pattyshack/dwarfeval/dwarf"
	"github.com/pattyshack/dwarfeval/registers"
)

const (
	DefaultMaxFrames = 64
)

type StopReason string

const (
	// The innermost frame has no program counter.
	NoProgramCounter = StopReason("no program counter")

	// No module contains the frame's pc.
	UnknownModule = StopReason("no module contains pc")

	// No FDE covers the frame's pc.
	NoUnwindInfo = StopReason("no unwind info for pc")

	// The frame's CFA rule could not be evaluated.
	UndefinedCFA = StopReason("undefined CFA")

	// The caller's return address is undefined or zero (outermost frame).
	UndefinedReturnAddress = StopReason("undefined return address")

	// The caller frame is identical to the current frame.
	RepeatedFrame = StopReason("repeated frame")

	MaxFramesReached = StopReason("max frames reached")
)

// ModuleResolver maps loaded addresses to modules.
type ModuleResolver interface {
	ModuleAt(address uint64) (*dwarf.Module, bool)
}

// Modules is a ModuleResolver over a fixed set of modules.
type Modules []*dwarf.Module

func (modules Modules) ModuleAt(address uint64) (*dwarf.Module, bool) {
	for _, module := range modules {
		if module.Contains(address) {
			return module, true
		}
	}
	return nil, false
}

type Frame struct {
	Index int

	PC uint64

	// nil if no module contains PC.
	Module *dwarf.Module

	// The frame's registers.  The CFA is set once the frame is unwound.
	Registers *registers.State

	// True if the frame's FDE marks a signal trampoline.
	SignalFrame bool
}

// LookupPC is the pc used to find the frame's unwind info and locations.
// A call site frame's pc is a return address which may belong to the next
// FDE.
func (frame *Frame) LookupPC() uint64 {
	if !frame.Registers.Interrupted() && frame.PC > 0 {
		return frame.PC - 1
	}
	return frame.PC
}

type Backtrace struct {
	Frames []*Frame

	Stop StopReason
}

type Unwinder struct {
	Modules ModuleResolver
	Memory  dwarf.MemoryReader

	MaxFrames int

	Logger zerolog.Logger
}

func NewUnwinder(
	modules ModuleResolver,
	memory dwarf.MemoryReader,
	logger zerolog.Logger,
) *Unwinder {
	return &Unwinder{
		Modules:   modules,
		Memory:    memory,
		MaxFrames: DefaultMaxFrames,
		Logger:    logger,
	}
}

// Walk unwinds the stack starting from the innermost frame's registers.
// Unwinding stops at the first frame which cannot be unwound; errors are
// only returned for malformed debug info or unreadable memory.
func (unwinder *Unwinder) Walk(
	ctx context.Context,
	regs *registers.State,
) (
	*Backtrace,
	error,
) {
	maxFrames := unwinder.MaxFrames
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}

	backtrace := &Backtrace{}
	for {
		err := ctx.Err()
		if err != nil {
			return backtrace, err
		}

		pc, ok := regs.PC()
		if !ok {
			backtrace.Stop = NoProgramCounter
			return backtrace, nil
		}

		frame := &Frame{
			Index:     len(backtrace.Frames),
			PC:        pc,
			Registers: regs,
		}
		backtrace.Frames = append(backtrace.Frames, frame)

		if len(backtrace.Frames) >= maxFrames {
			backtrace.Stop = MaxFramesReached
			return backtrace, nil
		}

		caller, stop, err := unwinder.unwind(frame)
		if err != nil {
			return backtrace, fmt.Errorf(
				"failed to unwind frame #%d (pc %#x): %w",
				frame.Index,
				frame.PC,
				err)
		}

		if stop != "" {
			unwinder.Logger.Debug().
				Int("frame", frame.Index).
				Str("pc", fmt.Sprintf("%#x", frame.PC)).
				Str("reason", string(stop)).
				Msg("unwinding stopped")

			backtrace.Stop = stop
			return backtrace, nil
		}

		regs = caller
	}
}

// unwind recovers the caller's registers.  frame.Registers' CFA is set as a
// side effect.
func (unwinder *Unwinder) unwind(
	frame *Frame,
) (
	*registers.State,
	StopReason,
	error,
) {
	lookupPC := frame.LookupPC()

	module, ok := unwinder.Modules.ModuleAt(lookupPC)
	if !ok {
		return nil, UnknownModule, nil
	}
	frame.Module = module

	row, info, found, err := module.FindCFIRow(lookupPC - module.Bias)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return nil, NoUnwindInfo, nil
	}
	frame.SignalFrame = info.SignalFrame

	regs := frame.Registers
	cfa, found, err := module.EvaluateCFA(row, regs, unwinder.Memory)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return nil, UndefinedCFA, nil
	}
	regs.SetCFA(cfa)

	caller := registers.NewState(regs.Architecture)
	for _, regno := range row.Registers() {
		_, size, ok := regs.RegisterLayout(regno)
		if !ok {
			continue
		}

		out := make([]byte, size)
		found, err := module.EvaluateRule(
			row.Register(regno),
			regs,
			unwinder.Memory,
			out)
		if err != nil {
			return nil, "", fmt.Errorf(
				"failed to recover %s: %w",
				regs.RegisterName(regno),
				err)
		}
		if !found {
			continue
		}

		err = caller.Set(regno, out)
		if err != nil {
			return nil, "", err
		}
	}

	returnAddress, ok := caller.Value(info.ReturnAddressRegister)
	if !ok || returnAddress == 0 {
		return nil, UndefinedReturnAddress, nil
	}

	err = caller.SetPC(returnAddress)
	if err != nil {
		return nil, "", err
	}

	// A signal trampoline's caller was interrupted rather than suspended at a
	// call.
	caller.SetInterrupted(info.SignalFrame)

	sp, _ := regs.StackPointerValue()
	callerSP, _ := caller.StackPointerValue()
	if returnAddress == frame.PC && sp == callerSP {
		return nil, RepeatedFrame, nil
	}

	return caller, "", nil
}
