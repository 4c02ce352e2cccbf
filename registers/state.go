package registers

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pattyshack/dwarfeval/arch"
	"github.com/pattyshack/dwarfeval/dwarf"
	"github.com/pattyshack/dwarfeval/ptrace"
)

// State is a (possibly partial) register snapshot of a single frame.  The
// snapshot buffer uses the architecture's register layout.
type State struct {
	*arch.Architecture

	buffer []byte
	valid  []bool

	cfa    uint64
	hasCFA bool

	interrupted bool
}

func NewState(architecture *arch.Architecture) *State {
	return &State{
		Architecture: architecture,
		buffer:       make([]byte, architecture.SnapshotSize),
		valid:        make([]bool, len(architecture.Registers)),
	}
}

// FromSnapshot returns a state with every register defined.
func FromSnapshot(
	architecture *arch.Architecture,
	snapshot []byte,
) (
	*State,
	error,
) {
	if len(snapshot) < architecture.SnapshotSize {
		return nil, fmt.Errorf(
			"register snapshot too small (%d < %d)",
			len(snapshot),
			architecture.SnapshotSize)
	}

	state := NewState(architecture)
	copy(state.buffer, snapshot)
	for idx := range state.valid {
		state.valid[idx] = true
	}

	// A stopped thread is resumed at its pc, not returned to.
	state.interrupted = true
	return state, nil
}

// Offset of pr_reg within linux's struct elf_prstatus on 64-bit targets.
const prstatusRegistersOffset = 112

// FromPrstatus converts a core file NT_PRSTATUS description.  pr_reg uses
// the same layout as PTRACE_GETREGS.
func FromPrstatus(
	architecture *arch.Architecture,
	desc []byte,
) (
	*State,
	error,
) {
	if len(desc) < prstatusRegistersOffset {
		return nil, fmt.Errorf("NT_PRSTATUS note too small (%d)", len(desc))
	}

	return FromSnapshot(architecture, desc[prstatusRegistersOffset:])
}

// FromPtraceRegs converts a host PTRACE_GETREGS snapshot.  The ptrace register
// struct layout matches the host architecture's snapshot layout.
func FromPtraceRegs(regs *ptrace.UserRegs) (*State, error) {
	architecture, err := arch.Host()
	if err != nil {
		return nil, err
	}

	buffer := &bytes.Buffer{}
	err = binary.Write(buffer, binary.NativeEndian, regs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ptrace registers: %w", err)
	}

	return FromSnapshot(architecture, buffer.Bytes())
}

func (state *State) layout(regno dwarf.RegisterNumber) (int, int, bool) {
	return state.RegisterLayout(regno)
}

func (state *State) Has(regno dwarf.RegisterNumber) bool {
	_, _, ok := state.layout(regno)
	return ok && state.valid[regno]
}

func (state *State) RegisterBytes(regno dwarf.RegisterNumber) ([]byte, bool) {
	offset, size, ok := state.layout(regno)
	if !ok || !state.valid[regno] {
		return nil, false
	}

	return state.buffer[offset : offset+size], true
}

func (state *State) Value(regno dwarf.RegisterNumber) (uint64, bool) {
	content, ok := state.RegisterBytes(regno)
	if !ok {
		return 0, false
	}

	return dwarf.RegisterValue(state.ByteOrder(), content), true
}

// Set copies the register's raw content (in the architecture's byte order).
func (state *State) Set(regno dwarf.RegisterNumber, content []byte) error {
	offset, size, ok := state.layout(regno)
	if !ok {
		return fmt.Errorf("%w register %d", dwarf.ErrInvalidArgument, int(regno))
	}

	if len(content) != size {
		return fmt.Errorf(
			"register (%s) size (%d) does not match value size (%d)",
			state.RegisterName(regno),
			size,
			len(content))
	}

	copy(state.buffer[offset:offset+size], content)
	state.valid[regno] = true
	return nil
}

func (state *State) SetValue(regno dwarf.RegisterNumber, value uint64) error {
	_, size, ok := state.layout(regno)
	if !ok {
		return fmt.Errorf("%w register %d", dwarf.ErrInvalidArgument, int(regno))
	}

	content := make([]byte, size)
	switch size {
	case 8:
		state.ByteOrder().PutUint64(content, value)
	case 4:
		state.ByteOrder().PutUint32(content, uint32(value))
	default:
		return fmt.Errorf(
			"cannot set %d-byte register (%s) from integer",
			size,
			state.RegisterName(regno))
	}

	return state.Set(regno, content)
}

func (state *State) Unset(regno dwarf.RegisterNumber) {
	if state.Has(regno) {
		state.valid[regno] = false
	}
}

func (state *State) PC() (uint64, bool) {
	return state.Value(state.ProgramCounter)
}

func (state *State) SetPC(pc uint64) error {
	return state.SetValue(state.ProgramCounter, pc)
}

func (state *State) StackPointerValue() (uint64, bool) {
	return state.Value(state.StackPointer)
}

func (state *State) CFA() (uint64, bool) {
	return state.cfa, state.hasCFA
}

func (state *State) SetCFA(cfa uint64) {
	state.cfa = cfa
	state.hasCFA = true
}

func (state *State) Interrupted() bool {
	return state.interrupted
}

func (state *State) SetInterrupted(interrupted bool) {
	state.interrupted = interrupted
}

// Defined returns the defined registers in register number order.
func (state *State) Defined() []dwarf.RegisterNumber {
	result := []dwarf.RegisterNumber{}
	for idx, valid := range state.valid {
		if valid {
			result = append(result, dwarf.RegisterNumber(idx))
		}
	}
	return result
}
