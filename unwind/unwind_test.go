package unwind

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/go-delve/delve/pkg/dwarf/leb128"
	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
	"github.com/rs/zerolog"

	"github.com/pattyshack/dwarfeval/arch"
	"github.com/pattyshack/dwarfeval/dwarf"
	"github.com/pattyshack/dwarfeval/memory"
	"github.com/pattyshack/dwarfeval/registers"
)

type UnwindSuite struct{}

func TestUnwind(t *testing.T) {
	suite.RunTests(t, &UnwindSuite{})
}

const (
	cfaDefCFA = 0x0c
	cfaOffset = 0x80

	rbp = 6
	rsp = 7
	rip = 16
)

func appendEntry(section *bytes.Buffer, body []byte) {
	_ = binary.Write(section, binary.LittleEndian, uint32(len(body)))
	section.Write(body)
}

func cie(instructions ...byte) []byte {
	body := &bytes.Buffer{}
	_ = binary.Write(body, binary.LittleEndian, uint32(0xffffffff))
	body.Write([]byte{4, 0, 8, 0}) // version, augmentation, address size, segment
	leb128.EncodeUnsigned(body, 1)
	leb128.EncodeSigned(body, -8)
	leb128.EncodeUnsigned(body, rip)
	body.Write(instructions)
	return body.Bytes()
}

func fde(start uint64, length uint64, instructions ...byte) []byte {
	body := &bytes.Buffer{}
	_ = binary.Write(body, binary.LittleEndian, uint32(0)) // CIE offset
	_ = binary.Write(body, binary.LittleEndian, start)
	_ = binary.Write(body, binary.LittleEndian, length)
	body.Write(instructions)
	return body.Bytes()
}

// newTestModules covers [0x1000, 0x2000) with three functions:
//
//	[0x1000, 0x1100): cfa = rsp + 8
//	[0x1100, 0x1200): cfa = rbp + 16, rbp saved at cfa - 16
//	[0x1200, 0x1300): cfa = rsp, return address at cfa
//
// All but the last save the return address at cfa - 8.
func newTestModules() Modules {
	section := &bytes.Buffer{}
	appendEntry(section, cie(cfaDefCFA, rsp, 8, cfaOffset|rip, 1))
	appendEntry(section, fde(0x1000, 0x100))
	appendEntry(section, fde(0x1100, 0x100, cfaDefCFA, rbp, 16, cfaOffset|rbp, 2))
	appendEntry(section, fde(0x1200, 0x100, cfaDefCFA, rsp, 0, cfaOffset|rip, 0))

	sections := dwarf.NewInMemorySections()
	sections.Content[dwarf.DebugFrameSection] = section.Bytes()

	return Modules{
		dwarf.NewModule("test", arch.AMD64, sections, 0, 0x1000, 0x2000),
	}
}

func newStack(values map[uint64]uint64) *memory.Segments {
	stack := make([]byte, 0x40)
	for offset, value := range values {
		binary.LittleEndian.PutUint64(stack[offset:], value)
	}
	return memory.NewSegments(memory.Segment{Address: 0x7f00, Content: stack})
}

func newRegisters(t *testing.T, pc uint64) *registers.State {
	regs := registers.NewState(arch.AMD64)
	expect.Nil(t, regs.SetPC(pc))
	expect.Nil(t, regs.SetValue(arch.AMD64.RegisterNumber(rsp), 0x7f00))
	expect.Nil(t, regs.SetValue(arch.AMD64.RegisterNumber(rbp), 0x7f20))
	regs.SetInterrupted(true)
	return regs
}

func register(t *testing.T, frame *Frame, dwarfRegno uint64) uint64 {
	value, ok := frame.Registers.Value(arch.AMD64.RegisterNumber(dwarfRegno))
	expect.True(t, ok)
	return value
}

func pcs(backtrace *Backtrace) []uint64 {
	result := []uint64{}
	for _, frame := range backtrace.Frames {
		result = append(result, frame.PC)
	}
	return result
}

func (UnwindSuite) TestWalk(t *testing.T) {
	stack := newStack(map[uint64]uint64{
		0x00: 0x1150, // frame 0 return address
		0x20: 0x7f50, // frame 1 saved rbp
		0x28: 0x3000, // frame 1 return address
	})

	unwinder := NewUnwinder(newTestModules(), stack, zerolog.Nop())
	backtrace, err := unwinder.Walk(context.Background(), newRegisters(t, 0x1010))
	expect.Nil(t, err)
	expect.Equal(t, UnknownModule, backtrace.Stop)
	expect.Equal(t, []uint64{0x1010, 0x1150, 0x3000}, pcs(backtrace))

	frame := backtrace.Frames[0]
	expect.True(t, frame.Registers.Interrupted())
	expect.Equal(t, uint64(0x1010), frame.LookupPC())
	cfa, ok := frame.Registers.CFA()
	expect.True(t, ok)
	expect.Equal(t, uint64(0x7f08), cfa)

	frame = backtrace.Frames[1]
	expect.False(t, frame.Registers.Interrupted())
	expect.Equal(t, uint64(0x114f), frame.LookupPC())
	expect.Equal(t, uint64(0x7f08), register(t, frame, rsp))
	expect.Equal(t, uint64(0x7f20), register(t, frame, rbp))
	cfa, ok = frame.Registers.CFA()
	expect.True(t, ok)
	expect.Equal(t, uint64(0x7f30), cfa)

	// Caller saved registers are not recovered.
	_, ok = frame.Registers.Value(arch.AMD64.RegisterNumber(0))
	expect.False(t, ok)

	frame = backtrace.Frames[2]
	expect.Nil(t, frame.Module)
	expect.Equal(t, uint64(0x7f30), register(t, frame, rsp))
	expect.Equal(t, uint64(0x7f50), register(t, frame, rbp))
}

func (UnwindSuite) TestOutermostFrame(t *testing.T) {
	stack := newStack(map[uint64]uint64{
		0x00: 0x1150,
		0x20: 0x7f50,
		0x28: 0,
	})

	unwinder := NewUnwinder(newTestModules(), stack, zerolog.Nop())
	backtrace, err := unwinder.Walk(context.Background(), newRegisters(t, 0x1010))
	expect.Nil(t, err)
	expect.Equal(t, UndefinedReturnAddress, backtrace.Stop)
	expect.Equal(t, []uint64{0x1010, 0x1150}, pcs(backtrace))
}

func (UnwindSuite) TestMaxFrames(t *testing.T) {
	stack := newStack(map[uint64]uint64{
		0x00: 0x1150,
		0x20: 0x7f50,
		0x28: 0x3000,
	})

	unwinder := NewUnwinder(newTestModules(), stack, zerolog.Nop())
	unwinder.MaxFrames = 2

	backtrace, err := unwinder.Walk(context.Background(), newRegisters(t, 0x1010))
	expect.Nil(t, err)
	expect.Equal(t, MaxFramesReached, backtrace.Stop)
	expect.Equal(t, []uint64{0x1010, 0x1150}, pcs(backtrace))
}

func (UnwindSuite) TestNoUnwindInfo(t *testing.T) {
	unwinder := NewUnwinder(newTestModules(), newStack(nil), zerolog.Nop())

	backtrace, err := unwinder.Walk(context.Background(), newRegisters(t, 0x1800))
	expect.Nil(t, err)
	expect.Equal(t, NoUnwindInfo, backtrace.Stop)
	expect.Equal(t, 1, len(backtrace.Frames))
	expect.NotNil(t, backtrace.Frames[0].Module)
}

func (UnwindSuite) TestRepeatedFrame(t *testing.T) {
	stack := newStack(map[uint64]uint64{0x00: 0x1210})
	unwinder := NewUnwinder(newTestModules(), stack, zerolog.Nop())

	backtrace, err := unwinder.Walk(context.Background(), newRegisters(t, 0x1210))
	expect.Nil(t, err)
	expect.Equal(t, RepeatedFrame, backtrace.Stop)
	expect.Equal(t, 1, len(backtrace.Frames))
}

func (UnwindSuite) TestNoProgramCounter(t *testing.T) {
	unwinder := NewUnwinder(newTestModules(), newStack(nil), zerolog.Nop())

	backtrace, err := unwinder.Walk(
		context.Background(),
		registers.NewState(arch.AMD64))
	expect.Nil(t, err)
	expect.Equal(t, NoProgramCounter, backtrace.Stop)
	expect.Equal(t, 0, len(backtrace.Frames))
}

func (UnwindSuite) TestUndefinedCFA(t *testing.T) {
	regs := registers.NewState(arch.AMD64)
	expect.Nil(t, regs.SetPC(0x1010))
	regs.SetInterrupted(true)

	unwinder := NewUnwinder(newTestModules(), newStack(nil), zerolog.Nop())
	backtrace, err := unwinder.Walk(context.Background(), regs)
	expect.Nil(t, err)
	expect.Equal(t, UndefinedCFA, backtrace.Stop)
}

func (UnwindSuite) TestMemoryErrors(t *testing.T) {
	unwinder := NewUnwinder(newTestModules(), nil, zerolog.Nop())

	_, err := unwinder.Walk(context.Background(), newRegisters(t, 0x1010))
	expect.Error(t, err, "failed to unwind frame #0 (pc 0x1010)")
	expect.True(t, errors.Is(err, dwarf.ErrInvalidArgument))

	unwinder.Memory = memory.NewSegments()
	_, err = unwinder.Walk(context.Background(), newRegisters(t, 0x1010))
	expect.True(t, errors.Is(err, memory.ErrUnmapped))
}

func (UnwindSuite) TestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	unwinder := NewUnwinder(newTestModules(), newStack(nil), zerolog.Nop())
	backtrace, err := unwinder.Walk(ctx, newRegisters(t, 0x1010))
	expect.True(t, errors.Is(err, context.Canceled))
	expect.Equal(t, 0, len(backtrace.Frames))
}
