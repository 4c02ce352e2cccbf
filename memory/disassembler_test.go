package memory

import (
	"debug/elf"
	"strings"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type DisassemblerSuite struct{}

func TestDisassembler(t *testing.T) {
	suite.RunTests(t, &DisassemblerSuite{})
}

func (DisassemblerSuite) TestX86(t *testing.T) {
	segments := NewSegments(
		Segment{
			Address: 0x401000,
			// push %rbp; mov %rsp,%rbp; ret
			Content: append(
				[]byte{0x55, 0x48, 0x89, 0xe5, 0xc3},
				make([]byte, 3*maxX64InstructionLength)...),
		})

	disassembler, err := NewDisassembler(segments, elf.EM_X86_64)
	expect.Nil(t, err)

	instructions, err := disassembler.Disassemble(0x401000, 3)
	expect.Nil(t, err)
	expect.Equal(t, 3, len(instructions))

	expect.Equal(t, uint64(0x401000), instructions[0].Address)
	expect.Equal(t, 1, instructions[0].Length)
	expect.Equal(t, uint64(0x401001), instructions[1].Address)
	expect.Equal(t, 3, instructions[1].Length)
	expect.Equal(t, uint64(0x401004), instructions[2].Address)
	expect.True(
		t,
		strings.HasPrefix(instructions[2].String(), "0x0000000000401004: ret"))
}

func (DisassemblerSuite) TestARM64(t *testing.T) {
	segments := NewSegments(
		Segment{
			Address: 0x1000,
			// ret; nop
			Content: []byte{0xc0, 0x03, 0x5f, 0xd6, 0x1f, 0x20, 0x03, 0xd5},
		})

	disassembler, err := NewDisassembler(segments, elf.EM_AARCH64)
	expect.Nil(t, err)

	instructions, err := disassembler.Disassemble(0x1000, 2)
	expect.Nil(t, err)
	expect.Equal(t, 2, len(instructions))
	expect.Equal(t, uint64(0x1004), instructions[1].Address)
	expect.Equal(t, "ret", instructions[0].Text)
	expect.Equal(t, "nop", instructions[1].Text)
}

func (DisassemblerSuite) TestInvalid(t *testing.T) {
	_, err := NewDisassembler(NewSegments(), elf.EM_RISCV)
	expect.Error(t, err, "cannot disassemble")

	disassembler, err := NewDisassembler(NewSegments(), elf.EM_X86_64)
	expect.Nil(t, err)

	_, err = disassembler.Disassemble(0, -1)
	expect.Error(t, err, "invalid number of instructions")

	instructions, err := disassembler.Disassemble(0, 0)
	expect.Nil(t, err)
	expect.Equal(t, 0, len(instructions))

	_, err = disassembler.Disassemble(0x1000, 1)
	expect.Error(t, err, "unmapped memory")
}
