package memory

import (
	"debug/elf"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

const (
	maxX64InstructionLength = 15
	arm64InstructionLength  = 4
)

type Reader interface {
	ReadMemory(address uint64, out []byte) error
}

type DisassembledInstruction struct {
	Address uint64
	Length  int
	Text    string
}

func (inst DisassembledInstruction) String() string {
	return fmt.Sprintf("0x%016x: %s", inst.Address, inst.Text)
}

type Disassembler struct {
	memory  Reader
	machine elf.Machine
}

func NewDisassembler(memory Reader, machine elf.Machine) (*Disassembler, error) {
	switch machine {
	case elf.EM_X86_64, elf.EM_AARCH64:
	default:
		return nil, fmt.Errorf("cannot disassemble %s instructions", machine)
	}

	return &Disassembler{
		memory:  memory,
		machine: machine,
	}, nil
}

func (disassembler *Disassembler) maxLength() int {
	if disassembler.machine == elf.EM_AARCH64 {
		return arm64InstructionLength
	}
	return maxX64InstructionLength
}

func (disassembler *Disassembler) Disassemble(
	startAddress uint64,
	numInstructions int,
) (
	[]DisassembledInstruction,
	error,
) {
	if numInstructions < 0 {
		return nil, fmt.Errorf(
			"invalid number of instructions to disassemble: %d",
			numInstructions)
	} else if numInstructions == 0 {
		return nil, nil
	}

	data := make([]byte, numInstructions*disassembler.maxLength())
	err := disassembler.memory.ReadMemory(startAddress, data)
	if err != nil {
		return nil, err
	}

	return disassembler.decode(startAddress, data, numInstructions), nil
}

func (disassembler *Disassembler) decode(
	address uint64,
	data []byte,
	numInstructions int,
) []DisassembledInstruction {
	result := make([]DisassembledInstruction, 0, numInstructions)
	for len(data) > 0 && len(result) < numInstructions {
		var inst DisassembledInstruction
		if disassembler.machine == elf.EM_AARCH64 {
			decoded, err := arm64asm.Decode(data)
			if err != nil {
				break
			}

			inst = DisassembledInstruction{
				Address: address,
				Length:  arm64InstructionLength,
				Text:    strings.TrimSpace(arm64asm.GNUSyntax(decoded)),
			}
		} else {
			decoded, err := x86asm.Decode(data, 64)
			if err != nil {
				break
			}

			inst = DisassembledInstruction{
				Address: address,
				Length:  decoded.Len,
				Text:    strings.TrimSpace(x86asm.GNUSyntax(decoded, address, nil)),
			}
		}

		result = append(result, inst)
		data = data[inst.Length:]
		address += uint64(inst.Length)
	}

	return result
}
