package arch

import (
	"debug/elf"
	"encoding/binary"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/pattyshack/dwarfeval/dwarf"
)

const (
	arm64NumGeneralRegisters = 31 // x0 - x30
	arm64StackPointer        = 31
	arm64LinkRegister        = 30
)

// The register snapshot layout matches user_pt_regs.  Dwarf register numbers
// follow the aarch64 dwarf abi: x0-x30 are 0-30, sp is 31.  The pc has no
// dwarf register number.
func arm64Registers() []Register {
	registers := make([]Register, 0, arm64NumGeneralRegisters+3)
	for idx := 0; idx < arm64NumGeneralRegisters; idx++ {
		registers = append(
			registers,
			Register{
				Name:          strings.ToLower((arm64asm.X0 + arm64asm.Reg(idx)).String()),
				DwarfRegno:    uint64(idx),
				HasDwarfRegno: true,
				Offset:        8 * idx,
				Size:          8,
			})
	}

	return append(
		registers,
		Register{
			Name:          "sp",
			DwarfRegno:    arm64StackPointer,
			HasDwarfRegno: true,
			Offset:        248,
			Size:          8,
		},
		Register{
			Name:   "pc",
			Offset: 256,
			Size:   8,
		},
		Register{
			Name:   "pstate",
			Offset: 264,
			Size:   8,
		})
}

var ARM64 = newArchitecture(&Architecture{
	name:           "aarch64",
	Machine:        elf.EM_AARCH64,
	byteOrder:      binary.LittleEndian,
	addressSize:    8,
	Registers:      arm64Registers(),
	ProgramCounter: arm64NumGeneralRegisters + 1,
	StackPointer:   arm64StackPointer,
	defaultRow:     arm64DefaultCFIRow,
})

// The caller's sp is the CFA.  x19-x30 are callee saved (x29 is the frame
// pointer, x30 is the link register).
func arm64DefaultCFIRow(arch *Architecture) *dwarf.Row {
	row := dwarf.NewRow()
	row.SetRegister(
		arch.StackPointer,
		dwarf.Rule{
			Kind: dwarf.CFAPlusOffsetRule,
		})

	for regno := 19; regno <= arm64LinkRegister; regno++ {
		sameValue(row, dwarf.RegisterNumber(regno))
	}

	return row
}
