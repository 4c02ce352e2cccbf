package arch

import (
	"debug/elf"
	"encoding/binary"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/pattyshack/dwarfeval/dwarf"
)

const (
	amd64ReturnAddressColumn = 16
)

func amd64Register(
	reg x86asm.Reg,
	dwarfRegno uint64,
	offset int, // within user_regs_struct
) Register {
	return Register{
		Name:          strings.ToLower(reg.String()),
		DwarfRegno:    dwarfRegno,
		HasDwarfRegno: true,
		Offset:        offset,
		Size:          8,
	}
}

func amd64UnmappedRegister(name string, offset int) Register {
	return Register{
		Name:   name,
		Offset: offset,
		Size:   8,
	}
}

// The register snapshot layout matches user_regs_struct.  Dwarf register
// numbers follow the system v amd64 abi (section 3.6.2).
var AMD64 = newArchitecture(&Architecture{
	name:        "x86-64",
	Machine:     elf.EM_X86_64,
	byteOrder:   binary.LittleEndian,
	addressSize: 8,
	Registers: []Register{
		amd64Register(x86asm.RAX, 0, 80),
		amd64Register(x86asm.RDX, 1, 96),
		amd64Register(x86asm.RCX, 2, 88),
		amd64Register(x86asm.RBX, 3, 40),
		amd64Register(x86asm.RSI, 4, 104),
		amd64Register(x86asm.RDI, 5, 112),
		amd64Register(x86asm.RBP, 6, 32),
		amd64Register(x86asm.RSP, 7, 152),
		amd64Register(x86asm.R8, 8, 72),
		amd64Register(x86asm.R9, 9, 64),
		amd64Register(x86asm.R10, 10, 56),
		amd64Register(x86asm.R11, 11, 48),
		amd64Register(x86asm.R12, 12, 24),
		amd64Register(x86asm.R13, 13, 16),
		amd64Register(x86asm.R14, 14, 8),
		amd64Register(x86asm.R15, 15, 0),
		amd64Register(x86asm.RIP, amd64ReturnAddressColumn, 128),
		amd64UnmappedRegister("orig_rax", 120),
		amd64UnmappedRegister("cs", 136),
		amd64UnmappedRegister("eflags", 144),
		amd64UnmappedRegister("ss", 160),
		amd64UnmappedRegister("fs_base", 168),
		amd64UnmappedRegister("gs_base", 176),
		amd64UnmappedRegister("ds", 184),
		amd64UnmappedRegister("es", 192),
		amd64UnmappedRegister("fs", 200),
		amd64UnmappedRegister("gs", 208),
	},
	ProgramCounter: 16,
	StackPointer:   7,
	defaultRow:     amd64DefaultCFIRow,
})

// The caller's rsp is the CFA.  rbx, rbp, r12-r15 are callee saved.
func amd64DefaultCFIRow(arch *Architecture) *dwarf.Row {
	row := dwarf.NewRow()
	row.SetRegister(
		arch.StackPointer,
		dwarf.Rule{
			Kind: dwarf.CFAPlusOffsetRule,
		})

	for _, name := range []string{"rbx", "rbp", "r12", "r13", "r14", "r15"} {
		regno, _ := arch.RegisterByName(name)
		sameValue(row, regno)
	}

	return row
}
