package arch

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"runtime"
	"strings"

	"github.com/pattyshack/dwarfeval/dwarf"
)

type Register struct {
	Name string

	// Unmapped registers have no dwarf register number.
	DwarfRegno    uint64
	HasDwarfRegno bool

	// Location of the register within a register snapshot buffer.
	Offset int
	Size   int
}

// Architecture implements dwarf.Platform.  Internal register numbers are
// indices into Registers.
type Architecture struct {
	name        string
	Machine     elf.Machine
	byteOrder   binary.ByteOrder
	addressSize int

	Registers []Register

	// Size of a register snapshot buffer.
	SnapshotSize int

	ProgramCounter dwarf.RegisterNumber
	StackPointer   dwarf.RegisterNumber

	byDwarfRegno map[uint64]dwarf.RegisterNumber
	byName       map[string]dwarf.RegisterNumber

	defaultRow func(*Architecture) *dwarf.Row
}

func newArchitecture(arch *Architecture) *Architecture {
	arch.byDwarfRegno = map[uint64]dwarf.RegisterNumber{}
	arch.byName = map[string]dwarf.RegisterNumber{}

	for idx, reg := range arch.Registers {
		regno := dwarf.RegisterNumber(idx)
		if reg.HasDwarfRegno {
			arch.byDwarfRegno[reg.DwarfRegno] = regno
		}
		arch.byName[reg.Name] = regno

		end := reg.Offset + reg.Size
		if end > arch.SnapshotSize {
			arch.SnapshotSize = end
		}
	}

	return arch
}

// ForMachine returns the architecture for an elf machine type.
func ForMachine(machine elf.Machine) (*Architecture, error) {
	switch machine {
	case elf.EM_X86_64:
		return AMD64, nil
	case elf.EM_AARCH64:
		return ARM64, nil
	}

	return nil, fmt.Errorf("unsupported machine (%s)", machine)
}

// Host returns the architecture the program is running on.
func Host() (*Architecture, error) {
	switch runtime.GOARCH {
	case "amd64":
		return AMD64, nil
	case "arm64":
		return ARM64, nil
	}

	return nil, fmt.Errorf("unsupported host architecture (%s)", runtime.GOARCH)
}

func (arch *Architecture) Name() string {
	return arch.name
}

func (arch *Architecture) ByteOrder() binary.ByteOrder {
	return arch.byteOrder
}

func (arch *Architecture) AddressSize() int {
	return arch.addressSize
}

func (arch *Architecture) RegisterNumber(dwarfRegno uint64) dwarf.RegisterNumber {
	regno, ok := arch.byDwarfRegno[dwarfRegno]
	if !ok {
		return dwarf.UnknownRegister
	}
	return regno
}

func (arch *Architecture) DefaultCFIRow() *dwarf.Row {
	return arch.defaultRow(arch)
}

func (arch *Architecture) RegisterLayout(
	regno dwarf.RegisterNumber,
) (
	int,
	int,
	bool,
) {
	if regno < 0 || int(regno) >= len(arch.Registers) {
		return 0, 0, false
	}

	reg := arch.Registers[regno]
	return reg.Offset, reg.Size, true
}

func (arch *Architecture) RegisterByName(name string) (dwarf.RegisterNumber, bool) {
	regno, ok := arch.byName[strings.ToLower(name)]
	return regno, ok
}

func (arch *Architecture) RegisterName(regno dwarf.RegisterNumber) string {
	if regno < 0 || int(regno) >= len(arch.Registers) {
		return fmt.Sprintf("unknown_register_%d", int(regno))
	}
	return arch.Registers[regno].Name
}

func sameValue(row *dwarf.Row, regno dwarf.RegisterNumber) {
	row.SetRegister(
		regno,
		dwarf.Rule{
			Kind:     dwarf.RegisterPlusOffsetRule,
			Register: regno,
		})
}
