package dwarf

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"
)

// Platform specific register number, as opposed to a dwarf register number.
// Each Platform maps dwarf register numbers onto its own numbering.
type RegisterNumber int

const (
	UnknownRegister = RegisterNumber(-1)
)

type MemoryReader interface {
	// ReadMemory fills out with the target's memory starting at address.
	// Partial reads are reported as errors.
	ReadMemory(address uint64, out []byte) error
}

// RegisterState is a (possibly partial) register snapshot of a single frame.
type RegisterState interface {
	PC() (uint64, bool)

	CFA() (uint64, bool)

	// True if the frame was interrupted (e.g., by a signal) rather than
	// suspended at a call site.
	Interrupted() bool

	// Raw register content in the target's byte order.
	RegisterBytes(RegisterNumber) ([]byte, bool)
}

type Platform interface {
	Name() string

	ByteOrder() binary.ByteOrder

	AddressSize() int

	// Returns UnknownRegister if the dwarf register number is not mapped.
	RegisterNumber(dwarfRegno uint64) RegisterNumber

	// The row used before any CIE instruction executes.  Each call returns a
	// fresh row.
	DefaultCFIRow() *Row

	// Byte offset and size of the register within a register snapshot buffer.
	RegisterLayout(RegisterNumber) (offset int, size int, ok bool)
}

type SectionId int

const (
	DebugFrameSection = SectionId(iota)
	EhFrameSection
	DebugLocSection
	DebugLocListsSection
	DebugAddrSection
	TextSection
	GotSection
)

func (id SectionId) String() string {
	switch id {
	case DebugFrameSection:
		return ".debug_frame"
	case EhFrameSection:
		return ".eh_frame"
	case DebugLocSection:
		return ".debug_loc"
	case DebugLocListsSection:
		return ".debug_loclists"
	case DebugAddrSection:
		return ".debug_addr"
	case TextSection:
		return ".text"
	case GotSection:
		return ".got"
	default:
		return fmt.Sprintf("unknown_section_%d", int(id))
	}
}

type SectionLoader interface {
	// Returns false (with nil error) if the module does not have the section.
	LoadSection(SectionId) ([]byte, bool, error)

	// Unbiased address of the section, if the section is allocated.
	SectionAddress(SectionId) (uint64, bool)
}

// InMemorySections is a SectionLoader over already loaded section content.
type InMemorySections struct {
	Content   map[SectionId][]byte
	Addresses map[SectionId]uint64
}

func NewInMemorySections() *InMemorySections {
	return &InMemorySections{
		Content:   map[SectionId][]byte{},
		Addresses: map[SectionId]uint64{},
	}
}

func (sections *InMemorySections) LoadSection(
	id SectionId,
) (
	[]byte,
	bool,
	error,
) {
	content, ok := sections.Content[id]
	return content, ok, nil
}

func (sections *InMemorySections) SectionAddress(id SectionId) (uint64, bool) {
	address, ok := sections.Addresses[id]
	return address, ok
}

// Module is a single loaded binary (executable or shared library).  Its
// caches are built lazily and are not synchronized; callers must serialize
// access to a module.
type Module struct {
	Name string

	Platform
	Sections SectionLoader

	// Difference between the module's loaded addresses and its file
	// addresses.
	Bias uint64

	// Loaded address range [Start, End) of the module.
	Start uint64
	End   uint64

	Logger zerolog.Logger

	cfi *cfiTable
}

func NewModule(
	name string,
	platform Platform,
	sections SectionLoader,
	bias uint64,
	start uint64,
	end uint64,
) *Module {
	return &Module{
		Name:     name,
		Platform: platform,
		Sections: sections,
		Bias:     bias,
		Start:    start,
		End:      end,
		Logger:   zerolog.Nop(),
	}
}

func (module *Module) loadSection(id SectionId) ([]byte, bool, error) {
	if module.Sections == nil {
		return nil, false, nil
	}

	content, ok, err := module.Sections.LoadSection(id)
	if err != nil {
		return nil, false, fmt.Errorf(
			"failed to load %s section of %s: %w",
			id,
			module.Name,
			err)
	}

	return content, ok, nil
}

func (module *Module) sectionAddress(id SectionId) uint64 {
	if module.Sections == nil {
		return 0
	}

	address, _ := module.Sections.SectionAddress(id)
	return address
}

// Contains reports whether the loaded address falls within the module.
func (module *Module) Contains(address uint64) bool {
	return module.Start <= address && address < module.End
}

func uintMax(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * uint(size))) - 1
}

func truncateSigned(value uint64, bitSize int) int64 {
	shift := 64 - uint(bitSize)
	return int64(value<<shift) >> shift
}

// RegisterValue interprets the least significant 8 bytes of a raw register
// as an unsigned integer.
func RegisterValue(byteOrder binary.ByteOrder, content []byte) uint64 {
	if len(content) > 8 {
		if isLittleEndian(byteOrder) {
			content = content[:8]
		} else {
			content = content[len(content)-8:]
		}
	}

	return decodeUint(byteOrder, content)
}

func (module *Module) registerValue(
	regs RegisterState,
	dwarfRegno uint64,
) (
	uint64,
	bool,
) {
	if regs == nil {
		return 0, false
	}

	regno := module.RegisterNumber(dwarfRegno)
	if regno == UnknownRegister {
		return 0, false
	}

	content, ok := regs.RegisterBytes(regno)
	if !ok {
		return 0, false
	}

	return RegisterValue(module.ByteOrder(), content), true
}
