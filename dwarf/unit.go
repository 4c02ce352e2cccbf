package dwarf

// CompileUnit holds the unit level attributes needed to evaluate location
// descriptions.
type CompileUnit struct {
	*Module

	Version     int
	AddressSize int
	Is64Bit     bool // dwarf 64-bit format (8-byte section offsets)

	// Unbiased DW_AT_low_pc of the unit's root entry.
	LowPC    uint64
	HasLowPC bool

	AddrBase    uint64
	HasAddrBase bool

	LoclistsBase    uint64
	HasLoclistsBase bool

	// .debug_addr content starting at AddrBase, validated on first use.
	addressTable []byte
}

func (unit *CompileUnit) OffsetSize() int {
	if unit.Is64Bit {
		return 8
	}
	return 4
}

// FunctionEntry is the subprogram enclosing the evaluated location, used by
// DW_OP_fbreg.
type FunctionEntry struct {
	Unit *CompileUnit

	// nil if the function has no DW_AT_frame_base.
	FrameBase *LocationAttribute
}

// LocationAttribute is a DW_AT_location (or DW_AT_frame_base) attribute
// value.  List forms carry the list reference in Offset; everything else
// carries the expression in Block.
type LocationAttribute struct {
	Form   Format
	Block  []byte
	Offset uint64
}

func ExpressionLocation(expression []byte) *LocationAttribute {
	return &LocationAttribute{
		Form:  DW_FORM_exprloc,
		Block: expression,
	}
}
