package dwarf

import (
	"fmt"
)

func checkAddressSize(size int) error {
	if size < 1 || size > 8 {
		return fmt.Errorf("%w address size %d", ErrUnsupported, size)
	}
	return nil
}

func sectionError(id SectionId, offset uint64, format string, args ...interface{}) error {
	return &FormatError{
		Section: id.String(),
		Offset:  int(offset),
		Message: fmt.Sprintf(format, args...),
	}
}

func (unit *CompileUnit) loadAddressTable() ([]byte, error) {
	if unit.addressTable != nil {
		return unit.addressTable, nil
	}

	if !unit.HasAddrBase {
		return nil, fmt.Errorf("indirect address without DW_AT_addr_base")
	}

	content, ok, err := unit.loadSection(DebugAddrSection)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf(
			"indirect address without .debug_addr section: %w",
			ErrSectionNotFound)
	}

	base := unit.AddrBase
	if base > uint64(len(content)) || base == 0 {
		return nil, sectionError(
			DebugAddrSection,
			base,
			"DW_AT_addr_base is out of bounds")
	}

	segmentSelectorSize := content[base-1]
	if segmentSelectorSize != 0 {
		return nil, &FormatError{
			Section: DebugAddrSection.String(),
			Offset:  int(base - 1),
			Message: fmt.Sprintf("segment selector size %d", segmentSelectorSize),
			Err:     ErrUnsupported,
		}
	}

	unit.addressTable = content[base:]
	return unit.addressTable, nil
}

// IndexedAddress returns the index-th .debug_addr entry of the unit's
// address table (DW_OP_addrx, DW_OP_constx, DW_LLE_*x entries).
func (unit *CompileUnit) IndexedAddress(index uint64) (uint64, error) {
	err := checkAddressSize(unit.AddressSize)
	if err != nil {
		return 0, err
	}

	table, err := unit.loadAddressTable()
	if err != nil {
		return 0, err
	}

	size := uint64(unit.AddressSize)
	if index >= uint64(len(table))/size {
		return 0, sectionError(
			DebugAddrSection,
			unit.AddrBase,
			"address index %d is out of bounds",
			index)
	}

	start := index * size
	return decodeUint(unit.ByteOrder(), table[start:start+size]), nil
}

// locationListOffset resolves a DW_FORM_loclistx index into a
// .debug_loclists section offset.
func (unit *CompileUnit) locationListOffset(index uint64) (uint64, error) {
	if !unit.HasLoclistsBase {
		return 0, fmt.Errorf("DW_FORM_loclistx without DW_AT_loclists_base")
	}

	content, ok, err := unit.loadSection(DebugLocListsSection)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf(
			"DW_FORM_loclistx without .debug_loclists section: %w",
			ErrSectionNotFound)
	}

	base := unit.LoclistsBase
	if base > uint64(len(content)) {
		return 0, sectionError(
			DebugLocListsSection,
			base,
			"DW_AT_loclists_base is out of bounds")
	}

	size := uint64(unit.OffsetSize())
	if index >= (uint64(len(content))-base)/size {
		return 0, sectionError(
			DebugLocListsSection,
			base,
			"DW_FORM_loclistx index %d is out of bounds",
			index)
	}

	start := base + index*size
	return base + decodeUint(unit.ByteOrder(), content[start:start+size]), nil
}
