package dwarf

import (
	"fmt"
)

// ResolveLocation returns the expression which describes the attribute's
// location at the frame's pc.  Location lists select an expression by pc; a
// nil expression (with nil error) means no location applies, including that
// the pc is unknown.
func (unit *CompileUnit) ResolveLocation(
	attr *LocationAttribute,
	regs RegisterState,
) (
	[]byte,
	error,
) {
	if !attr.Form.IsLocationList() {
		return attr.Block, nil
	}

	err := checkAddressSize(unit.AddressSize)
	if err != nil {
		return nil, err
	}

	offset := attr.Offset
	if attr.Form == DW_FORM_loclistx {
		offset, err = unit.locationListOffset(offset)
		if err != nil {
			return nil, err
		}
	}

	if regs == nil {
		return nil, nil
	}

	pc, ok := regs.PC()
	if !ok {
		return nil, nil
	}

	// A non-interrupted frame's pc is the return address, which may belong
	// to the next location range.
	if !regs.Interrupted() {
		pc--
	}
	pc -= unit.Bias

	if unit.Version >= 5 {
		return unit.locationListV5(offset, pc)
	}
	return unit.locationListV4(offset, pc)
}

type locationListWalker struct {
	*CompileUnit
	*Cursor

	base      uint64
	baseValid bool
}

func (unit *CompileUnit) newLocationListWalker(
	id SectionId,
	offset uint64,
) (
	*locationListWalker,
	error,
) {
	content, ok, err := unit.loadSection(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf(
			"location list without %s section: %w",
			id,
			ErrSectionNotFound)
	}

	if offset > uint64(len(content)) {
		return nil, sectionError(id, offset, "location list is out of bounds")
	}

	cursor := NewSectionCursor(unit.ByteOrder(), id.String(), content)
	cursor.Position = int(offset)

	return &locationListWalker{
		CompileUnit: unit,
		Cursor:      cursor,
	}, nil
}

func (walker *locationListWalker) baseAddress() (uint64, error) {
	if !walker.baseValid {
		if !walker.HasLowPC {
			return 0, walker.errorf(
				"location list entry has no base address (unit without DW_AT_low_pc)")
		}
		walker.base = walker.LowPC
		walker.baseValid = true
	}
	return walker.base, nil
}

func (walker *locationListWalker) indexedAddress() (uint64, error) {
	index, err := walker.ULEB128(64)
	if err != nil {
		return 0, err
	}

	return walker.IndexedAddress(index)
}

func (walker *locationListWalker) expression(size uint64) ([]byte, error) {
	if size > uint64(walker.Cursor.Remaining()) {
		return nil, walker.errorf("location description size is out of bounds")
	}

	return walker.Bytes(int(size))
}

// countedExpression decodes a ULEB128 sized expression, returning it only
// if start <= pc < start + length.
func (walker *locationListWalker) countedExpression(
	pc uint64,
	start uint64,
	length uint64,
) (
	[]byte,
	error,
) {
	size, err := walker.ULEB128(64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode expression size: %w", err)
	}

	expression, err := walker.expression(size)
	if err != nil {
		return nil, err
	}

	if pc >= start && pc-start < length {
		return expression, nil
	}
	return nil, nil
}

func (unit *CompileUnit) locationListV5(offset uint64, pc uint64) ([]byte, error) {
	walker, err := unit.newLocationListWalker(DebugLocListsSection, offset)
	if err != nil {
		return nil, err
	}

	var defaultExpression []byte
	for {
		entryStart := walker.Position
		kind, err := walker.U8()
		if err != nil {
			return nil, fmt.Errorf("failed to decode entry kind: %w", err)
		}

		var start uint64
		var length uint64
		switch kind {
		case DW_LLE_end_of_list:
			return defaultExpression, nil
		case DW_LLE_base_addressx:
			walker.base, err = walker.indexedAddress()
			if err != nil {
				return nil, err
			}
			walker.baseValid = true
			continue
		case DW_LLE_startx_endx:
			start, err = walker.indexedAddress()
			if err != nil {
				return nil, err
			}
			end, err := walker.indexedAddress()
			if err != nil {
				return nil, err
			}
			length = end - start
		case DW_LLE_startx_length:
			start, err = walker.indexedAddress()
			if err != nil {
				return nil, err
			}
			length, err = walker.ULEB128(64)
			if err != nil {
				return nil, err
			}
		case DW_LLE_offset_pair:
			start, err = walker.ULEB128(64)
			if err != nil {
				return nil, err
			}
			end, err := walker.ULEB128(64)
			if err != nil {
				return nil, err
			}
			length = end - start

			base, err := walker.baseAddress()
			if err != nil {
				return nil, err
			}
			start += base
		case DW_LLE_default_location:
			size, err := walker.ULEB128(64)
			if err != nil {
				return nil, err
			}
			defaultExpression, err = walker.expression(size)
			if err != nil {
				return nil, err
			}
			continue
		case DW_LLE_base_address:
			walker.base, err = walker.UintN(unit.AddressSize)
			if err != nil {
				return nil, err
			}
			walker.baseValid = true
			continue
		case DW_LLE_start_end:
			start, err = walker.UintN(unit.AddressSize)
			if err != nil {
				return nil, err
			}
			end, err := walker.UintN(unit.AddressSize)
			if err != nil {
				return nil, err
			}
			length = end - start
		case DW_LLE_start_length:
			start, err = walker.UintN(unit.AddressSize)
			if err != nil {
				return nil, err
			}
			length, err = walker.ULEB128(64)
			if err != nil {
				return nil, err
			}
		default:
			return nil, walker.errorAt(
				entryStart,
				nil,
				"unknown location list entry kind %#x",
				kind)
		}

		expression, err := walker.countedExpression(pc, start, length)
		if err != nil {
			return nil, err
		}
		if expression != nil {
			return expression, nil
		}
	}
}

func (unit *CompileUnit) locationListV4(offset uint64, pc uint64) ([]byte, error) {
	walker, err := unit.newLocationListWalker(DebugLocSection, offset)
	if err != nil {
		return nil, err
	}

	addressMax := uintMax(unit.AddressSize)
	for {
		start, err := walker.UintN(unit.AddressSize)
		if err != nil {
			return nil, fmt.Errorf("failed to decode entry start: %w", err)
		}

		end, err := walker.UintN(unit.AddressSize)
		if err != nil {
			return nil, fmt.Errorf("failed to decode entry end: %w", err)
		}

		if start == 0 && end == 0 { // end of list
			return nil, nil
		}

		if start == addressMax { // base address selection
			walker.base = end
			walker.baseValid = true
			continue
		}

		base, err := walker.baseAddress()
		if err != nil {
			return nil, err
		}

		size, err := walker.U16()
		if err != nil {
			return nil, fmt.Errorf("failed to decode expression size: %w", err)
		}

		expression, err := walker.expression(uint64(size))
		if err != nil {
			return nil, err
		}

		if base+start <= pc && pc < base+end {
			return expression, nil
		}
	}
}
