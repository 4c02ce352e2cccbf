package elfmodule

import (
	stddwarf "debug/dwarf"
	"encoding/binary"
	"fmt"

	"github.com/pattyshack/dwarfeval/dwarf"
)

const (
	initialLengthEscape   = uint32(0xffffffff)
	initialLengthReserved = uint32(0xfffffff0)

	unitTypeType         = 0x02
	unitTypeSkeleton     = 0x04
	unitTypeSplitCompile = 0x05
	unitTypeSplitType    = 0x06
)

// unitHeader holds the .debug_info unit header fields which debug/dwarf does
// not expose.
type unitHeader struct {
	Version     int
	AddressSize int
	Is64Bit     bool
}

// parseUnitHeaders indexes .debug_info unit headers by the offset of each
// unit's root entry.
func parseUnitHeaders(
	byteOrder binary.ByteOrder,
	content []byte,
) (
	map[stddwarf.Offset]unitHeader,
	error,
) {
	headers := map[stddwarf.Offset]unitHeader{}

	cursor := dwarf.NewSectionCursor(byteOrder, debugInfoName, content)
	for !cursor.HasReachedEnd() {
		start := cursor.Position

		length32, err := cursor.U32()
		if err != nil {
			return nil, err
		}

		header := unitHeader{}
		length := uint64(length32)
		if length32 == initialLengthEscape {
			header.Is64Bit = true
			length, err = cursor.U64()
			if err != nil {
				return nil, err
			}
		} else if length32 >= initialLengthReserved {
			return nil, &dwarf.FormatError{
				Section: debugInfoName,
				Offset:  start,
				Message: "reserved unit length",
			}
		}

		if uint64(cursor.Remaining()) < length {
			return nil, &dwarf.FormatError{
				Section: debugInfoName,
				Offset:  start,
				Message: "unit length is out of bounds",
			}
		}
		end := cursor.Position + int(length)

		unit, err := cursor.SubCursor(cursor.Position, end)
		if err != nil {
			return nil, err
		}

		entryOffset, err := header.parse(unit)
		if err != nil {
			return nil, err
		}

		headers[stddwarf.Offset(entryOffset)] = header
		cursor.Position = end
	}

	return headers, nil
}

// parse decodes the header following the initial length and returns the
// section offset of the unit's root entry.
func (header *unitHeader) parse(cursor *dwarf.Cursor) (int, error) {
	version, err := cursor.U16()
	if err != nil {
		return 0, err
	}
	header.Version = int(version)

	offsetSize := 4
	if header.Is64Bit {
		offsetSize = 8
	}

	switch {
	case version >= 2 && version <= 4:
		_, err = cursor.UintN(offsetSize) // abbreviation offset
		if err != nil {
			return 0, err
		}

		addressSize, err := cursor.U8()
		if err != nil {
			return 0, err
		}
		header.AddressSize = int(addressSize)
	case version == 5:
		unitType, err := cursor.U8()
		if err != nil {
			return 0, err
		}

		addressSize, err := cursor.U8()
		if err != nil {
			return 0, err
		}
		header.AddressSize = int(addressSize)

		_, err = cursor.UintN(offsetSize) // abbreviation offset
		if err != nil {
			return 0, err
		}

		switch unitType {
		case unitTypeSkeleton, unitTypeSplitCompile:
			err = cursor.Skip(8) // dwo id
		case unitTypeType, unitTypeSplitType:
			err = cursor.Skip(8 + offsetSize) // signature and type offset
		}
		if err != nil {
			return 0, err
		}
	default:
		return 0, &dwarf.FormatError{
			Section: debugInfoName,
			Offset:  cursor.Base,
			Message: "unsupported unit version",
		}
	}

	if header.AddressSize < 1 || header.AddressSize > 8 {
		return 0, &dwarf.FormatError{
			Section: debugInfoName,
			Offset:  cursor.Base,
			Message: fmt.Sprintf("unit address size %d", header.AddressSize),
			Err:     dwarf.ErrUnsupported,
		}
	}

	return cursor.Base + cursor.Position, nil
}

// compileUnit returns the evaluation unit of a compile unit root entry.
func (loaded *LoadedFile) compileUnit(
	entry *stddwarf.Entry,
) (
	*dwarf.CompileUnit,
	error,
) {
	unit, ok := loaded.units[entry.Offset]
	if ok {
		return unit, nil
	}

	header, ok := loaded.unitHeaders[entry.Offset]
	if !ok {
		return nil, &dwarf.FormatError{
			Section: debugInfoName,
			Offset:  int(entry.Offset),
			Message: "entry is not a unit root",
		}
	}

	unit = &dwarf.CompileUnit{
		Module:      loaded.Module,
		Version:     header.Version,
		AddressSize: header.AddressSize,
		Is64Bit:     header.Is64Bit,
	}

	lowPC, ok := entry.Val(stddwarf.AttrLowpc).(uint64)
	if ok {
		unit.LowPC = lowPC
		unit.HasLowPC = true
	}

	addrBase, ok := offsetValue(entry.Val(stddwarf.AttrAddrBase))
	if ok {
		unit.AddrBase = addrBase
		unit.HasAddrBase = true
	}

	loclistsBase, ok := offsetValue(entry.Val(stddwarf.AttrLoclistsBase))
	if ok {
		unit.LoclistsBase = loclistsBase
		unit.HasLoclistsBase = true
	}

	loaded.units[entry.Offset] = unit
	return unit, nil
}

func offsetValue(value interface{}) (uint64, bool) {
	switch val := value.(type) {
	case int64:
		return uint64(val), true
	case uint64:
		return val, true
	}
	return 0, false
}
