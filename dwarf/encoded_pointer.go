package dwarf

// pointerDecoder decodes DW_EH_PE_* encoded pointers.  The cursor's Offset()
// must be the position within the frame section.
type pointerDecoder struct {
	*Cursor

	addressSize int

	// Bases for relative encodings.
	pcRelativeBase   uint64 // address of the section; position is added.
	textRelativeBase uint64
	dataRelativeBase uint64
}

func (decode *pointerDecoder) encodedPointer(
	encoding uint8,
	functionAddress uint64,
) (
	uint64,
	error,
) {
	start := decode.Position

	if encoding&DW_EH_PE_indirect != 0 {
		return 0, decode.errorAt(start, nil, "unknown EH encoding %#x", encoding)
	}

	position := uint64(decode.Offset())

	base := uint64(0)
	switch encoding & 0x70 {
	case DW_EH_PE_absptr:
		// do nothing
	case DW_EH_PE_pcrel:
		base = decode.pcRelativeBase + position
	case DW_EH_PE_textrel:
		base = decode.textRelativeBase
	case DW_EH_PE_datarel:
		base = decode.dataRelativeBase
	case DW_EH_PE_funcrel:
		base = functionAddress
	case DW_EH_PE_aligned:
		size := uint64(decode.addressSize)
		if position%size != 0 {
			err := decode.Skip(int(size - position%size))
			if err != nil {
				return 0, err
			}
		}
	default:
		return 0, decode.errorAt(start, nil, "unknown EH encoding %#x", encoding)
	}

	var offset uint64
	switch encoding & 0x0f {
	case DW_EH_PE_absptr:
		value, err := decode.UintN(decode.addressSize)
		if err != nil {
			return 0, err
		}
		offset = value
	case DW_EH_PE_uleb128:
		value, err := decode.ULEB128(64)
		if err != nil {
			return 0, err
		}
		offset = value
	case DW_EH_PE_udata2:
		value, err := decode.U16()
		if err != nil {
			return 0, err
		}
		offset = uint64(value)
	case DW_EH_PE_udata4:
		value, err := decode.U32()
		if err != nil {
			return 0, err
		}
		offset = uint64(value)
	case DW_EH_PE_udata8:
		value, err := decode.U64()
		if err != nil {
			return 0, err
		}
		offset = value
	case DW_EH_PE_sleb128:
		value, err := decode.SLEB128(64)
		if err != nil {
			return 0, err
		}
		offset = uint64(value)
	case DW_EH_PE_sdata2:
		value, err := decode.S16()
		if err != nil {
			return 0, err
		}
		offset = uint64(value)
	case DW_EH_PE_sdata4:
		value, err := decode.S32()
		if err != nil {
			return 0, err
		}
		offset = uint64(value)
	case DW_EH_PE_sdata8:
		value, err := decode.S64()
		if err != nil {
			return 0, err
		}
		offset = uint64(value)
	default:
		return 0, decode.errorAt(start, nil, "unknown EH encoding %#x", encoding)
	}

	return (base + offset) & uintMax(decode.addressSize), nil
}
