package dwarf

import (
	"encoding/binary"
	"io"
	"sort"
)

const (
	cieVersion1 = 1 // dwarf2's version value is confusingly 1
	cieVersion3 = 3
	cieVersion4 = 4

	ehFrameCIEId        = uint64(0)
	debugFrameCIEId32   = uint64(0xffffffff)
	debugFrameCIEId64   = ^uint64(0)
	initialLengthEscape = uint32(0xffffffff)
)

type CommonInfoEntry struct {
	SectionOffset uint64
	IsEH          bool

	Version      uint8
	Augmentation string

	AddressSize     int
	AddressEncoding uint8

	// True if the augmentation string starts with 'z'. FDEs referencing this
	// CIE then carry an augmentation data length.
	HasAugmentationLength bool

	SignalFrame bool

	ReturnAddressRegister RegisterNumber

	CodeAlignmentFactor uint64
	DataAlignmentFactor int64

	InitialInstructions []byte
	instructionsOffset  int
}

type FrameDescriptionEntry struct {
	SectionOffset uint64

	*CommonInfoEntry

	InitialLocation uint64
	AddressRange    uint64

	Instructions       []byte
	instructionsOffset int
}

// Contains reports whether the unbiased pc falls within the FDE's range.
func (fde *FrameDescriptionEntry) Contains(pc uint64) bool {
	return pc >= fde.InitialLocation && pc-fde.InitialLocation < fde.AddressRange
}

func (cie *CommonInfoEntry) section() SectionId {
	if cie.IsEH {
		return EhFrameSection
	}
	return DebugFrameSection
}

type cfiTable struct {
	numCIEs int

	// Sorted by InitialLocation, without duplicated initial locations.
	fdes []*FrameDescriptionEntry

	addressSize int

	pcRelativeBase   uint64
	textRelativeBase uint64
	dataRelativeBase uint64
}

func (table *cfiTable) decoder(
	byteOrder binary.ByteOrder,
	cie *CommonInfoEntry,
	content []byte,
	base int,
) *pointerDecoder {
	return &pointerDecoder{
		Cursor: &Cursor{
			ByteOrder: byteOrder,
			Section:   cie.section().String(),
			Base:      base,
			Content:   content,
		},
		addressSize:      cie.AddressSize,
		pcRelativeBase:   table.pcRelativeBase,
		textRelativeBase: table.textRelativeBase,
		dataRelativeBase: table.dataRelativeBase,
	}
}

// FDEs returns the module's deduplicated frame description entries, sorted
// by initial location.
func (module *Module) FDEs() ([]*FrameDescriptionEntry, error) {
	table, err := module.cfiTable()
	if err != nil {
		return nil, err
	}
	return table.fdes, nil
}

// FindFDE returns the FDE covering the unbiased pc.
func (module *Module) FindFDE(
	unbiasedPC uint64,
) (
	*FrameDescriptionEntry,
	bool,
	error,
) {
	table, err := module.cfiTable()
	if err != nil {
		return nil, false, err
	}

	fde := table.find(unbiasedPC)
	return fde, fde != nil, nil
}

func (table *cfiTable) find(pc uint64) *FrameDescriptionEntry {
	lo := 0
	hi := len(table.fdes)
	for lo < hi {
		mid := lo + (hi-lo)/2
		fde := table.fdes[mid]
		if pc < fde.InitialLocation {
			hi = mid
		} else if pc-fde.InitialLocation >= fde.AddressRange {
			lo = mid + 1
		} else {
			return fde
		}
	}

	return nil
}

func (module *Module) cfiTable() (*cfiTable, error) {
	if module.cfi != nil {
		return module.cfi, nil
	}

	table := &cfiTable{
		addressSize:      module.AddressSize(),
		pcRelativeBase:   module.sectionAddress(EhFrameSection),
		textRelativeBase: module.sectionAddress(TextSection),
		dataRelativeBase: module.sectionAddress(GotSection),
	}

	var fdes []*FrameDescriptionEntry
	for _, id := range []SectionId{DebugFrameSection, EhFrameSection} {
		content, ok, err := module.loadSection(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		parse := &frameParser{
			Module:  module,
			table:   table,
			isEH:    id == EhFrameSection,
			content: content,
			cies:    map[uint64]*CommonInfoEntry{},
		}

		err = parse.section()
		if err != nil {
			return nil, err
		}

		table.numCIEs += len(parse.cies)
		fdes = append(fdes, parse.fdes...)
	}

	sort.SliceStable(
		fdes,
		func(i int, j int) bool {
			if fdes[i].InitialLocation != fdes[j].InitialLocation {
				return fdes[i].InitialLocation < fdes[j].InitialLocation
			}
			return !fdes[i].IsEH && fdes[j].IsEH
		})

	// .debug_frame entries sort before .eh_frame entries with the same
	// initial location and take precedence.
	deduped := make([]*FrameDescriptionEntry, 0, len(fdes))
	for _, fde := range fdes {
		last := len(deduped) - 1
		if last >= 0 && deduped[last].InitialLocation == fde.InitialLocation {
			continue
		}
		deduped = append(deduped, fde)
	}
	table.fdes = deduped

	module.Logger.Debug().
		Str("module", module.Name).
		Int("cies", table.numCIEs).
		Int("fdes", len(table.fdes)).
		Msg("built call frame information table")

	module.cfi = table
	return table, nil
}

type frameParser struct {
	*Module

	table *cfiTable

	isEH    bool
	content []byte

	// Keyed by section offset.  CIEs are only parsed when referenced.
	cies map[uint64]*CommonInfoEntry

	fdes []*FrameDescriptionEntry
}

func (parse *frameParser) sectionId() SectionId {
	if parse.isEH {
		return EhFrameSection
	}
	return DebugFrameSection
}

func (parse *frameParser) cursor() *Cursor {
	return NewSectionCursor(
		parse.ByteOrder(),
		parse.sectionId().String(),
		parse.content)
}

func (parse *frameParser) entryDecoder(
	cie *CommonInfoEntry,
	entry *Cursor,
) *pointerDecoder {
	decode := parse.table.decoder(parse.ByteOrder(), cie, entry.Content, entry.Base)
	decode.Position = entry.Position
	return decode
}

// entry reads an entry's initial length and returns a sub cursor over the
// rest of the entry.  A nil cursor marks the section terminator.
func (parse *frameParser) entry(
	section *Cursor,
) (
	*Cursor,
	bool, // is 64-bit
	error,
) {
	length32, err := section.U32()
	if err != nil {
		return nil, false, err
	}

	is64Bit := false
	length := uint64(length32)
	if length32 == initialLengthEscape {
		is64Bit = true
		length, err = section.U64()
		if err != nil {
			return nil, false, err
		}
	}

	if length == 0 {
		return nil, is64Bit, nil
	}

	if length > uint64(section.Remaining()) {
		return nil, false, section.errorf("entry length is out of bounds")
	}

	end := section.Position + int(length)
	entry, err := section.SubCursor(section.Position, end)
	if err != nil {
		return nil, false, err
	}

	section.Position = end
	return entry, is64Bit, nil
}

func (parse *frameParser) cieId(is64Bit bool) uint64 {
	if parse.isEH {
		return ehFrameCIEId
	}
	if is64Bit {
		return debugFrameCIEId64
	}
	return debugFrameCIEId32
}

func (parse *frameParser) ciePointer(entry *Cursor, is64Bit bool) (uint64, error) {
	if is64Bit {
		return entry.U64()
	}

	value, err := entry.U32()
	return uint64(value), err
}

func (parse *frameParser) section() error {
	section := parse.cursor()
	for !section.HasReachedEnd() {
		start := section.Position
		entry, is64Bit, err := parse.entry(section)
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}

		pointerOffset := uint64(entry.Offset())
		ciePointer, err := parse.ciePointer(entry, is64Bit)
		if err != nil {
			return err
		}

		if ciePointer == parse.cieId(is64Bit) {
			continue
		}

		var cieOffset uint64
		if parse.isEH {
			if ciePointer > pointerOffset {
				return entry.errorAt(0, nil, "CIE pointer is out of bounds")
			}
			cieOffset = pointerOffset - ciePointer
		} else {
			if ciePointer > uint64(len(parse.content)) {
				return entry.errorAt(0, nil, "CIE pointer is out of bounds")
			}
			cieOffset = ciePointer
		}

		cie, err := parse.commonInfoEntry(cieOffset)
		if err != nil {
			return err
		}

		fde, err := parse.frameDescriptionEntry(uint64(start), cie, entry)
		if err != nil {
			return err
		}

		parse.fdes = append(parse.fdes, fde)
	}

	return nil
}

func (parse *frameParser) commonInfoEntry(
	offset uint64,
) (
	*CommonInfoEntry,
	error,
) {
	cie, ok := parse.cies[offset]
	if ok {
		return cie, nil
	}

	section := parse.cursor()
	_, err := section.Seek(int(offset), io.SeekStart)
	if err != nil {
		return nil, err
	}

	entry, is64Bit, err := parse.entry(section)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, section.errorAt(int(offset), nil, "entry length is out of bounds")
	}

	id, err := parse.ciePointer(entry, is64Bit)
	if err != nil {
		return nil, err
	}
	if id != parse.cieId(is64Bit) {
		return nil, entry.errorAt(0, nil, "invalid CIE ID")
	}

	versionPosition := entry.Position
	version, err := entry.U8()
	if err != nil {
		return nil, err
	}
	if version < cieVersion1 || version == 2 || version > cieVersion4 {
		return nil, entry.errorAt(
			versionPosition,
			nil,
			"unknown CIE version %d",
			version)
	}

	augmentationPosition := entry.Position
	augmentation, err := entry.String()
	if err != nil {
		return nil, err
	}

	cie = &CommonInfoEntry{
		SectionOffset:   offset,
		IsEH:            parse.isEH,
		Version:         version,
		Augmentation:    augmentation,
		AddressSize:     parse.AddressSize(),
		AddressEncoding: DW_EH_PE_absptr,
	}

	if version >= cieVersion4 {
		addressSize, err := entry.U8()
		if err != nil {
			return nil, err
		}
		if addressSize < 1 || addressSize > 8 {
			return nil, entry.errorAt(
				entry.Position-1,
				nil,
				"unsupported address size %d",
				addressSize)
		}
		cie.AddressSize = int(addressSize)

		segmentSelectorSize, err := entry.U8()
		if err != nil {
			return nil, err
		}
		if segmentSelectorSize != 0 {
			return nil, entry.errorAt(
				entry.Position-1,
				nil,
				"unsupported segment selector size %d",
				segmentSelectorSize)
		}
	}

	cie.CodeAlignmentFactor, err = entry.ULEB128(64)
	if err != nil {
		return nil, err
	}

	cie.DataAlignmentFactor, err = entry.SLEB128(64)
	if err != nil {
		return nil, err
	}

	var returnAddressRegister uint64
	if version >= cieVersion3 {
		returnAddressRegister, err = entry.ULEB128(64)
		if err != nil {
			return nil, err
		}
	} else {
		reg, err := entry.U8()
		if err != nil {
			return nil, err
		}
		returnAddressRegister = uint64(reg)
	}

	cie.ReturnAddressRegister = parse.RegisterNumber(returnAddressRegister)
	if cie.ReturnAddressRegister == UnknownRegister {
		return nil, entry.errorf(
			"unknown return address register %d",
			returnAddressRegister)
	}

	augmentationData := parse.entryDecoder(cie, entry)
	for idx, char := range []byte(augmentation) {
		switch char {
		case 'z':
			if idx != 0 {
				break
			}
			cie.HasAugmentationLength = true

			err := augmentationData.SkipLEB128()
			if err != nil {
				return nil, err
			}
			continue
		case 'S':
			cie.SignalFrame = true
			continue
		}

		if !cie.HasAugmentationLength {
			return nil, entry.errorAt(
				augmentationPosition+idx,
				nil,
				"unknown CFI augmentation %s",
				augmentation)
		}

		switch char {
		case 'L':
			// language specific data area pointer encoding
			err := augmentationData.Skip(1)
			if err != nil {
				return nil, err
			}
		case 'P':
			// personality routine
			encoding, err := augmentationData.U8()
			if err != nil {
				return nil, err
			}

			_, err = augmentationData.encodedPointer(
				encoding&^DW_EH_PE_indirect,
				0)
			if err != nil {
				return nil, err
			}
		case 'R':
			encoding, err := augmentationData.U8()
			if err != nil {
				return nil, err
			}
			cie.AddressEncoding = encoding
		default:
			return nil, entry.errorAt(
				augmentationPosition+idx,
				nil,
				"unknown CFI augmentation %s",
				augmentation)
		}
	}

	cie.instructionsOffset = augmentationData.Offset()
	cie.InitialInstructions, err = augmentationData.Bytes(
		augmentationData.Remaining())
	if err != nil {
		return nil, err
	}

	parse.cies[offset] = cie
	return cie, nil
}

func (parse *frameParser) frameDescriptionEntry(
	offset uint64,
	cie *CommonInfoEntry,
	entry *Cursor,
) (
	*FrameDescriptionEntry,
	error,
) {
	decode := parse.entryDecoder(cie, entry)

	initialLocation, err := decode.encodedPointer(cie.AddressEncoding, 0)
	if err != nil {
		return nil, err
	}

	addressRange, err := decode.encodedPointer(cie.AddressEncoding&0x0f, 0)
	if err != nil {
		return nil, err
	}

	if cie.HasAugmentationLength {
		length, err := decode.ULEB128(64)
		if err != nil {
			return nil, err
		}
		if length > uint64(decode.Remaining()) {
			return nil, decode.errorf("augmentation length is out of bounds")
		}

		err = decode.Skip(int(length))
		if err != nil {
			return nil, err
		}
	}

	fde := &FrameDescriptionEntry{
		SectionOffset:      offset,
		CommonInfoEntry:    cie,
		InitialLocation:    initialLocation,
		AddressRange:       addressRange,
		instructionsOffset: decode.Offset(),
	}

	fde.Instructions, err = decode.Bytes(decode.Remaining())
	if err != nil {
		return nil, err
	}

	return fde, nil
}
