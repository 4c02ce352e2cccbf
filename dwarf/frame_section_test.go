package dwarf

import (
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

const (
	testEhFrameAddress = 0x5000
)

// appendEntry writes a 32-bit length prefixed entry and returns the entry's
// section offset.
func appendEntry(section *byteBuilder, entry *byteBuilder) uint32 {
	offset := uint32(section.Len())
	section.U32(uint32(entry.Len())).Raw(entry.Content()...)
	return offset
}

func newDebugFrameCIE(codeAlignment uint64, instructions []byte) *byteBuilder {
	return newBuilder().
		U32(0xffffffff). // CIE id
		U8(4).           // version
		CString("").     // augmentation
		U8(8).           // address size
		U8(0).           // segment selector size
		ULEB(codeAlignment).
		SLEB(-8).
		ULEB(16).
		Raw(instructions...)
}

func newDebugFrameFDE(
	cieOffset uint32,
	start uint64,
	length uint64,
	instructions []byte,
) *byteBuilder {
	return newBuilder().
		U32(cieOffset).
		U64(start).
		U64(length).
		Raw(instructions...)
}

func newEhFrameCIE(
	augmentation string,
	augmentationData []byte,
	instructions []byte,
) *byteBuilder {
	cie := newBuilder().
		U32(0). // CIE id
		U8(1).  // version
		CString(augmentation).
		ULEB(1).
		SLEB(-8).
		U8(16)
	if len(augmentation) > 0 && augmentation[0] == 'z' {
		cie.Block(augmentationData)
	}
	return cie.Raw(instructions...)
}

// appendEhFrameFDE writes a pc relative (sdata4) FDE referencing the CIE at
// cieOffset.
func appendEhFrameFDE(
	section *byteBuilder,
	cieOffset uint32,
	start uint64,
	length uint64,
	instructions []byte,
) {
	pointerOffset := uint32(section.Len()) + 4
	locationAddress := testEhFrameAddress + uint64(pointerOffset) + 4

	appendEntry(
		section,
		newBuilder().
			U32(pointerOffset-cieOffset).
			U32(uint32(start-locationAddress)).
			U32(uint32(length)).
			ULEB(0). // augmentation length
			Raw(instructions...))
}

func newFrameModule(debugFrame []byte, ehFrame []byte) *Module {
	sections := NewInMemorySections()
	if debugFrame != nil {
		sections.Content[DebugFrameSection] = debugFrame
	}
	if ehFrame != nil {
		sections.Content[EhFrameSection] = ehFrame
		sections.Addresses[EhFrameSection] = testEhFrameAddress
	}
	return newTestModule(sections)
}

func cfaInstructions() []byte {
	return newBuilder().
		U8(DW_CFA_def_cfa).ULEB(7).ULEB(8).
		U8(DW_CFA_offset | 16).ULEB(1).
		Content()
}

type FrameSectionSuite struct{}

func TestFrameSection(t *testing.T) {
	suite.RunTests(t, &FrameSectionSuite{})
}

func (FrameSectionSuite) TestFindFDE(t *testing.T) {
	section := newBuilder()
	cie := appendEntry(section, newDebugFrameCIE(1, cfaInstructions()))
	appendEntry(section, newDebugFrameFDE(cie, 0x2000, 0x100, nil))
	appendEntry(section, newDebugFrameFDE(cie, 0x1000, 0x100, nil))

	module := newFrameModule(section.Content(), nil)

	fdes, err := module.FDEs()
	expect.Nil(t, err)
	expect.Equal(t, 2, len(fdes))
	expect.Equal(t, uint64(0x1000), fdes[0].InitialLocation)
	expect.Equal(t, uint64(0x2000), fdes[1].InitialLocation)

	fde, found, err := module.FindFDE(0x1050)
	expect.Nil(t, err)
	expect.True(t, found)
	expect.Equal(t, uint64(0x1000), fde.InitialLocation)
	expect.Equal(t, uint64(0x100), fde.AddressRange)
	expect.False(t, fde.IsEH)
	expect.Equal(t, uint64(cie), fde.CommonInfoEntry.SectionOffset)
	expect.Equal(t, uint64(1), fde.CodeAlignmentFactor)
	expect.Equal(t, int64(-8), fde.DataAlignmentFactor)
	expect.Equal(t, RegisterNumber(16), fde.ReturnAddressRegister)
	expect.Equal(t, cfaInstructions(), fde.InitialInstructions)

	fde, found, err = module.FindFDE(0x2099)
	expect.Nil(t, err)
	expect.True(t, found)
	expect.Equal(t, uint64(0x2000), fde.InitialLocation)

	for _, pc := range []uint64{0, 0xfff, 0x1100, 0x1fff, 0x2100} {
		_, found, err = module.FindFDE(pc)
		expect.Nil(t, err)
		expect.False(t, found)
	}
}

func (FrameSectionSuite) TestSharedCIE(t *testing.T) {
	section := newBuilder()
	cie := appendEntry(section, newDebugFrameCIE(1, cfaInstructions()))
	appendEntry(section, newDebugFrameFDE(cie, 0x1000, 0x10, nil))
	appendEntry(section, newDebugFrameFDE(cie, 0x2000, 0x10, nil))

	module := newFrameModule(section.Content(), nil)

	fdes, err := module.FDEs()
	expect.Nil(t, err)
	expect.Equal(t, 2, len(fdes))
	expect.True(t, fdes[0].CommonInfoEntry == fdes[1].CommonInfoEntry)
	expect.Equal(t, 1, module.cfi.numCIEs)

	// The table is cached.
	again, err := module.FDEs()
	expect.Nil(t, err)
	expect.True(t, fdes[0] == again[0])
}

func (FrameSectionSuite) TestDebugFrameTakesPrecedence(t *testing.T) {
	debugFrame := newBuilder()
	cie := appendEntry(debugFrame, newDebugFrameCIE(1, cfaInstructions()))
	appendEntry(debugFrame, newDebugFrameFDE(cie, 0x3000, 0x10, nil))

	ehFrame := newBuilder()
	ehCIE := appendEntry(
		ehFrame,
		newEhFrameCIE(
			"zR",
			[]byte{DW_EH_PE_pcrel | DW_EH_PE_sdata4},
			cfaInstructions()))
	appendEhFrameFDE(ehFrame, ehCIE, 0x3000, 0x20, nil)
	appendEhFrameFDE(ehFrame, ehCIE, 0x4000, 0x20, nil)

	module := newFrameModule(debugFrame.Content(), ehFrame.Content())

	fdes, err := module.FDEs()
	expect.Nil(t, err)
	expect.Equal(t, 2, len(fdes))

	fde, found, err := module.FindFDE(0x3008)
	expect.Nil(t, err)
	expect.True(t, found)
	expect.False(t, fde.IsEH)
	expect.Equal(t, uint64(0x10), fde.AddressRange)

	_, found, err = module.FindFDE(0x3018)
	expect.Nil(t, err)
	expect.False(t, found)

	fde, found, err = module.FindFDE(0x4010)
	expect.Nil(t, err)
	expect.True(t, found)
	expect.True(t, fde.IsEH)
	expect.Equal(t, uint64(0x4000), fde.InitialLocation)
	expect.Equal(t, uint64(0x20), fde.AddressRange)
}

func (FrameSectionSuite) TestEhFrameAugmentations(t *testing.T) {
	augmentationData := newBuilder().
		U8(DW_EH_PE_udata4).U32(0xdeadbeef). // personality
		U8(DW_EH_PE_udata4).                 // LSDA encoding
		U8(DW_EH_PE_pcrel | DW_EH_PE_sdata4).
		Content()

	ehFrame := newBuilder()
	cie := appendEntry(
		ehFrame,
		newEhFrameCIE("zPLRS", augmentationData, cfaInstructions()))
	appendEhFrameFDE(ehFrame, cie, 0x1000, 0x40, nil)
	ehFrame.U32(0) // terminator
	ehFrame.Raw(0xff, 0xff, 0xff)

	module := newFrameModule(nil, ehFrame.Content())

	fde, found, err := module.FindFDE(0x1020)
	expect.Nil(t, err)
	expect.True(t, found)
	expect.True(t, fde.IsEH)
	expect.True(t, fde.SignalFrame)
	expect.True(t, fde.HasAugmentationLength)
	expect.Equal(t, "zPLRS", fde.Augmentation)
	expect.Equal(
		t,
		uint8(DW_EH_PE_pcrel|DW_EH_PE_sdata4),
		fde.AddressEncoding)
	expect.Equal(t, cfaInstructions(), fde.InitialInstructions)
}

func (FrameSectionSuite) Test64BitDebugFrame(t *testing.T) {
	cie := newBuilder().
		U64(^uint64(0)).
		U8(4).
		CString("").
		U8(8).
		U8(0).
		ULEB(1).
		SLEB(-8).
		ULEB(16).
		Raw(cfaInstructions()...)

	section := newBuilder()
	section.U32(0xffffffff).U64(uint64(cie.Len())).Raw(cie.Content()...)

	fde := newBuilder().U64(0).U64(0x1000).U64(0x10)
	section.U32(0xffffffff).U64(uint64(fde.Len())).Raw(fde.Content()...)

	module := newFrameModule(section.Content(), nil)

	found, ok, err := module.FindFDE(0x1000)
	expect.Nil(t, err)
	expect.True(t, ok)
	expect.Equal(t, uint64(0x10), found.AddressRange)
	expect.Equal(t, uint64(0), found.CommonInfoEntry.SectionOffset)
}

func (FrameSectionSuite) TestVersion1ReturnAddress(t *testing.T) {
	cie := newBuilder().
		U32(0xffffffff).
		U8(1).
		CString("").
		ULEB(4).
		SLEB(-4).
		U8(14)

	section := newBuilder()
	offset := appendEntry(section, cie)
	appendEntry(section, newDebugFrameFDE(offset, 0x1000, 0x10, nil))

	module := newFrameModule(section.Content(), nil)

	fde, found, err := module.FindFDE(0x1000)
	expect.Nil(t, err)
	expect.True(t, found)
	expect.Equal(t, uint8(1), fde.Version)
	expect.Equal(t, 8, fde.CommonInfoEntry.AddressSize)
	expect.Equal(t, RegisterNumber(14), fde.ReturnAddressRegister)
	expect.Equal(t, uint64(4), fde.CodeAlignmentFactor)
}

func (FrameSectionSuite) TestMissingSections(t *testing.T) {
	module := newFrameModule(nil, nil)

	fdes, err := module.FDEs()
	expect.Nil(t, err)
	expect.Equal(t, 0, len(fdes))

	_, found, err := module.FindFDE(0x1000)
	expect.Nil(t, err)
	expect.False(t, found)
}

func expectFrameError(t *testing.T, section *byteBuilder, message string) {
	module := newFrameModule(section.Content(), nil)

	_, err := module.FDEs()
	expect.Error(t, err, message)
}

func (FrameSectionSuite) TestMalformedCIE(t *testing.T) {
	cieWith := func(
		version uint8,
		augmentation string,
		addressSize uint8,
		segmentSelectorSize uint8,
		returnAddress uint64,
	) *byteBuilder {
		section := newBuilder()
		cie := appendEntry(
			section,
			newBuilder().
				U32(0xffffffff).
				U8(version).
				CString(augmentation).
				U8(addressSize).
				U8(segmentSelectorSize).
				ULEB(1).
				SLEB(-8).
				ULEB(returnAddress))
		appendEntry(section, newDebugFrameFDE(cie, 0x1000, 0x10, nil))
		return section
	}

	expectFrameError(t, cieWith(2, "", 8, 0, 16), "unknown CIE version 2")
	expectFrameError(t, cieWith(5, "", 8, 0, 16), "unknown CIE version 5")
	expectFrameError(t, cieWith(4, "", 9, 0, 16), "unsupported address size 9")
	expectFrameError(
		t,
		cieWith(4, "", 8, 1, 16),
		"unsupported segment selector size 1")
	expectFrameError(
		t,
		cieWith(4, "", 8, 0, 100),
		"unknown return address register 100")
	expectFrameError(
		t,
		cieWith(4, "a", 8, 0, 16),
		".debug_frame+0x9: unknown CFI augmentation a")
}

func (FrameSectionSuite) TestUnknownAugmentation(t *testing.T) {
	ehFrame := newBuilder()
	cie := appendEntry(ehFrame, newEhFrameCIE("zX", nil, nil))
	appendEhFrameFDE(ehFrame, cie, 0x1000, 0x10, nil)

	module := newFrameModule(nil, ehFrame.Content())

	_, err := module.FDEs()
	expect.Error(t, err, ".eh_frame+0xa: unknown CFI augmentation zX")
}

func (FrameSectionSuite) TestInvalidCIEPointer(t *testing.T) {
	section := newBuilder()
	cie := appendEntry(section, newDebugFrameCIE(1, nil))
	fde := appendEntry(section, newDebugFrameFDE(cie, 0x1000, 0x10, nil))
	appendEntry(section, newDebugFrameFDE(fde, 0x2000, 0x10, nil))

	expectFrameError(t, section, "invalid CIE ID")

	section = newBuilder()
	appendEntry(section, newDebugFrameFDE(0x1000, 0x1000, 0x10, nil))

	expectFrameError(t, section, "CIE pointer is out of bounds")

	ehFrame := newBuilder()
	appendEntry(ehFrame, newBuilder().U32(0x100).U32(0).U32(0x10))

	module := newFrameModule(nil, ehFrame.Content())
	_, err := module.FDEs()
	expect.Error(t, err, ".eh_frame+0x4: CIE pointer is out of bounds")
}

func (FrameSectionSuite) TestOutOfBoundsLengths(t *testing.T) {
	section := newBuilder().U32(0x100).U32(0xffffffff)
	expectFrameError(t, section, "entry length is out of bounds")

	ehFrame := newBuilder()
	cie := appendEntry(
		ehFrame,
		newEhFrameCIE("zR", []byte{DW_EH_PE_udata4}, nil))
	pointerOffset := uint32(ehFrame.Len()) + 4
	appendEntry(
		ehFrame,
		newBuilder().
			U32(pointerOffset-cie).
			U32(0x1000).
			U32(0x10).
			ULEB(8)) // augmentation length

	module := newFrameModule(nil, ehFrame.Content())
	_, err := module.FDEs()
	expect.Error(t, err, "augmentation length is out of bounds")
}
