package elfmodule

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/go-delve/delve/pkg/dwarf/leb128"
	"github.com/pattyshack/gt/testing/expect"
)

type testSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	content []byte
	link    uint32
	entsize uint64
}

type testELF struct {
	machine  elf.Machine
	sections []testSection
	progs    []elf.Prog64
}

func newTestELF(machine elf.Machine) *testELF {
	return &testELF{machine: machine}
}

func (file *testELF) section(section testSection) *testELF {
	file.sections = append(file.sections, section)
	return file
}

// progbits adds an allocated section loaded at addr.
func (file *testELF) progbits(name string, addr uint64, content []byte) *testELF {
	return file.section(testSection{
		name:    name,
		typ:     elf.SHT_PROGBITS,
		flags:   elf.SHF_ALLOC,
		addr:    addr,
		content: content,
	})
}

// debug adds a non-allocated section.
func (file *testELF) debug(name string, content []byte) *testELF {
	return file.section(testSection{
		name:    name,
		typ:     elf.SHT_PROGBITS,
		content: content,
	})
}

func (file *testELF) load(offset uint64, vaddr uint64, size uint64) *testELF {
	file.progs = append(file.progs, elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    offset,
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: size,
		Memsz:  size,
		Align:  0x1000,
	})
	return file
}

// symbols adds .symtab and its .strtab.
func (file *testELF) symbols(symbols ...elf.Symbol) *testELF {
	names := []byte{0}
	table := &bytes.Buffer{}
	_ = binary.Write(table, binary.LittleEndian, elf.Sym64{})

	for _, symbol := range symbols {
		nameIndex := uint32(len(names))
		names = append(names, symbol.Name...)
		names = append(names, 0)

		_ = binary.Write(table, binary.LittleEndian, elf.Sym64{
			Name:  nameIndex,
			Info:  symbol.Info,
			Shndx: uint16(symbol.Section),
			Value: symbol.Value,
			Size:  symbol.Size,
		})
	}

	// Section 0 is the null section, so .strtab's index is one past its
	// position in file.sections once .symtab is appended.
	strtabIndex := uint32(len(file.sections) + 2)
	file.section(testSection{
		name:    ".symtab",
		typ:     elf.SHT_SYMTAB,
		content: table.Bytes(),
		link:    strtabIndex,
		entsize: elf.Sym64Size,
	})
	return file.section(testSection{
		name:    ".strtab",
		typ:     elf.SHT_STRTAB,
		content: names,
	})
}

func (file *testELF) bytes() []byte {
	const headerSize = 64
	const progSize = 56
	const sectionSize = 64

	shstrtab := []byte{0}
	nameIndices := []uint32{}
	for _, section := range file.sections {
		nameIndices = append(nameIndices, uint32(len(shstrtab)))
		shstrtab = append(shstrtab, section.name...)
		shstrtab = append(shstrtab, 0)
	}
	shstrtabName := uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab"...)
	shstrtab = append(shstrtab, 0)

	body := &bytes.Buffer{}
	offset := func() uint64 {
		return uint64(headerSize + progSize*len(file.progs) + body.Len())
	}
	align := func() {
		for body.Len()%8 != 0 {
			body.WriteByte(0)
		}
	}

	headers := []elf.Section64{{}}
	for idx, section := range file.sections {
		align()
		header := elf.Section64{
			Name:      nameIndices[idx],
			Type:      uint32(section.typ),
			Flags:     uint64(section.flags),
			Addr:      section.addr,
			Off:       offset(),
			Size:      uint64(len(section.content)),
			Link:      section.link,
			Addralign: 1,
			Entsize:   section.entsize,
		}
		if section.typ != elf.SHT_NOBITS {
			body.Write(section.content)
		}
		headers = append(headers, header)
	}

	align()
	headers = append(headers, elf.Section64{
		Name:      shstrtabName,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       offset(),
		Size:      uint64(len(shstrtab)),
		Addralign: 1,
	})
	body.Write(shstrtab)
	align()

	sectionHeaderOffset := offset()

	header := elf.Header64{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(file.machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     sectionHeaderOffset,
		Ehsize:    headerSize,
		Shentsize: sectionSize,
		Shnum:     uint16(len(headers)),
		Shstrndx:  uint16(len(headers) - 1),
	}
	copy(header.Ident[:], elf.ELFMAG)
	header.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	header.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	header.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	if len(file.progs) > 0 {
		header.Phoff = headerSize
		header.Phentsize = progSize
		header.Phnum = uint16(len(file.progs))
	}

	out := &bytes.Buffer{}
	_ = binary.Write(out, binary.LittleEndian, header)
	for _, prog := range file.progs {
		_ = binary.Write(out, binary.LittleEndian, prog)
	}
	out.Write(body.Bytes())
	for _, section := range headers {
		_ = binary.Write(out, binary.LittleEndian, section)
	}

	return out.Bytes()
}

func (file *testELF) open(t *testing.T) *File {
	elfFile, err := elf.NewFile(bytes.NewReader(file.bytes()))
	expect.Nil(t, err)

	result, err := NewFile("test.so", elfFile)
	expect.Nil(t, err)
	return result
}

type byteBuilder struct {
	bytes.Buffer
}

func newBuilder() *byteBuilder {
	return &byteBuilder{}
}

func (builder *byteBuilder) U8(values ...uint8) *byteBuilder {
	builder.Write(values)
	return builder
}

func (builder *byteBuilder) U16(value uint16) *byteBuilder {
	_ = binary.Write(builder, binary.LittleEndian, value)
	return builder
}

func (builder *byteBuilder) U32(value uint32) *byteBuilder {
	_ = binary.Write(builder, binary.LittleEndian, value)
	return builder
}

func (builder *byteBuilder) U64(value uint64) *byteBuilder {
	_ = binary.Write(builder, binary.LittleEndian, value)
	return builder
}

func (builder *byteBuilder) ULEB(value uint64) *byteBuilder {
	leb128.EncodeUnsigned(builder, value)
	return builder
}

func (builder *byteBuilder) SLEB(value int64) *byteBuilder {
	leb128.EncodeSigned(builder, value)
	return builder
}

func (builder *byteBuilder) CString(value string) *byteBuilder {
	builder.WriteString(value)
	builder.WriteByte(0)
	return builder
}

func (builder *byteBuilder) Block(content []byte) *byteBuilder {
	builder.ULEB(uint64(len(content)))
	builder.Write(content)
	return builder
}

func (builder *byteBuilder) Content() []byte {
	return builder.Bytes()
}
