package dwarf

import (
	"bytes"
	"encoding/binary"

	"github.com/go-delve/delve/pkg/dwarf/leb128"

	"github.com/pattyshack/dwarfeval/memory"
)

// testPlatform maps dwarf register numbers 0-31 onto themselves.  Register 7
// is the stack pointer and register 16 is the return address column.
type testPlatform struct {
	byteOrder   binary.ByteOrder
	addressSize int
}

func newTestPlatform() *testPlatform {
	return &testPlatform{
		byteOrder:   binary.LittleEndian,
		addressSize: 8,
	}
}

func (platform *testPlatform) Name() string {
	return "test"
}

func (platform *testPlatform) ByteOrder() binary.ByteOrder {
	return platform.byteOrder
}

func (platform *testPlatform) AddressSize() int {
	return platform.addressSize
}

func (platform *testPlatform) RegisterNumber(dwarfRegno uint64) RegisterNumber {
	if dwarfRegno < 32 {
		return RegisterNumber(dwarfRegno)
	}
	return UnknownRegister
}

func (platform *testPlatform) DefaultCFIRow() *Row {
	row := NewRow()
	row.SetRegister(7, Rule{Kind: CFAPlusOffsetRule})
	return row
}

func (platform *testPlatform) RegisterLayout(
	regno RegisterNumber,
) (
	int,
	int,
	bool,
) {
	if regno < 0 || regno >= 32 {
		return 0, 0, false
	}
	return 8 * int(regno), 8, true
}

type testRegisters struct {
	byteOrder binary.ByteOrder

	values map[RegisterNumber]uint64

	pc    uint64
	hasPC bool

	cfa    uint64
	hasCFA bool

	interrupted bool
}

func newTestRegisters() *testRegisters {
	return &testRegisters{
		byteOrder: binary.LittleEndian,
		values:    map[RegisterNumber]uint64{},
	}
}

func (regs *testRegisters) withPC(pc uint64) *testRegisters {
	regs.pc = pc
	regs.hasPC = true
	return regs
}

func (regs *testRegisters) withCFA(cfa uint64) *testRegisters {
	regs.cfa = cfa
	regs.hasCFA = true
	return regs
}

func (regs *testRegisters) with(regno RegisterNumber, value uint64) *testRegisters {
	regs.values[regno] = value
	return regs
}

func (regs *testRegisters) PC() (uint64, bool) {
	return regs.pc, regs.hasPC
}

func (regs *testRegisters) CFA() (uint64, bool) {
	return regs.cfa, regs.hasCFA
}

func (regs *testRegisters) Interrupted() bool {
	return regs.interrupted
}

func (regs *testRegisters) RegisterBytes(regno RegisterNumber) ([]byte, bool) {
	value, ok := regs.values[regno]
	if !ok {
		return nil, false
	}

	content := make([]byte, 8)
	regs.byteOrder.PutUint64(content, value)
	return content, true
}

func newTestModule(sections *InMemorySections) *Module {
	return NewModule("test", newTestPlatform(), sections, 0, 0, 0)
}

func newTestUnit(module *Module, version int) *CompileUnit {
	return &CompileUnit{
		Module:      module,
		Version:     version,
		AddressSize: module.AddressSize(),
	}
}

func newTestMemory(segments ...memory.Segment) *memory.Segments {
	return memory.NewSegments(segments...)
}

// byteBuilder builds expression, location list and frame section fixtures.
type byteBuilder struct {
	bytes.Buffer

	byteOrder binary.AppendByteOrder
}

func newBuilder() *byteBuilder {
	return &byteBuilder{
		byteOrder: binary.LittleEndian,
	}
}

func (builder *byteBuilder) Op(ops ...Operation) *byteBuilder {
	for _, op := range ops {
		builder.WriteByte(byte(op))
	}
	return builder
}

func (builder *byteBuilder) Raw(content ...byte) *byteBuilder {
	builder.Write(content)
	return builder
}

func (builder *byteBuilder) U8(value uint8) *byteBuilder {
	builder.WriteByte(value)
	return builder
}

func (builder *byteBuilder) U16(value uint16) *byteBuilder {
	builder.Write(builder.byteOrder.AppendUint16(nil, value))
	return builder
}

func (builder *byteBuilder) U32(value uint32) *byteBuilder {
	builder.Write(builder.byteOrder.AppendUint32(nil, value))
	return builder
}

func (builder *byteBuilder) U64(value uint64) *byteBuilder {
	builder.Write(builder.byteOrder.AppendUint64(nil, value))
	return builder
}

func (builder *byteBuilder) S16(value int16) *byteBuilder {
	return builder.U16(uint16(value))
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

// Block writes a ULEB128 length prefixed block.
func (builder *byteBuilder) Block(content []byte) *byteBuilder {
	builder.ULEB(uint64(len(content)))
	builder.Write(content)
	return builder
}

func (builder *byteBuilder) Content() []byte {
	return builder.Bytes()
}
