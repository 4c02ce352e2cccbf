package dwarf

import (
	"encoding/binary"
	"fmt"
)

type ObjectKind string

const (
	// The object's value is unknown (e.g., optimized out).
	AbsentObject = ObjectKind("absent")

	// The object lives in target memory.
	ReferenceObject = ObjectKind("reference")

	// The object's value was materialized into Object.Value.
	ValueObject = ObjectKind("value")
)

type ObjectEncoding string

const (
	BufferEncoding   = ObjectEncoding("buffer")
	SignedEncoding   = ObjectEncoding("signed")
	UnsignedEncoding = ObjectEncoding("unsigned")
	FloatEncoding    = ObjectEncoding("float")
)

// BaseTypeEncoding maps a DW_AT_encoding (DW_ATE_*) value to an object
// encoding.
func BaseTypeEncoding(encoding int64) ObjectEncoding {
	switch encoding {
	case DW_ATE_signed, DW_ATE_signed_char:
		return SignedEncoding
	case DW_ATE_unsigned,
		DW_ATE_unsigned_char,
		DW_ATE_boolean,
		DW_ATE_address,
		DW_ATE_UTF:
		return UnsignedEncoding
	case DW_ATE_float:
		return FloatEncoding
	default:
		return BufferEncoding
	}
}

type ObjectType struct {
	BitSize  uint64
	Encoding ObjectEncoding
}

func (t ObjectType) byteSize() uint64 {
	return (t.BitSize + 7) / 8
}

type Object struct {
	Kind ObjectKind
	ObjectType

	// Only set for ReferenceObject.
	Address   uint64
	BitOffset uint64

	// Only set for ValueObject.  The content is in the target's byte order.
	Value []byte
}

// Unsigned interprets a ValueObject's content as an unsigned integer
// truncated to the object's bit size.
func (object Object) Unsigned(byteOrder binary.ByteOrder) uint64 {
	content := object.Value
	if len(content) > 8 {
		content = content[:8]
		if !isLittleEndian(byteOrder) {
			content = object.Value[len(object.Value)-8:]
		}
	}

	value := decodeUint(byteOrder, content)
	if object.BitSize > 0 && object.BitSize < 64 {
		value &= (uint64(1) << object.BitSize) - 1
	}
	return value
}

// Signed interprets a ValueObject's content as a two's complement integer
// of the object's bit size.
func (object Object) Signed(byteOrder binary.ByteOrder) int64 {
	value := object.Unsigned(byteOrder)
	if object.BitSize == 0 || object.BitSize >= 64 {
		return int64(value)
	}
	return truncateSigned(value, int(object.BitSize))
}

// ConstValue is a DW_AT_const_value attribute value.
type ConstValue struct {
	Form Format

	// Set for block forms.
	Block []byte

	// Set for constant forms.
	Value int64
}

func (value *ConstValue) isBlock() bool {
	switch value.Form {
	case DW_FORM_block, DW_FORM_block1, DW_FORM_block2, DW_FORM_block4,
		DW_FORM_exprloc, DW_FORM_data16, DW_FORM_string, DW_FORM_strp:
		return true
	}
	return false
}

// ObjectEntry is a debug info entry describing a variable, parameter,
// constant, or function.
type ObjectEntry struct {
	Tag Tag

	// nil if the entry has no DW_AT_location.
	Location *LocationAttribute

	// nil if the entry has no DW_AT_const_value.
	ConstValue *ConstValue

	// Unbiased DW_AT_low_pc, for subprograms.
	LowPC    uint64
	HasLowPC bool

	Unit *CompileUnit

	// The function enclosing the entry (nil if global).
	Function *FunctionEntry
}

// Object constructs the entry's object as seen from the frame described by
// regs.  Unknown values are reported as AbsentObject rather than errors.
func (entry *ObjectEntry) Object(
	objectType ObjectType,
	regs RegisterState,
	memory MemoryReader,
) (
	Object,
	error,
) {
	unit := entry.Unit
	if unit == nil {
		return Object{}, fmt.Errorf(
			"object entry without compile unit: %w",
			ErrInvalidArgument)
	}

	if entry.Tag == DW_TAG_subprogram {
		if !entry.HasLowPC {
			return Object{Kind: AbsentObject, ObjectType: objectType}, nil
		}

		return Object{
			Kind:       ReferenceObject,
			ObjectType: objectType,
			Address:    entry.LowPC + unit.Bias,
		}, nil
	}

	var expression []byte
	if entry.Location != nil {
		var err error
		expression, err = unit.ResolveLocation(entry.Location, regs)
		if err != nil {
			return Object{}, err
		}
	} else if entry.ConstValue != nil {
		return unit.constantObject(objectType, entry.ConstValue)
	}

	assembler := &objectAssembler{
		ObjectEntry: entry,
		objectType:  objectType,
		lsb0:        isLittleEndian(unit.ByteOrder()),
		addressMask: uintMax(unit.AddressSize),
		memory:      memory,
		remaining:   MaxExpressionOperations,
	}
	eval, err := NewExpressionEvaluator(
		ExpressionContext{
			Module:    unit.Module,
			Unit:      unit,
			Function:  entry.Function,
			Registers: regs,
			Memory:    memory,
		},
		expression,
		&assembler.remaining)
	if err != nil {
		return Object{}, err
	}
	assembler.ExpressionEvaluator = eval

	return assembler.assemble()
}

func (unit *CompileUnit) constantObject(
	objectType ObjectType,
	value *ConstValue,
) (
	Object,
	error,
) {
	size := objectType.byteSize()

	if value.isBlock() {
		if uint64(len(value.Block)) < size {
			return Object{}, fmt.Errorf("DW_AT_const_value block is too small")
		}

		content := make([]byte, size)
		copy(content, value.Block)
		return Object{
			Kind:       ValueObject,
			ObjectType: objectType,
			Value:      content,
		}, nil
	}

	switch objectType.Encoding {
	case SignedEncoding, UnsignedEncoding:
	default:
		return Object{}, fmt.Errorf("unknown DW_AT_const_value form")
	}

	content := make([]byte, size)
	encodeUint(unit.ByteOrder(), uint64(value.Value), content)
	return Object{
		Kind:       ValueObject,
		ObjectType: objectType,
		Value:      content,
	}, nil
}

// objectAssembler merges the pieces of a (possibly composite) location
// description into a single object.
type objectAssembler struct {
	*ObjectEntry
	*ExpressionEvaluator

	objectType  ObjectType
	lsb0        bool
	addressMask uint64
	memory      MemoryReader

	remaining int

	// Pending memory reference.  Only valid when hasAddress is true.
	address    uint64
	bitOffset  uint64
	hasAddress bool

	// Bits of the object covered so far.
	bitPosition uint64

	// Materialized value.  nil until the object can no longer be represented
	// by a single memory reference.
	value []byte
}

func (assembler *objectAssembler) absent() (Object, error) {
	if assembler.Tag == DW_TAG_template_value_parameter {
		return Object{}, fmt.Errorf(
			"DW_AT_template_value_parameter is missing value")
	}

	return Object{
		Kind:       AbsentObject,
		ObjectType: assembler.objectType,
	}, nil
}

func (assembler *objectAssembler) remainingBits() uint64 {
	return assembler.objectType.BitSize - assembler.bitPosition
}

func (assembler *objectAssembler) allocateValue() {
	if assembler.value == nil {
		assembler.value = make([]byte, assembler.objectType.byteSize())
	}
}

// materializeAddress reads the pending memory reference's bits into the
// value buffer.
func (assembler *objectAssembler) materializeAddress() error {
	assembler.allocateValue()

	err := readBits(
		assembler.memory,
		assembler.value,
		0,
		assembler.address,
		assembler.bitOffset,
		assembler.bitPosition,
		assembler.lsb0)
	if err != nil {
		return err
	}

	assembler.hasAddress = false
	return nil
}

// simpleLocation interprets an optional trailing DW_OP_reg*, DW_OP_regx,
// DW_OP_implicit_value or DW_OP_stack_value.  It returns the source bytes
// (nil if the location is in memory, or if there is no location operation).
func (assembler *objectAssembler) simpleLocation() ([]byte, bool, error) {
	if assembler.HasReachedEnd() {
		return nil, true, nil
	}

	start := assembler.Position
	opCode, err := assembler.U8()
	if err != nil {
		return nil, false, err
	}
	op := Operation(opCode)

	switch {
	case DW_OP_reg0 <= op && op <= DW_OP_reg31:
		return assembler.registerLocation(uint64(op - DW_OP_reg0))
	case op == DW_OP_regx:
		dwarfRegno, err := assembler.ULEB128(64)
		if err != nil {
			return nil, false, err
		}
		return assembler.registerLocation(dwarfRegno)
	case op == DW_OP_implicit_value:
		size, err := assembler.ULEB128(64)
		if err != nil {
			return nil, false, err
		}
		if size > uint64(assembler.Cursor.Remaining()) {
			return nil, false, assembler.errorAt(
				start,
				nil,
				"DW_OP_implicit_value size is out of bounds")
		}
		content, err := assembler.Bytes(int(size))
		if err != nil {
			return nil, false, err
		}
		return content, true, nil
	case op == DW_OP_stack_value:
		top, ok := assembler.Top()
		if !ok {
			return nil, false, nil
		}
		content := make([]byte, 8)
		encodeUint(assembler.Cursor.ByteOrder, top, content)
		return content, true, nil
	}

	assembler.Position = start
	return nil, true, nil
}

func (assembler *objectAssembler) registerLocation(
	dwarfRegno uint64,
) (
	[]byte,
	bool,
	error,
) {
	regs := assembler.Registers
	if regs == nil {
		return nil, false, nil
	}

	regno := assembler.ExpressionEvaluator.Module.RegisterNumber(dwarfRegno)
	if regno == UnknownRegister {
		return nil, false, nil
	}

	content, ok := regs.RegisterBytes(regno)
	if !ok {
		return nil, false, nil
	}

	return content, true, nil
}

// piece interprets an optional trailing DW_OP_piece or DW_OP_bit_piece.
// Without one, the pass covers the rest of the object.  Piece sizes are
// clamped to the remaining (uncovered) size of the object.
func (assembler *objectAssembler) piece() (uint64, uint64, error) {
	remaining := assembler.remainingBits()
	if assembler.HasReachedEnd() {
		return remaining, 0, nil
	}

	start := assembler.Position
	opCode, err := assembler.U8()
	if err != nil {
		return 0, 0, err
	}

	switch Operation(opCode) {
	case DW_OP_piece:
		byteSize, err := assembler.ULEB128(64)
		if err != nil {
			return 0, 0, err
		}

		bitSize := byteSize * 8
		if byteSize > (^uint64(0))/8 || bitSize > remaining {
			bitSize = remaining
		}
		return bitSize, 0, nil
	case DW_OP_bit_piece:
		bitSize, err := assembler.ULEB128(64)
		if err != nil {
			return 0, 0, err
		}

		bitOffset, err := assembler.ULEB128(64)
		if err != nil {
			return 0, 0, err
		}

		if bitSize > remaining {
			bitSize = remaining
		}
		return bitSize, bitOffset, nil
	}

	return 0, 0, assembler.errorAt(
		start,
		nil,
		"unknown DWARF expression opcode %#x after simple location description",
		opCode)
}

// copySource copies a register / implicit value / stack value piece into the
// value buffer.
func (assembler *objectAssembler) copySource(
	source []byte,
	pieceBitSize uint64,
	pieceBitOffset uint64,
) error {
	assembler.allocateValue()

	if assembler.hasAddress {
		err := assembler.materializeAddress()
		if err != nil {
			return err
		}
	}

	sourceBitSize := 8 * uint64(len(source))
	if pieceBitOffset > sourceBitSize {
		pieceBitOffset = sourceBitSize
	}

	copyBitSize := sourceBitSize - pieceBitOffset
	if pieceBitSize < copyBitSize {
		copyBitSize = pieceBitSize
	}

	copyBitOffset := assembler.bitPosition
	if !assembler.lsb0 {
		// Big endian values are right aligned within the piece and the source.
		copyBitOffset += pieceBitSize - copyBitSize
		pieceBitOffset = sourceBitSize - copyBitSize - pieceBitOffset
	}

	copyBits(
		assembler.value[copyBitOffset/8:],
		copyBitOffset%8,
		source[pieceBitOffset/8:],
		pieceBitOffset%8,
		copyBitSize,
		assembler.lsb0)
	return nil
}

// memoryPiece merges a memory piece at the top of stack address into the
// object.  Contiguous pieces extend the pending memory reference; anything
// else materializes the object.
func (assembler *objectAssembler) memoryPiece(
	pieceBitSize uint64,
	pieceBitOffset uint64,
) error {
	top, _ := assembler.Top()
	pieceAddress := (top + pieceBitOffset/8) & assembler.addressMask
	pieceBitOffset %= 8

	bitPosition := assembler.bitPosition
	if bitPosition > 0 && assembler.hasAddress {
		endAddress := (assembler.address +
			bitPosition/8 +
			(bitPosition%8+assembler.bitOffset)/8) & assembler.addressMask
		endBitOffset := (assembler.bitOffset + bitPosition) % 8

		if pieceBitSize == 0 ||
			(pieceAddress == endAddress && pieceBitOffset == endBitOffset) {

			pieceAddress = assembler.address
			pieceBitOffset = assembler.bitOffset
		} else {
			assembler.Module.Logger.Debug().
				Uint64("address", assembler.address).
				Uint64("piece_address", pieceAddress).
				Msg("materializing non-contiguous object")

			err := assembler.materializeAddress()
			if err != nil {
				return err
			}
		}
	}

	if assembler.value != nil {
		return readBits(
			assembler.memory,
			assembler.value[bitPosition/8:],
			bitPosition%8,
			pieceAddress,
			pieceBitOffset,
			pieceBitSize,
			assembler.lsb0)
	}

	assembler.address = pieceAddress
	assembler.bitOffset = pieceBitOffset
	assembler.hasAddress = true
	return nil
}

func (assembler *objectAssembler) assemble() (Object, error) {
	for {
		assembler.Stack = assembler.Stack[:0]

		found, err := assembler.Run()
		if err != nil {
			return Object{}, err
		}
		if !found {
			return assembler.absent()
		}

		source, found, err := assembler.simpleLocation()
		if err != nil {
			return Object{}, err
		}
		if !found {
			return assembler.absent()
		}

		pieceBitSize, pieceBitOffset, err := assembler.piece()
		if err != nil {
			return Object{}, err
		}

		if source != nil {
			if pieceBitSize > 0 {
				err = assembler.copySource(source, pieceBitSize, pieceBitOffset)
			}
		} else if len(assembler.Stack) > 0 {
			err = assembler.memoryPiece(pieceBitSize, pieceBitOffset)
		} else if pieceBitSize > 0 {
			return assembler.absent()
		}
		if err != nil {
			return Object{}, err
		}

		assembler.bitPosition += pieceBitSize

		if assembler.HasReachedEnd() {
			break
		}
	}

	if assembler.bitPosition < assembler.objectType.BitSize ||
		(!assembler.hasAddress && assembler.value == nil) {
		return assembler.absent()
	}

	if assembler.hasAddress {
		address := assembler.address
		biased := address + assembler.Unit.Bias
		if assembler.Unit.Contains(biased) {
			address = biased
		}

		return Object{
			Kind:       ReferenceObject,
			ObjectType: assembler.objectType,
			Address:    address,
			BitOffset:  assembler.bitOffset,
		}, nil
	}

	return Object{
		Kind:       ValueObject,
		ObjectType: assembler.objectType,
		Value:      assembler.value,
	}, nil
}
