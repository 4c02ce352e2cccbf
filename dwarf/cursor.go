package dwarf

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	signExtensionMask = ^uint64(0)
)

// FormatError reports malformed debug information.  Offset is relative to the
// start of Section (or to the start of the expression when Section is empty).
type FormatError struct {
	Section string
	Offset  int
	Message string

	Err error
}

func (err *FormatError) Error() string {
	msg := err.Message
	if err.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, err.Err)
	}

	if err.Section == "" {
		return fmt.Sprintf("%s (offset %#x)", msg, err.Offset)
	}

	return fmt.Sprintf("%s+%#x: %s", err.Section, err.Offset, msg)
}

func (err *FormatError) Unwrap() error {
	return err.Err
}

// Cursor is a bounds-checked reader over a byte span.  Every read validates
// the remaining length before advancing Position.
type Cursor struct {
	binary.ByteOrder

	// Only used for error reporting.  Base is the offset of Content[0] within
	// Section.
	Section string
	Base    int

	Content  []byte
	Position int
}

func NewCursor(
	byteOrder binary.ByteOrder,
	content []byte,
) *Cursor {
	return &Cursor{
		ByteOrder: byteOrder,
		Content:   content,
		Position:  0,
	}
}

func NewSectionCursor(
	byteOrder binary.ByteOrder,
	section string,
	content []byte,
) *Cursor {
	return &Cursor{
		ByteOrder: byteOrder,
		Section:   section,
		Content:   content,
		Position:  0,
	}
}

func (cursor *Cursor) Clone() *Cursor {
	clone := *cursor
	return &clone
}

// SubCursor returns a cursor over [start, end) of this cursor's content,
// positioned at start.  Error offsets remain section relative.
func (cursor *Cursor) SubCursor(start int, end int) (*Cursor, error) {
	if start < 0 || end < start || len(cursor.Content) < end {
		return nil, cursor.errorf("out of bound sub-span [%d:%d]", start, end)
	}

	return &Cursor{
		ByteOrder: cursor.ByteOrder,
		Section:   cursor.Section,
		Base:      cursor.Base + start,
		Content:   cursor.Content[start:end],
	}, nil
}

func (cursor *Cursor) remaining() []byte {
	return cursor.Content[cursor.Position:]
}

func (cursor *Cursor) Remaining() int {
	return len(cursor.Content) - cursor.Position
}

func (cursor *Cursor) HasReachedEnd() bool {
	return cursor.Position >= len(cursor.Content)
}

func (cursor *Cursor) Offset() int {
	return cursor.Base + cursor.Position
}

func (cursor *Cursor) errorAt(
	position int,
	err error,
	format string,
	args ...interface{},
) *FormatError {
	return &FormatError{
		Section: cursor.Section,
		Offset:  cursor.Base + position,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

func (cursor *Cursor) errorf(format string, args ...interface{}) *FormatError {
	return cursor.errorAt(cursor.Position, nil, format, args...)
}

func (cursor *Cursor) Seek(offset int, whence int) (int, error) {
	pos := 0
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = cursor.Position + offset
	case io.SeekEnd:
		pos = len(cursor.Content) + offset
	}

	if pos < 0 || len(cursor.Content) < pos {
		return 0, cursor.errorf("out of bound seek (%d)", pos)
	}

	cursor.Position = pos
	return pos, nil
}

func (cursor *Cursor) Bytes(size int) ([]byte, error) {
	content := cursor.remaining()
	if size < 0 || len(content) < size {
		return nil, cursor.errorAt(
			cursor.Position,
			io.ErrUnexpectedEOF,
			"out of bound slice %d [%d:%d+%d]",
			len(content),
			cursor.Position,
			cursor.Position,
			size)
	}

	content = content[:size]
	cursor.Position += size
	return content, nil
}

func (cursor *Cursor) Skip(size int) error {
	_, err := cursor.Bytes(size)
	return err
}

func (cursor *Cursor) String() (string, error) {
	content := cursor.remaining()
	if len(content) == 0 {
		return "", cursor.errorAt(
			cursor.Position,
			io.ErrUnexpectedEOF,
			"cannot decode string")
	}

	end := -1
	for idx, char := range content {
		if char == 0 {
			end = idx
			break
		}
	}

	if end == -1 {
		return "", cursor.errorf("string not terminated")
	}

	cursor.Position += end + 1 // +1 for trailing \0

	// exclude trailing \0
	return string(content[:end]), nil
}

func (cursor *Cursor) decode(out interface{}, name string) error {
	n, err := binary.Decode(cursor.remaining(), cursor.ByteOrder, out)
	if err != nil {
		return cursor.errorAt(cursor.Position, err, "failed to decode %s", name)
	}

	cursor.Position += n
	return nil
}

func (cursor *Cursor) U8() (uint8, error) {
	var result uint8
	err := cursor.decode(&result, "U8")
	return result, err
}

func (cursor *Cursor) S8() (int8, error) {
	var result int8
	err := cursor.decode(&result, "S8")
	return result, err
}

func (cursor *Cursor) U16() (uint16, error) {
	var result uint16
	err := cursor.decode(&result, "U16")
	return result, err
}

func (cursor *Cursor) S16() (int16, error) {
	var result int16
	err := cursor.decode(&result, "S16")
	return result, err
}

func (cursor *Cursor) U32() (uint32, error) {
	var result uint32
	err := cursor.decode(&result, "U32")
	return result, err
}

func (cursor *Cursor) S32() (int32, error) {
	var result int32
	err := cursor.decode(&result, "S32")
	return result, err
}

func (cursor *Cursor) U64() (uint64, error) {
	var result uint64
	err := cursor.decode(&result, "U64")
	return result, err
}

func (cursor *Cursor) S64() (int64, error) {
	var result int64
	err := cursor.decode(&result, "S64")
	return result, err
}

// UintN decodes a size-byte unsigned integer (1 <= size <= 8), e.g., an
// address-sized field.
func (cursor *Cursor) UintN(size int) (uint64, error) {
	if size < 1 || size > 8 {
		return 0, cursor.errorf("unsupported integer size %d", size)
	}

	data, err := cursor.Bytes(size)
	if err != nil {
		return 0, err
	}

	return decodeUint(cursor.ByteOrder, data), nil
}

func (cursor *Cursor) uleb128(
	bitSize int,
) (
	uint64, // decoded uint
	int, // shift
	byte, // upper byte
	error,
) {
	content := cursor.remaining()
	if len(content) == 0 {
		return 0, 0, 0, cursor.errorAt(
			cursor.Position,
			io.ErrUnexpectedEOF,
			"cannot decode LEB128")
	}

	result := uint64(0)
	shift := 0
	numBytes := 0
	current := byte(0)
	for len(content) > 0 && bitSize > shift {
		current = content[0]
		content = content[1:]

		result |= uint64(current&0x7f) << shift
		shift += 7
		numBytes += 1

		if (current & 0x80) == 0 {
			cursor.Position += numBytes
			return result, shift, current, nil
		}
	}

	return 0, 0, 0, cursor.errorf("LEB128 not terminated")
}

func (cursor *Cursor) ULEB128(bitSize int) (uint64, error) {
	result, _, _, err := cursor.uleb128(bitSize)
	if err != nil {
		return 0, err
	}

	return result, err
}

func (cursor *Cursor) SLEB128(bitSize int) (int64, error) {
	result, shift, upper, err := cursor.uleb128(bitSize)
	if err != nil {
		return 0, err
	}

	if shift < bitSize && (upper&0x40) != 0 {
		result |= signExtensionMask << shift
	}

	return int64(result), nil
}

func (cursor *Cursor) SkipLEB128() error {
	for pos := cursor.Position; pos < len(cursor.Content); pos++ {
		if cursor.Content[pos]&0x80 == 0 {
			cursor.Position = pos + 1
			return nil
		}
	}

	return cursor.errorAt(
		cursor.Position,
		io.ErrUnexpectedEOF,
		"LEB128 not terminated")
}

func isLittleEndian(byteOrder binary.ByteOrder) bool {
	var probe [2]byte
	byteOrder.PutUint16(probe[:], 1)
	return probe[0] == 1
}

// decodeUint decodes up to 8 bytes as an unsigned integer.
func decodeUint(byteOrder binary.ByteOrder, data []byte) uint64 {
	value := uint64(0)
	if isLittleEndian(byteOrder) {
		for idx := len(data) - 1; idx >= 0; idx-- {
			value = value<<8 | uint64(data[idx])
		}
	} else {
		for _, b := range data {
			value = value<<8 | uint64(b)
		}
	}

	return value
}

// encodeUint writes the least significant len(out) bytes of value into out.
func encodeUint(byteOrder binary.ByteOrder, value uint64, out []byte) {
	if isLittleEndian(byteOrder) {
		for idx := range out {
			out[idx] = byte(value)
			value >>= 8
		}
	} else {
		for idx := len(out) - 1; idx >= 0; idx-- {
			out[idx] = byte(value)
			value >>= 8
		}
	}
}
