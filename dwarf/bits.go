package dwarf

import (
	"fmt"
)

const (
	readBitsScratchSize = 16
)

// Bit numbering within a byte: when lsb0 is true, bit 0 is the least
// significant bit of the byte.  Otherwise, bit 0 is the most significant bit.
func bitMask(bit uint64, lsb0 bool) byte {
	if lsb0 {
		return 1 << (bit % 8)
	}
	return 0x80 >> (bit % 8)
}

// Mask selecting bits [offset, 8) of the first byte.
func firstByteMask(offset uint64, lsb0 bool) byte {
	if lsb0 {
		return 0xff << (offset % 8)
	}
	return 0xff >> (offset % 8)
}

// Mask selecting bits [0, lastBit % 8] of the last byte.
func lastByteMask(lastBit uint64, lsb0 bool) byte {
	if lsb0 {
		return 0xff >> (7 - lastBit%8)
	}
	return 0xff << (7 - lastBit%8)
}

// copyBits copies bitSize bits starting at bit srcOffset of src into dst
// starting at bit dstOffset, preserving the other bits of dst.
func copyBits(
	dst []byte,
	dstOffset uint64,
	src []byte,
	srcOffset uint64,
	bitSize uint64,
	lsb0 bool,
) {
	if dstOffset%8 == 0 && srcOffset%8 == 0 {
		numBytes := bitSize / 8
		copy(
			dst[dstOffset/8:dstOffset/8+numBytes],
			src[srcOffset/8:srcOffset/8+numBytes])

		dstOffset += numBytes * 8
		srcOffset += numBytes * 8
		bitSize -= numBytes * 8
	}

	for idx := uint64(0); idx < bitSize; idx++ {
		srcBit := srcOffset + idx
		dstBit := dstOffset + idx

		mask := bitMask(dstBit, lsb0)
		if src[srcBit/8]&bitMask(srcBit, lsb0) != 0 {
			dst[dstBit/8] |= mask
		} else {
			dst[dstBit/8] &^= mask
		}
	}
}

// readBits reads bitSize bits of memory, starting at bit srcOffset (< 8) of
// address src, into dst starting at bit dstOffset (< 8).
func readBits(
	memory MemoryReader,
	dst []byte,
	dstOffset uint64,
	src uint64,
	srcOffset uint64,
	bitSize uint64,
	lsb0 bool,
) error {
	if bitSize == 0 {
		return nil
	}

	if memory == nil {
		return fmt.Errorf("failed to read memory: %w", ErrInvalidArgument)
	}

	if dstOffset == srcOffset {
		// Read directly into dst, restoring the bits outside the range.
		lastBit := dstOffset + bitSize - 1
		firstByte := dst[0]
		lastByte := dst[lastBit/8]

		err := memory.ReadMemory(src, dst[:lastBit/8+1])
		if err != nil {
			return fmt.Errorf("failed to read memory at %#x: %w", src, err)
		}

		if dstOffset != 0 {
			mask := firstByteMask(dstOffset, lsb0)
			dst[0] = (firstByte &^ mask) | (dst[0] & mask)
		}

		if lastBit%8 != 7 {
			mask := lastByteMask(lastBit, lsb0)
			dst[lastBit/8] = (lastByte &^ mask) | (dst[lastBit/8] & mask)
		}

		return nil
	}

	srcBytes := (srcOffset+bitSize-1)/8 + 1

	var scratch [readBitsScratchSize]byte
	var tmp []byte
	if srcBytes <= readBitsScratchSize {
		tmp = scratch[:srcBytes]
	} else {
		tmp = make([]byte, srcBytes)
	}

	err := memory.ReadMemory(src, tmp)
	if err != nil {
		return fmt.Errorf("failed to read memory at %#x: %w", src, err)
	}

	copyBits(dst, dstOffset, tmp, srcOffset, bitSize, lsb0)
	return nil
}
