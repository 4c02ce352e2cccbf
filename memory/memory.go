package memory

import (
	"fmt"
	"sort"
)

var (
	ErrUnmapped = fmt.Errorf("unmapped memory")
)

type Segment struct {
	Address uint64
	Content []byte
}

func (segment Segment) End() uint64 {
	return segment.Address + uint64(len(segment.Content))
}

// Segments is a read only address space backed by in-memory segments.
// Reads may span adjacent segments, but not gaps.
type Segments struct {
	segments []Segment // sorted by address
}

func NewSegments(segments ...Segment) *Segments {
	result := &Segments{}
	for _, segment := range segments {
		result.Add(segment.Address, segment.Content)
	}
	return result
}

func (segments *Segments) Add(address uint64, content []byte) {
	segments.segments = append(
		segments.segments,
		Segment{
			Address: address,
			Content: content,
		})

	sort.SliceStable(
		segments.segments,
		func(i int, j int) bool {
			return segments.segments[i].Address < segments.segments[j].Address
		})
}

func (segments *Segments) Segments() []Segment {
	return segments.segments
}

func (segments *Segments) find(address uint64) (Segment, bool) {
	idx := sort.Search(
		len(segments.segments),
		func(i int) bool {
			return segments.segments[i].End() > address
		})

	if idx == len(segments.segments) {
		return Segment{}, false
	}

	segment := segments.segments[idx]
	if address < segment.Address {
		return Segment{}, false
	}
	return segment, true
}

func (segments *Segments) ReadMemory(address uint64, out []byte) error {
	current := address
	remaining := out
	for len(remaining) > 0 {
		segment, ok := segments.find(current)
		if !ok {
			return fmt.Errorf(
				"failed to read %d bytes at %#x: %w (%#x)",
				len(out),
				address,
				ErrUnmapped,
				current)
		}

		n := copy(remaining, segment.Content[current-segment.Address:])
		remaining = remaining[n:]
		current += uint64(n)
	}

	return nil
}
