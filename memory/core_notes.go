package memory

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pattyshack/dwarfeval/procfs"
)

const (
	noteNameCore = "CORE"

	// NT_FILE ("FILE")
	noteTypeFile = elf.NType(0x46494c45)
)

type NoteEntry struct {
	Name        string
	Type        elf.NType
	Description []byte
}

// Notes returns the entries of the core file's PT_NOTE segments.
func (core *CoreFile) Notes() ([]NoteEntry, error) {
	notes := []NoteEntry{}
	for _, prog := range core.File.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}

		content := make([]byte, prog.Filesz)
		_, err := io.ReadFull(prog.Open(), content)
		if err != nil {
			return nil, fmt.Errorf(
				"failed to read note segment at %#x: %w",
				prog.Off,
				err)
		}

		entries, err := parseNotes(core.File.ByteOrder, content)
		if err != nil {
			return nil, fmt.Errorf(
				"failed to parse note segment at %#x: %w",
				prog.Off,
				err)
		}
		notes = append(notes, entries...)
	}

	return notes, nil
}

func parseNotes(byteOrder binary.ByteOrder, content []byte) ([]NoteEntry, error) {
	align := func(size uint32) int {
		return int((size + 3) &^ 3)
	}

	notes := []NoteEntry{}
	for len(content) > 0 {
		if len(content) < 12 {
			return nil, fmt.Errorf("truncated note header")
		}

		nameSize := byteOrder.Uint32(content)
		descSize := byteOrder.Uint32(content[4:])
		noteType := byteOrder.Uint32(content[8:])
		content = content[12:]

		if align(nameSize) > len(content) {
			return nil, fmt.Errorf("note name is out of bounds")
		}
		name := string(bytes.TrimRight(content[:nameSize], "\x00"))
		content = content[align(nameSize):]

		if int(descSize) > len(content) {
			return nil, fmt.Errorf("note description is out of bounds")
		}
		desc := content[:descSize]
		if align(descSize) <= len(content) {
			content = content[align(descSize):]
		} else {
			content = nil
		}

		notes = append(notes, NoteEntry{
			Name:        name,
			Type:        elf.NType(noteType),
			Description: desc,
		})
	}

	return notes, nil
}

// ThreadStatuses returns the NT_PRSTATUS descriptions, one per thread in
// note order (the first is the faulting thread).
func (core *CoreFile) ThreadStatuses() ([][]byte, error) {
	notes, err := core.Notes()
	if err != nil {
		return nil, err
	}

	result := [][]byte{}
	for _, note := range notes {
		if note.Name == noteNameCore && note.Type == elf.NT_PRSTATUS {
			result = append(result, note.Description)
		}
	}
	return result, nil
}

// MappedRegions returns the file backed regions recorded by the core file's
// NT_FILE note.
func (core *CoreFile) MappedRegions() ([]procfs.MappedMemoryRegion, error) {
	notes, err := core.Notes()
	if err != nil {
		return nil, err
	}

	for _, note := range notes {
		if note.Name == noteNameCore && note.Type == noteTypeFile {
			return parseFileNote(core.File.ByteOrder, note.Description)
		}
	}

	return nil, nil
}

func parseFileNote(
	byteOrder binary.ByteOrder,
	desc []byte,
) (
	[]procfs.MappedMemoryRegion,
	error,
) {
	const wordSize = 8

	word := func(idx int) uint64 {
		return byteOrder.Uint64(desc[idx*wordSize:])
	}

	if len(desc) < 2*wordSize {
		return nil, fmt.Errorf("truncated NT_FILE note")
	}

	count := word(0)
	pageSize := word(1)
	if count > uint64(len(desc))/(3*wordSize) ||
		(2+3*int(count))*wordSize > len(desc) {

		return nil, fmt.Errorf("NT_FILE entry count (%d) is out of bounds", count)
	}

	names := desc[(2+3*int(count))*wordSize:]

	regions := make([]procfs.MappedMemoryRegion, 0, count)
	for idx := 0; idx < int(count); idx++ {
		end := bytes.IndexByte(names, 0)
		if end < 0 {
			return nil, fmt.Errorf("NT_FILE path %d is not terminated", idx)
		}

		entry := 2 + 3*idx
		regions = append(regions, procfs.MappedMemoryRegion{
			LowAddress:  word(entry),
			HighAddress: word(entry + 1),
			Offset:      word(entry+2) * pageSize,
			Pathname:    string(names[:end]),
		})
		names = names[end+1:]
	}

	return regions, nil
}
