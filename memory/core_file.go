package memory

import (
	"debug/elf"
	"fmt"
	"io"
)

// CoreFile is the memory image captured by an ELF core dump.  Only the file
// backed portion of each PT_LOAD segment is readable.
type CoreFile struct {
	*Segments

	File *elf.File
}

func NewCoreFile(path string) (*CoreFile, error) {
	file, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open core file %s: %w", path, err)
	}

	core, err := newCoreFile(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to load core file %s: %w", path, err)
	}

	return core, nil
}

func newCoreFile(file *elf.File) (*CoreFile, error) {
	if file.Type != elf.ET_CORE {
		return nil, fmt.Errorf("unexpected elf file type (%s)", file.Type)
	}

	segments := NewSegments()
	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}

		content := make([]byte, prog.Filesz)
		_, err := io.ReadFull(prog.Open(), content)
		if err != nil {
			return nil, fmt.Errorf(
				"failed to read segment at %#x: %w",
				prog.Vaddr,
				err)
		}

		segments.Add(prog.Vaddr, content)
	}

	return &CoreFile{
		Segments: segments,
		File:     file,
	}, nil
}

func (core *CoreFile) Close() error {
	return core.File.Close()
}
