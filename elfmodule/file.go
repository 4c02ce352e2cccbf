package elfmodule

import (
	stddwarf "debug/dwarf"
	"debug/elf"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/pattyshack/dwarfeval/arch"
	"github.com/pattyshack/dwarfeval/dwarf"
	"github.com/pattyshack/dwarfeval/procfs"
)

const (
	debugInfoName = ".debug_info"
)

// File is an elf executable or shared library.  Debug info is parsed on
// first use.
type File struct {
	Path string

	*elf.File

	Platform *arch.Architecture
	Sections *Sections
	Symbols  *Symbols

	closer io.Closer

	debugInfo   *stddwarf.Data
	unitHeaders map[stddwarf.Offset]unitHeader
}

func Open(path string) (*File, error) {
	elfFile, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open elf file %s: %w", path, err)
	}

	file, err := NewFile(path, elfFile)
	if err != nil {
		_ = elfFile.Close()
		return nil, err
	}

	file.closer = elfFile
	return file, nil
}

func NewFile(path string, elfFile *elf.File) (*File, error) {
	platform, err := arch.ForMachine(elfFile.Machine)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	symbols, err := NewSymbols(elfFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	return &File{
		Path:     path,
		File:     elfFile,
		Platform: platform,
		Sections: NewSections(elfFile),
		Symbols:  symbols,
	}, nil
}

func (file *File) Close() error {
	if file.closer == nil {
		return nil
	}
	return file.closer.Close()
}

// Extent returns the unbiased [start, end) range covered by the file's
// PT_LOAD segments, falling back to allocated sections for files without
// program headers.
func (file *File) Extent() (uint64, uint64) {
	start := ^uint64(0)
	end := uint64(0)
	include := func(low uint64, size uint64) {
		if size == 0 {
			return
		}
		if low < start {
			start = low
		}
		if low+size > end {
			end = low + size
		}
	}

	for _, prog := range file.Progs {
		if prog.Type == elf.PT_LOAD {
			include(prog.Vaddr, prog.Memsz)
		}
	}

	if end == 0 {
		for _, section := range file.File.Sections {
			if section.Flags&elf.SHF_ALLOC != 0 {
				include(section.Addr, section.Size)
			}
		}
	}

	if end == 0 {
		return 0, 0
	}
	return start, end
}

// LoadBias computes the file's bias within a process mapping from its first
// PT_LOAD segment.
func (file *File) LoadBias(mapping procfs.ModuleMapping) (uint64, bool) {
	for _, prog := range file.Progs {
		if prog.Type == elf.PT_LOAD {
			return mapping.LoadBias(prog.Off, prog.Vaddr)
		}
	}
	return 0, false
}

// Load returns the file mapped into a target at the given bias.
func (file *File) Load(bias uint64, logger zerolog.Logger) *LoadedFile {
	start, end := file.Extent()

	module := dwarf.NewModule(
		file.Path,
		file.Platform,
		file.Sections,
		bias,
		start+bias,
		end+bias)
	module.Logger = logger

	return &LoadedFile{
		File:   file,
		Module: module,
		units:  map[stddwarf.Offset]*dwarf.CompileUnit{},
	}
}

// LoadMapping loads the file at the bias implied by its process mapping.
func (file *File) LoadMapping(
	mapping procfs.ModuleMapping,
	logger zerolog.Logger,
) (
	*LoadedFile,
	error,
) {
	bias, ok := file.LoadBias(mapping)
	if !ok {
		return nil, fmt.Errorf(
			"no PT_LOAD segment of %s is mapped at [%#x, %#x)",
			file.Path,
			mapping.Start,
			mapping.End)
	}

	loaded := file.Load(bias, logger)
	loaded.Module.Start = mapping.Start
	loaded.Module.End = mapping.End
	return loaded, nil
}

// DebugInfo returns the file's parsed .debug_info, or false if the file has
// no debug info.
func (file *File) DebugInfo() (*stddwarf.Data, bool, error) {
	if file.debugInfo != nil {
		return file.debugInfo, true, nil
	}

	section := file.Section(debugInfoName)
	if section == nil || section.Type == elf.SHT_NOBITS {
		return nil, false, nil
	}

	data, err := file.DWARF()
	if err != nil {
		return nil, false, fmt.Errorf(
			"failed to parse debug info of %s: %w",
			file.Path,
			err)
	}

	content, err := section.Data()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", debugInfoName, err)
	}

	headers, err := parseUnitHeaders(file.ByteOrder, content)
	if err != nil {
		return nil, false, err
	}

	file.debugInfo = data
	file.unitHeaders = headers
	return data, true, nil
}

// LoadedFile is a File mapped into a target's address space.
type LoadedFile struct {
	*File

	Module *dwarf.Module

	units map[stddwarf.Offset]*dwarf.CompileUnit
}

func (loaded *LoadedFile) Bias() uint64 {
	return loaded.Module.Bias
}

// SymbolSpans returns the symbol covering the loaded address.
func (loaded *LoadedFile) SymbolSpans(address uint64) *Symbol {
	return loaded.Symbols.SymbolSpans(address - loaded.Module.Bias)
}
