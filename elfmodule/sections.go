package elfmodule

import (
	"debug/elf"
	"fmt"

	"github.com/pattyshack/dwarfeval/dwarf"
)

// Sections is a dwarf.SectionLoader over an elf file.  Section content is
// read (and decompressed) on first use.
type Sections struct {
	file    *elf.File
	content map[dwarf.SectionId][]byte
}

func NewSections(file *elf.File) *Sections {
	return &Sections{
		file:    file,
		content: map[dwarf.SectionId][]byte{},
	}
}

func (sections *Sections) section(id dwarf.SectionId) *elf.Section {
	section := sections.file.Section(id.String())
	if section == nil || section.Type == elf.SHT_NOBITS {
		return nil
	}
	return section
}

func (sections *Sections) LoadSection(
	id dwarf.SectionId,
) (
	[]byte,
	bool,
	error,
) {
	content, ok := sections.content[id]
	if ok {
		return content, true, nil
	}

	section := sections.section(id)
	if section == nil {
		return nil, false, nil
	}

	content, err := section.Data()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", section.Name, err)
	}

	sections.content[id] = content
	return content, true, nil
}

func (sections *Sections) SectionAddress(id dwarf.SectionId) (uint64, bool) {
	section := sections.section(id)
	if section == nil || section.Flags&elf.SHF_ALLOC == 0 {
		return 0, false
	}
	return section.Addr, true
}
