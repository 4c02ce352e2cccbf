package procfs

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

const (
	pageSize = 0x1000
)

// See elf.h for the full list of auxiliary vector entry types, system v abi
// amd64 supplement section 3.4.3 for description.
type AuxiliaryVectorEntryType uint64

const (
	// AT_NULL. last entry of the vector
	AT_EndOfVector = AuxiliaryVectorEntryType(0)

	// AT_IGNORE. entry with no meaning
	AT_Ignore = AuxiliaryVectorEntryType(1)

	// AT_PHDR
	AT_ProgramHeader = AuxiliaryVectorEntryType(3)

	// AT_BASE. base address at which the interpreter program was loaded into
	// memory.
	AT_BaseAddress = AuxiliaryVectorEntryType(7)

	// AT_ENTRY. entry point of the application program
	AT_Entry = AuxiliaryVectorEntryType(9)

	// AT_SYSINFO_EHDR. address of the vdso's elf header
	AT_SysInfoELFHeader = AuxiliaryVectorEntryType(33)
)

// NOTE: access to this is governed by ptrace
func GetAuxiliaryVector(pid int) (map[AuxiliaryVectorEntryType]uint64, error) {
	content, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", pid))
	if err != nil {
		return nil, fmt.Errorf(
			"failed to read process %d's auxiliary vector: %w",
			pid,
			err)
	}

	result, err := ParseAuxiliaryVector(content)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to decode process %d's auxiliary vector: %w",
			pid,
			err)
	}

	return result, nil
}

// ParseAuxiliaryVector decodes (type, value) pairs of native 8-byte words.
func ParseAuxiliaryVector(
	content []byte,
) (
	map[AuxiliaryVectorEntryType]uint64,
	error,
) {
	result := map[AuxiliaryVectorEntryType]uint64{}
	for {
		if len(content) < 16 {
			return nil, fmt.Errorf("auxiliary vector not terminated")
		}

		entryType := AuxiliaryVectorEntryType(binary.NativeEndian.Uint64(content))
		value := binary.NativeEndian.Uint64(content[8:])
		content = content[16:]

		if entryType == AT_EndOfVector {
			break
		}

		if entryType == AT_Ignore {
			continue
		}

		result[entryType] = value
	}

	return result, nil
}

type MappedMemoryRegion struct {
	LowAddress  uint64
	HighAddress uint64

	Read    bool
	Write   bool
	Execute bool
	Private bool // (copy on write)

	Offset uint64

	DeviceMajor uint
	DeviceMinor uint
	Inode       uint

	Pathname string
}

func GetMappedMemoryRegions(pid int) ([]MappedMemoryRegion, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return ParseMappedMemoryRegions(string(content))
}

func ParseMappedMemoryRegions(content string) ([]MappedMemoryRegion, error) {
	result := []MappedMemoryRegion{}
	for _, line := range strings.Split(content, "\n") {
		if line == "" {
			break
		}

		entry, err := parseMappedMemoryRegion(line)
		if err != nil {
			return nil, fmt.Errorf("failed to parse maps entry (%s): %w", line, err)
		}

		result = append(result, entry)
	}

	return result, nil
}

func parseMappedMemoryRegion(line string) (MappedMemoryRegion, error) {
	entry := MappedMemoryRegion{}
	chunks := strings.Fields(line)
	if len(chunks) < 5 {
		return entry, fmt.Errorf("too few fields")
	}

	addresses := strings.SplitN(chunks[0], "-", 2)
	if len(addresses) != 2 {
		return entry, fmt.Errorf("invalid address range")
	}

	lowAddr, err := strconv.ParseUint(addresses[0], 16, 64)
	if err != nil {
		return entry, fmt.Errorf("failed to parse low address: %w", err)
	}
	entry.LowAddress = lowAddr

	highAddr, err := strconv.ParseUint(addresses[1], 16, 64)
	if err != nil {
		return entry, fmt.Errorf("failed to parse high address: %w", err)
	}
	entry.HighAddress = highAddr

	for idx, b := range []byte(chunks[1]) {
		switch idx {
		case 0:
			entry.Read = b == 'r'
		case 1:
			entry.Write = b == 'w'
		case 2:
			entry.Execute = b == 'x'
		case 3:
			entry.Private = b == 'p'
		}
	}

	offset, err := strconv.ParseUint(chunks[2], 16, 64)
	if err != nil {
		return entry, fmt.Errorf("failed to parse offset: %w", err)
	}
	entry.Offset = offset

	device := strings.SplitN(chunks[3], ":", 2)
	if len(device) != 2 {
		return entry, fmt.Errorf("invalid device")
	}

	major, err := strconv.ParseUint(device[0], 16, 32)
	if err != nil {
		return entry, fmt.Errorf("failed to parse device major: %w", err)
	}
	entry.DeviceMajor = uint(major)

	minor, err := strconv.ParseUint(device[1], 16, 32)
	if err != nil {
		return entry, fmt.Errorf("failed to parse device minor: %w", err)
	}
	entry.DeviceMinor = uint(minor)

	inode, err := strconv.ParseUint(chunks[4], 10, 64)
	if err != nil {
		return entry, fmt.Errorf("failed to parse inode: %w", err)
	}
	entry.Inode = uint(inode)

	if len(chunks) > 5 {
		entry.Pathname = strings.Join(chunks[5:], " ")
	}

	return entry, nil
}

// ModuleMapping groups the mapped regions backed by the same file.
type ModuleMapping struct {
	Pathname string

	// Loaded address range [Start, End).
	Start uint64
	End   uint64

	Regions []MappedMemoryRegion
}

// LoadBias computes the difference between loaded and file addresses given
// a PT_LOAD segment's file offset and virtual address.
func (mapping ModuleMapping) LoadBias(
	segmentOffset uint64,
	segmentVaddr uint64,
) (
	uint64,
	bool,
) {
	alignedOffset := segmentOffset &^ (pageSize - 1)
	for _, region := range mapping.Regions {
		if region.Offset == alignedOffset {
			return region.LowAddress - (segmentVaddr &^ (pageSize - 1)), true
		}
	}

	return 0, false
}

// ModuleMappings returns file backed mappings, in ascending address order.
// Pseudo paths (e.g., [stack], [vdso]) and anonymous regions are skipped.
func ModuleMappings(regions []MappedMemoryRegion) []ModuleMapping {
	mappings := map[string]*ModuleMapping{}
	for _, region := range regions {
		if region.Pathname == "" || strings.HasPrefix(region.Pathname, "[") {
			continue
		}

		mapping, ok := mappings[region.Pathname]
		if !ok {
			mapping = &ModuleMapping{
				Pathname: region.Pathname,
				Start:    region.LowAddress,
				End:      region.HighAddress,
			}
			mappings[region.Pathname] = mapping
		}

		if region.LowAddress < mapping.Start {
			mapping.Start = region.LowAddress
		}
		if region.HighAddress > mapping.End {
			mapping.End = region.HighAddress
		}
		mapping.Regions = append(mapping.Regions, region)
	}

	result := make([]ModuleMapping, 0, len(mappings))
	for _, mapping := range mappings {
		result = append(result, *mapping)
	}

	sort.Slice(
		result,
		func(i int, j int) bool { return result[i].Start < result[j].Start })

	return result
}

func GetExecutableSymlinkPath(pid int) string {
	return fmt.Sprintf("/proc/%d/exe", pid)
}
