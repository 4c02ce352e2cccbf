package main

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"

	"github.com/pattyshack/dwarfeval/arch"
	"github.com/pattyshack/dwarfeval/dwarf"
	"github.com/pattyshack/dwarfeval/elfmodule"
	"github.com/pattyshack/dwarfeval/memory"
	"github.com/pattyshack/dwarfeval/procfs"
	"github.com/pattyshack/dwarfeval/ptrace"
	"github.com/pattyshack/dwarfeval/registers"
)

const vdsoName = "[vdso]"

type targetFlags struct {
	pid     int
	exec    string
	core    string
	thread  int
	sysroot string
}

func (flags *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&flags.pid, "pid", "p", 0, "Attach to process pid")
	cmd.Flags().StringVarP(
		&flags.exec,
		"exec",
		"e",
		"",
		"Start a command stopped at its first instruction (resumed on exit)")
	cmd.Flags().StringVarP(&flags.core, "core", "c", "", "Core file path")
	cmd.Flags().IntVar(
		&flags.thread,
		"thread",
		0,
		"Core file thread index (0 is the faulting thread)")
	cmd.Flags().StringVar(
		&flags.sysroot,
		"sysroot",
		"",
		"Directory prefixed to the core file's module paths")
}

func (flags *targetFlags) open(logger zerolog.Logger) (*target, error) {
	count := 0
	for _, set := range []bool{flags.pid != 0, flags.exec != "", flags.core != ""} {
		if set {
			count++
		}
	}
	if count > 1 {
		return nil, fmt.Errorf("--pid, --exec and --core are mutually exclusive")
	}

	if flags.pid != 0 {
		tracer, err := ptrace.AttachToProcess(flags.pid)
		if err != nil {
			return nil, fmt.Errorf(
				"failed to attach to process %d: %w",
				flags.pid,
				err)
		}
		return openProcess(tracer, logger)
	}
	if flags.exec != "" {
		args := strings.Fields(flags.exec)
		if len(args) == 0 {
			return nil, fmt.Errorf("--exec command is empty")
		}

		tracer, err := ptrace.StartAndAttachToProcess(
			exec.Command(args[0], args[1:]...))
		if err != nil {
			return nil, err
		}
		return openProcess(tracer, logger)
	}
	if flags.core != "" {
		return openCore(flags.core, flags.thread, flags.sysroot, logger)
	}
	return nil, fmt.Errorf("one of --pid, --exec or --core must be specified")
}

// target is a stopped thread together with the modules mapped into its
// address space.
type target struct {
	Description string

	Architecture *arch.Architecture
	Registers    *registers.State
	Memory       memory.Reader

	// Sorted by loaded address.
	Files []*elfmodule.LoadedFile

	closers []io.Closer
}

func (target *target) Close() error {
	var result error
	for idx := len(target.closers) - 1; idx >= 0; idx-- {
		err := target.closers[idx].Close()
		if err != nil && result == nil {
			result = err
		}
	}
	return result
}

func (target *target) FileAt(address uint64) (*elfmodule.LoadedFile, bool) {
	for _, file := range target.Files {
		if file.Module.Contains(address) {
			return file, true
		}
	}
	return nil, false
}

// ModuleAt implements unwind.ModuleResolver.
func (target *target) ModuleAt(address uint64) (*dwarf.Module, bool) {
	file, ok := target.FileAt(address)
	if !ok {
		return nil, false
	}
	return file.Module, true
}

func (target *target) loadModules(
	mappings []procfs.ModuleMapping,
	sysroot string,
	logger zerolog.Logger,
) {
	for _, mapping := range mappings {
		path := mapping.Pathname
		if sysroot != "" {
			path = filepath.Join(sysroot, path)
		}

		file, err := elfmodule.Open(path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("skipping module")
			continue
		}

		if file.Platform != target.Architecture {
			logger.Warn().
				Str("path", path).
				Str("arch", file.Platform.Name()).
				Msg("skipping module with mismatched architecture")
			_ = file.Close()
			continue
		}

		loaded, err := file.LoadMapping(
			mapping,
			logger.With().Str("module", filepath.Base(path)).Logger())
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("skipping module")
			_ = file.Close()
			continue
		}

		logger.Debug().
			Str("path", path).
			Str("start", fmt.Sprintf("%#x", mapping.Start)).
			Str("bias", fmt.Sprintf("%#x", loaded.Bias())).
			Msg("loaded module")

		target.Files = append(target.Files, loaded)
		target.closers = append(target.closers, file)
	}
}

func describeProcess(pid int) string {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Sprintf("process %d", pid)
	}

	name, err := proc.Name()
	if err != nil || name == "" {
		return fmt.Sprintf("process %d", pid)
	}
	return fmt.Sprintf("process %d (%s)", pid, name)
}

func openProcess(tracer *ptrace.Tracer, logger zerolog.Logger) (*target, error) {
	result := &target{
		Description: describeProcess(tracer.Pid),
		Memory:      memory.NewProcess(tracer),
		closers:     []io.Closer{tracer},
	}

	err := result.initProcess(tracer, logger)
	if err != nil {
		_ = result.Close()
		return nil, err
	}

	return result, nil
}

func (target *target) initProcess(
	tracer *ptrace.Tracer,
	logger zerolog.Logger,
) error {
	userRegs, err := tracer.GetGeneralRegisters()
	if err != nil {
		return fmt.Errorf("failed to read registers: %w", err)
	}

	regs, err := registers.FromPtraceRegs(userRegs)
	if err != nil {
		return err
	}
	target.Registers = regs
	target.Architecture = regs.Architecture

	regions, err := procfs.GetMappedMemoryRegions(tracer.Pid)
	if err != nil {
		return err
	}

	mappings := procfs.ModuleMappings(regions)

	// The main executable is opened through its /proc symlink, which stays
	// valid even if the file was deleted or replaced.
	exePath := procfs.GetExecutableSymlinkPath(tracer.Pid)
	exeTarget, err := os.Readlink(exePath)
	if err == nil {
		for idx, mapping := range mappings {
			if mapping.Pathname == exeTarget {
				mappings[idx].Pathname = exePath
			}
		}
	}

	target.loadModules(mappings, "", logger)

	err = target.loadVDSO(tracer.Pid, regions, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("skipping vdso")
	}
	return nil
}

// loadVDSO loads the kernel provided shared object from the process' memory.
// The vdso has no backing file, but carries unwind info for its functions.
func (target *target) loadVDSO(
	pid int,
	regions []procfs.MappedMemoryRegion,
	logger zerolog.Logger,
) error {
	auxv, err := procfs.GetAuxiliaryVector(pid)
	if err != nil {
		return err
	}

	base, ok := auxv[procfs.AT_SysInfoELFHeader]
	if !ok || base == 0 {
		return nil
	}

	for _, region := range regions {
		if region.LowAddress != base {
			continue
		}

		content := make([]byte, region.HighAddress-region.LowAddress)
		err := target.Memory.ReadMemory(base, content)
		if err != nil {
			return err
		}

		elfFile, err := elf.NewFile(bytes.NewReader(content))
		if err != nil {
			return fmt.Errorf("failed to parse vdso: %w", err)
		}

		file, err := elfmodule.NewFile(vdsoName, elfFile)
		if err != nil {
			return err
		}

		region.Offset = 0
		loaded, err := file.LoadMapping(
			procfs.ModuleMapping{
				Pathname: vdsoName,
				Start:    region.LowAddress,
				End:      region.HighAddress,
				Regions:  []procfs.MappedMemoryRegion{region},
			},
			logger.With().Str("module", vdsoName).Logger())
		if err != nil {
			return err
		}

		target.Files = append(target.Files, loaded)
		sort.Slice(
			target.Files,
			func(i int, j int) bool {
				return target.Files[i].Module.Start < target.Files[j].Module.Start
			})
		return nil
	}

	return fmt.Errorf("vdso at %#x is not mapped", base)
}

func openCore(
	path string,
	thread int,
	sysroot string,
	logger zerolog.Logger,
) (
	*target,
	error,
) {
	core, err := memory.NewCoreFile(path)
	if err != nil {
		return nil, err
	}

	result := &target{
		Description: fmt.Sprintf("core file %s (thread #%d)", path, thread),
		Memory:      core,
		closers:     []io.Closer{core},
	}

	err = result.initCore(core, thread, sysroot, logger)
	if err != nil {
		_ = result.Close()
		return nil, err
	}

	return result, nil
}

func (target *target) initCore(
	core *memory.CoreFile,
	thread int,
	sysroot string,
	logger zerolog.Logger,
) error {
	architecture, err := arch.ForMachine(core.File.Machine)
	if err != nil {
		return err
	}
	target.Architecture = architecture

	statuses, err := core.ThreadStatuses()
	if err != nil {
		return err
	}

	if thread < 0 || thread >= len(statuses) {
		return fmt.Errorf(
			"thread #%d not found (core file has %d threads)",
			thread,
			len(statuses))
	}

	regs, err := registers.FromPrstatus(architecture, statuses[thread])
	if err != nil {
		return err
	}
	target.Registers = regs

	regions, err := core.MappedRegions()
	if err != nil {
		return err
	}

	target.loadModules(procfs.ModuleMappings(regions), sysroot, logger)
	return nil
}
