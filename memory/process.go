package memory

import (
	"fmt"

	"github.com/pattyshack/dwarfeval/ptrace"
)

// Process reads a traced process' virtual memory.
type Process struct {
	tracer *ptrace.Tracer
}

func NewProcess(tracer *ptrace.Tracer) *Process {
	return &Process{
		tracer: tracer,
	}
}

func (process *Process) ReadMemory(address uint64, out []byte) error {
	count, err := process.tracer.ReadFromVirtualMemory(uintptr(address), out)
	if err != nil {
		return fmt.Errorf(
			"failed to read from virtual memory at %#x (%d) for process %d: %w",
			address,
			len(out),
			process.tracer.Pid,
			err)
	}

	if count != len(out) {
		return fmt.Errorf(
			"partial read from virtual memory at %#x (%d of %d) for process %d: %w",
			address,
			count,
			len(out),
			process.tracer.Pid,
			ErrUnmapped)
	}

	return nil
}
