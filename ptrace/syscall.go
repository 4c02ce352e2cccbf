package ptrace

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	vmPageSize = 0x1000
)

// This matches user_regs_struct defined in <sys/user.h> on amd64, and
// user_pt_regs defined in <asm/ptrace.h> on arm64.
type UserRegs = syscall.PtraceRegs

// waitForStop blocks until the traced process enters signal-delivery-stop.
func waitForStop(pid int) error {
	var status unix.WaitStatus
	_, err := unix.Wait4(pid, &status, 0, nil)
	if err != nil {
		return err
	}

	if !status.Stopped() {
		return fmt.Errorf("unexpected process state (%#x)", uint32(status))
	}

	return nil
}

func readVirtualMemory(pid int, addr uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	localIovs := make([]unix.Iovec, 1)
	localIovs[0].Base = &data[0]
	localIovs[0].SetLen(len(data))

	var remoteIovs []unix.RemoteIovec

	remaining := len(data)

	// NOTE: RemoteIovec entries must not cross page boundaries, otherwise a
	// single unmapped page fails the entire entry.
	for remaining > 0 {
		pageEndAddr := (addr/vmPageSize + 1) * vmPageSize

		size := int(pageEndAddr - addr)
		if remaining < size {
			size = remaining
		}

		remoteIovs = append(
			remoteIovs,
			unix.RemoteIovec{
				Base: addr,
				Len:  size,
			})

		remaining -= size
		addr += uintptr(size)
	}

	return unix.ProcessVMReadv(pid, localIovs, remoteIovs, 0)
}
