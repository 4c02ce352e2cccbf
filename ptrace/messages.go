package ptrace

import (
	"os/exec"
)

type opType string

const (
	startOp      = opType("start")
	attachOp     = opType("attach")
	detachOp     = opType("detach")
	getRegsOp    = opType("getRegs")
	readMemoryOp = opType("readMemory")
)

type request struct {
	opType

	cmd *exec.Cmd // only used by start

	pid int // used by all except start

	regs *UserRegs // get regs

	addr uintptr // read memory
	data []byte  // read memory

	responseChan chan response
}

type response struct {
	count int // read memory

	err error
}
