package ptrace

import (
	"context"
	"fmt"
	"runtime"
	"syscall"
)

type traceServer struct {
	cancel func()
	ctx    context.Context

	// Reminder: requestChan is blocking. responseChan(s) are non-blocking.
	requestChan chan request
}

func newTraceServer() *traceServer {
	ctx, cancel := context.WithCancel(context.Background())

	server := &traceServer{
		cancel:      cancel,
		ctx:         ctx,
		requestChan: make(chan request),
	}

	go server.processRequests()
	return server
}

func (server *traceServer) processRequests() {
	runtime.LockOSThread()
	defer func() {
		server.cancel()
		runtime.UnlockOSThread()
	}()

	for req := range server.requestChan {
		switch req.opType {
		case startOp:
			req.responseChan <- server.start(req)
		case attachOp:
			req.responseChan <- server.attach(req)
		case detachOp:
			req.responseChan <- server.detach(req)
			return
		case getRegsOp:
			req.responseChan <- server.getRegs(req)
		case readMemoryOp:
			req.responseChan <- server.readMemory(req)
		default:
			req.responseChan <- response{
				err: fmt.Errorf("unknown ptrace operation (%s)", req.opType),
			}
		}
	}
}

func (server *traceServer) start(req request) response {
	err := req.cmd.Start()
	if err != nil {
		return response{
			err: fmt.Errorf("failed to start process: %w", err),
		}
	}

	// The child stops with SIGTRAP on exec.
	err = waitForStop(req.cmd.Process.Pid)
	if err != nil {
		err = fmt.Errorf(
			"failed to wait for process %d: %w",
			req.cmd.Process.Pid,
			err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) attach(req request) response {
	err := syscall.PtraceAttach(req.pid)
	if err != nil {
		return response{
			err: fmt.Errorf("failed to attach to process %d: %w", req.pid, err),
		}
	}

	err = waitForStop(req.pid)
	if err != nil {
		err = fmt.Errorf("failed to wait for process %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) detach(req request) response {
	err := syscall.PtraceDetach(req.pid)
	if err != nil {
		err = fmt.Errorf("failed to detach from process %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) getRegs(req request) response {
	err := syscall.PtraceGetRegs(req.pid, req.regs)
	if err != nil {
		err = fmt.Errorf(
			"failed to get general register values from process %d: %w",
			req.pid,
			err)
	}

	return response{
		err: err,
	}
}

// Memory is read with process_vm_readv instead of PTRACE_PEEKDATA for
// efficiency.  The read permission is still governed by ptrace.
func (server *traceServer) readMemory(req request) response {
	count, err := readVirtualMemory(req.pid, req.addr, req.data)
	if err != nil {
		err = fmt.Errorf(
			"failed to process_vm_readv at %#x (%d) from process %d: %w",
			req.addr,
			len(req.data),
			req.pid,
			err)
	}

	return response{
		count: count,
		err:   err,
	}
}
