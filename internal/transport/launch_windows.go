//go:build windows

package transport

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf16"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/g960059/plugbridge/internal/logging"
)

var pipeCounter atomic.Uint64

func pipeName(n uint64, side int) string {
	return fmt.Sprintf(`\\.\pipe\plugbridge-%d-%d-%d`, os.Getpid(), n, side)
}

func createServerPipe(name string, size int) (*pipeHandle, error) {
	path, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 4096
	}
	h, err := windows.CreateNamedPipe(path,
		windows.PIPE_ACCESS_DUPLEX|windows.FILE_FLAG_FIRST_PIPE_INSTANCE|windows.FILE_FLAG_OVERLAPPED,
		windows.PIPE_TYPE_BYTE|windows.PIPE_READMODE_BYTE|windows.PIPE_WAIT,
		1, uint32(size), uint32(size), 0, nil)
	if err != nil {
		return nil, fmt.Errorf("create pipe %s: %w", name, err)
	}
	return &pipeHandle{h: h, overlapped: true, server: true}, nil
}

// envBlock encodes env as a sorted, double-NUL terminated UTF-16 block.
func envBlock(env []string) *uint16 {
	sorted := append([]string(nil), env...)
	sort.Slice(sorted, func(i, j int) bool {
		return strings.ToUpper(sorted[i]) < strings.ToUpper(sorted[j])
	})
	var block []uint16
	for _, kv := range sorted {
		if strings.IndexByte(kv, 0) >= 0 {
			continue
		}
		block = append(block, utf16.Encode([]rune(kv))...)
		block = append(block, 0)
	}
	block = append(block, 0)
	return &block[0]
}

func launch(spec LaunchSpec) (*Launched, error) {
	log := logging.Component(spec.Logger, logging.ComponentTransport)
	n := pipeCounter.Add(1)
	recvName, sendName := pipeName(n, 1), pipeName(n, 2)

	// host reads what the child writes to sendName, and the other way round
	hostSend, err := createServerPipe(recvName, spec.BufferSize)
	if err != nil {
		return nil, err
	}
	hostRecv, err := createServerPipe(sendName, spec.BufferSize)
	if err != nil {
		_ = hostSend.close()
		return nil, err
	}
	fail := func(err error) (*Launched, error) {
		_ = hostRecv.close()
		_ = hostSend.close()
		return nil, err
	}

	args := spec.argv([4]string{recvName, sendName, "ignored", "ignored"})
	cmdline, err := windows.UTF16PtrFromString(windows.ComposeCommandLine(args))
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrInvalidLaunch, err))
	}
	si := &windows.StartupInfo{}
	si.Cb = uint32(unsafe.Sizeof(*si))
	pi := &windows.ProcessInformation{}
	err = windows.CreateProcess(nil, cmdline, nil, nil, false,
		windows.CREATE_NO_WINDOW|windows.CREATE_UNICODE_ENVIRONMENT,
		envBlock(childEnv(os.Environ(), spec.LoaderEnv, spec.Env)),
		nil, si, pi)
	if err != nil {
		return fail(fmt.Errorf("start %s: %w", args[0], err))
	}
	_ = windows.CloseHandle(pi.Thread)

	log.Debug("bridge child started", "pid", pi.ProcessId, "pipe", recvName)
	return &Launched{
		Channel: newPipeChannel(hostRecv, hostSend, spec.writeTimeout()),
		Process: &windowsProcess{h: pi.Process, pid: int(pi.ProcessId)},
		Args:    args,
	}, nil
}

type windowsProcess struct {
	mu       sync.Mutex
	h        windows.Handle
	pid      int
	released bool
}

func (p *windowsProcess) Pid() int {
	return p.pid
}

func (p *windowsProcess) Exited() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return true, nil
	}
	ev, err := windows.WaitForSingleObject(p.h, 0)
	if err != nil {
		return false, fmt.Errorf("wait for %d: %w", p.pid, err)
	}
	return ev == windows.WAIT_OBJECT_0, nil
}

// Terminate has no cooperative form on Windows and is the same as Kill.
func (p *windowsProcess) Terminate() error {
	return p.Kill()
}

func (p *windowsProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil
	}
	err := windows.TerminateProcess(p.h, 1)
	if err != nil && !errors.Is(err, windows.ERROR_ACCESS_DENIED) {
		return fmt.Errorf("terminate %d: %w", p.pid, err)
	}
	return nil
}

func (p *windowsProcess) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil
	}
	p.released = true
	return windows.CloseHandle(p.h)
}
