//go:build unix

package transport

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/g960059/plugbridge/internal/logging"
)

// Child-side descriptor numbers of the inherited pipe ends.
const (
	childRecvFD = 3
	childSendFD = 4
)

// fdSet closes every descriptor it still owns on release.
type fdSet struct {
	fds []int
}

func (s *fdSet) add(fds ...int) {
	s.fds = append(s.fds, fds...)
}

func (s *fdSet) forget(fd int) {
	for i, v := range s.fds {
		if v == fd {
			s.fds = append(s.fds[:i], s.fds[i+1:]...)
			return
		}
	}
}

func (s *fdSet) closeAll() {
	for _, fd := range s.fds {
		_ = unix.Close(fd)
	}
	s.fds = nil
}

func makePipe() ([2]int, error) {
	var p [2]int
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()
	if err := unix.Pipe(p[:]); err != nil {
		return p, err
	}
	unix.CloseOnExec(p[0])
	unix.CloseOnExec(p[1])
	return p, nil
}

func launch(spec LaunchSpec) (*Launched, error) {
	log := logging.Component(spec.Logger, logging.ComponentTransport)

	var owned fdSet
	defer owned.closeAll()

	hostToChild, err := makePipe()
	if err != nil {
		return nil, fmt.Errorf("create host->child pipe: %w", err)
	}
	owned.add(hostToChild[0], hostToChild[1])
	childToHost, err := makePipe()
	if err != nil {
		return nil, fmt.Errorf("create child->host pipe: %w", err)
	}
	owned.add(childToHost[0], childToHost[1])

	hostRecv, hostSend := childToHost[0], hostToChild[1]
	childRecv, childSend := hostToChild[0], childToHost[1]

	if spec.BufferSize > 0 {
		for _, fd := range []int{hostRecv, childRecv} {
			if err := setPipeSize(fd, spec.BufferSize); err != nil {
				log.Debug("pipe size hint not applied", "fd", fd, "size", spec.BufferSize, "err", err)
			}
		}
	}
	// the child makes its own ends non-blocking in OpenClient
	for _, fd := range []int{hostRecv, hostSend} {
		if err := unix.SetNonblock(fd, true); err != nil {
			return nil, fmt.Errorf("set host pipe non-blocking: %w", err)
		}
	}

	ids := [4]string{
		strconv.Itoa(childRecvFD),
		strconv.Itoa(childSendFD),
		strconv.Itoa(hostRecv),
		strconv.Itoa(hostSend),
	}
	args := spec.argv(ids)
	path, err := exec.LookPath(args[0])
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", args[0], err)
	}

	pid, err := syscall.ForkExec(path, args, &syscall.ProcAttr{
		Env:   childEnv(os.Environ(), spec.LoaderEnv, spec.Env),
		Files: []uintptr{0, 1, 2, uintptr(childRecv), uintptr(childSend)},
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	// the child holds its own copies now
	_ = unix.Close(childRecv)
	_ = unix.Close(childSend)
	owned.forget(childRecv)
	owned.forget(childSend)
	owned.forget(hostRecv)
	owned.forget(hostSend)

	log.Debug("bridge child started", "pid", pid, "path", path)
	return &Launched{
		Channel: newFDChannel(hostRecv, hostSend, spec.writeTimeout()),
		Process: &unixProcess{pid: pid},
		Args:    args,
	}, nil
}

type unixProcess struct {
	mu     sync.Mutex
	pid    int
	reaped bool
}

func (p *unixProcess) Pid() int {
	return p.pid
}

func (p *unixProcess) Exited() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reaped {
		return true, nil
	}
	var status unix.WaitStatus
	for {
		wpid, err := unix.Wait4(p.pid, &status, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			p.reaped = true
			return true, nil
		case err != nil:
			return false, fmt.Errorf("wait4 %d: %w", p.pid, err)
		case wpid == 0:
			return false, nil
		case wpid == p.pid:
			p.reaped = true
			return true, nil
		default:
			return false, fmt.Errorf("wait4 returned pid %d, want %d", wpid, p.pid)
		}
	}
}

func (p *unixProcess) signal(sig unix.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reaped {
		return nil
	}
	if err := unix.Kill(p.pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill %d %v: %w", p.pid, sig, err)
	}
	return nil
}

func (p *unixProcess) Terminate() error {
	return p.signal(unix.SIGTERM)
}

func (p *unixProcess) Kill() error {
	return p.signal(unix.SIGKILL)
}

func (p *unixProcess) Release() error {
	return nil
}
