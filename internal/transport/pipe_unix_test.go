//go:build unix

package transport

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newTestPair(t *testing.T) (*fdChannel, *fdChannel) {
	t.Helper()
	return newTestPairWithTimeout(t, DefaultWriteTimeout)
}

func newTestPairWithTimeout(t *testing.T, writeTimeout time.Duration) (*fdChannel, *fdChannel) {
	t.Helper()
	ab, err := makePipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	ba, err := makePipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	for _, fd := range []int{ab[0], ab[1], ba[0], ba[1]} {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("nonblock: %v", err)
		}
	}
	a := newFDChannel(ba[0], ab[1], writeTimeout)
	b := newFDChannel(ab[0], ba[1], writeTimeout)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestFDChannelNonBlockingRead(t *testing.T) {
	a, b := newTestPair(t)

	buf := make([]byte, 16)
	if _, err := a.Read(buf); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock on empty pipe, got %v", err)
	}
	if _, err := b.Write([]byte("control\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err := a.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "control\n" {
		t.Fatalf("unexpected bytes: %q", buf[:n])
	}
}

func TestFDChannelPeerCloseGivesEOFAndDisconnect(t *testing.T) {
	a, b := newTestPair(t)
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close must be a no-op: %v", err)
	}
	if _, err := a.Read(make([]byte, 4)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after peer close, got %v", err)
	}
	if _, err := a.Write([]byte("x\n")); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	if _, err := b.Write([]byte("x\n")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on closed channel, got %v", err)
	}
}

// fillPipe writes until the peer's buffer refuses more.
func fillPipe(t *testing.T, c *fdChannel) {
	t.Helper()
	chunk := make([]byte, 4096)
	for i := 0; i < 1<<12; i++ {
		if _, err := c.TryWrite(chunk); errors.Is(err, ErrWouldBlock) {
			return
		} else if err != nil {
			t.Fatalf("fill: %v", err)
		}
	}
	t.Fatalf("pipe never filled")
}

func TestFDChannelWriteGivesUpOnStalledPeer(t *testing.T) {
	a, _ := newTestPairWithTimeout(t, 100*time.Millisecond)
	fillPipe(t, a)

	start := time.Now()
	_, err := a.Write([]byte("control\n1\n0.5\n"))
	if !errors.Is(err, ErrWriteTimeout) {
		t.Fatalf("expected ErrWriteTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("write timeout not honoured: %s", elapsed)
	}
	if _, err := a.TryWrite([]byte("x\n")); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock from a single attempt, got %v", err)
	}
}

func TestFDChannelCloseReleasesBlockedWriter(t *testing.T) {
	a, _ := newTestPairWithTimeout(t, time.Minute)
	fillPipe(t, a)

	done := make(chan error, 1)
	go func() {
		_, err := a.Write([]byte("control\n1\n0.5\n"))
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = a.Close()
		close(closed)
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed for the released writer, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("writer still blocked after close")
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("close waited on the blocked writer")
	}
}

func openFDCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join("/proc", "self", "fd"))
	if err != nil {
		t.Skipf("fd listing unavailable: %v", err)
	}
	return len(entries)
}

func TestLaunchShellChildWritesHello(t *testing.T) {
	sh, err := os.Stat("/bin/sh")
	if err != nil || sh.IsDir() {
		t.Skip("/bin/sh unavailable")
	}
	launched, err := Launch(LaunchSpec{
		Helper:     "/bin/sh",
		Filename:   "-c",
		Arg1:       `printf '\n' >&4; read line <&3; printf '%s\n' "$line" >&4`,
		Arg2:       "sh",
		BufferSize: 4096,
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer launched.Channel.Close()

	if launched.Process.Pid() <= 0 {
		t.Fatalf("expected child pid, got %d", launched.Process.Pid())
	}
	got := readUntilNewlines(t, launched.Channel, 1)
	if got != "\n" {
		t.Fatalf("expected hello line, got %q", got)
	}
	if _, err := launched.Channel.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readUntilNewlines(t, launched.Channel, 1); got != "ping\n" {
		t.Fatalf("expected echo, got %q", got)
	}
	if outcome := StopOrKill(launched.Process, time.Second); outcome != OutcomeExited {
		t.Fatalf("expected child to exit on its own, got %s", outcome)
	}
}

func TestLaunchFailureLeaksNoDescriptors(t *testing.T) {
	before := openFDCount(t)
	_, err := Launch(LaunchSpec{Filename: filepath.Join(t.TempDir(), "missing-binary")})
	if err == nil {
		t.Fatalf("expected launch failure")
	}
	if after := openFDCount(t); after != before {
		t.Fatalf("descriptor count changed: before=%d after=%d", before, after)
	}
}

func readUntilNewlines(t *testing.T, ch Channel, lines int) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var out []byte
	buf := make([]byte, 64)
	for time.Now().Before(deadline) {
		n, err := ch.Read(buf)
		switch {
		case errors.Is(err, ErrWouldBlock):
			time.Sleep(PollInterval)
			continue
		case err != nil:
			t.Fatalf("read: %v", err)
		}
		out = append(out, buf[:n]...)
		count := 0
		for _, b := range out {
			if b == '\n' {
				count++
			}
		}
		if count >= lines {
			return string(out)
		}
	}
	t.Fatalf("timed out reading, have %q", out)
	return ""
}
