//go:build windows

package transport

import (
	"errors"
	"testing"
	"time"
)

func TestPipeChannelReadDoesNotWaitOnWriter(t *testing.T) {
	n := pipeCounter.Add(1)
	recv, err := createServerPipe(pipeName(n, 1), 4096)
	if err != nil {
		t.Fatalf("create recv pipe: %v", err)
	}
	send, err := createServerPipe(pipeName(n, 2), 4096)
	if err != nil {
		_ = recv.close()
		t.Fatalf("create send pipe: %v", err)
	}
	c := newPipeChannel(recv, send, 300*time.Millisecond)
	defer c.Close() //nolint:errcheck

	// no child ever connects, so the write waits for its whole timeout
	done := make(chan error, 1)
	go func() {
		_, err := c.Write([]byte("control\n1\n0.5\n"))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	if _, err := c.Read(make([]byte, 16)); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("read waited behind the writer for %s", elapsed)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrWriteTimeout) {
			t.Fatalf("expected ErrWriteTimeout, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("write to an unconnected pipe never gave up")
	}
}
