//go:build darwin || linux

package procgroup

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"
)

func startGroup(t *testing.T, name string, args ...string) (*exec.Cmd, chan struct{}) {
	t.Helper()
	cmd := exec.Command(name, args...)
	Setup(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		_ = Signal(cmd.Process.Pid, 9)
		<-done
	})
	return cmd, done
}

func TestStop_Graceful(t *testing.T) {
	cmd, done := startGroup(t, "sleep", "30")
	if !Alive(cmd.Process.Pid) {
		t.Fatal("expected process alive")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Stop(ctx, cmd.Process.Pid, done); err != nil {
		t.Fatalf("expected graceful stop, got %v", err)
	}
}

func TestStop_ForcedAfterGrace(t *testing.T) {
	cmd, done := startGroup(t, "sh", "-c", `trap "" TERM; sleep 30`)
	// Give the shell time to install the trap.
	time.Sleep(200 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := Stop(ctx, cmd.Process.Pid, done)
	if !errors.Is(err, ErrForced) {
		t.Fatalf("expected ErrForced, got %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process group survived SIGKILL")
	}
}

func TestSignal_RefusesInvalidPIDs(t *testing.T) {
	for _, pid := range []int{-1, 0, 1} {
		if err := Signal(pid, 0); err == nil {
			t.Fatalf("expected refusal for pid %d", pid)
		}
	}
}
