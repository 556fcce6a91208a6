package runtime

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
)

// startScript runs script under sh and stops and closes the job when the test ends.
func startScript(t *testing.T, rt *ExecRuntime, name, script string, env map[string]string) *ExecHandle {
	t.Helper()
	h, err := rt.Start(context.Background(), StartOptions{
		Name:    name,
		Command: []string{"sh", "-c", script},
		Env:     env,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.Stop(ctx)
		h.Close(ctx)
	})
	return h.(*ExecHandle)
}

func readAll(t *testing.T, h *ExecHandle) string {
	t.Helper()
	rc, err := h.StreamLogs(context.Background())
	if err != nil {
		t.Fatalf("StreamLogs failed: %v", err)
	}
	out, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	return string(out)
}

func waitExit(t *testing.T, h *ExecHandle) ExitResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return res
}

// processGone reports whether pid has exited. Zombies awaiting a reaper count as gone.
func processGone(pid int) bool {
	if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	i := bytes.LastIndexByte(stat, ')')
	return i >= 0 && i+2 < len(stat) && stat[i+2] == 'Z'
}

func TestNewExecRuntime_WorkDir(t *testing.T) {
	if got, want := NewExecRuntime("").WorkDir, filepath.Join(os.TempDir(), "taskqueue", "runner"); got != want {
		t.Errorf("default WorkDir = %s, want %s", got, want)
	}
	if got := NewExecRuntime("/srv/jobs").WorkDir; got != "/srv/jobs" {
		t.Errorf("WorkDir = %s, want /srv/jobs", got)
	}
}

func TestStart_RunsInsideNamedWorkDir(t *testing.T) {
	rt := NewExecRuntime(t.TempDir())
	h := startScript(t, rt, "instance-3-job-1", "pwd", nil)

	out := strings.TrimSpace(readAll(t, h))
	if res := waitExit(t, h); res.ExitCode != 0 {
		t.Fatalf("exit code %d, want 0", res.ExitCode)
	}

	want, err := filepath.EvalSymlinks(filepath.Join(rt.WorkDir, "instance-3-job-1"))
	if err != nil {
		t.Fatalf("work dir missing while the handle is open: %v", err)
	}
	got, _ := filepath.EvalSymlinks(out)
	if got != want {
		t.Errorf("job ran in %q, want %q", out, want)
	}
}

func TestStart_GeneratesNameWhenEmpty(t *testing.T) {
	rt := NewExecRuntime(t.TempDir())
	h := startScript(t, rt, "", "true", nil)
	waitExit(t, h)

	entries, err := os.ReadDir(rt.WorkDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		t.Fatalf("expected one job directory, got %v", entries)
	}
	if _, err := uuid.Parse(entries[0].Name()); err != nil {
		t.Errorf("generated directory %q is not a UUID", entries[0].Name())
	}
}

func TestStart_MergesStdoutStderrAndEnv(t *testing.T) {
	rt := NewExecRuntime(t.TempDir())
	h := startScript(t, rt, "merge", `echo "index=$TASKQUEUE_JOB_INDEX"; echo failing step >&2`,
		map[string]string{"TASKQUEUE_JOB_INDEX": "2"})

	out := readAll(t, h)
	waitExit(t, h)

	for _, want := range []string{"index=2", "failing step"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got %q", want, out)
		}
	}
}

func TestStart_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		command []string
	}{
		{"empty command", nil},
		{"missing binary", []string{"/nonexistent/taskqueue-step"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := NewExecRuntime(t.TempDir())
			_, err := rt.Start(context.Background(), StartOptions{Name: "job", Command: tt.command})
			if err == nil {
				t.Fatal("expected Start to fail")
			}
			if _, statErr := os.Stat(filepath.Join(rt.WorkDir, "job")); !os.IsNotExist(statErr) {
				t.Errorf("work dir left behind after failed start: %v", statErr)
			}
		})
	}
}

func TestWait_NonZeroExitIsAResult(t *testing.T) {
	rt := NewExecRuntime(t.TempDir())
	h := startScript(t, rt, "fails", "exit 3", nil)

	res := waitExit(t, h)
	if res.ExitCode != 3 || res.Error != nil {
		t.Errorf("got %+v, want exit code 3 without error", res)
	}
}

func TestWait_ContextExpires(t *testing.T) {
	rt := NewExecRuntime(t.TempDir())
	h := startScript(t, rt, "slow", "sleep 30", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := h.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code %d, want -1", res.ExitCode)
	}
}

func TestStop_TerminatesWholeProcessGroup(t *testing.T) {
	rt := NewExecRuntime(t.TempDir())
	h := startScript(t, rt, "group", "sleep 30 & echo $!; wait", nil)

	rc, err := h.StreamLogs(context.Background())
	if err != nil {
		t.Fatalf("StreamLogs failed: %v", err)
	}
	line, err := bufio.NewReader(rc).ReadString('\n')
	if err != nil {
		t.Fatalf("reading child pid: %v", err)
	}
	child, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		t.Fatalf("bad child pid %q", line)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !processGone(child) {
		if time.Now().After(deadline) {
			t.Fatalf("background child %d survived Stop", child)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStop_EscalatesWhenTermIsIgnored(t *testing.T) {
	rt := NewExecRuntime(t.TempDir())
	h := startScript(t, rt, "stubborn", "trap '' TERM; echo ready; sleep 30", nil)

	rc, err := h.StreamLogs(context.Background())
	if err != nil {
		t.Fatalf("StreamLogs failed: %v", err)
	}
	if _, err := bufio.NewReader(rc).ReadString('\n'); err != nil {
		t.Fatalf("waiting for trap: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Stop took %v", elapsed)
	}
	if res := waitExit(t, h); res.ExitCode == 0 {
		t.Error("killed job reported a clean exit")
	}
}

func TestStop_AfterExitIsNoop(t *testing.T) {
	rt := NewExecRuntime(t.TempDir())
	h := startScript(t, rt, "quick", "true", nil)
	waitExit(t, h)

	if err := h.Stop(context.Background()); err != nil {
		t.Errorf("Stop after exit returned %v", err)
	}
}

func TestStreamLogs_OnlyOnce(t *testing.T) {
	rt := NewExecRuntime(t.TempDir())
	h := startScript(t, rt, "once", "true", nil)

	if _, err := h.StreamLogs(context.Background()); err != nil {
		t.Fatalf("first StreamLogs failed: %v", err)
	}
	if _, err := h.StreamLogs(context.Background()); err == nil {
		t.Error("second StreamLogs should fail")
	}
}

func TestClose_RemovesWorkDir(t *testing.T) {
	rt := NewExecRuntime(t.TempDir())
	h := startScript(t, rt, "instance-9-job-0", "echo unread output", nil)
	waitExit(t, h)

	dir := filepath.Join(rt.WorkDir, "instance-9-job-0")
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("work dir missing before Close: %v", err)
	}
	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("work dir still present after Close: %v", err)
	}
}
