package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

// ExecRuntime implements the Runtime interface using raw OS processes.
// Each job runs in its own directory under WorkDir.
type ExecRuntime struct {
	WorkDir string
}

// NewExecRuntime creates a new process-based runtime.
// An empty workDir defaults to $TMPDIR/taskqueue/runner.
func NewExecRuntime(workDir string) *ExecRuntime {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "taskqueue", "runner")
	}
	return &ExecRuntime{WorkDir: workDir}
}

// ExecHandle is a running process.
type ExecHandle struct {
	cmd    *exec.Cmd
	dir    string
	output *os.File

	done    chan struct{}
	waitErr error

	logsOnce sync.Once
}

// Start implements Runtime.Start using os/exec. The image field is ignored.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("command is required")
	}

	name := opts.Name
	if name == "" {
		name = uuid.NewString()
	}
	dir := filepath.Join(e.WorkDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir %s: %w", dir, err)
	}

	// A kernel pipe buffers small outputs, so jobs whose logs are never read still exit.
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), mapToEnvList(opts.Env)...)
	cmd.Stdout = writer
	cmd.Stderr = writer
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		reader.Close()
		writer.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to start %s: %w", opts.Command[0], err)
	}
	// The child holds its own copy of the write end.
	writer.Close()

	h := &ExecHandle{cmd: cmd, dir: dir, output: reader, done: make(chan struct{})}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// Wait implements Handle.Wait. A non-zero exit is reported in the result, not as an error.
func (h *ExecHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}

	if h.waitErr == nil {
		return ExitResult{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(h.waitErr, &exitErr) {
		return ExitResult{ExitCode: exitErr.ExitCode(), Error: nil}, nil
	}
	return ExitResult{ExitCode: -1, Error: h.waitErr}, h.waitErr
}

// Stop sends SIGTERM to the process group and escalates to SIGKILL when ctx expires.
func (h *ExecHandle) Stop(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	pgid := -h.cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to terminate process: %w", err)
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("failed to kill process: %w", err)
		}
		<-h.done
		return nil
	}
}

// StreamLogs returns the combined output. It can be called once.
func (h *ExecHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	var rc io.ReadCloser
	h.logsOnce.Do(func() { rc = h.output })
	if rc == nil {
		return nil, errors.New("logs already streamed")
	}
	return rc, nil
}

// Close removes the job's work directory and the unread output.
func (h *ExecHandle) Close(ctx context.Context) error {
	h.output.Close()
	return os.RemoveAll(h.dir)
}
