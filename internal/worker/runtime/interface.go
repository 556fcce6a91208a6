// Package runtime provides the Runtime interface for job execution backends.
package runtime

import (
	"context"
	"io"
)

// Runtime defines the interface for executing jobs.
// Implementations include Docker and raw process execution.
type Runtime interface {
	// Start begins execution of a job and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a job.
type StartOptions struct {
	// Name identifies the job run; it names work directories and containers.
	Name    string
	Image   string
	Command []string
	Env     map[string]string
}

// ExitResult is the outcome of a finished job.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents a running job execution.
type Handle interface {
	// Wait blocks until the job completes or ctx is done.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop forcefully terminates the job.
	Stop(ctx context.Context) error

	// StreamLogs returns a reader for the job's combined stdout/stderr.
	StreamLogs(ctx context.Context) (io.ReadCloser, error)

	// Close releases everything the job left behind.
	Close(ctx context.Context) error
}
