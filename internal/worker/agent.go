// Package worker contains the worker-specific logic for draining the task queue.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"taskqueue/internal/store"
	"taskqueue/internal/worker/runtime"
	"taskqueue/pkg/api"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Environment variables every job receives.
const (
	EnvInstanceID = "TASKQUEUE_INSTANCE_ID"
	EnvJobIndex   = "TASKQUEUE_JOB_INDEX"
)

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID                string
	Concurrency       int
	PollInterval      time.Duration
	MaxBackoff        time.Duration // Maximum backoff when queue is empty (default: 30s)
	LeaseDuration     time.Duration // Lease requested on claim and heartbeat (default: 2m)
	HeartbeatInterval time.Duration // Interval between heartbeat calls (default: 30s)
	JobTimeout        time.Duration // Upper bound for one job (default: 30m)
}

// Agent is the main worker agent that runs the pull-loop for job execution.
type Agent struct {
	controller Controller
	runtime    runtime.Runtime
	config     AgentConfig
	log        *slog.Logger
	tracer     trace.Tracer
	done       chan struct{}
}

// New creates a new worker agent.
func New(c Controller, rt runtime.Runtime, config AgentConfig, log *slog.Logger) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if config.LeaseDuration <= 0 {
		config.LeaseDuration = 2 * time.Minute
	}

	if config.HeartbeatInterval <= 0 || config.HeartbeatInterval >= config.LeaseDuration {
		config.HeartbeatInterval = config.LeaseDuration / 4
	}

	if config.JobTimeout <= 0 {
		config.JobTimeout = 30 * time.Minute
	}

	if log == nil {
		log = slog.Default()
	}

	return &Agent{
		controller: c,
		runtime:    rt,
		config:     config,
		log:        log.With("worker_id", config.ID),
		tracer:     otel.Tracer("taskqueue/worker"),
		done:       make(chan struct{}),
	}
}

// Run starts the main pull-loop. It blocks until the context is cancelled.
// On SIGTERM, it stops claiming new work and allows in-flight jobs to finish.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent starting", "concurrency", a.config.Concurrency)

	// Semaphore to limit concurrency
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// Channel to signal when a slot becomes available (adaptive polling)
	pollNow := make(chan struct{}, 1)

	// Current backoff duration (increases on empty queue, resets on work found)
	currentBackoff := a.config.PollInterval

	// Helper to trigger immediate non-blocking re-poll
	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
			// Already a poll pending
		}
	}

	// Initial poll
	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("context cancelled, waiting for running jobs to finish")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			// Timer-based poll (with backoff)
			triggerPoll()

		case <-pollNow:
			// Count available slots
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			claimed := 0
			for claimed < availableSlots {
				claim, err := a.controller.Claim(ctx, a.config.ID, a.config.LeaseDuration)
				if err != nil {
					if ctx.Err() == nil {
						a.log.Warn("claim failed", "error", err)
					}
					break
				}
				if claim == nil {
					break
				}
				claimed++

				// Acquire semaphore slot
				sem <- struct{}{}

				wg.Add(1)
				go func(claim *api.ClaimResponse) {
					defer wg.Done()
					defer func() {
						<-sem
						// Signal that a slot is now available - trigger immediate re-poll
						triggerPoll()
					}()
					a.processClaim(ctx, claim)
				}(claim)
			}

			if claimed == 0 {
				// Empty queue - increase backoff (exponential, capped at MaxBackoff)
				currentBackoff = currentBackoff * 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}

			// Found work - reset backoff to minimum
			currentBackoff = a.config.PollInterval
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// jobOptions turns a claim into runtime options: the task pipeline runs through
// sh -c with the build environment plus the instance and job index.
func jobOptions(claim *api.ClaimResponse) (runtime.StartOptions, error) {
	task, err := store.ParseTaskContent(claim.Instance.TaskArchetypeContent)
	if err != nil {
		return runtime.StartOptions{}, fmt.Errorf("task archetype %d: %w", claim.Instance.TaskArchetypeID, err)
	}
	build := store.ParseBuildContent(claim.Instance.BuildArchetypeContent)

	env := make(map[string]string, len(build.Env)+2)
	for k, v := range build.Env {
		env[k] = v
	}
	env[EnvInstanceID] = strconv.FormatInt(claim.Instance.ID, 10)
	env[EnvJobIndex] = strconv.Itoa(claim.JobIndex)

	return runtime.StartOptions{
		Name:    fmt.Sprintf("instance-%d-job-%d", claim.Instance.ID, claim.JobIndex),
		Image:   build.Image,
		Command: []string{"sh", "-c", task.Pipeline},
		Env:     env,
	}, nil
}

// processClaim runs one job of a claimed instance and reports the outcome.
// Success advances the instance by one job; any failure releases the lease so
// the job is retried later, leaving the lifecycle state untouched.
func (a *Agent) processClaim(ctx context.Context, claim *api.ClaimResponse) {
	id := claim.Instance.ID
	log := a.log.With("instance_id", id, "job_index", claim.JobIndex)

	// Start Span
	spanCtx, span := a.tracer.Start(ctx, "process_job",
		trace.WithAttributes(
			attribute.Int64("instance.id", id),
			attribute.Int("job.index", claim.JobIndex),
			attribute.Int64("build_archetype.id", claim.Instance.BuildArchetypeID),
			attribute.Int64("task_archetype.id", claim.Instance.TaskArchetypeID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	// Reports use a context detached from shutdown so a draining worker still
	// tells the controller how its last jobs ended.
	reportCtx := context.WithoutCancel(spanCtx)
	release := func(reason string, err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		log.Warn("job failed, releasing lease", "reason", reason, "error", err)
		if rerr := a.controller.Release(reportCtx, id); rerr != nil {
			log.Error("release failed", "error", rerr)
		}
	}

	opts, err := jobOptions(claim)
	if err != nil {
		release("invalid task archetype", err)
		return
	}
	span.SetAttributes(attribute.String("job.image", opts.Image))

	// The job runs to completion even if the worker is asked to stop (graceful drain).
	execCtx, cancel := context.WithTimeout(reportCtx, a.config.JobTimeout)
	defer cancel()

	log.Info("starting job")
	handle, err := a.runtime.Start(execCtx, opts)
	if err != nil {
		release("runtime start failed", err)
		return
	}
	defer handle.Close(context.Background())

	// Keep the lease alive; a heartbeat rejection means the instance left
	// pending, so the job is abandoned.
	heartbeatCtx, stopHeartbeat := context.WithCancel(reportCtx)
	defer stopHeartbeat()
	abandoned := make(chan struct{})
	go a.runHeartbeat(heartbeatCtx, id, func() {
		close(abandoned)
		cancel()
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.forwardLogs(execCtx, log, handle)
	}()

	result, err := handle.Wait(execCtx)
	stopHeartbeat()

	if err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if serr := handle.Stop(stopCtx); serr != nil {
			log.Warn("failed to stop job", "error", serr)
		}
		wg.Wait()

		select {
		case <-abandoned:
			span.SetStatus(codes.Error, "instance no longer pending")
			log.Info("job abandoned, instance is no longer pending")
			return
		default:
		}
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			release(fmt.Sprintf("timed out after %v", a.config.JobTimeout), err)
			return
		}
		release("runtime wait failed", err)
		return
	}
	wg.Wait()

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	if result.ExitCode != 0 {
		cause := result.Error
		if cause == nil {
			cause = fmt.Errorf("exit code %d", result.ExitCode)
		}
		release("non-zero exit", cause)
		return
	}

	if err := a.controller.Progress(reportCtx, id, 1); err != nil {
		span.RecordError(err)
		log.Error("failed to report progress", "error", err)
		return
	}
	log.Info("job completed")
}

// runHeartbeat extends the lease periodically while a job is executing.
// This prevents long-running jobs from being picked up by another worker.
func (a *Agent) runHeartbeat(ctx context.Context, id int64, abandon func()) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := a.controller.Heartbeat(ctx, id, a.config.LeaseDuration)
			if err == nil {
				continue
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusConflict || apiErr.StatusCode == http.StatusNotFound) {
				abandon()
				return
			}
			if ctx.Err() == nil {
				a.log.Warn("heartbeat failed", "instance_id", id, "error", err)
			}
		}
	}
}

// forwardLogs copies job output line by line into the worker log.
func (a *Agent) forwardLogs(ctx context.Context, log *slog.Logger, handle runtime.Handle) {
	rc, err := handle.StreamLogs(ctx)
	if err != nil {
		log.Warn("failed to get log stream", "error", err)
		return
	}
	if rc == nil {
		return
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		log.Info("job output", "line", line)
	}
}
