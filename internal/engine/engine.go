// Package engine is the task queue service layer. It validates requests,
// delegates the atomic work to a store.Store, records telemetry and signals
// observers after every successful mutation.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"taskqueue/internal/logger"
	"taskqueue/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const instrumentationName = "taskqueue/engine"

// Notifier receives a content-free signal after each mutation.
type Notifier interface {
	Publish()
}

// Engine implements every archetype, lifecycle and queue operation.
type Engine struct {
	store  store.Store
	notify Notifier
	log    *slog.Logger
	tracer trace.Tracer

	// reads collapses identical concurrent list queries into one store call.
	// Keys carry generation, which every write bumps, so a read that starts
	// after a write never joins one that started before it.
	reads      singleflight.Group
	generation atomic.Uint64

	submitted   metric.Int64Counter
	transitions metric.Int64Counter
	reorders    metric.Int64Counter
}

// New builds an engine and registers its instruments on the global meter provider.
func New(s store.Store, n Notifier, log *slog.Logger) (*Engine, error) {
	meter := otel.Meter(instrumentationName)

	submitted, err := meter.Int64Counter("taskqueue.instances.submitted",
		metric.WithDescription("Task instances created by submit or rerun"))
	if err != nil {
		return nil, fmt.Errorf("creating submitted counter: %w", err)
	}
	transitions, err := meter.Int64Counter("taskqueue.instances.transitions",
		metric.WithDescription("Task instances that reached a terminal state"))
	if err != nil {
		return nil, fmt.Errorf("creating transitions counter: %w", err)
	}
	reorders, err := meter.Int64Counter("taskqueue.queue.reorders",
		metric.WithDescription("Successful queue reorders"))
	if err != nil {
		return nil, fmt.Errorf("creating reorders counter: %w", err)
	}

	_, err = meter.Int64ObservableGauge("taskqueue.queue.depth",
		metric.WithDescription("Current number of pending task instances"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			count, err := s.Count(ctx)
			if err != nil {
				log.Warn("failed to count queue depth", "error", err)
				return nil
			}
			obs.Observe(count)
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue depth gauge: %w", err)
	}

	return &Engine{
		store:       s,
		notify:      n,
		log:         log,
		tracer:      otel.Tracer(instrumentationName),
		submitted:   submitted,
		transitions: transitions,
		reorders:    reorders,
	}, nil
}

func (e *Engine) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// end closes span and logs the failure at a level matching its class.
func (e *Engine) end(ctx context.Context, span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	log := logger.FromContext(ctx, e.log)
	if errors.Is(err, store.ErrStorage) {
		log.Error(op+" failed", "error", err)
	} else {
		log.Debug(op+" rejected", "error", err)
	}
}

// changed signals observers.
func (e *Engine) changed() {
	e.generation.Add(1)
	if e.notify != nil {
		e.notify.Publish()
	}
}

// sharedRead runs fn once for concurrent callers asking for key within the
// same write generation. fn runs detached from the first caller's
// cancellation so one disconnecting client cannot fail the others.
func (e *Engine) sharedRead(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	key = fmt.Sprintf("%s@%d", key, e.generation.Load())
	v, err, _ := e.reads.Do(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	return v, err
}

// Ping checks the backing store.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// SaveArchetype validates content for kind and appends it as a new version.
func (e *Engine) SaveArchetype(ctx context.Context, kind store.ArchetypeKind, content json.RawMessage) (id int64, err error) {
	ctx, span := e.start(ctx, "engine.SaveArchetype", attribute.String("archetype.kind", string(kind)))
	defer func() { e.end(ctx, span, "save archetype", err) }()

	normalized, err := store.ValidateContent(kind, content)
	if err != nil {
		return 0, err
	}

	id, err = e.store.SaveArchetype(ctx, kind, normalized)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int64("archetype.id", id))

	logger.FromContext(ctx, e.log).Info("archetype saved", "kind", kind, "id", id)
	e.changed()
	return id, nil
}

// ListArchetypes returns every version of kind, most recent last.
func (e *Engine) ListArchetypes(ctx context.Context, kind store.ArchetypeKind) ([]store.Archetype, error) {
	if _, err := store.ParseKind(string(kind)); err != nil {
		return nil, err
	}

	v, err := e.sharedRead(ctx, "archetypes:"+string(kind), func(ctx context.Context) (any, error) {
		return e.store.ListArchetypes(ctx, kind)
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.Archetype), nil
}

// GetArchetype returns one version.
func (e *Engine) GetArchetype(ctx context.Context, kind store.ArchetypeKind, id int64) (*store.Archetype, error) {
	if _, err := store.ParseKind(string(kind)); err != nil {
		return nil, err
	}
	return e.store.GetArchetype(ctx, kind, id)
}

// DeleteArchetype removes a version no task instance references.
func (e *Engine) DeleteArchetype(ctx context.Context, kind store.ArchetypeKind, id int64) (err error) {
	ctx, span := e.start(ctx, "engine.DeleteArchetype",
		attribute.String("archetype.kind", string(kind)), attribute.Int64("archetype.id", id))
	defer func() { e.end(ctx, span, "delete archetype", err) }()

	if _, err := store.ParseKind(string(kind)); err != nil {
		return err
	}
	if err := e.store.DeleteArchetype(ctx, kind, id); err != nil {
		return err
	}

	logger.FromContext(ctx, e.log).Info("archetype deleted", "kind", kind, "id", id)
	e.changed()
	return nil
}

// Submit creates a pending instance at the tail of the queue. A nil archetype
// ID resolves to the most recent version of that kind; the resolved ID is what
// gets stored, so reruns reproduce it exactly.
func (e *Engine) Submit(ctx context.Context, buildID, taskID *int64) (inst *store.TaskInstance, err error) {
	ctx, span := e.start(ctx, "engine.Submit")
	defer func() { e.end(ctx, span, "submit task instance", err) }()

	build, err := e.resolve(ctx, store.KindBuild, buildID)
	if err != nil {
		return nil, err
	}
	task, err := e.resolve(ctx, store.KindTask, taskID)
	if err != nil {
		return nil, err
	}

	inst, err = e.store.CreateInstance(ctx, build, task)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("instance.id", inst.ID))
	e.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("origin", "submit")))

	logger.FromContext(ctx, e.log).Info("task instance submitted",
		"id", inst.ID, "build_archetype_id", build, "task_archetype_id", task, "num_jobs", inst.NumJobsRemaining)
	e.changed()
	return inst, nil
}

func (e *Engine) resolve(ctx context.Context, kind store.ArchetypeKind, id *int64) (int64, error) {
	if id != nil {
		if *id <= 0 {
			return 0, fmt.Errorf("%s_archetype_id must be positive: %w", kind, store.ErrValidation)
		}
		return *id, nil
	}
	latest, err := e.store.LatestArchetype(ctx, kind)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%s_archetype_id omitted and no %s archetype exists: %w", kind, kind, store.ErrValidation)
	}
	if err != nil {
		return 0, err
	}
	return latest.ID, nil
}

// GetInstance returns one instance with its archetype contents.
func (e *Engine) GetInstance(ctx context.Context, id int64) (*store.TaskInstance, error) {
	return e.store.GetInstance(ctx, id)
}

// ListInstances returns instances in the given states, pending only when
// states is empty. Pending instances come first in queue order.
func (e *Engine) ListInstances(ctx context.Context, states []store.State) ([]store.TaskInstance, error) {
	if len(states) == 0 {
		states = []store.State{store.StatePending}
	}
	states = slices.Clone(states)
	slices.Sort(states)
	states = slices.Compact(states)

	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}

	v, err := e.sharedRead(ctx, "instances:"+strings.Join(names, ","), func(ctx context.Context) (any, error) {
		return e.store.ListInstances(ctx, states)
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.TaskInstance), nil
}

// MoveRelative places id immediately before or after anchorID.
func (e *Engine) MoveRelative(ctx context.Context, id, anchorID int64, side store.Side) (inst *store.TaskInstance, err error) {
	ctx, span := e.start(ctx, "engine.MoveRelative",
		attribute.Int64("instance.id", id), attribute.Int64("anchor.id", anchorID), attribute.String("side", string(side)))
	defer func() { e.end(ctx, span, "move task instance", err) }()

	inst, err = e.store.MoveRelative(ctx, id, anchorID, side)
	if err != nil {
		return nil, err
	}
	e.reorders.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "relative")))

	logger.FromContext(ctx, e.log).Info("task instance moved", "id", id, "side", side, "anchor", anchorID)
	e.changed()
	return inst, nil
}

// MoveToIndex places id at index in the pending order, clamping out-of-range values.
func (e *Engine) MoveToIndex(ctx context.Context, id int64, index int) (inst *store.TaskInstance, err error) {
	ctx, span := e.start(ctx, "engine.MoveToIndex",
		attribute.Int64("instance.id", id), attribute.Int("index", index))
	defer func() { e.end(ctx, span, "move task instance", err) }()

	inst, err = e.store.MoveToIndex(ctx, id, index)
	if err != nil {
		return nil, err
	}
	e.reorders.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "index")))

	logger.FromContext(ctx, e.log).Info("task instance moved", "id", id, "index", index)
	e.changed()
	return inst, nil
}

// Cancel transitions a pending instance to cancelled.
func (e *Engine) Cancel(ctx context.Context, id int64) (inst *store.TaskInstance, err error) {
	ctx, span := e.start(ctx, "engine.Cancel", attribute.Int64("instance.id", id))
	defer func() { e.end(ctx, span, "cancel task instance", err) }()

	inst, err = e.store.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	e.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(store.StateCancelled))))

	logger.FromContext(ctx, e.log).Info("task instance cancelled", "id", id)
	e.changed()
	return inst, nil
}

// Progress records completed jobs; the instance becomes done at zero remaining.
func (e *Engine) Progress(ctx context.Context, id int64, completed int) (inst *store.TaskInstance, err error) {
	ctx, span := e.start(ctx, "engine.Progress",
		attribute.Int64("instance.id", id), attribute.Int("completed_jobs", completed))
	defer func() { e.end(ctx, span, "progress task instance", err) }()

	if completed < 1 {
		return nil, fmt.Errorf("completed_jobs must be at least 1, got %d: %w", completed, store.ErrInvalidArgument)
	}

	inst, err = e.store.Progress(ctx, id, completed)
	if err != nil {
		return nil, err
	}
	if inst.State == store.StateDone {
		e.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(store.StateDone))))
	}

	logger.FromContext(ctx, e.log).Info("task instance progressed",
		"id", id, "completed", completed, "remaining", inst.NumJobsRemaining, "state", inst.State)
	e.changed()
	return inst, nil
}

// Rerun clones a terminal instance into a new pending one at the tail.
func (e *Engine) Rerun(ctx context.Context, id int64) (inst *store.TaskInstance, err error) {
	ctx, span := e.start(ctx, "engine.Rerun", attribute.Int64("instance.id", id))
	defer func() { e.end(ctx, span, "rerun task instance", err) }()

	inst, err = e.store.Rerun(ctx, id)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("rerun.id", inst.ID))
	e.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("origin", "rerun")))

	logger.FromContext(ctx, e.log).Info("task instance rerun", "id", id, "new_id", inst.ID)
	e.changed()
	return inst, nil
}

// Claim leases the next job at the head of the queue for lease.
// It returns nil when nothing is claimable. Leases are not lifecycle
// changes, so observers are not signalled.
func (e *Engine) Claim(ctx context.Context, lease time.Duration) (c *store.Claim, err error) {
	ctx, span := e.start(ctx, "engine.Claim", attribute.String("lease", lease.String()))
	defer func() { e.end(ctx, span, "claim task instance", err) }()

	if lease <= 0 {
		return nil, fmt.Errorf("lease must be positive, got %v: %w", lease, store.ErrInvalidArgument)
	}
	c, err = e.store.Claim(ctx, lease)
	if err != nil || c == nil {
		return nil, err
	}
	e.generation.Add(1)
	span.SetAttributes(attribute.Int64("instance.id", c.Instance.ID), attribute.Int("job.index", c.JobIndex))
	return c, nil
}

// Heartbeat extends the lease of a claimed instance to now+lease.
func (e *Engine) Heartbeat(ctx context.Context, id int64, lease time.Duration) error {
	if lease <= 0 {
		return fmt.Errorf("lease must be positive, got %v: %w", lease, store.ErrInvalidArgument)
	}
	if err := e.store.ExtendLease(ctx, id, time.Now().Add(lease)); err != nil {
		return err
	}
	e.generation.Add(1)
	return nil
}

// Release drops the lease so another worker can claim the instance.
func (e *Engine) Release(ctx context.Context, id int64) error {
	if err := e.store.ReleaseLease(ctx, id); err != nil {
		return err
	}
	e.generation.Add(1)
	return nil
}

// QueueDepth returns the number of pending instances.
func (e *Engine) QueueDepth(ctx context.Context) (int64, error) {
	return e.store.Count(ctx)
}
