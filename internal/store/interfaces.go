package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ArchetypeStore is the append-only log of archetype versions.
// There is no update operation: new content is a new row.
type ArchetypeStore interface {
	// SaveArchetype appends already validated content and returns the new ID.
	SaveArchetype(ctx context.Context, kind ArchetypeKind, content json.RawMessage) (int64, error)

	// ListArchetypes returns every version of kind, most recent last.
	ListArchetypes(ctx context.Context, kind ArchetypeKind) ([]Archetype, error)

	// GetArchetype returns one version or ErrNotFound.
	GetArchetype(ctx context.Context, kind ArchetypeKind, id int64) (*Archetype, error)

	// LatestArchetype returns the most recent version or ErrNotFound if the log is empty.
	LatestArchetype(ctx context.Context, kind ArchetypeKind) (*Archetype, error)

	// DeleteArchetype removes an unreferenced version.
	// It fails with ErrConflict while any task instance references it.
	DeleteArchetype(ctx context.Context, kind ArchetypeKind, id int64) error
}

// InstanceStore is the task instance registry and its lifecycle transitions.
// Every method applies its checks and its writes as one atomic unit.
type InstanceStore interface {
	// CreateInstance registers a pending instance referencing the given
	// archetype versions, with num_jobs copied from the task archetype,
	// and enqueues it at the tail.
	CreateInstance(ctx context.Context, buildArchetypeID, taskArchetypeID int64) (*TaskInstance, error)

	// GetInstance returns one instance with its archetype contents.
	GetInstance(ctx context.Context, id int64) (*TaskInstance, error)

	// ListInstances returns instances in the given states. Pending instances
	// come first in queue order, terminal ones follow newest first.
	ListInstances(ctx context.Context, states []State) ([]TaskInstance, error)

	// Cancel moves a pending instance to cancelled and drops its position.
	Cancel(ctx context.Context, id int64) (*TaskInstance, error)

	// Progress subtracts completed jobs; reaching zero transitions to done.
	Progress(ctx context.Context, id int64, completed int) (*TaskInstance, error)

	// Rerun clones a terminal instance into a new pending one at the tail.
	Rerun(ctx context.Context, id int64) (*TaskInstance, error)
}

// Queue is the ordering engine over pending instances.
type Queue interface {
	// MoveRelative places id immediately before or after anchorID.
	MoveRelative(ctx context.Context, id, anchorID int64, side Side) (*TaskInstance, error)

	// MoveToIndex places id at index in the pending order, clamping out-of-range values.
	MoveToIndex(ctx context.Context, id int64, index int) (*TaskInstance, error)

	// Claim leases the first pending instance that is not already leased.
	// It returns nil when there is nothing to claim.
	Claim(ctx context.Context, lease time.Duration) (*Claim, error)

	// ExtendLease pushes the lease of a pending instance to until.
	ExtendLease(ctx context.Context, id int64, until time.Time) error

	// ReleaseLease clears the lease so the instance can be claimed again.
	ReleaseLease(ctx context.Context, id int64) error

	// Count returns the number of pending instances.
	Count(ctx context.Context) (int64, error)
}

// Store is everything the engine needs from a backend.
type Store interface {
	ArchetypeStore
	InstanceStore
	Queue

	Ping(ctx context.Context) error
	Close() error
}
