// Package store contains the domain model and persistence contracts for taskqueue.
package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// ArchetypeKind distinguishes the two archetype logs.
type ArchetypeKind string

const (
	KindBuild ArchetypeKind = "build"
	KindTask  ArchetypeKind = "task"
)

// ParseKind converts a user-supplied kind into an ArchetypeKind.
func ParseKind(s string) (ArchetypeKind, error) {
	switch ArchetypeKind(s) {
	case KindBuild, KindTask:
		return ArchetypeKind(s), nil
	}
	return "", fmt.Errorf("unknown archetype kind %q: %w", s, ErrValidation)
}

// Archetype is one immutable version of a build or task archetype.
// Saving new content always creates a new row with a new ID.
type Archetype struct {
	ID        int64
	Kind      ArchetypeKind
	Content   json.RawMessage
	CreatedAt time.Time
}

// TaskContent is the required shape of a task archetype's content.
type TaskContent struct {
	NumJobs  int    `json:"num_jobs"`
	Pipeline string `json:"pipeline"`
}

// BuildContent holds the optional fields of a build archetype that the worker understands.
// Any other fields are carried opaquely.
type BuildContent struct {
	Image string            `json:"image,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
}

// State is the lifecycle state of a task instance.
type State string

const (
	StatePending   State = "pending"
	StateDone      State = "done"
	StateCancelled State = "cancelled"
)

// ParseState converts a user-supplied state name.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StatePending, StateDone, StateCancelled:
		return State(s), nil
	}
	return "", fmt.Errorf("unknown state %q: %w", s, ErrValidation)
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled
}

// TaskInstance is one submitted unit of work.
type TaskInstance struct {
	ID               int64
	BuildArchetypeID int64
	TaskArchetypeID  int64
	NumJobsRemaining int
	State            State

	// Position is set only while the instance is pending.
	Position *string

	// LeasedUntil is set while a worker is running one of the instance's jobs.
	LeasedUntil *time.Time

	// RerunOf points at the terminal instance this one was cloned from.
	RerunOf *int64

	CreatedAt time.Time
	UpdatedAt time.Time

	// Populated by reads that join the referenced archetypes.
	BuildArchetypeContent json.RawMessage
	TaskArchetypeContent  json.RawMessage
}

// Side selects where an instance lands relative to its anchor.
type Side string

const (
	SideBefore Side = "before"
	SideAfter  Side = "after"
)

// ParseSide converts a user-supplied move direction.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideBefore, SideAfter:
		return Side(s), nil
	}
	return "", fmt.Errorf("unknown move %q, expected before or after: %w", s, ErrInvalidReorder)
}

// Claim is a leased pending instance handed to a worker, together with the
// zero-based index of the job it should run next.
type Claim struct {
	Instance TaskInstance
	JobIndex int
}
