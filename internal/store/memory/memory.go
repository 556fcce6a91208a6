// Package memory implements the store interfaces in process memory.
//
// It is used for local development (store: memory) and as the reference
// backend in engine tests. A single RWMutex makes every write atomic and
// every read a consistent snapshot.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskqueue/internal/rank"
	"taskqueue/internal/store"
)

// Store is an in-memory store.Store.
type Store struct {
	mu sync.RWMutex

	archetypes map[store.ArchetypeKind][]store.Archetype
	nextArchID map[store.ArchetypeKind]int64

	instances  map[int64]*store.TaskInstance
	nextInstID int64

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		archetypes: make(map[store.ArchetypeKind][]store.Archetype),
		nextArchID: make(map[store.ArchetypeKind]int64),
		instances:  make(map[int64]*store.TaskInstance),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// SaveArchetype appends a new version.
func (s *Store) SaveArchetype(ctx context.Context, kind store.ArchetypeKind, content json.RawMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextArchID[kind]++
	a := store.Archetype{
		ID:        s.nextArchID[kind],
		Kind:      kind,
		Content:   append(json.RawMessage(nil), content...),
		CreatedAt: s.now(),
	}
	s.archetypes[kind] = append(s.archetypes[kind], a)
	return a.ID, nil
}

// ListArchetypes returns versions in insertion order.
func (s *Store) ListArchetypes(ctx context.Context, kind store.ArchetypeKind) ([]store.Archetype, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.Archetype, len(s.archetypes[kind]))
	copy(out, s.archetypes[kind])
	return out, nil
}

// GetArchetype returns one version.
func (s *Store) GetArchetype(ctx context.Context, kind store.ArchetypeKind, id int64) (*store.Archetype, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.findArchetype(kind, id)
	if !ok {
		return nil, fmt.Errorf("%s archetype %d: %w", kind, id, store.ErrNotFound)
	}
	return &a, nil
}

// LatestArchetype returns the newest version.
func (s *Store) LatestArchetype(ctx context.Context, kind store.ArchetypeKind) (*store.Archetype, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.archetypes[kind]
	if len(list) == 0 {
		return nil, fmt.Errorf("no %s archetypes: %w", kind, store.ErrNotFound)
	}
	a := list[len(list)-1]
	return &a, nil
}

// DeleteArchetype removes a version nobody references.
func (s *Store) DeleteArchetype(ctx context.Context, kind store.ArchetypeKind, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.archetypes[kind]
	idx := -1
	for i := range list {
		if list[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%s archetype %d: %w", kind, id, store.ErrNotFound)
	}

	for _, inst := range s.instances {
		if (kind == store.KindBuild && inst.BuildArchetypeID == id) ||
			(kind == store.KindTask && inst.TaskArchetypeID == id) {
			return fmt.Errorf("%s archetype %d is referenced by task instance %d: %w", kind, id, inst.ID, store.ErrConflict)
		}
	}

	s.archetypes[kind] = append(list[:idx:idx], list[idx+1:]...)
	return nil
}

func (s *Store) findArchetype(kind store.ArchetypeKind, id int64) (store.Archetype, bool) {
	for _, a := range s.archetypes[kind] {
		if a.ID == id {
			return a, true
		}
	}
	return store.Archetype{}, false
}

// CreateInstance registers a pending instance at the tail of the queue.
func (s *Store) CreateInstance(ctx context.Context, buildArchetypeID, taskArchetypeID int64) (*store.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.findArchetype(store.KindBuild, buildArchetypeID); !ok {
		return nil, fmt.Errorf("build archetype %d: %w", buildArchetypeID, store.ErrNotFound)
	}
	return s.insertPending(buildArchetypeID, taskArchetypeID, nil)
}

// insertPending must be called with the write lock held.
func (s *Store) insertPending(buildID, taskID int64, rerunOf *int64) (*store.TaskInstance, error) {
	ta, ok := s.findArchetype(store.KindTask, taskID)
	if !ok {
		return nil, fmt.Errorf("task archetype %d: %w", taskID, store.ErrNotFound)
	}
	tc, err := store.ParseTaskContent(ta.Content)
	if err != nil {
		return nil, fmt.Errorf("task archetype %d: %w", taskID, err)
	}

	pos, err := s.tailPosition(0)
	if err != nil {
		return nil, err
	}

	now := s.now()
	s.nextInstID++
	inst := &store.TaskInstance{
		ID:               s.nextInstID,
		BuildArchetypeID: buildID,
		TaskArchetypeID:  taskID,
		NumJobsRemaining: tc.NumJobs,
		State:            store.StatePending,
		Position:         &pos,
		RerunOf:          rerunOf,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.instances[inst.ID] = inst
	return s.view(inst), nil
}

// GetInstance returns one instance.
func (s *Store) GetInstance(ctx context.Context, id int64) (*store.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("task instance %d: %w", id, store.ErrNotFound)
	}
	return s.view(inst), nil
}

// ListInstances returns pending instances in queue order followed by
// terminal instances newest first.
func (s *Store) ListInstances(ctx context.Context, states []store.State) ([]store.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[store.State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	var out []store.TaskInstance
	if want[store.StatePending] {
		for _, inst := range s.pendingOrder(0) {
			out = append(out, *s.view(inst))
		}
	}

	var terminal []*store.TaskInstance
	for _, inst := range s.instances {
		if inst.State.Terminal() && want[inst.State] {
			terminal = append(terminal, inst)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		if !terminal[i].CreatedAt.Equal(terminal[j].CreatedAt) {
			return terminal[i].CreatedAt.After(terminal[j].CreatedAt)
		}
		return terminal[i].ID > terminal[j].ID
	})
	for _, inst := range terminal {
		out = append(out, *s.view(inst))
	}
	return out, nil
}

// Cancel transitions a pending instance to cancelled.
func (s *Store) Cancel(ctx context.Context, id int64) (*store.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("task instance %d: %w", id, store.ErrNotFound)
	}
	if inst.State != store.StatePending {
		return nil, fmt.Errorf("cannot cancel task instance %d in state %s: %w", id, inst.State, store.ErrInvalidTransition)
	}

	inst.State = store.StateCancelled
	inst.Position = nil
	inst.LeasedUntil = nil
	inst.UpdatedAt = s.now()
	return s.view(inst), nil
}

// Progress records completed jobs and finishes the instance at zero.
func (s *Store) Progress(ctx context.Context, id int64, completed int) (*store.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("task instance %d: %w", id, store.ErrNotFound)
	}
	if inst.State != store.StatePending {
		return nil, fmt.Errorf("cannot progress task instance %d in state %s: %w", id, inst.State, store.ErrInvalidTransition)
	}
	if completed < 1 {
		return nil, fmt.Errorf("completed jobs must be positive, got %d: %w", completed, store.ErrInvalidArgument)
	}
	if completed > inst.NumJobsRemaining {
		return nil, fmt.Errorf("task instance %d has %d jobs remaining, cannot complete %d: %w",
			id, inst.NumJobsRemaining, completed, store.ErrInvalidArgument)
	}

	inst.NumJobsRemaining -= completed
	inst.LeasedUntil = nil
	if inst.NumJobsRemaining == 0 {
		inst.State = store.StateDone
		inst.Position = nil
	}
	inst.UpdatedAt = s.now()
	return s.view(inst), nil
}

// Rerun clones a terminal instance into a new pending one.
func (s *Store) Rerun(ctx context.Context, id int64) (*store.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orig, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("task instance %d: %w", id, store.ErrNotFound)
	}
	if !orig.State.Terminal() {
		return nil, fmt.Errorf("cannot rerun task instance %d in state %s: %w", id, orig.State, store.ErrInvalidTransition)
	}
	origID := orig.ID
	return s.insertPending(orig.BuildArchetypeID, orig.TaskArchetypeID, &origID)
}

// MoveRelative places id next to anchorID.
func (s *Store) MoveRelative(ctx context.Context, id, anchorID int64, side store.Side) (*store.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, err := s.movable(id)
	if err != nil {
		return nil, err
	}
	if id == anchorID {
		return nil, fmt.Errorf("task instance %d cannot be moved relative to itself: %w", id, store.ErrInvalidReorder)
	}
	anchor, ok := s.instances[anchorID]
	if !ok || anchor.State != store.StatePending {
		return nil, fmt.Errorf("anchor %d is not a pending task instance: %w", anchorID, store.ErrInvalidReorder)
	}

	others := s.pendingOrder(id)
	idx := indexOf(others, anchorID)

	var lo, hi string
	switch side {
	case store.SideBefore:
		hi = *anchor.Position
		if idx > 0 {
			lo = *others[idx-1].Position
		}
	case store.SideAfter:
		lo = *anchor.Position
		if idx+1 < len(others) {
			hi = *others[idx+1].Position
		}
	default:
		return nil, fmt.Errorf("unknown side %q: %w", side, store.ErrInvalidReorder)
	}

	return s.place(inst, lo, hi)
}

// MoveToIndex places id at index within the pending order.
func (s *Store) MoveToIndex(ctx context.Context, id int64, index int) (*store.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, err := s.movable(id)
	if err != nil {
		return nil, err
	}

	others := s.pendingOrder(id)
	index = clamp(index, 0, len(others))

	var lo, hi string
	if index > 0 {
		lo = *others[index-1].Position
	}
	if index < len(others) {
		hi = *others[index].Position
	}
	return s.place(inst, lo, hi)
}

func (s *Store) movable(id int64) (*store.TaskInstance, error) {
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("task instance %d: %w", id, store.ErrNotFound)
	}
	if inst.State != store.StatePending {
		return nil, fmt.Errorf("task instance %d is %s, only pending instances can be reordered: %w", id, inst.State, store.ErrInvalidReorder)
	}
	return inst, nil
}

func (s *Store) place(inst *store.TaskInstance, lo, hi string) (*store.TaskInstance, error) {
	if lo == "" && hi == "" {
		// Only pending instance: its current key is already valid.
		return s.view(inst), nil
	}
	key, err := rank.Between(lo, hi)
	if err != nil {
		return nil, fmt.Errorf("computing position for task instance %d: %w", inst.ID, err)
	}
	inst.Position = &key
	inst.UpdatedAt = s.now()
	return s.view(inst), nil
}

// Claim leases the first unleased pending instance.
func (s *Store) Claim(ctx context.Context, lease time.Duration) (*store.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, inst := range s.pendingOrder(0) {
		if inst.LeasedUntil != nil && inst.LeasedUntil.After(now) {
			continue
		}
		until := now.Add(lease)
		inst.LeasedUntil = &until
		inst.UpdatedAt = now

		view := s.view(inst)
		jobIndex := 0
		if tc, err := store.ParseTaskContent(view.TaskArchetypeContent); err == nil {
			jobIndex = tc.NumJobs - inst.NumJobsRemaining
		}
		return &store.Claim{Instance: *view, JobIndex: jobIndex}, nil
	}
	return nil, nil
}

// ExtendLease moves the lease deadline of a pending instance.
func (s *Store) ExtendLease(ctx context.Context, id int64, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("task instance %d: %w", id, store.ErrNotFound)
	}
	if inst.State != store.StatePending {
		return fmt.Errorf("task instance %d is %s: %w", id, inst.State, store.ErrInvalidTransition)
	}
	until = until.UTC()
	inst.LeasedUntil = &until
	return nil
}

// ReleaseLease clears the lease of a pending instance.
func (s *Store) ReleaseLease(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("task instance %d: %w", id, store.ErrNotFound)
	}
	inst.LeasedUntil = nil
	return nil
}

// Count returns the number of pending instances.
func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, inst := range s.instances {
		if inst.State == store.StatePending {
			n++
		}
	}
	return n, nil
}

// pendingOrder returns pending instances sorted by position, skipping exclude.
func (s *Store) pendingOrder(exclude int64) []*store.TaskInstance {
	var out []*store.TaskInstance
	for _, inst := range s.instances {
		if inst.State == store.StatePending && inst.ID != exclude {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].Position < *out[j].Position })
	return out
}

func (s *Store) tailPosition(exclude int64) (string, error) {
	order := s.pendingOrder(exclude)
	if len(order) == 0 {
		return rank.Initial(), nil
	}
	return rank.After(*order[len(order)-1].Position)
}

// view returns a detached copy with archetype contents attached.
func (s *Store) view(inst *store.TaskInstance) *store.TaskInstance {
	out := *inst
	if inst.Position != nil {
		p := *inst.Position
		out.Position = &p
	}
	if inst.LeasedUntil != nil {
		l := *inst.LeasedUntil
		out.LeasedUntil = &l
	}
	if inst.RerunOf != nil {
		r := *inst.RerunOf
		out.RerunOf = &r
	}
	if a, ok := s.findArchetype(store.KindBuild, inst.BuildArchetypeID); ok {
		out.BuildArchetypeContent = a.Content
	}
	if a, ok := s.findArchetype(store.KindTask, inst.TaskArchetypeID); ok {
		out.TaskArchetypeContent = a.Content
	}
	return &out
}

func indexOf(list []*store.TaskInstance, id int64) int {
	for i, inst := range list {
		if inst.ID == id {
			return i
		}
	}
	return -1
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
