package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"taskqueue/internal/store"
	"taskqueue/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type countingNotifier struct {
	n atomic.Int64
}

func (c *countingNotifier) Publish() { c.n.Add(1) }

func (c *countingNotifier) count() int64 { return c.n.Load() }

func newEngine(t *testing.T) (*Engine, *countingNotifier) {
	t.Helper()
	n := &countingNotifier{}
	e, err := New(memory.New(), n, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return e, n
}

func taskContent(numJobs int, pipeline string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"num_jobs":%d,"pipeline":%q}`, numJobs, pipeline))
}

// seed saves one build and one task archetype.
func seed(t *testing.T, e *Engine, numJobs int) (buildID, taskID int64) {
	t.Helper()
	ctx := context.Background()
	buildID, err := e.SaveArchetype(ctx, store.KindBuild, json.RawMessage(`{"image":"alpine"}`))
	require.NoError(t, err)
	taskID, err = e.SaveArchetype(ctx, store.KindTask, taskContent(numJobs, "build"))
	require.NoError(t, err)
	return buildID, taskID
}

func submitN(t *testing.T, e *Engine, buildID, taskID int64, n int) []int64 {
	t.Helper()
	ids := make([]int64, n)
	for i := range ids {
		inst, err := e.Submit(context.Background(), &buildID, &taskID)
		require.NoError(t, err)
		ids[i] = inst.ID
	}
	return ids
}

// pending returns pending IDs in queue order and checks positions are strictly increasing.
func pending(t *testing.T, e *Engine) []int64 {
	t.Helper()
	list, err := e.ListInstances(context.Background(), []store.State{store.StatePending})
	require.NoError(t, err)

	ids := make([]int64, len(list))
	prev := ""
	for i, inst := range list {
		require.Equal(t, store.StatePending, inst.State)
		require.NotNil(t, inst.Position, "pending instance %d has no position", inst.ID)
		require.Greater(t, *inst.Position, prev, "positions must be strictly increasing")
		prev = *inst.Position
		ids[i] = inst.ID
	}
	return ids
}

func TestSaveArchetype(t *testing.T) {
	e, n := newEngine(t)
	ctx := context.Background()

	id, err := e.SaveArchetype(ctx, store.KindTask, json.RawMessage(`{ "num_jobs": 2, "pipeline": "test" }`))
	require.NoError(t, err)

	a, err := e.GetArchetype(ctx, store.KindTask, id)
	require.NoError(t, err)
	assert.Equal(t, `{"num_jobs":2,"pipeline":"test"}`, string(a.Content))
	assert.Equal(t, int64(1), n.count())

	_, err = e.SaveArchetype(ctx, store.KindTask, json.RawMessage(`{"pipeline":"test"}`))
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = e.SaveArchetype(ctx, store.ArchetypeKind("deploy"), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.Equal(t, int64(1), n.count(), "rejected saves must not signal")

	_, err = e.ListArchetypes(ctx, store.ArchetypeKind("deploy"))
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestSaveArchetype_NewVersionEachTime(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	first, err := e.SaveArchetype(ctx, store.KindBuild, json.RawMessage(`{"image":"a"}`))
	require.NoError(t, err)
	second, err := e.SaveArchetype(ctx, store.KindBuild, json.RawMessage(`{"image":"a"}`))
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "identical content still creates a new version")

	list, err := e.ListArchetypes(ctx, store.KindBuild)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second, list[1].ID)
}

func TestSubmit_EnqueuesAtTailWithJobCount(t *testing.T) {
	e, n := newEngine(t)
	buildID, taskID := seed(t, e, 1)
	earlier := submitN(t, e, buildID, taskID, 2)

	threeJobs, err := e.SaveArchetype(context.Background(), store.KindTask, taskContent(3, "build"))
	require.NoError(t, err)
	before := n.count()

	inst, err := e.Submit(context.Background(), &buildID, &threeJobs)
	require.NoError(t, err)
	assert.Equal(t, 3, inst.NumJobsRemaining)
	assert.Equal(t, store.StatePending, inst.State)
	assert.Equal(t, append(earlier, inst.ID), pending(t, e))
	assert.Equal(t, before+1, n.count())
}

func TestSubmit_DefaultsToLatestVersions(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.Submit(ctx, nil, nil)
	assert.ErrorIs(t, err, store.ErrValidation, "no archetypes exist yet")

	_, _ = seed(t, e, 1)
	latestBuild, err := e.SaveArchetype(ctx, store.KindBuild, json.RawMessage(`{"image":"debian"}`))
	require.NoError(t, err)
	latestTask, err := e.SaveArchetype(ctx, store.KindTask, taskContent(4, "deploy"))
	require.NoError(t, err)

	inst, err := e.Submit(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, latestBuild, inst.BuildArchetypeID)
	assert.Equal(t, latestTask, inst.TaskArchetypeID)
	assert.Equal(t, 4, inst.NumJobsRemaining)

	missing := int64(999)
	_, err = e.Submit(ctx, &missing, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	zero := int64(0)
	_, err = e.Submit(ctx, &zero, nil)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestRerun_ReproducesReferencedVersion(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	buildID, taskID := seed(t, e, 2)

	orig, err := e.Submit(ctx, &buildID, &taskID)
	require.NoError(t, err)
	_, err = e.Progress(ctx, orig.ID, 2)
	require.NoError(t, err)

	// A newer task version must not leak into the rerun.
	_, err = e.SaveArchetype(ctx, store.KindTask, taskContent(9, "build"))
	require.NoError(t, err)

	rerun, err := e.Rerun(ctx, orig.ID)
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, rerun.ID)
	assert.Equal(t, buildID, rerun.BuildArchetypeID)
	assert.Equal(t, taskID, rerun.TaskArchetypeID)
	assert.Equal(t, 2, rerun.NumJobsRemaining)
	assert.Equal(t, store.StatePending, rerun.State)
	require.NotNil(t, rerun.RerunOf)
	assert.Equal(t, orig.ID, *rerun.RerunOf)

	original, err := e.GetInstance(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateDone, original.State, "history is never rewritten")

	_, err = e.Rerun(ctx, rerun.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition, "pending instances cannot be rerun")
}

func TestRerun_FromCancelledGoesToTail(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	buildID, taskID := seed(t, e, 1)
	ids := submitN(t, e, buildID, taskID, 3)

	_, err := e.Cancel(ctx, ids[0])
	require.NoError(t, err)

	rerun, err := e.Rerun(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[1], ids[2], rerun.ID}, pending(t, e))
}

func TestCancel_OnlyFromPending(t *testing.T) {
	e, n := newEngine(t)
	ctx := context.Background()
	buildID, taskID := seed(t, e, 1)
	ids := submitN(t, e, buildID, taskID, 2)

	inst, err := e.Cancel(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, store.StateCancelled, inst.State)
	assert.Nil(t, inst.Position)
	assert.Equal(t, []int64{ids[1]}, pending(t, e))

	signals := n.count()
	_, err = e.Cancel(ctx, ids[0])
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	assert.Equal(t, signals, n.count())

	_, err = e.Cancel(ctx, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProgress(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	buildID, taskID := seed(t, e, 3)
	ids := submitN(t, e, buildID, taskID, 2)

	inst, err := e.Progress(ctx, ids[0], 1)
	require.NoError(t, err)
	assert.Equal(t, 2, inst.NumJobsRemaining)
	assert.Equal(t, store.StatePending, inst.State)

	_, err = e.Progress(ctx, ids[0], 3)
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
	unchanged, err := e.GetInstance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 2, unchanged.NumJobsRemaining)
	assert.Equal(t, store.StatePending, unchanged.State)

	_, err = e.Progress(ctx, ids[0], 0)
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	done, err := e.Progress(ctx, ids[0], 2)
	require.NoError(t, err)
	assert.Equal(t, 0, done.NumJobsRemaining)
	assert.Equal(t, store.StateDone, done.State)
	assert.Nil(t, done.Position)
	assert.Equal(t, []int64{ids[1]}, pending(t, e))

	_, err = e.Progress(ctx, ids[0], 1)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	history, err := e.ListInstances(ctx, []store.State{store.StateDone, store.StateCancelled})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ids[0], history[0].ID)
}

func TestDeleteArchetype_ReferentialRetention(t *testing.T) {
	for _, final := range []store.State{store.StatePending, store.StateDone, store.StateCancelled} {
		t.Run(string(final), func(t *testing.T) {
			e, _ := newEngine(t)
			ctx := context.Background()
			buildID, taskID := seed(t, e, 1)

			inst, err := e.Submit(ctx, &buildID, &taskID)
			require.NoError(t, err)
			switch final {
			case store.StateDone:
				_, err = e.Progress(ctx, inst.ID, 1)
			case store.StateCancelled:
				_, err = e.Cancel(ctx, inst.ID)
			}
			require.NoError(t, err)

			assert.ErrorIs(t, e.DeleteArchetype(ctx, store.KindTask, taskID), store.ErrConflict)
			assert.ErrorIs(t, e.DeleteArchetype(ctx, store.KindBuild, buildID), store.ErrConflict)
		})
	}

	e, n := newEngine(t)
	ctx := context.Background()
	_, _ = seed(t, e, 1)
	unused, err := e.SaveArchetype(ctx, store.KindTask, taskContent(1, "lint"))
	require.NoError(t, err)

	before := n.count()
	require.NoError(t, e.DeleteArchetype(ctx, store.KindTask, unused))
	assert.Equal(t, before+1, n.count())
	_, err = e.GetArchetype(ctx, store.KindTask, unused)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMoveRelative(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	buildID, taskID := seed(t, e, 1)
	ids := submitN(t, e, buildID, taskID, 4)
	a, b, c, d := ids[0], ids[1], ids[2], ids[3]

	_, err := e.MoveRelative(ctx, d, a, store.SideBefore)
	require.NoError(t, err)
	assert.Equal(t, []int64{d, a, b, c}, pending(t, e))

	_, err = e.MoveRelative(ctx, d, c, store.SideAfter)
	require.NoError(t, err)
	assert.Equal(t, []int64{a, b, c, d}, pending(t, e))

	_, err = e.MoveRelative(ctx, a, c, store.SideBefore)
	require.NoError(t, err)
	assert.Equal(t, []int64{b, a, c, d}, pending(t, e))

	_, err = e.MoveRelative(ctx, a, a, store.SideBefore)
	assert.ErrorIs(t, err, store.ErrInvalidReorder)

	_, err = e.MoveRelative(ctx, a, 999, store.SideAfter)
	assert.ErrorIs(t, err, store.ErrInvalidReorder)

	_, err = e.Cancel(ctx, d)
	require.NoError(t, err)
	_, err = e.MoveRelative(ctx, a, d, store.SideAfter)
	assert.ErrorIs(t, err, store.ErrInvalidReorder, "anchor must be pending")
	_, err = e.MoveRelative(ctx, d, a, store.SideAfter)
	assert.ErrorIs(t, err, store.ErrInvalidReorder, "moved instance must be pending")
}

func TestMoveToIndex(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	buildID, taskID := seed(t, e, 1)
	ids := submitN(t, e, buildID, taskID, 3)

	_, err := e.MoveToIndex(ctx, ids[2], 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[2], ids[0], ids[1]}, pending(t, e))

	_, err = e.MoveToIndex(ctx, ids[2], 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0], ids[1], ids[2]}, pending(t, e))

	// Moving to the current index is a no-op on order.
	_, err = e.MoveToIndex(ctx, ids[1], 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0], ids[1], ids[2]}, pending(t, e))
}

func TestRandomMoveSequencesKeepStrictTotalOrder(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	buildID, taskID := seed(t, e, 1)
	ids := submitN(t, e, buildID, taskID, 12)

	rng := rand.New(rand.NewSource(42))
	model := append([]int64(nil), ids...)

	for i := 0; i < 500; i++ {
		moved := ids[rng.Intn(len(ids))]
		anchor := ids[rng.Intn(len(ids))]
		side := store.SideBefore
		if rng.Intn(2) == 1 {
			side = store.SideAfter
		}

		_, err := e.MoveRelative(ctx, moved, anchor, side)
		if moved == anchor {
			require.ErrorIs(t, err, store.ErrInvalidReorder)
			continue
		}
		require.NoError(t, err)

		model = applyMove(model, moved, anchor, side)
		require.Equal(t, model, pending(t, e), "step %d", i)
	}
}

// applyMove is the list model the engine must agree with.
func applyMove(order []int64, moved, anchor int64, side store.Side) []int64 {
	out := make([]int64, 0, len(order))
	for _, id := range order {
		if id != moved {
			out = append(out, id)
		}
	}
	for i, id := range out {
		if id != anchor {
			continue
		}
		at := i
		if side == store.SideAfter {
			at = i + 1
		}
		out = append(out[:at], append([]int64{moved}, out[at:]...)...)
		break
	}
	return out
}

func TestConcurrentMovesBeforeSameAnchor(t *testing.T) {
	for round := 0; round < 50; round++ {
		e, _ := newEngine(t)
		ctx := context.Background()
		buildID, taskID := seed(t, e, 1)
		ids := submitN(t, e, buildID, taskID, 5)
		c, a, b := ids[1], ids[3], ids[4]

		var g errgroup.Group
		g.Go(func() error {
			_, err := e.MoveRelative(ctx, a, c, store.SideBefore)
			return err
		})
		g.Go(func() error {
			_, err := e.MoveRelative(ctx, b, c, store.SideBefore)
			return err
		})
		require.NoError(t, g.Wait())

		order := pending(t, e)
		require.Len(t, order, 5)
		idx := func(id int64) int {
			for i, v := range order {
				if v == id {
					return i
				}
			}
			return -1
		}
		assert.Less(t, idx(a), idx(c))
		assert.Less(t, idx(b), idx(c))
	}
}

func TestConcurrentMixedOperationsPreserveInvariants(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	buildID, taskID := seed(t, e, 2)
	ids := submitN(t, e, buildID, taskID, 20)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		rng := rand.New(rand.NewSource(int64(w)))
		g.Go(func() error {
			for i := 0; i < 100; i++ {
				id := ids[rng.Intn(len(ids))]
				var err error
				switch rng.Intn(5) {
				case 0:
					_, err = e.MoveRelative(ctx, id, ids[rng.Intn(len(ids))], store.SideAfter)
				case 1:
					_, err = e.MoveToIndex(ctx, id, rng.Intn(25)-2)
				case 2:
					_, err = e.Cancel(ctx, id)
				case 3:
					_, err = e.Progress(ctx, id, 1)
				case 4:
					_, err = e.Rerun(ctx, id)
				}
				if err != nil && !expectedRejection(err) {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	order := pending(t, e)
	seen := make(map[int64]bool, len(order))
	for _, id := range order {
		require.False(t, seen[id], "instance %d listed twice", id)
		seen[id] = true
	}

	all, err := e.ListInstances(ctx, []store.State{store.StatePending, store.StateDone, store.StateCancelled})
	require.NoError(t, err)
	for _, inst := range all {
		switch inst.State {
		case store.StateDone:
			assert.Zero(t, inst.NumJobsRemaining)
			assert.Nil(t, inst.Position)
		case store.StateCancelled:
			assert.Nil(t, inst.Position)
		case store.StatePending:
			assert.Positive(t, inst.NumJobsRemaining)
			assert.True(t, seen[inst.ID])
		}
	}
}

func expectedRejection(err error) bool {
	return errors.Is(err, store.ErrInvalidReorder) ||
		errors.Is(err, store.ErrInvalidTransition) ||
		errors.Is(err, store.ErrInvalidArgument)
}

func TestClaimHeartbeatRelease(t *testing.T) {
	e, n := newEngine(t)
	ctx := context.Background()
	buildID, taskID := seed(t, e, 2)
	ids := submitN(t, e, buildID, taskID, 2)
	signals := n.count()

	claim, err := e.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, ids[0], claim.Instance.ID)
	assert.Equal(t, 0, claim.JobIndex)
	assert.Equal(t, signals, n.count(), "leases do not signal observers")

	require.NoError(t, e.Heartbeat(ctx, ids[0], time.Minute))
	assert.ErrorIs(t, e.Heartbeat(ctx, ids[0], 0), store.ErrInvalidArgument)

	next, err := e.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, ids[1], next.Instance.ID)

	require.NoError(t, e.Release(ctx, ids[0]))
	again, err := e.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, ids[0], again.Instance.ID)

	none, err := e.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = e.Claim(ctx, 0)
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	depth, err := e.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestListInstances_DefaultsToPending(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	buildID, taskID := seed(t, e, 1)
	ids := submitN(t, e, buildID, taskID, 2)
	_, err := e.Cancel(ctx, ids[0])
	require.NoError(t, err)

	list, err := e.ListInstances(ctx, nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ids[1], list[0].ID)
	assert.JSONEq(t, `{"image":"alpine"}`, string(list[0].BuildArchetypeContent))
}

// stalledStore takes its first pending-list snapshot and then blocks until
// released, standing in for a slow query that started before a write.
type stalledStore struct {
	store.Store
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func newStalledStore() *stalledStore {
	return &stalledStore{
		Store:   memory.New(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *stalledStore) ListInstances(ctx context.Context, states []store.State) ([]store.TaskInstance, error) {
	snapshot, err := s.Store.ListInstances(ctx, states)
	if s.calls.Add(1) == 1 {
		close(s.entered)
		<-s.release
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return snapshot, err
}

func instanceIDs(list []store.TaskInstance) []int64 {
	out := make([]int64, len(list))
	for i, inst := range list {
		out[i] = inst.ID
	}
	return out
}

func TestListInstances_ReadAfterWriteDoesNotJoinOlderRead(t *testing.T) {
	s := newStalledStore()
	e, err := New(s, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	ctx := context.Background()

	buildID, taskID := seed(t, e, 1)
	queued := submitN(t, e, buildID, taskID, 2)

	type result struct {
		list []store.TaskInstance
		err  error
	}
	older := make(chan result, 1)
	go func() {
		list, err := e.ListInstances(ctx, nil)
		older <- result{list, err}
	}()
	<-s.entered

	_, err = e.MoveRelative(ctx, queued[1], queued[0], store.SideBefore)
	require.NoError(t, err)

	newer := make(chan result, 1)
	go func() {
		list, err := e.ListInstances(ctx, nil)
		newer <- result{list, err}
	}()

	select {
	case r := <-newer:
		require.NoError(t, r.err)
		assert.Equal(t, []int64{queued[1], queued[0]}, instanceIDs(r.list))
	case <-time.After(2 * time.Second):
		t.Fatal("read after a write waited on a read that started before it")
	}

	close(s.release)
	r := <-older
	require.NoError(t, r.err)
	assert.Equal(t, queued, instanceIDs(r.list))
}

func TestListInstances_SharedReadSurvivesCallerCancel(t *testing.T) {
	s := newStalledStore()
	e, err := New(s, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	buildID, taskID := seed(t, e, 1)
	queued := submitN(t, e, buildID, taskID, 1)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := e.ListInstances(ctx, nil)
		first <- err
	}()
	<-s.entered

	second := make(chan []store.TaskInstance, 1)
	go func() {
		list, err := e.ListInstances(context.Background(), nil)
		assert.NoError(t, err)
		second <- list
	}()

	cancel()
	close(s.release)

	require.NoError(t, <-first)
	assert.Equal(t, queued, instanceIDs(<-second))
}
