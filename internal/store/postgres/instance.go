package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"taskqueue/internal/rank"
	"taskqueue/internal/store"

	"github.com/lib/pq"
)

// tailLockKey serialises appends to the tail of the queue.
const tailLockKey = 7_240_001

const instanceSelect = `
	SELECT ti.id, ti.build_archetype_id, ti.task_archetype_id, ti.num_jobs_remaining,
	       ti.state, ti.position, ti.leased_until, ti.rerun_of, ti.created_at, ti.updated_at,
	       ba.content, ta.content
	FROM task_instances ti
	JOIN build_archetypes ba ON ba.id = ti.build_archetype_id
	JOIN task_archetypes ta ON ta.id = ti.task_archetype_id`

// CreateInstance registers a pending instance at the tail of the queue.
func (s *Store) CreateInstance(ctx context.Context, buildArchetypeID, taskArchetypeID int64) (*store.TaskInstance, error) {
	return s.withPositionTx(ctx, "create task instance", func(tx *sql.Tx) (*store.TaskInstance, error) {
		return s.insertPending(ctx, tx, buildArchetypeID, taskArchetypeID, nil)
	})
}

// insertPending locks the referenced archetypes against deletion, takes the
// tail lock and appends a new pending row.
func (s *Store) insertPending(ctx context.Context, tx *sql.Tx, buildID, taskID int64, rerunOf *int64) (*store.TaskInstance, error) {
	var found int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM build_archetypes WHERE id = $1 FOR SHARE`, buildID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("build archetype %d: %w", buildID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var content []byte
	err = tx.QueryRowContext(ctx, `SELECT content FROM task_archetypes WHERE id = $1 FOR SHARE`, taskID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task archetype %d: %w", taskID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	tc, err := store.ParseTaskContent(content)
	if err != nil {
		return nil, fmt.Errorf("task archetype %d: %w", taskID, err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, tailLockKey); err != nil {
		return nil, err
	}

	pos, err := tailPosition(ctx, tx)
	if err != nil {
		return nil, err
	}

	var rerun sql.NullInt64
	if rerunOf != nil {
		rerun = sql.NullInt64{Int64: *rerunOf, Valid: true}
	}

	query := `
		INSERT INTO task_instances (build_archetype_id, task_archetype_id, num_jobs_remaining, state, position, rerun_of)
		VALUES ($1, $2, $3, 'pending', $4, $5)
		RETURNING id
	`
	var id int64
	if err := tx.QueryRowContext(ctx, query, buildID, taskID, tc.NumJobs, pos, rerun).Scan(&id); err != nil {
		return nil, err
	}
	return getInstance(ctx, tx, id)
}

func tailPosition(ctx context.Context, tx store.DBTransaction) (string, error) {
	var last string
	err := tx.QueryRowContext(ctx,
		`SELECT position FROM task_instances WHERE state = 'pending' ORDER BY position DESC LIMIT 1`,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return rank.Initial(), nil
	}
	if err != nil {
		return "", err
	}
	return rank.After(last)
}

// GetInstance returns one instance with its archetype contents.
func (s *Store) GetInstance(ctx context.Context, id int64) (*store.TaskInstance, error) {
	inst, err := getInstance(ctx, s.db, id)
	if err != nil {
		return nil, classify("get task instance", err)
	}
	return inst, nil
}

func getInstance(ctx context.Context, q store.DBTransaction, id int64) (*store.TaskInstance, error) {
	inst, err := scanInstance(q.QueryRowContext(ctx, instanceSelect+` WHERE ti.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task instance %d: %w", id, store.ErrNotFound)
	}
	return inst, err
}

// ListInstances returns pending instances by position, then terminal ones newest first.
func (s *Store) ListInstances(ctx context.Context, states []store.State) ([]store.TaskInstance, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}

	query := instanceSelect + `
		WHERE ti.state = ANY($1)
		ORDER BY (ti.state <> 'pending'), ti.position ASC, ti.created_at DESC, ti.id DESC`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(names))
	if err != nil {
		return nil, classify("list task instances", err)
	}
	defer rows.Close()

	instances := []store.TaskInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, classify("list task instances", err)
		}
		instances = append(instances, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list task instances", err)
	}
	return instances, nil
}

// Cancel transitions a pending instance to cancelled.
func (s *Store) Cancel(ctx context.Context, id int64) (*store.TaskInstance, error) {
	return withTx(ctx, s, "cancel task instance", func(tx *sql.Tx) (*store.TaskInstance, error) {
		state, _, err := lockInstance(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if state != store.StatePending {
			return nil, fmt.Errorf("cannot cancel task instance %d in state %s: %w", id, state, store.ErrInvalidTransition)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE task_instances
			SET state = 'cancelled', position = NULL, leased_until = NULL, updated_at = NOW()
			WHERE id = $1`, id)
		if err != nil {
			return nil, err
		}
		return getInstance(ctx, tx, id)
	})
}

// Progress records completed jobs and finishes the instance at zero.
func (s *Store) Progress(ctx context.Context, id int64, completed int) (*store.TaskInstance, error) {
	if completed < 1 {
		return nil, fmt.Errorf("completed jobs must be positive, got %d: %w", completed, store.ErrInvalidArgument)
	}

	return withTx(ctx, s, "progress task instance", func(tx *sql.Tx) (*store.TaskInstance, error) {
		state, remaining, err := lockInstance(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if state != store.StatePending {
			return nil, fmt.Errorf("cannot progress task instance %d in state %s: %w", id, state, store.ErrInvalidTransition)
		}
		if completed > remaining {
			return nil, fmt.Errorf("task instance %d has %d jobs remaining, cannot complete %d: %w",
				id, remaining, completed, store.ErrInvalidArgument)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE task_instances
			SET num_jobs_remaining = $2::int,
			    state = CASE WHEN $2::int = 0 THEN 'done' ELSE state END,
			    position = CASE WHEN $2::int = 0 THEN NULL ELSE position END,
			    leased_until = NULL,
			    updated_at = NOW()
			WHERE id = $1`, id, remaining-completed)
		if err != nil {
			return nil, err
		}
		return getInstance(ctx, tx, id)
	})
}

// Rerun clones a terminal instance into a new pending one at the tail.
func (s *Store) Rerun(ctx context.Context, id int64) (*store.TaskInstance, error) {
	return s.withPositionTx(ctx, "rerun task instance", func(tx *sql.Tx) (*store.TaskInstance, error) {
		var (
			state           string
			buildID, taskID int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT state, build_archetype_id, task_archetype_id FROM task_instances WHERE id = $1 FOR SHARE`, id,
		).Scan(&state, &buildID, &taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task instance %d: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		if !store.State(state).Terminal() {
			return nil, fmt.Errorf("cannot rerun task instance %d in state %s: %w", id, state, store.ErrInvalidTransition)
		}
		return s.insertPending(ctx, tx, buildID, taskID, &id)
	})
}

// lockInstance takes a row lock and returns the current state and remaining jobs.
func lockInstance(ctx context.Context, tx *sql.Tx, id int64) (store.State, int, error) {
	var (
		state     string
		remaining int
	)
	err := tx.QueryRowContext(ctx,
		`SELECT state, num_jobs_remaining FROM task_instances WHERE id = $1 FOR UPDATE`, id,
	).Scan(&state, &remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("task instance %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return "", 0, err
	}
	return store.State(state), remaining, nil
}

func scanInstance(row rowScanner) (*store.TaskInstance, error) {
	var (
		inst         store.TaskInstance
		state        string
		position     sql.NullString
		leasedUntil  sql.NullTime
		rerunOf      sql.NullInt64
		buildContent []byte
		taskContent  []byte
	)
	err := row.Scan(
		&inst.ID,
		&inst.BuildArchetypeID,
		&inst.TaskArchetypeID,
		&inst.NumJobsRemaining,
		&state,
		&position,
		&leasedUntil,
		&rerunOf,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&buildContent,
		&taskContent,
	)
	if err != nil {
		return nil, err
	}

	inst.State = store.State(state)
	if position.Valid {
		inst.Position = &position.String
	}
	if leasedUntil.Valid {
		t := leasedUntil.Time.UTC()
		inst.LeasedUntil = &t
	}
	if rerunOf.Valid {
		inst.RerunOf = &rerunOf.Int64
	}
	inst.BuildArchetypeContent = json.RawMessage(buildContent)
	inst.TaskArchetypeContent = json.RawMessage(taskContent)
	return &inst, nil
}
