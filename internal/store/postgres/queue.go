package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskqueue/internal/rank"
	"taskqueue/internal/store"

	"github.com/lib/pq"
)

// boundary is a pending row whose position bounds the target gap.
type boundary struct {
	id       int64
	position string
}

// MoveRelative places id immediately before or after anchorID.
//
// The moved row and the anchor are locked in id order, then the neighbour on
// the far side of the gap is read and locked. If the neighbour changed in
// between, the attempt is retried from scratch.
func (s *Store) MoveRelative(ctx context.Context, id, anchorID int64, side store.Side) (*store.TaskInstance, error) {
	if side != store.SideBefore && side != store.SideAfter {
		return nil, fmt.Errorf("unknown side %q: %w", side, store.ErrInvalidReorder)
	}

	return s.withPositionTx(ctx, "move task instance", func(tx *sql.Tx) (*store.TaskInstance, error) {
		locked, err := lockRows(ctx, tx, []int64{id, anchorID})
		if err != nil {
			return nil, err
		}

		moved, ok := locked[id]
		if !ok {
			return nil, fmt.Errorf("task instance %d: %w", id, store.ErrNotFound)
		}
		if moved.state != store.StatePending {
			return nil, fmt.Errorf("task instance %d is %s, only pending instances can be reordered: %w", id, moved.state, store.ErrInvalidReorder)
		}
		if id == anchorID {
			return nil, fmt.Errorf("task instance %d cannot be moved relative to itself: %w", id, store.ErrInvalidReorder)
		}
		anchor, ok := locked[anchorID]
		if !ok || anchor.state != store.StatePending {
			return nil, fmt.Errorf("anchor %d is not a pending task instance: %w", anchorID, store.ErrInvalidReorder)
		}

		neighbour, err := adjacent(ctx, tx, anchor.position, id, side)
		if err != nil {
			return nil, err
		}
		if neighbour != nil {
			if err := lockBoundaries(ctx, tx, []boundary{*neighbour}); err != nil {
				return nil, err
			}
			again, err := adjacent(ctx, tx, anchor.position, id, side)
			if err != nil {
				return nil, err
			}
			if again == nil || *again != *neighbour {
				return nil, errGapChanged
			}
		}

		var lo, hi string
		if side == store.SideBefore {
			hi = anchor.position
			if neighbour != nil {
				lo = neighbour.position
			}
		} else {
			lo = anchor.position
			if neighbour != nil {
				hi = neighbour.position
			}
		}
		return place(ctx, tx, id, lo, hi)
	})
}

// MoveToIndex places id at index in the pending order, clamping out-of-range values.
func (s *Store) MoveToIndex(ctx context.Context, id int64, index int) (*store.TaskInstance, error) {
	if index < 0 {
		index = 0
	}

	return s.withPositionTx(ctx, "move task instance", func(tx *sql.Tx) (*store.TaskInstance, error) {
		locked, err := lockRows(ctx, tx, []int64{id})
		if err != nil {
			return nil, err
		}
		moved, ok := locked[id]
		if !ok {
			return nil, fmt.Errorf("task instance %d: %w", id, store.ErrNotFound)
		}
		if moved.state != store.StatePending {
			return nil, fmt.Errorf("task instance %d is %s, only pending instances can be reordered: %w", id, moved.state, store.ErrInvalidReorder)
		}

		lo, hi, err := window(ctx, tx, id, index)
		if err != nil {
			return nil, err
		}

		var bounds []boundary
		for _, b := range []*boundary{lo, hi} {
			if b != nil {
				bounds = append(bounds, *b)
			}
		}
		if err := lockBoundaries(ctx, tx, bounds); err != nil {
			return nil, err
		}

		lo2, hi2, err := window(ctx, tx, id, index)
		if err != nil {
			return nil, err
		}
		if !sameBoundary(lo, lo2) || !sameBoundary(hi, hi2) {
			return nil, errGapChanged
		}

		var loKey, hiKey string
		if lo != nil {
			loKey = lo.position
		}
		if hi != nil {
			hiKey = hi.position
		}
		return place(ctx, tx, id, loKey, hiKey)
	})
}

type lockedRow struct {
	state    store.State
	position string
}

// lockRows locks the given rows in id order so concurrent movers cannot deadlock on them.
func lockRows(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]lockedRow, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, state, position FROM task_instances WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]lockedRow, len(ids))
	for rows.Next() {
		var (
			id       int64
			state    string
			position sql.NullString
		)
		if err := rows.Scan(&id, &state, &position); err != nil {
			return nil, err
		}
		out[id] = lockedRow{state: store.State(state), position: position.String}
	}
	return out, rows.Err()
}

// lockBoundaries locks rows read before locking and verifies they did not move.
func lockBoundaries(ctx context.Context, tx *sql.Tx, bounds []boundary) error {
	if len(bounds) == 0 {
		return nil
	}
	ids := make([]int64, len(bounds))
	for i, b := range bounds {
		ids[i] = b.id
	}
	locked, err := lockRows(ctx, tx, ids)
	if err != nil {
		return err
	}
	for _, b := range bounds {
		row, ok := locked[b.id]
		if !ok || row.state != store.StatePending || row.position != b.position {
			return errGapChanged
		}
	}
	return nil
}

// adjacent returns the pending row next to position on the given side, ignoring exclude.
func adjacent(ctx context.Context, tx *sql.Tx, position string, exclude int64, side store.Side) (*boundary, error) {
	query := `
		SELECT id, position FROM task_instances
		WHERE state = 'pending' AND position < $1 AND id <> $2
		ORDER BY position DESC LIMIT 1`
	if side == store.SideAfter {
		query = `
		SELECT id, position FROM task_instances
		WHERE state = 'pending' AND position > $1 AND id <> $2
		ORDER BY position ASC LIMIT 1`
	}

	var b boundary
	err := tx.QueryRowContext(ctx, query, position, exclude).Scan(&b.id, &b.position)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// window returns the pending rows that will surround exclude once it sits at index.
// An index past the end yields the tail as lo and no hi.
func window(ctx context.Context, tx *sql.Tx, exclude int64, index int) (lo, hi *boundary, err error) {
	offset := index - 1
	if offset < 0 {
		offset = 0
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, position FROM task_instances
		WHERE state = 'pending' AND id <> $1
		ORDER BY position ASC OFFSET $2 LIMIT 2`, exclude, offset)
	if err != nil {
		return nil, nil, err
	}
	var found []boundary
	for rows.Next() {
		var b boundary
		if err := rows.Scan(&b.id, &b.position); err != nil {
			rows.Close()
			return nil, nil, err
		}
		found = append(found, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	if index == 0 {
		if len(found) > 0 {
			hi = &found[0]
		}
		return nil, hi, nil
	}

	switch len(found) {
	case 2:
		return &found[0], &found[1], nil
	case 1:
		return &found[0], nil, nil
	}

	// Past the end: clamp to the tail.
	var tail boundary
	err = tx.QueryRowContext(ctx, `
		SELECT id, position FROM task_instances
		WHERE state = 'pending' AND id <> $1
		ORDER BY position DESC LIMIT 1`, exclude).Scan(&tail.id, &tail.position)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return &tail, nil, nil
}

func sameBoundary(a, b *boundary) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// place writes a key strictly between lo and hi. With both empty the row is
// the only pending one and keeps its key.
func place(ctx context.Context, tx *sql.Tx, id int64, lo, hi string) (*store.TaskInstance, error) {
	if lo != "" || hi != "" {
		key, err := rank.Between(lo, hi)
		if err != nil {
			return nil, fmt.Errorf("computing position for task instance %d: %w", id, err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE task_instances SET position = $2, updated_at = NOW() WHERE id = $1`, id, key)
		if err != nil {
			return nil, err
		}
	}
	return getInstance(ctx, tx, id)
}

// Claim leases the first pending instance whose lease is absent or expired.
// Rows locked by a concurrent claim or move are skipped.
func (s *Store) Claim(ctx context.Context, lease time.Duration) (*store.Claim, error) {
	return withTx(ctx, s, "claim task instance", func(tx *sql.Tx) (*store.Claim, error) {
		var id int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM task_instances
			WHERE state = 'pending' AND (leased_until IS NULL OR leased_until <= NOW())
			ORDER BY position ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE task_instances
			SET leased_until = NOW() + make_interval(secs => $2), updated_at = NOW()
			WHERE id = $1`, id, lease.Seconds())
		if err != nil {
			return nil, err
		}

		inst, err := getInstance(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		jobIndex := 0
		if tc, err := store.ParseTaskContent(inst.TaskArchetypeContent); err == nil {
			jobIndex = tc.NumJobs - inst.NumJobsRemaining
		}
		return &store.Claim{Instance: *inst, JobIndex: jobIndex}, nil
	})
}

// ExtendLease pushes the lease deadline of a pending instance.
func (s *Store) ExtendLease(ctx context.Context, id int64, until time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_instances SET leased_until = $2 WHERE id = $1 AND state = 'pending'`, id, until.UTC())
	if err != nil {
		return classify("extend lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("extend lease", err)
	}
	if n > 0 {
		return nil
	}

	var state string
	err = s.db.QueryRowContext(ctx, `SELECT state FROM task_instances WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task instance %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return classify("extend lease", err)
	}
	return fmt.Errorf("task instance %d is %s: %w", id, state, store.ErrInvalidTransition)
}

// ReleaseLease clears the lease so the instance can be claimed again.
func (s *Store) ReleaseLease(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE task_instances SET leased_until = NULL WHERE id = $1`, id)
	if err != nil {
		return classify("release lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("release lease", err)
	}
	if n == 0 {
		return fmt.Errorf("task instance %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// Count returns the number of pending instances.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_instances WHERE state = 'pending'`).Scan(&n); err != nil {
		return 0, classify("count pending", err)
	}
	return n, nil
}
