package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"taskqueue/internal/store"
)

// archetypeTable maps a kind to its append-only table.
func archetypeTable(kind store.ArchetypeKind) (string, error) {
	switch kind {
	case store.KindBuild:
		return "build_archetypes", nil
	case store.KindTask:
		return "task_archetypes", nil
	}
	return "", fmt.Errorf("unknown archetype kind %q: %w", kind, store.ErrValidation)
}

// SaveArchetype inserts a new version and returns its ID.
func (s *Store) SaveArchetype(ctx context.Context, kind store.ArchetypeKind, content json.RawMessage) (int64, error) {
	table, err := archetypeTable(kind)
	if err != nil {
		return 0, err
	}

	query := `INSERT INTO ` + table + ` (content) VALUES ($1) RETURNING id`

	var id int64
	if err := s.db.QueryRowContext(ctx, query, []byte(content)).Scan(&id); err != nil {
		return 0, classify("save archetype", err)
	}
	return id, nil
}

// ListArchetypes returns every version of kind, oldest first.
func (s *Store) ListArchetypes(ctx context.Context, kind store.ArchetypeKind) ([]store.Archetype, error) {
	table, err := archetypeTable(kind)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, content, created_at FROM ` + table + ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify("list archetypes", err)
	}
	defer rows.Close()

	archetypes := []store.Archetype{}
	for rows.Next() {
		a, err := scanArchetype(rows, kind)
		if err != nil {
			return nil, classify("list archetypes", err)
		}
		archetypes = append(archetypes, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list archetypes", err)
	}
	return archetypes, nil
}

// GetArchetype returns one version.
func (s *Store) GetArchetype(ctx context.Context, kind store.ArchetypeKind, id int64) (*store.Archetype, error) {
	table, err := archetypeTable(kind)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, content, created_at FROM ` + table + ` WHERE id = $1`

	a, err := scanArchetype(s.db.QueryRowContext(ctx, query, id), kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s archetype %d: %w", kind, id, store.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get archetype", err)
	}
	return a, nil
}

// LatestArchetype returns the version with the highest ID.
func (s *Store) LatestArchetype(ctx context.Context, kind store.ArchetypeKind) (*store.Archetype, error) {
	table, err := archetypeTable(kind)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, content, created_at FROM ` + table + ` ORDER BY id DESC LIMIT 1`

	a, err := scanArchetype(s.db.QueryRowContext(ctx, query), kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no %s archetypes: %w", kind, store.ErrNotFound)
	}
	if err != nil {
		return nil, classify("latest archetype", err)
	}
	return a, nil
}

// DeleteArchetype removes an unreferenced version. The foreign keys on
// task_instances are ON DELETE RESTRICT, so a referenced row fails with a
// foreign key violation which classify reports as ErrConflict.
func (s *Store) DeleteArchetype(ctx context.Context, kind store.ArchetypeKind, id int64) error {
	table, err := archetypeTable(kind)
	if err != nil {
		return err
	}

	query := `DELETE FROM ` + table + ` WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return classify(fmt.Sprintf("delete %s archetype %d", kind, id), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("delete archetype", err)
	}
	if n == 0 {
		return fmt.Errorf("%s archetype %d: %w", kind, id, store.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArchetype(row rowScanner, kind store.ArchetypeKind) (*store.Archetype, error) {
	var (
		a       store.Archetype
		content []byte
	)
	if err := row.Scan(&a.ID, &content, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Kind = kind
	a.Content = json.RawMessage(content)
	return &a, nil
}
