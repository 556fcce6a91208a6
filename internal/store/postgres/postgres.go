// Package postgres implements the store interfaces using PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskqueue/internal/store"

	"github.com/lib/pq"
)

// PostgreSQL error codes the store reacts to.
const (
	codeForeignKeyViolation  = "23503"
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Store provides PostgreSQL-backed implementations of all repositories.
type Store struct {
	db *sql.DB

	// maxAttempts bounds how often a position write is recomputed after
	// losing a race for the same gap.
	maxAttempts int
}

var _ store.Store = (*Store)(nil)

// New opens a connection pool and verifies it.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, maxAttempts: 8}, nil
}

// DB exposes the pool for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return store.StorageError("ping", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// classify maps driver errors onto the store error taxonomy.
// Errors that already carry a store class pass through untouched.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		store.ErrValidation, store.ErrNotFound, store.ErrInvalidTransition,
		store.ErrInvalidReorder, store.ErrInvalidArgument, store.ErrConflict, store.ErrStorage,
	} {
		if errors.Is(err, known) {
			return err
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == codeForeignKeyViolation {
		return fmt.Errorf("%s: %w: %s", op, store.ErrConflict, pqErr.Message)
	}
	return store.StorageError(op, err)
}

// retryable reports whether a transaction lost a race and may be recomputed.
func retryable(err error) bool {
	if errors.Is(err, errGapChanged) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected:
			return true
		}
	}
	return false
}

// errGapChanged signals that the neighbours read before locking moved.
var errGapChanged = errors.New("queue gap changed while locking")

// withPositionTx runs fn in a transaction, recomputing it when a concurrent
// writer claimed the same gap first. Only those lost races are retried;
// any other failure, storage errors included, is returned after one attempt.
func (s *Store) withPositionTx(ctx context.Context, op string, fn func(tx *sql.Tx) (*store.TaskInstance, error)) (*store.TaskInstance, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		inst, err := runTx(ctx, s.db, fn)
		if err == nil {
			return inst, nil
		}
		if !retryable(err) {
			return nil, classify(op, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%s: queue contention after %d attempts: %w: %w", op, s.maxAttempts, store.ErrConflict, lastErr)
}

// withTx runs fn in a single transaction and classifies its error.
func withTx[T any](ctx context.Context, s *Store, op string, fn func(tx *sql.Tx) (T, error)) (T, error) {
	out, err := runTx(ctx, s.db, fn)
	if err != nil {
		var zero T
		return zero, classify(op, err)
	}
	return out, nil
}

func runTx[T any](ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) (T, error)) (T, error) {
	var zero T

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return zero, err
	}
	defer tx.Rollback()

	out, err := fn(tx)
	if err != nil {
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, err
	}
	return out, nil
}
