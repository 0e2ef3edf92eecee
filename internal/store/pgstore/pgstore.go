// Package pgstore implements the execution store on PostgreSQL.
//
// It mirrors the SQLite store's contract for deployments where several
// speckit processes share one database. Ordering uses a database sequence
// instead of an in-process clock, so concurrent writers still produce a
// single total order.
package pgstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/roach88/speckit/internal/retry"
	"github.com/roach88/speckit/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Config holds connection settings.
type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns pool settings suitable for a single CLI process.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("database url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max idle conns must be between 0 and max open conns")
	}
	return nil
}

// Store is the PostgreSQL execution store.
type Store struct {
	db          *sql.DB
	logger      *slog.Logger
	writePolicy retry.Policy
	readPolicy  retry.Policy
}

// Open connects, pings and applies the schema.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	for _, stmt := range strings.Split(schemaSQL, ";\n") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	return &Store{
		db:          db,
		logger:      logger,
		writePolicy: retry.WritePolicy(),
		readPolicy:  retry.ReadPolicy(),
	}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Error classification. Serialization failures, deadlocks and lock
// timeouts are worth retrying; integrity violations are not.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
)

func isBusy(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeUniqueViolation
	}
	return false
}

func classOf(err error) retry.Class {
	if isBusy(err) {
		return retry.Retryable
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions.
		if strings.HasPrefix(pgErr.Code, "08") {
			return retry.Retryable
		}
		return retry.Permanent
	}
	if errors.Is(err, sql.ErrConnDone) {
		return retry.Retryable
	}
	return retry.Permanent
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *store.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &store.StorageError{Op: op, Class: classOf(err), Busy: isBusy(err), Err: err}
}

func (s *Store) write(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return retry.DoVoid(ctx, s.writePolicy, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return wrap(op, fmt.Errorf("begin tx: %w", err))
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return wrap(op, err)
		}
		if err := tx.Commit(); err != nil {
			return wrap(op, fmt.Errorf("commit: %w", err))
		}
		return nil
	}, retry.WithLogger(s.logger), retry.WithOperation(op))
}

func read[T any](ctx context.Context, s *Store, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, s.readPolicy, func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if err != nil {
			var zero T
			return zero, wrap(op, err)
		}
		return v, nil
	}, retry.WithLogger(s.logger), retry.WithOperation(op))
}
