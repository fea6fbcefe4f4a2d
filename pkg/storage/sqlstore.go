package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	opserrors "github.com/jordigilh/opskernel/pkg/shared/errors"

	// Registered drivers for SQLStore. Either pq (Postgres) or sqlite3
	// (SQLite) is enough for a given *sqlx.DB; both are imported here so a
	// single SQLStore code path serves either backend per the Storage
	// indirection design note ("file-backed and SQLite-backed
	// implementations are drop-in replacements").
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLStore is a generic namespaced key/value store backed by any
// database/sql driver sqlx can drive — in this repository, Postgres via
// lib/pq or SQLite via mattn/go-sqlite3, chosen by the DSN passed to
// OpenPostgres/OpenSQLite.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps an already-open *sqlx.DB. Callers own the connection
// lifecycle; SQLStore only issues statements against it.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// OpenPostgres opens a Postgres-backed SQLStore via lib/pq.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, opserrors.FailedTo("open postgres storage", err)
	}
	s := NewSQLStore(db)
	if err := s.EnsureSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens a SQLite-backed SQLStore via mattn/go-sqlite3.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, opserrors.FailedTo("open sqlite storage", err)
	}
	s := NewSQLStore(db)
	if err := s.EnsureSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureSchema brings the backing table up to date by running the
// embedded goose migrations in migrations/ against the store's
// underlying *sql.DB. The dialect is read off the *sqlx.DB itself, so
// the same code path drives either the Postgres or SQLite backend.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	dialect := s.db.DriverName()
	if err := goose.SetDialect(dialect); err != nil {
		return opserrors.FailedTo(fmt.Sprintf("set goose dialect %q", dialect), err)
	}
	goose.SetBaseFS(migrations)
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return opserrors.FailedTo("run storage migrations", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	var value []byte
	query := s.db.Rebind(`SELECT value FROM opskernel_kv WHERE collection = ? AND key = ?`)
	err := s.db.GetContext(ctx, &value, query, collection, key)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, opserrors.FailedTo(fmt.Sprintf("get %s/%s", collection, key), err)
	}
	return value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, collection, key string, value []byte) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return opserrors.FailedTo("begin storage transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	del := tx.Rebind(`DELETE FROM opskernel_kv WHERE collection = ? AND key = ?`)
	if _, err := tx.ExecContext(ctx, del, collection, key); err != nil {
		return opserrors.FailedTo(fmt.Sprintf("clear %s/%s before write", collection, key), err)
	}
	ins := tx.Rebind(`INSERT INTO opskernel_kv (collection, key, value) VALUES (?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, ins, collection, key, value); err != nil {
		return opserrors.FailedTo(fmt.Sprintf("set %s/%s", collection, key), err)
	}
	if err := tx.Commit(); err != nil {
		return opserrors.FailedTo("commit storage transaction", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, collection, key string) error {
	query := s.db.Rebind(`DELETE FROM opskernel_kv WHERE collection = ? AND key = ?`)
	if _, err := s.db.ExecContext(ctx, query, collection, key); err != nil {
		return opserrors.FailedTo(fmt.Sprintf("delete %s/%s", collection, key), err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, collection string) ([]string, error) {
	var keys []string
	query := s.db.Rebind(`SELECT key FROM opskernel_kv WHERE collection = ?`)
	if err := s.db.SelectContext(ctx, &keys, query, collection); err != nil {
		return nil, opserrors.FailedTo(fmt.Sprintf("list %s", collection), err)
	}
	return keys, nil
}

func (s *SQLStore) Has(ctx context.Context, collection, key string) (bool, error) {
	var count int
	query := s.db.Rebind(`SELECT COUNT(*) FROM opskernel_kv WHERE collection = ? AND key = ?`)
	if err := s.db.GetContext(ctx, &count, query, collection, key); err != nil {
		return false, opserrors.FailedTo(fmt.Sprintf("check %s/%s", collection, key), err)
	}
	return count > 0, nil
}

func (s *SQLStore) Count(ctx context.Context, collection string) (int, error) {
	var count int
	query := s.db.Rebind(`SELECT COUNT(*) FROM opskernel_kv WHERE collection = ?`)
	if err := s.db.GetContext(ctx, &count, query, collection); err != nil {
		return 0, opserrors.FailedTo(fmt.Sprintf("count %s", collection), err)
	}
	return count, nil
}

func (s *SQLStore) Clear(ctx context.Context, collection string) error {
	query := s.db.Rebind(`DELETE FROM opskernel_kv WHERE collection = ?`)
	if _, err := s.db.ExecContext(ctx, query, collection); err != nil {
		return opserrors.FailedTo(fmt.Sprintf("clear %s", collection), err)
	}
	return nil
}
