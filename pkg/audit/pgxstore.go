package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver, for goose only
	"github.com/pressly/goose/v3"

	opserrors "github.com/jordigilh/opskernel/pkg/shared/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PgxLog persists audit entries to Postgres via a direct pgx/v5 pool —
// a distinct write path from pkg/storage.SQLStore because the audit
// trail is high-volume, append-only, and never goes through the
// generic namespaced key/value contract other modules use.
type PgxLog struct {
	pool *pgxpool.Pool
}

// OpenPgxLog runs the embedded goose migrations against dsn, then opens
// the pgxpool connection pool the rest of PgxLog's lifetime uses.
func OpenPgxLog(ctx context.Context, dsn string) (*PgxLog, error) {
	if err := migrateAuditSchema(ctx, dsn); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, opserrors.FailedTo("open pgx audit pool", err)
	}
	return &PgxLog{pool: pool}, nil
}

// migrateAuditSchema runs migrations/ via goose against a throwaway
// database/sql connection (opened through pgx/v5/stdlib, the
// database/sql adapter the pgx driver ships for exactly this case):
// goose's library API drives *sql.DB, while the rest of PgxLog talks to
// Postgres through pgxpool directly, so the two connections are kept
// separate and this one is closed once migrations finish.
func migrateAuditSchema(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return opserrors.FailedTo("open audit migration connection", err)
	}
	defer db.Close() //nolint:errcheck

	if err := goose.SetDialect("postgres"); err != nil {
		return opserrors.FailedTo("set goose dialect", err)
	}
	goose.SetBaseFS(migrations)
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return opserrors.FailedTo("run audit migrations", err)
	}
	return nil
}

func (l *PgxLog) Close() {
	l.pool.Close()
}

func (l *PgxLog) Record(ctx context.Context, action, actor, subject string, details map[string]interface{}) (Entry, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return Entry{}, opserrors.FailedTo("marshal audit details", err)
	}

	now := time.Now()
	var seq uint64
	row := l.pool.QueryRow(ctx,
		`INSERT INTO audit_log (ts, action, actor, subject, details) VALUES ($1, $2, $3, $4, $5) RETURNING seq`,
		now, action, actor, subject, raw)
	if err := row.Scan(&seq); err != nil {
		return Entry{}, opserrors.FailedTo("insert audit entry", err)
	}
	return Entry{Seq: seq, Timestamp: now, Action: action, Actor: actor, Subject: subject, Details: details}, nil
}

func (l *PgxLog) Query(ctx context.Context, q Query) ([]Entry, error) {
	sql := `SELECT seq, ts, action, actor, subject, details FROM audit_log WHERE true`
	var args []interface{}
	argN := 0
	next := func(v interface{}) string {
		argN++
		args = append(args, v)
		return placeholder(argN)
	}

	if q.Action != "" {
		sql += ` AND action = ` + next(q.Action)
	}
	if q.Actor != "" {
		sql += ` AND actor = ` + next(q.Actor)
	}
	if q.SubjectPrefix != "" {
		sql += ` AND subject LIKE ` + next(q.SubjectPrefix+"%")
	}
	if !q.Since.IsZero() {
		sql += ` AND ts >= ` + next(q.Since)
	}
	if !q.Until.IsZero() {
		sql += ` AND ts <= ` + next(q.Until)
	}
	sql += ` ORDER BY seq ASC`
	if q.Limit > 0 {
		sql += ` LIMIT ` + next(q.Limit)
	}

	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, opserrors.FailedTo("query audit log", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var raw []byte
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.Action, &e.Actor, &e.Subject, &raw); err != nil {
			return nil, opserrors.FailedTo("scan audit entry", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Details); err != nil {
				return nil, opserrors.FailedTo("unmarshal audit details", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, opserrors.FailedTo("iterate audit log", err)
	}
	return out, nil
}

func (l *PgxLog) Persisted() bool { return true }

func placeholder(n int) string {
	const digits = "0123456789"
	if n < 10 {
		return "$" + string(digits[n])
	}
	// Fallback for >9 params (not hit by Query's fixed filter set).
	buf := []byte{}
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}
	return "$" + string(buf)
}
