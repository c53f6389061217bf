package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"modbot/internal/schedule"
	logx "modbot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore keeps the schedule in a deferred_actions table. The pool is
// limited to one connection, which serializes every statement the same way
// FileStore's mutex does.
type SQLiteStore struct {
	db  *sql.DB
	log logx.Logger
}

func OpenSQLite(cfg Config, log logx.Logger) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		// FULL: a committed Add survives power loss, not just a crash.
		"PRAGMA synchronous = FULL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &SQLiteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Add(ctx context.Context, e schedule.Entry) error {
	if strings.TrimSpace(e.Subject) == "" {
		return errors.New("storage: empty subject")
	}
	kind := e.Kind
	if kind == "" {
		kind = schedule.KindUnmute
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deferred_actions(kind, subject, due_at_ms, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(kind, subject) DO UPDATE SET due_at_ms=excluded.due_at_ms, updated_at=excluded.updated_at`,
		string(kind), e.Subject, e.DueAt.UnixMilli(), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("add deferred action: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, k schedule.Key) error {
	kind := k.Kind
	if kind == "" {
		kind = schedule.KindUnmute
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM deferred_actions WHERE kind = ? AND subject = ?`, string(kind), k.Subject); err != nil {
		return fmt.Errorf("remove deferred action: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DueEntries(ctx context.Context, now time.Time) ([]schedule.Entry, error) {
	return s.query(ctx, `SELECT kind, subject, due_at_ms FROM deferred_actions WHERE due_at_ms <= ? ORDER BY due_at_ms, kind, subject`, now.UnixMilli())
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]schedule.Entry, error) {
	return s.query(ctx, `SELECT kind, subject, due_at_ms FROM deferred_actions ORDER BY due_at_ms, kind, subject`)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]schedule.Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query deferred actions: %w", err)
	}
	defer rows.Close()

	var out []schedule.Entry
	for rows.Next() {
		var (
			kind, subject string
			ms            int64
		)
		if err := rows.Scan(&kind, &subject, &ms); err != nil {
			return nil, fmt.Errorf("scan deferred action: %w", err)
		}
		out = append(out, schedule.Entry{Kind: schedule.Kind(kind), Subject: subject, DueAt: time.UnixMilli(ms).UTC()})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, request_id, actor_id, action, subject, channel_id, reason, ok, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.RequestID), nullStr(e.ActorID), e.Action,
		nullStr(e.Subject), nullStr(e.ChannelID), nullStr(e.Reason), e.OK, nullStr(e.Error),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
