package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/org/agentwarden/pkg/models"
	_ "modernc.org/sqlite"
)

// unlimitedQuota stands in for "no limit" in SQL comparisons without risking overflow.
const unlimitedQuota int64 = 1 << 62

// SQLiteBackend is a StateBackend backed by an embedded SQLite file.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies migrations.
// A path of ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	if path == "" {
		path = "./data/warden.db"
	}

	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
		dsn = fmt.Sprintf(
			"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
			path,
		)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and an in-memory
	// database lives and dies with its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

// --- Quotas ---

func (s *SQLiteBackend) IncrementQuota(ctx context.Context, kind, day string, n, limit int64) (int64, bool, error) {
	if limit <= 0 {
		limit = unlimitedQuota
	}
	if n > limit {
		cur, err := s.GetQuota(ctx, kind, day)
		return cur, false, err
	}

	var count int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO quota_counters(op_kind, day, count, updated_at_ms) VALUES(?, ?, ?, ?)
ON CONFLICT(op_kind, day) DO UPDATE SET
  count = quota_counters.count + excluded.count,
  updated_at_ms = excluded.updated_at_ms
WHERE quota_counters.count + excluded.count <= ?
RETURNING count;`,
		kind, day, n, time.Now().UTC().UnixMilli(), limit,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		cur, err := s.GetQuota(ctx, kind, day)
		return cur, false, err
	}
	if err != nil {
		return 0, false, fmt.Errorf("IncrementQuota: %w", err)
	}
	return count, true, nil
}

func (s *SQLiteBackend) GetQuota(ctx context.Context, kind, day string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM quota_counters WHERE op_kind = ? AND day = ?;`, kind, day,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("GetQuota: %w", err)
	}
	return count, nil
}

// --- Audit ---

func (s *SQLiteBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil || entry.Metadata == nil {
		metaJSON = []byte("{}")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO audit_log(request_id, timestamp_ms, actor, event, kind, target, outcome, reason, policy_version, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		entry.RequestID, entry.Timestamp.UTC().UnixMilli(), entry.Actor, entry.Event, entry.Kind,
		entry.Target, entry.Outcome, entry.Reason, entry.PolicyVersion, string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("WriteAuditEntry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

func (s *SQLiteBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, request_id, timestamp_ms, actor, event, kind, target, outcome, reason, policy_version, metadata FROM audit_log WHERE 1=1`)
	var args []any
	if filter.Event != "" {
		query.WriteString(` AND event = ?`)
		args = append(args, filter.Event)
	}
	if filter.Since != nil {
		query.WriteString(` AND timestamp_ms >= ?`)
		args = append(args, filter.Since.UTC().UnixMilli())
	}
	query.WriteString(` ORDER BY timestamp_ms DESC, id DESC`)
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("QueryAuditLog: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var tsMs int64
		var metaJSON string
		if err := rows.Scan(&e.ID, &e.RequestID, &tsMs, &e.Actor, &e.Event, &e.Kind,
			&e.Target, &e.Outcome, &e.Reason, &e.PolicyVersion, &metaJSON); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(tsMs).UTC()
		json.Unmarshal([]byte(metaJSON), &e.Metadata) //nolint:errcheck
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
