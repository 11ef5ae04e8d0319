package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/agentwarden/pkg/models"
)

// PostgresBackend is a StateBackend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}

// --- Quotas ---

func (p *PostgresBackend) IncrementQuota(ctx context.Context, kind, day string, n, limit int64) (int64, bool, error) {
	if limit <= 0 {
		limit = unlimitedQuota
	}
	if n > limit {
		cur, err := p.GetQuota(ctx, kind, day)
		return cur, false, err
	}

	var count int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO quota_counters (op_kind, day, count, updated_at) VALUES ($1, $2::date, $3, NOW())
		 ON CONFLICT (op_kind, day) DO UPDATE SET
		   count = quota_counters.count + EXCLUDED.count,
		   updated_at = NOW()
		 WHERE quota_counters.count + EXCLUDED.count <= $4
		 RETURNING count`,
		kind, day, n, limit,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, err := p.GetQuota(ctx, kind, day)
		return cur, false, err
	}
	if err != nil {
		return 0, false, fmt.Errorf("incrementing quota: %w", err)
	}
	return count, true, nil
}

func (p *PostgresBackend) GetQuota(ctx context.Context, kind, day string) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT count FROM quota_counters WHERE op_kind = $1 AND day = $2::date`, kind, day,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil || entry.Metadata == nil {
		metaJSON = []byte("{}")
	}
	return p.pool.QueryRow(ctx,
		`INSERT INTO audit_log (request_id, timestamp, actor, event, kind, target, outcome, reason, policy_version, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		entry.RequestID, entry.Timestamp, entry.Actor, entry.Event, entry.Kind,
		entry.Target, entry.Outcome, entry.Reason, entry.PolicyVersion, metaJSON,
	).Scan(&entry.ID)
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, request_id, timestamp, actor, event, kind, target, outcome, reason, policy_version, metadata FROM audit_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.Event != "" {
		fmt.Fprintf(&query, ` AND event = $%d`, n)
		args = append(args, filter.Event)
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC, id DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.Actor, &e.Event,
			&e.Kind, &e.Target, &e.Outcome, &e.Reason, &e.PolicyVersion, &metaJSON); err != nil {
			return nil, err
		}
		json.Unmarshal(metaJSON, &e.Metadata) //nolint:errcheck
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
