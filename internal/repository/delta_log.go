package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"

	"github.com/tradeweave/loopengine/internal/models"
)

// LogEntry is one committed delta as stored.
type LogEntry struct {
	TenantID    string
	Version     uint64
	Ops         []models.DeltaOp
	CommittedAt time.Time
}

func (r *Repository) ensureDeltaLogSchema(ctx context.Context) error {
	const ddl = `
		CREATE SCHEMA IF NOT EXISTS app;
		CREATE TABLE IF NOT EXISTS app.trade_deltas (
			tenant_id    TEXT NOT NULL,
			version      BIGINT NOT NULL,
			ops          JSONB NOT NULL,
			committed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, version)
		);
		CREATE INDEX IF NOT EXISTS idx_trade_deltas_committed_at
			ON app.trade_deltas (committed_at);
	`
	_, err := r.db.Exec(ctx, ddl)
	return err
}

// sanitizeForPG strips null bytes, escaped and raw, which PostgreSQL JSONB
// rejects. IDs are opaque caller strings, so this actually happens.
func sanitizeForPG(s string) string {
	s = strings.ReplaceAll(s, "\\u0000", "")
	s = strings.ReplaceAll(s, "\\U0000", "")
	if strings.ContainsRune(s, 0) {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return s
}

// Append records one committed delta. Appends are idempotent on
// (tenant, version): replaying a crashed process's last write is a no-op.
func (r *Repository) Append(ctx context.Context, tenantID string, version uint64, ops []models.DeltaOp) error {
	raw, err := models.MarshalDeltaOps(ops)
	if err != nil {
		return fmt.Errorf("encode delta ops: %w", err)
	}
	payload := sanitizeForPG(string(raw))
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("delta ops for %s v%d not valid json after sanitize", tenantID, version)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO app.trade_deltas (tenant_id, version, ops, committed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, version) DO NOTHING
	`, tenantID, int64(version), payload)
	return err
}

// ReplayDeltas streams one tenant's deltas in version order. The callback
// returning an error stops the replay and surfaces that error.
func (r *Repository) ReplayDeltas(ctx context.Context, tenantID string, fn func(version uint64, ops []models.DeltaOp) error) error {
	rows, err := r.db.Query(ctx, `
		SELECT version, ops
		FROM app.trade_deltas
		WHERE tenant_id = $1
		ORDER BY version ASC
	`, tenantID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			version int64
			raw     []byte
		)
		if err := rows.Scan(&version, &raw); err != nil {
			return err
		}
		ops, err := models.UnmarshalDeltaOps(raw)
		if err != nil {
			return fmt.Errorf("decode delta %s v%d: %w", tenantID, version, err)
		}
		if err := fn(uint64(version), ops); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LatestVersion returns the highest logged version for a tenant, zero when
// the tenant has no log.
func (r *Repository) LatestVersion(ctx context.Context, tenantID string) (uint64, error) {
	var version int64
	err := r.db.QueryRow(ctx, `
		SELECT version FROM app.trade_deltas
		WHERE tenant_id = $1
		ORDER BY version DESC
		LIMIT 1
	`, tenantID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(version), nil
}

// LoggedTenants lists every tenant id present in the log.
func (r *Repository) LoggedTenants(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT tenant_id FROM app.trade_deltas ORDER BY tenant_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountDeltas returns the log length for one tenant.
func (r *Repository) CountDeltas(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM app.trade_deltas WHERE tenant_id = $1
	`, tenantID).Scan(&n)
	return n, err
}

// PruneDeltas drops log entries at or below the given version, used after a
// snapshot makes the prefix redundant. Returns the number removed.
func (r *Repository) PruneDeltas(ctx context.Context, tenantID string, upToVersion uint64) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM app.trade_deltas
		WHERE tenant_id = $1 AND version <= $2
	`, tenantID, int64(upToVersion))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
