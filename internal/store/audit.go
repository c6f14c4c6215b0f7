package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"
)

const auditLogColumns = `id, actor, action, target_type, target_id, detail, client_ip, created_at`

// AuditEntry is a row in the admin_audit_log table.
type AuditEntry struct {
	ID         int64           `json:"id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	ClientIP   *netip.Addr     `json:"client_ip,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ListAuditLog returns a page of audit entries, newest first.
func (s *Store) ListAuditLog(ctx context.Context, limit, offset int) ([]AuditEntry, error) {
	query := `SELECT ` + auditLogColumns + ` FROM admin_audit_log ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	defer rows.Close()

	var items []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(
			&e.ID, &e.Actor, &e.Action, &e.TargetType, &e.TargetID,
			&e.Detail, &e.ClientIP, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning audit log row: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log rows: %w", err)
	}
	return items, nil
}

// CountAuditLog returns the total number of audit entries.
func (s *Store) CountAuditLog(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM admin_audit_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting audit log: %w", err)
	}
	return n, nil
}
