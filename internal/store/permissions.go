// ABOUTME: Delegated permission and bond revocation persistence
// ABOUTME: Permissions are opaque signed records keyed by action type

package store

import (
	"context"
	"fmt"
	"time"
)

// SavePermission stores p, replacing any permission for the same action type.
func (s *SQLiteStore) SavePermission(ctx context.Context, p *PermissionRecord) error {
	query := `
		INSERT INTO delegated_permissions (action_type, record, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(action_type) DO UPDATE
			SET record = excluded.record, created_at = excluded.created_at, expires_at = excluded.expires_at
	`

	_, err := s.db.ExecContext(ctx, query, p.ActionType, p.Record, formatTime(p.CreatedAt), formatTime(p.ExpiresAt))
	if err != nil {
		return fmt.Errorf("saving permission: %w", err)
	}

	s.logger.Debug("saved permission", "action_type", p.ActionType)
	return nil
}

// DeletePermission removes the permission for actionType and reports whether
// one existed.
func (s *SQLiteStore) DeletePermission(ctx context.Context, actionType string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM delegated_permissions WHERE action_type = ?`, actionType)
	if err != nil {
		return false, fmt.Errorf("deleting permission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting permission: %w", err)
	}
	return n > 0, nil
}

// ListPermissions returns all stored permissions ordered by action type.
func (s *SQLiteStore) ListPermissions(ctx context.Context) ([]*PermissionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action_type, record, created_at, expires_at
		FROM delegated_permissions
		ORDER BY action_type
	`)
	if err != nil {
		return nil, fmt.Errorf("querying permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*PermissionRecord
	for rows.Next() {
		var p PermissionRecord
		var createdStr, expiresStr string
		if err := rows.Scan(&p.ActionType, &p.Record, &createdStr, &expiresStr); err != nil {
			return nil, fmt.Errorf("scanning permission: %w", err)
		}
		if p.CreatedAt, err = parseTime(createdStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if p.ExpiresAt, err = parseTime(expiresStr); err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating permissions: %w", err)
	}
	return out, nil
}

// RevokeBond records a bond revocation. Revoking twice keeps the first record.
func (s *SQLiteStore) RevokeBond(ctx context.Context, r *BondRevocation) error {
	if r.RevokedAt.IsZero() {
		r.RevokedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bond_revocations (bond_id, agent_id, reason, revoked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bond_id) DO NOTHING
	`, r.BondID, r.AgentID, r.Reason, formatTime(r.RevokedAt))
	if err != nil {
		return fmt.Errorf("revoking bond: %w", err)
	}

	s.logger.Info("revoked bond", "bond_id", r.BondID, "agent_id", r.AgentID)
	return nil
}

// IsBondRevoked reports whether bondID has been revoked.
func (s *SQLiteStore) IsBondRevoked(ctx context.Context, bondID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM bond_revocations WHERE bond_id = ?`, bondID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying bond revocation: %w", err)
	}
	return n > 0, nil
}

// ListBondRevocations returns all revocations, newest first.
func (s *SQLiteStore) ListBondRevocations(ctx context.Context) ([]*BondRevocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bond_id, agent_id, reason, revoked_at
		FROM bond_revocations
		ORDER BY revoked_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying bond revocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*BondRevocation
	for rows.Next() {
		var r BondRevocation
		var revokedStr string
		if err := rows.Scan(&r.BondID, &r.AgentID, &r.Reason, &revokedStr); err != nil {
			return nil, fmt.Errorf("scanning bond revocation: %w", err)
		}
		if r.RevokedAt, err = parseTime(revokedStr); err != nil {
			return nil, fmt.Errorf("parsing revoked_at: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bond revocations: %w", err)
	}
	return out, nil
}
