// ABOUTME: WebAuthn credential persistence for biometric confirmation
// ABOUTME: Credentials are keyed by row ID and unique by authenticator credential ID

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const credentialColumns = `id, user_id, credential_id, public_key, attestation_type, transports, flags, sign_count, created_at`

// CreateWebAuthnCredential stores a new WebAuthn credential.
func (s *SQLiteStore) CreateWebAuthnCredential(ctx context.Context, cred *WebAuthnCredential) error {
	query := `INSERT INTO webauthn_credentials (` + credentialColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		cred.ID,
		cred.UserID,
		cred.CredentialID,
		cred.PublicKey,
		cred.AttestationType,
		cred.Transports,
		cred.Flags,
		cred.SignCount,
		formatTime(cred.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateCredential
		}
		return fmt.Errorf("inserting webauthn credential: %w", err)
	}

	s.logger.Info("created webauthn credential", "id", cred.ID, "user_id", cred.UserID)
	return nil
}

func scanCredential(scanner interface{ Scan(dest ...any) error }) (*WebAuthnCredential, error) {
	var cred WebAuthnCredential
	var createdAtStr string
	var attestation, transports sql.NullString

	if err := scanner.Scan(
		&cred.ID,
		&cred.UserID,
		&cred.CredentialID,
		&cred.PublicKey,
		&attestation,
		&transports,
		&cred.Flags,
		&cred.SignCount,
		&createdAtStr,
	); err != nil {
		return nil, err
	}

	cred.AttestationType = attestation.String
	cred.Transports = transports.String
	var err error
	cred.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &cred, nil
}

// GetWebAuthnCredentialsByUser retrieves all WebAuthn credentials for a user.
func (s *SQLiteStore) GetWebAuthnCredentialsByUser(ctx context.Context, userID string) ([]*WebAuthnCredential, error) {
	query := `SELECT ` + credentialColumns + ` FROM webauthn_credentials WHERE user_id = ? ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying webauthn credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []*WebAuthnCredential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning webauthn credential: %w", err)
		}
		creds = append(creds, cred)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating webauthn credentials: %w", err)
	}

	return creds, nil
}

// GetWebAuthnCredentialByCredentialID retrieves a WebAuthn credential by its credential ID.
func (s *SQLiteStore) GetWebAuthnCredentialByCredentialID(ctx context.Context, credentialID []byte) (*WebAuthnCredential, error) {
	query := `SELECT ` + credentialColumns + ` FROM webauthn_credentials WHERE credential_id = ?`

	cred, err := scanCredential(s.db.QueryRowContext(ctx, query, credentialID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying webauthn credential: %w", err)
	}
	return cred, nil
}

// UpdateWebAuthnCredentialSignCount updates the sign count for a credential.
func (s *SQLiteStore) UpdateWebAuthnCredentialSignCount(ctx context.Context, id string, signCount uint32) error {
	res, err := s.db.ExecContext(ctx, `UPDATE webauthn_credentials SET sign_count = ? WHERE id = ?`, signCount, id)
	if err != nil {
		return fmt.Errorf("updating sign count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating sign count: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWebAuthnCredential removes a credential.
func (s *SQLiteStore) DeleteWebAuthnCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webauthn_credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting webauthn credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting webauthn credential: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Info("deleted webauthn credential", "id", id)
	return nil
}
