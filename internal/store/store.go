// ABOUTME: Store interfaces and record types for sovereign agent persistence
// ABOUTME: Nonces, delegated permissions, bond revocations, audit log, agent state, credentials

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateCredential is returned when a WebAuthn credential ID is already registered
var ErrDuplicateCredential = errors.New("credential already registered")

// PermissionRecord is a persisted delegated permission. Record holds the
// canonical encoding of the signed permission; the store does not interpret it.
type PermissionRecord struct {
	ActionType string
	Record     []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// BondRevocation marks an identity bond as no longer valid.
type BondRevocation struct {
	BondID    string
	AgentID   string
	Reason    string
	RevokedAt time.Time
}

// AuditEntry is a single security event.
type AuditEntry struct {
	ID        string         // UUID v4
	Timestamp time.Time      // when it happened
	Level     string         // slog level name
	Event     string         // short event name, e.g. "authorization decided"
	Component string         // emitting component
	Detail    map[string]any // remaining structured attributes
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since     *time.Time // entries at or after this time
	Until     *time.Time // entries at or before this time
	Event     *string    // filter by event name
	Component *string    // filter by component
	Limit     int        // max results (default 100, max 1000)
}

// WebAuthnCredential represents a passkey credential enrolled for biometric confirmation.
type WebAuthnCredential struct {
	ID              string
	UserID          string
	CredentialID    []byte
	PublicKey       []byte
	AttestationType string
	Transports      string // JSON array
	Flags           uint8  // authenticator flags at enrollment
	SignCount       uint32
	CreatedAt       time.Time
}

// NonceStore provides atomic insert-if-absent claims on request nonces.
type NonceStore interface {
	// ClaimNonce records nonce until expiresAt. It returns false if a live
	// claim for the same nonce already exists.
	ClaimNonce(ctx context.Context, nonce []byte, seenAt, expiresAt time.Time) (bool, error)
	// PruneNonces removes claims that expired before the given time.
	PruneNonces(ctx context.Context, before time.Time) (int64, error)
}

// PermissionStore persists delegated permissions keyed by action type.
type PermissionStore interface {
	SavePermission(ctx context.Context, p *PermissionRecord) error
	DeletePermission(ctx context.Context, actionType string) (bool, error)
	ListPermissions(ctx context.Context) ([]*PermissionRecord, error)
}

// BondStore tracks revoked identity bonds.
type BondStore interface {
	RevokeBond(ctx context.Context, r *BondRevocation) error
	IsBondRevoked(ctx context.Context, bondID string) (bool, error)
	ListBondRevocations(ctx context.Context) ([]*BondRevocation, error)
}

// AuditStore is the append-only audit log.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// AgentStateStore holds opaque per-agent state blobs.
type AgentStateStore interface {
	SaveAgentState(ctx context.Context, agentID string, state []byte) error
	GetAgentState(ctx context.Context, agentID string) ([]byte, error)
}

// CredentialStore persists WebAuthn credentials.
type CredentialStore interface {
	CreateWebAuthnCredential(ctx context.Context, cred *WebAuthnCredential) error
	GetWebAuthnCredentialsByUser(ctx context.Context, userID string) ([]*WebAuthnCredential, error)
	GetWebAuthnCredentialByCredentialID(ctx context.Context, credentialID []byte) (*WebAuthnCredential, error)
	UpdateWebAuthnCredentialSignCount(ctx context.Context, id string, signCount uint32) error
	DeleteWebAuthnCredential(ctx context.Context, id string) error
}

// Store is everything the sovereign agent persists.
type Store interface {
	NonceStore
	PermissionStore
	BondStore
	AuditStore
	AgentStateStore
	CredentialStore
	Close() error
}
