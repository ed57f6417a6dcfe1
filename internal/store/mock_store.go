// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type mockNonce struct {
	expiresAt time.Time
}

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	nonces      map[string]mockNonce           // keyed by string(nonce)
	permissions map[string]*PermissionRecord   // keyed by action type
	revocations map[string]*BondRevocation     // keyed by bond ID
	audit       []AuditEntry                   // append order
	agentState  map[string][]byte              // keyed by agentID
	credentials map[string]*WebAuthnCredential // keyed by row ID

	// FailWrites makes every mutating call return this error when set.
	FailWrites error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		nonces:      make(map[string]mockNonce),
		permissions: make(map[string]*PermissionRecord),
		revocations: make(map[string]*BondRevocation),
		agentState:  make(map[string][]byte),
		credentials: make(map[string]*WebAuthnCredential),
	}
}

// ClaimNonce records nonce if no live claim exists.
func (m *MockStore) ClaimNonce(ctx context.Context, nonce []byte, seenAt, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return false, m.FailWrites
	}
	key := string(nonce)
	if existing, ok := m.nonces[key]; ok && existing.expiresAt.After(seenAt) {
		return false, nil
	}
	m.nonces[key] = mockNonce{expiresAt: expiresAt}
	return true, nil
}

// PruneNonces removes claims that expired before the given time.
func (m *MockStore) PruneNonces(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, v := range m.nonces {
		if v.expiresAt.Before(before) {
			delete(m.nonces, k)
			n++
		}
	}
	return n, nil
}

// SavePermission stores p, replacing any permission for the same action type.
func (m *MockStore) SavePermission(ctx context.Context, p *PermissionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	cp := *p
	cp.Record = bytes.Clone(p.Record)
	m.permissions[p.ActionType] = &cp
	return nil
}

// DeletePermission removes the permission for actionType.
func (m *MockStore) DeletePermission(ctx context.Context, actionType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return false, m.FailWrites
	}
	_, ok := m.permissions[actionType]
	delete(m.permissions, actionType)
	return ok, nil
}

// ListPermissions returns copies of all permissions ordered by action type.
func (m *MockStore) ListPermissions(ctx context.Context) ([]*PermissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*PermissionRecord, 0, len(m.permissions))
	for _, p := range m.permissions {
		cp := *p
		cp.Record = bytes.Clone(p.Record)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionType < out[j].ActionType })
	return out, nil
}

// RevokeBond records a bond revocation.
func (m *MockStore) RevokeBond(ctx context.Context, r *BondRevocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	if r.RevokedAt.IsZero() {
		r.RevokedAt = time.Now().UTC()
	}
	if _, exists := m.revocations[r.BondID]; !exists {
		cp := *r
		m.revocations[r.BondID] = &cp
	}
	return nil
}

// IsBondRevoked reports whether bondID has been revoked.
func (m *MockStore) IsBondRevoked(ctx context.Context, bondID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.revocations[bondID]
	return ok, nil
}

// ListBondRevocations returns all revocations, newest first.
func (m *MockStore) ListBondRevocations(ctx context.Context) ([]*BondRevocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*BondRevocation, 0, len(m.revocations))
	for _, r := range m.revocations {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RevokedAt.After(out[j].RevokedAt) })
	return out, nil
}

// AppendAuditLog appends an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching entries, newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeAuditLimit(f.Limit)
	out := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.audit[i]
		switch {
		case f.Since != nil && e.Timestamp.Before(*f.Since):
		case f.Until != nil && e.Timestamp.After(*f.Until):
		case f.Event != nil && e.Event != *f.Event:
		case f.Component != nil && e.Component != *f.Component:
		default:
			out = append(out, e)
		}
	}
	return out, nil
}

// SaveAgentState saves or updates agent state.
func (m *MockStore) SaveAgentState(ctx context.Context, agentID string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.agentState[agentID] = bytes.Clone(state)
	return nil
}

// GetAgentState retrieves agent state.
func (m *MockStore) GetAgentState(ctx context.Context, agentID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.agentState[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(state), nil
}

// CreateWebAuthnCredential stores a new credential.
func (m *MockStore) CreateWebAuthnCredential(ctx context.Context, cred *WebAuthnCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	for _, c := range m.credentials {
		if bytes.Equal(c.CredentialID, cred.CredentialID) {
			return ErrDuplicateCredential
		}
	}
	cp := *cred
	m.credentials[cred.ID] = &cp
	return nil
}

// GetWebAuthnCredentialsByUser returns a user's credentials in creation order.
func (m *MockStore) GetWebAuthnCredentialsByUser(ctx context.Context, userID string) ([]*WebAuthnCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*WebAuthnCredential
	for _, c := range m.credentials {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetWebAuthnCredentialByCredentialID looks a credential up by authenticator ID.
func (m *MockStore) GetWebAuthnCredentialByCredentialID(ctx context.Context, credentialID []byte) (*WebAuthnCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.credentials {
		if bytes.Equal(c.CredentialID, credentialID) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateWebAuthnCredentialSignCount updates the sign count for a credential.
func (m *MockStore) UpdateWebAuthnCredentialSignCount(ctx context.Context, id string, signCount uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.credentials[id]
	if !ok {
		return ErrNotFound
	}
	c.SignCount = signCount
	return nil
}

// DeleteWebAuthnCredential removes a credential.
func (m *MockStore) DeleteWebAuthnCredential(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.credentials[id]; !ok {
		return ErrNotFound
	}
	delete(m.credentials, id)
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

var _ Store = (*MockStore)(nil)
