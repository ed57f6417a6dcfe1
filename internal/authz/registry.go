// ABOUTME: Copy-on-write registry of delegated permissions, one per action type
// ABOUTME: Readers load an immutable snapshot; writers persist then swap under a mutex

package authz

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-sovereign/internal/codec"
	"github.com/2389/coven-sovereign/internal/store"
)

// OwnerSigner signs permissions with the owner key. *dualsig.Engine satisfies it.
type OwnerSigner interface {
	SignAsOwner(payload []byte) ([]byte, error)
	OwnerKey() ed25519.PublicKey
}

type permissionSet map[string]*DelegatedPermission

// PermissionRegistry holds the live set of delegated permissions. Published
// snapshots are never mutated, so a reader sees either the whole old set or
// the whole new one.
type PermissionRegistry struct {
	mu      sync.Mutex
	current atomic.Pointer[permissionSet]
	store   store.PermissionStore
	signer  OwnerSigner
	audit   *slog.Logger
	now     func() time.Time
}

// NewPermissionRegistry creates an empty registry. Call Load to pick up
// persisted permissions.
func NewPermissionRegistry(st store.PermissionStore, signer OwnerSigner, audit *slog.Logger) *PermissionRegistry {
	if audit == nil {
		audit = slog.New(slog.DiscardHandler)
	}
	r := &PermissionRegistry{
		store:  st,
		signer: signer,
		audit:  audit.With("component", "permissions"),
		now:    time.Now,
	}
	empty := permissionSet{}
	r.current.Store(&empty)
	return r
}

// Lookup returns the permission for actionType or nil. The returned value is
// shared and must not be modified.
func (r *PermissionRegistry) Lookup(actionType string) *DelegatedPermission {
	return (*r.current.Load())[actionType]
}

// Snapshot returns a copy of every permission keyed by action type.
func (r *PermissionRegistry) Snapshot() map[string]DelegatedPermission {
	set := *r.current.Load()
	out := make(map[string]DelegatedPermission, len(set))
	for k, p := range set {
		out[k] = *p.Clone()
	}
	return out
}

// List returns copies of every permission.
func (r *PermissionRegistry) List() []*DelegatedPermission {
	set := *r.current.Load()
	out := make([]*DelegatedPermission, 0, len(set))
	for _, p := range set {
		out = append(out, p.Clone())
	}
	return out
}

// SetSigner replaces the signing owner used for new grants.
func (r *PermissionRegistry) SetSigner(signer OwnerSigner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signer = signer
}

// Create grants a permission for actionType, replacing any existing one.
func (r *PermissionRegistry) Create(ctx context.Context, actionType string, spec PermissionSpec) (*DelegatedPermission, error) {
	actionType = strings.TrimSpace(actionType)
	if actionType == "" {
		return nil, errors.Join(ErrInvalidPermission, errors.New("action_type is required"))
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.signer == nil {
		return nil, errors.New("no owner signer configured")
	}
	now := r.now().UTC()
	p := &DelegatedPermission{
		ActionType:    actionType,
		SpendingLimit: spec.SpendingLimit,
		TimeLimit:     spec.TimeLimit,
		Restrictions:  spec.Restrictions,
		CreatedAt:     now,
		ExpiresAt:     now.Add(spec.TimeLimit),
		OwnerKey:      r.signer.OwnerKey(),
	}
	p = p.Clone()
	sig, err := r.signer.SignAsOwner(p.SigningPayload())
	if err != nil {
		return nil, fmt.Errorf("signing permission: %w", err)
	}
	p.Signature = sig

	if err := r.persistLocked(ctx, p); err != nil {
		return nil, err
	}
	r.publishLocked(func(set permissionSet) { set[actionType] = p })

	r.audit.Info("delegated permission created",
		"action_type", actionType,
		"spending_limit", p.SpendingLimit,
		"expires_at", p.ExpiresAt,
	)
	return p.Clone(), nil
}

// Revoke removes the permission for actionType and reports whether one
// existed. actionType is trimmed the same way Create trims it.
func (r *PermissionRegistry) Revoke(ctx context.Context, actionType string) (bool, error) {
	actionType = strings.TrimSpace(actionType)
	if actionType == "" {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := false
	if r.store != nil {
		var err error
		if removed, err = r.store.DeletePermission(ctx, actionType); err != nil {
			return false, fmt.Errorf("deleting permission: %w", err)
		}
	}
	if _, ok := (*r.current.Load())[actionType]; ok {
		removed = true
		r.publishLocked(func(set permissionSet) { delete(set, actionType) })
	}
	if removed {
		r.audit.Info("delegated permission revoked", "action_type", actionType)
	}
	return removed, nil
}

// Load replaces the live set with the persisted permissions. Records that
// fail to decode or do not carry a valid owner signature are skipped.
func (r *PermissionRegistry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.ListPermissions(ctx)
	if err != nil {
		return fmt.Errorf("listing permissions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var ownerKey ed25519.PublicKey
	if r.signer != nil {
		ownerKey = r.signer.OwnerKey()
	}
	set := permissionSet{}
	for _, rec := range records {
		var p DelegatedPermission
		if err := codec.Unmarshal(rec.Record, &p); err != nil {
			r.audit.Warn("persisted permission unreadable", "action_type", rec.ActionType, "error", err)
			continue
		}
		if p.ActionType != rec.ActionType || !p.Verify(ownerKey) {
			r.audit.Warn("persisted permission rejected", "action_type", rec.ActionType, "reason", "signature invalid")
			continue
		}
		set[p.ActionType] = &p
	}
	r.current.Store(&set)
	return nil
}

// Restore installs permissions carried over from another deployment. Every
// permission must verify against the current owner key; on any failure
// nothing is installed.
func (r *PermissionRegistry) Restore(ctx context.Context, perms []*DelegatedPermission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.signer == nil {
		return errors.New("no owner signer configured")
	}
	ownerKey := r.signer.OwnerKey()
	for _, p := range perms {
		if !p.Verify(ownerKey) {
			r.audit.Warn("restored permission rejected", "action_type", p.ActionType, "reason", "signature invalid")
			return fmt.Errorf("%w: signature invalid for %q", ErrInvalidPermission, p.ActionType)
		}
	}
	restored := make([]*DelegatedPermission, 0, len(perms))
	for _, p := range perms {
		cp := p.Clone()
		if err := r.persistLocked(ctx, cp); err != nil {
			return err
		}
		restored = append(restored, cp)
	}
	r.publishLocked(func(set permissionSet) {
		for _, p := range restored {
			set[p.ActionType] = p
		}
	})
	r.audit.Info("delegated permissions restored", "count", len(restored))
	return nil
}

// Resign re-signs every live permission with the current signer, keeping
// grant and expiry times. Used after the owner keys rotate.
func (r *PermissionRegistry) Resign(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.signer == nil {
		return errors.New("no owner signer configured")
	}
	next := permissionSet{}
	for k, old := range *r.current.Load() {
		p := old.Clone()
		p.OwnerKey = r.signer.OwnerKey()
		sig, err := r.signer.SignAsOwner(p.SigningPayload())
		if err != nil {
			return fmt.Errorf("re-signing %q: %w", k, err)
		}
		p.Signature = sig
		if err := r.persistLocked(ctx, p); err != nil {
			return err
		}
		next[k] = p
	}
	r.current.Store(&next)
	r.audit.Info("delegated permissions re-signed", "count", len(next))
	return nil
}

func (r *PermissionRegistry) persistLocked(ctx context.Context, p *DelegatedPermission) error {
	if r.store == nil {
		return nil
	}
	record, err := codec.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding permission: %w", err)
	}
	if err := r.store.SavePermission(ctx, &store.PermissionRecord{
		ActionType: p.ActionType,
		Record:     record,
		CreatedAt:  p.CreatedAt,
		ExpiresAt:  p.ExpiresAt,
	}); err != nil {
		return fmt.Errorf("saving permission: %w", err)
	}
	return nil
}

// publishLocked copies the current set, applies edit, and swaps it in.
func (r *PermissionRegistry) publishLocked(edit func(permissionSet)) {
	next := maps.Clone(*r.current.Load())
	edit(next)
	r.current.Store(&next)
}
