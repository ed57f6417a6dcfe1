// ABOUTME: IdentityBond creation and verification binding one agent key to one owner key
// ABOUTME: Three Ed25519 signatures plus an optional expiry, never mutated after creation

package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"

	"github.com/2389/coven-sovereign/internal/codec"
)

// DefaultBondTTL bounds bonds created without an explicit TTL.
const DefaultBondTTL = 90 * 24 * time.Hour

// IdentityBond proves that AgentKey may act for OwnerKey.
type IdentityBond struct {
	AgentID        string            `json:"agent_id" cbor:"agent_id"`
	OwnerKey       ed25519.PublicKey `json:"owner_key" cbor:"owner_key"`
	AgentKey       ed25519.PublicKey `json:"agent_key" cbor:"agent_key"`
	OwnerSignature []byte            `json:"owner_signature" cbor:"owner_signature"`
	AgentSignature []byte            `json:"agent_signature" cbor:"agent_signature"`
	CrossSignature []byte            `json:"cross_signature" cbor:"cross_signature"`
	CreatedAt      time.Time         `json:"created_at" cbor:"created_at"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty" cbor:"expires_at,omitempty"`
}

// BondOptions controls bond lifetime.
type BondOptions struct {
	// TTL overrides DefaultBondTTL. Ignored when Indefinite is set.
	TTL time.Duration
	// Indefinite creates a bond with no expiry. Must be chosen explicitly.
	Indefinite bool
	// Now overrides the creation clock. Tests only.
	Now func() time.Time
}

type ownerOverAgent struct {
	Domain   string `cbor:"1,keyasint"`
	AgentID  string `cbor:"2,keyasint"`
	AgentKey []byte `cbor:"3,keyasint"`
}

type agentOverOwner struct {
	Domain   string `cbor:"1,keyasint"`
	AgentID  string `cbor:"2,keyasint"`
	OwnerKey []byte `cbor:"3,keyasint"`
}

type crossPayload struct {
	Domain         string `cbor:"1,keyasint"`
	OwnerSignature []byte `cbor:"2,keyasint"`
	AgentSignature []byte `cbor:"3,keyasint"`
	CreatedAt      int64  `cbor:"4,keyasint"`
	ExpiresAt      int64  `cbor:"5,keyasint"` // 0 means no expiry
}

func (b *IdentityBond) ownerPayload() []byte {
	return codec.MustMarshal(ownerOverAgent{Domain: "coven-sovereign/bond/owner/v1", AgentID: b.AgentID, AgentKey: b.AgentKey})
}

func (b *IdentityBond) agentPayload() []byte {
	return codec.MustMarshal(agentOverOwner{Domain: "coven-sovereign/bond/agent/v1", AgentID: b.AgentID, OwnerKey: b.OwnerKey})
}

func (b *IdentityBond) crossPayload() []byte {
	var expires int64
	if b.ExpiresAt != nil {
		expires = b.ExpiresAt.UnixNano()
	}
	return codec.MustMarshal(crossPayload{
		Domain:         "coven-sovereign/bond/cross/v1",
		OwnerSignature: b.OwnerSignature,
		AgentSignature: b.AgentSignature,
		CreatedAt:      b.CreatedAt.UnixNano(),
		ExpiresAt:      expires,
	})
}

// ID is a stable identifier for the bond, used for revocation.
func (b *IdentityBond) ID() string {
	h := blake3.New()
	_, _ = h.Write(b.OwnerSignature)
	_, _ = h.Write(b.AgentSignature)
	_, _ = h.Write(b.CrossSignature)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// Expired reports whether the bond has an expiry at or before now.
func (b *IdentityBond) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

// CreateIdentityBond signs agent into owner's authority. The owner session
// must be open and must hold the key the agent bundle was generated for.
func CreateIdentityBond(owner *Session, agent *AgentKeyBundle, opts BondOptions) (*IdentityBond, error) {
	if owner == nil || agent == nil {
		return nil, fmt.Errorf("%w: missing owner session or agent bundle", ErrSigning)
	}
	if owner.Role() != RoleOwner {
		return nil, fmt.Errorf("%w: session is not an owner session", ErrSigning)
	}
	if !bytes.Equal(owner.PublicKey(), agent.OwnerKey) {
		return nil, fmt.Errorf("%w: agent bundle belongs to a different owner", ErrSigning)
	}

	agentSession, err := agent.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}
	defer agentSession.Close()

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	created := now().UTC()

	bond := &IdentityBond{
		AgentID:   agent.AgentID,
		OwnerKey:  append(ed25519.PublicKey(nil), owner.PublicKey()...),
		AgentKey:  append(ed25519.PublicKey(nil), agent.SigningKey...),
		CreatedAt: created,
	}
	if !opts.Indefinite {
		ttl := opts.TTL
		if ttl <= 0 {
			ttl = DefaultBondTTL
		}
		expires := created.Add(ttl)
		bond.ExpiresAt = &expires
	}

	if bond.OwnerSignature, err = owner.Sign(bond.ownerPayload()); err != nil {
		return nil, fmt.Errorf("owner signature: %w", err)
	}
	if bond.AgentSignature, err = agentSession.Sign(bond.agentPayload()); err != nil {
		return nil, fmt.Errorf("agent signature: %w", err)
	}
	if bond.CrossSignature, err = owner.Sign(bond.crossPayload()); err != nil {
		return nil, fmt.Errorf("cross signature: %w", err)
	}
	return bond, nil
}

// BondVerifier checks bonds and reports failure reasons to an audit logger.
type BondVerifier struct {
	audit *slog.Logger
	now   func() time.Time
}

// NewBondVerifier creates a verifier. audit may be nil.
func NewBondVerifier(audit *slog.Logger) *BondVerifier {
	if audit == nil {
		audit = slog.New(slog.DiscardHandler)
	}
	return &BondVerifier{audit: audit.With("component", "bond-verifier"), now: time.Now}
}

// WithClock returns a copy of the verifier using now as its time source.
func (v *BondVerifier) WithClock(now func() time.Time) *BondVerifier {
	return &BondVerifier{audit: v.audit, now: now}
}

// Verify checks all three signatures and the expiry. It never panics and
// never returns the failure reason; the reason goes to the audit log.
func (v *BondVerifier) Verify(bond *IdentityBond, ownerPublic, agentPublic ed25519.PublicKey) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			v.reject(bond, "panic during verification")
			ok = false
		}
	}()

	switch {
	case bond == nil:
		v.reject(nil, "bond missing")
		return false
	case len(ownerPublic) != ed25519.PublicKeySize || len(agentPublic) != ed25519.PublicKeySize:
		v.reject(bond, "malformed public key")
		return false
	case !bytes.Equal(bond.OwnerKey, ownerPublic):
		v.reject(bond, "owner key mismatch")
		return false
	case !bytes.Equal(bond.AgentKey, agentPublic):
		v.reject(bond, "agent key mismatch")
		return false
	case !ed25519.Verify(ownerPublic, bond.ownerPayload(), bond.OwnerSignature):
		v.reject(bond, "owner signature invalid")
		return false
	case !ed25519.Verify(agentPublic, bond.agentPayload(), bond.AgentSignature):
		v.reject(bond, "agent signature invalid")
		return false
	case !ed25519.Verify(ownerPublic, bond.crossPayload(), bond.CrossSignature):
		v.reject(bond, "cross signature invalid")
		return false
	case bond.Expired(v.now()):
		v.reject(bond, "bond expired")
		return false
	}
	return true
}

func (v *BondVerifier) reject(bond *IdentityBond, reason string) {
	attrs := []any{"reason", reason}
	if bond != nil {
		attrs = append(attrs, "agent_id", bond.AgentID)
	}
	v.audit.Warn("identity bond rejected", attrs...)
}

// VerifyIdentityBond verifies a bond without audit output.
func VerifyIdentityBond(bond *IdentityBond, ownerPublic, agentPublic ed25519.PublicKey) bool {
	return NewBondVerifier(nil).Verify(bond, ownerPublic, agentPublic)
}
