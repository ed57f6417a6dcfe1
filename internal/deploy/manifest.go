// ABOUTME: Tamper-evident export manifest for moving a sovereign identity between hosts
// ABOUTME: Owner-signed over the encrypted bundle, public identity, and delegated permissions

package deploy

import (
	"crypto/ed25519"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/2389/coven-sovereign/internal/authz"
	"github.com/2389/coven-sovereign/internal/codec"
	"github.com/2389/coven-sovereign/internal/identity"
)

// PublicIdentity is everything about a deployed agent that may be published.
type PublicIdentity struct {
	Owner              identity.OwnerPublicIdentity `json:"owner"`
	AgentID            string                       `json:"agent_id"`
	AgentKey           ed25519.PublicKey            `json:"agent_key"`
	AgentEncryptionKey string                       `json:"agent_encryption_key"`
	Bond               *identity.IdentityBond       `json:"bond"`
	DeployedAt         time.Time                    `json:"deployed_at"`
}

// ExportedSovereignIdentity is the artifact handed to a new environment.
type ExportedSovereignIdentity struct {
	EncryptedKeyBundle   *identity.EncryptedKeyBundle `json:"encrypted_key_bundle"`
	PublicIdentity       PublicIdentity               `json:"public_identity"`
	DelegatedPermissions []*authz.DelegatedPermission `json:"delegated_permissions"`
	ExportSignature      []byte                       `json:"export_signature,omitempty"`
	LedgerSignature      []byte                       `json:"ledger_signature,omitempty"`
	ExportedAt           time.Time                    `json:"exported_at"`
}

type signedPermission struct {
	Payload   []byte `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

type manifestPayload struct {
	Domain             string             `cbor:"1,keyasint"`
	Algorithm          string             `cbor:"2,keyasint"`
	KDFTime            uint32             `cbor:"3,keyasint"`
	KDFMemoryKiB       uint32             `cbor:"4,keyasint"`
	KDFThreads         uint8              `cbor:"5,keyasint"`
	Salt               []byte             `cbor:"6,keyasint"`
	Nonce              []byte             `cbor:"7,keyasint"`
	Ciphertext         []byte             `cbor:"8,keyasint"`
	Fingerprint        string             `cbor:"9,keyasint"`
	OwnerSigningKey    []byte             `cbor:"10,keyasint"`
	OwnerLedgerKey     []byte             `cbor:"11,keyasint"`
	OwnerEncryptionKey string             `cbor:"12,keyasint"`
	OwnerCreatedAt     int64              `cbor:"13,keyasint"`
	AgentID            string             `cbor:"14,keyasint"`
	AgentKey           []byte             `cbor:"15,keyasint"`
	AgentEncryptionKey string             `cbor:"16,keyasint"`
	BondID             string             `cbor:"17,keyasint"`
	DeployedAt         int64              `cbor:"18,keyasint"`
	Permissions        []signedPermission `cbor:"19,keyasint"`
	ExportedAt         int64              `cbor:"20,keyasint"`
}

// SigningPayload is the canonical encoding covered by ExportSignature and
// LedgerSignature. The bond is bound through its ID, which commits to all
// three bond signatures.
func (m *ExportedSovereignIdentity) SigningPayload() []byte {
	p := manifestPayload{
		Domain:             "coven-sovereign/export/v1",
		Fingerprint:        m.PublicIdentity.Owner.Fingerprint,
		OwnerSigningKey:    m.PublicIdentity.Owner.SigningKey,
		OwnerLedgerKey:     m.PublicIdentity.Owner.LedgerKey,
		OwnerEncryptionKey: m.PublicIdentity.Owner.EncryptionKey,
		OwnerCreatedAt:     m.PublicIdentity.Owner.CreatedAt.UnixNano(),
		AgentID:            m.PublicIdentity.AgentID,
		AgentKey:           m.PublicIdentity.AgentKey,
		AgentEncryptionKey: m.PublicIdentity.AgentEncryptionKey,
		DeployedAt:         m.PublicIdentity.DeployedAt.UnixNano(),
		ExportedAt:         m.ExportedAt.UnixNano(),
	}
	if b := m.EncryptedKeyBundle; b != nil {
		p.Algorithm = b.Algorithm
		p.KDFTime, p.KDFMemoryKiB, p.KDFThreads = b.KDF.Time, b.KDF.MemoryKiB, b.KDF.Threads
		p.Salt, p.Nonce, p.Ciphertext = b.Salt, b.Nonce, b.Ciphertext
	}
	if m.PublicIdentity.Bond != nil {
		p.BondID = m.PublicIdentity.Bond.ID()
	}
	for _, perm := range m.DelegatedPermissions {
		p.Permissions = append(p.Permissions, signedPermission{Payload: perm.SigningPayload(), Signature: perm.Signature})
	}
	return codec.MustMarshal(p)
}

// VerifyExport checks the manifest signature and that every part of it
// belongs to the same owner. It never returns a reason.
func VerifyExport(m *ExportedSovereignIdentity) bool {
	return verifyExport(m, nil)
}

// verifyExport is VerifyExport with the rejection reason sent to audit.
func verifyExport(m *ExportedSovereignIdentity, audit *slog.Logger) (ok bool) {
	if audit == nil {
		audit = slog.New(slog.DiscardHandler)
	}
	reject := func(reason string) bool {
		audit.Warn("export manifest rejected", "component", "deploy", "reason", reason)
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = reject("panic during verification")
		}
	}()

	if m == nil || m.EncryptedKeyBundle == nil {
		return reject("manifest incomplete")
	}
	owner := m.PublicIdentity.Owner
	if len(owner.SigningKey) != ed25519.PublicKeySize {
		return reject("malformed owner key")
	}
	fp := identity.ComputeFingerprint(owner.SigningKey, owner.LedgerKey, owner.EncryptionKey)
	if fp != owner.Fingerprint || fp != m.EncryptedKeyBundle.Fingerprint {
		return reject("fingerprint mismatch")
	}
	if len(m.ExportSignature) != ed25519.SignatureSize || !ed25519.Verify(owner.SigningKey, m.SigningPayload(), m.ExportSignature) {
		return reject("export signature invalid")
	}
	// Manifests written before the ledger counter-signature carry none.
	if len(m.LedgerSignature) > 0 && !identity.VerifyLedger(owner.LedgerKey, m.SigningPayload(), m.LedgerSignature) {
		return reject("ledger signature invalid")
	}

	// The bond is judged as of export time; a new deployment re-bonds anyway.
	verifier := identity.NewBondVerifier(audit).WithClock(func() time.Time { return m.ExportedAt })
	if !verifier.Verify(m.PublicIdentity.Bond, owner.SigningKey, m.PublicIdentity.AgentKey) {
		return reject("bond invalid")
	}
	for _, p := range m.DelegatedPermissions {
		if !p.Verify(owner.SigningKey) {
			return reject("delegated permission signature invalid")
		}
	}
	return true
}

func sortPermissions(perms []*authz.DelegatedPermission) {
	slices.SortFunc(perms, func(a, b *authz.DelegatedPermission) int {
		return strings.Compare(a.ActionType, b.ActionType)
	})
}
