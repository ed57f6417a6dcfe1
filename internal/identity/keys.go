// ABOUTME: Owner and agent key bundle generation (Ed25519, secp256k1, age X25519)
// ABOUTME: Private halves are kept in secret buffers and only reachable through a Session

package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/2389/coven-sovereign/internal/secret"
)

const (
	seedSize   = ed25519.SeedSize
	ledgerSize = 32
	saltSize   = 32

	// Owner secrets layout: [seed | ledger scalar | age identity].
	ownerLedgerOffset = seedSize
	ownerAgeOffset    = seedSize + ledgerSize

	// Agent secrets layout: [seed | age identity].
	agentAgeOffset = seedSize

	ownerKeyInfo = "coven-sovereign/owner-keys/v1"
)

// randReader is the platform RNG. Swapped in tests to simulate a broken source.
var randReader io.Reader = rand.Reader

// OwnerPublicIdentity is the publishable half of an OwnerKeyBundle.
type OwnerPublicIdentity struct {
	SigningKey    ed25519.PublicKey `json:"signing_key" cbor:"signing_key"`
	LedgerKey     []byte            `json:"ledger_key" cbor:"ledger_key"`         // compressed secp256k1
	EncryptionKey string            `json:"encryption_key" cbor:"encryption_key"` // age1...
	CreatedAt     time.Time         `json:"created_at" cbor:"created_at"`
	Salt          []byte            `json:"salt" cbor:"salt"`
	Fingerprint   string            `json:"fingerprint" cbor:"fingerprint"`
}

// OwnerKeyBundle is the owner's root of trust.
type OwnerKeyBundle struct {
	OwnerPublicIdentity

	mu      sync.RWMutex
	secrets *secret.Buffer
}

// AgentKeyBundle is the identity of a single deployed agent instance.
type AgentKeyBundle struct {
	AgentID       string            `json:"agent_id" cbor:"agent_id"`
	SigningKey    ed25519.PublicKey `json:"signing_key" cbor:"signing_key"`
	EncryptionKey string            `json:"encryption_key" cbor:"encryption_key"`
	CreatedAt     time.Time         `json:"created_at" cbor:"created_at"`
	OwnerKey      ed25519.PublicKey `json:"owner_key" cbor:"owner_key"`

	mu      sync.RWMutex
	secrets *secret.Buffer
}

// ComputeFingerprint hashes every owner public key into a stable identifier.
func ComputeFingerprint(signingKey ed25519.PublicKey, ledgerKey []byte, encryptionKey string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(ownerKeyInfo))
	_, _ = h.Write(signingKey)
	_, _ = h.Write(ledgerKey)
	_, _ = h.Write([]byte(encryptionKey))
	return hex.EncodeToString(h.Sum(nil))
}

// checkEntropy reads from the platform RNG and rejects a failing or stuck source.
func checkEntropy(buf []byte) error {
	if _, err := io.ReadFull(randReader, buf); err != nil {
		return fmt.Errorf("%w: reading platform RNG: %v", ErrInsufficientEntropy, err)
	}
	if bytes.Count(buf, buf[:1]) == len(buf) {
		return fmt.Errorf("%w: platform RNG returned a constant block", ErrInsufficientEntropy)
	}
	return nil
}

// GenerateOwnerKeys creates a fresh owner key bundle. entropy, when given, is
// mixed into the key derivation as additional input; the platform RNG is
// always the primary source.
func GenerateOwnerKeys(entropy []byte) (*OwnerKeyBundle, error) {
	ikm := make([]byte, 64)
	defer secret.Wipe(ikm)
	if err := checkEntropy(ikm); err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if err := checkEntropy(salt); err != nil {
		return nil, err
	}

	info := []byte(ownerKeyInfo)
	if len(entropy) > 0 {
		mixed := blake3.Sum256(entropy)
		info = append(info, mixed[:]...)
	}

	material := make([]byte, seedSize+ledgerSize)
	defer secret.Wipe(material)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), material); err != nil {
		return nil, fmt.Errorf("%w: deriving key material: %v", ErrInsufficientEntropy, err)
	}

	ledgerPriv := secp256k1.PrivKeyFromBytes(material[ownerLedgerOffset:])
	defer ledgerPriv.Zero()
	if ledgerPriv.Key.IsZero() {
		return nil, fmt.Errorf("%w: derived ledger scalar is zero", ErrInsufficientEntropy)
	}

	encIdentity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("%w: generating encryption key: %v", ErrInsufficientEntropy, err)
	}

	signing := ed25519.NewKeyFromSeed(material[:seedSize])
	defer secret.Wipe(signing)

	pub := OwnerPublicIdentity{
		SigningKey:    append(ed25519.PublicKey(nil), signing.Public().(ed25519.PublicKey)...),
		LedgerKey:     ledgerPriv.PubKey().SerializeCompressed(),
		EncryptionKey: encIdentity.Recipient().String(),
		CreatedAt:     time.Now().UTC(),
		Salt:          salt,
	}
	pub.Fingerprint = ComputeFingerprint(pub.SigningKey, pub.LedgerKey, pub.EncryptionKey)

	raw := make([]byte, 0, ownerAgeOffset+80)
	raw = append(raw, material...)
	raw = append(raw, encIdentity.String()...)
	buf, err := secret.NewFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("protecting owner keys: %w", err)
	}

	return &OwnerKeyBundle{OwnerPublicIdentity: pub, secrets: buf}, nil
}

// newOwnerBundleFromSecrets rebuilds a bundle from raw secrets and checks the
// derived public keys against the claimed public identity. raw is zeroed.
func newOwnerBundleFromSecrets(pub OwnerPublicIdentity, raw []byte) (*OwnerKeyBundle, error) {
	defer secret.Wipe(raw)
	if len(raw) <= ownerAgeOffset {
		return nil, fmt.Errorf("owner secrets truncated")
	}

	signing := ed25519.NewKeyFromSeed(raw[:seedSize])
	defer secret.Wipe(signing)
	if !bytes.Equal(signing.Public().(ed25519.PublicKey), pub.SigningKey) {
		return nil, fmt.Errorf("signing key does not match public identity")
	}

	ledgerPriv := secp256k1.PrivKeyFromBytes(raw[ownerLedgerOffset:ownerAgeOffset])
	defer ledgerPriv.Zero()
	if !bytes.Equal(ledgerPriv.PubKey().SerializeCompressed(), pub.LedgerKey) {
		return nil, fmt.Errorf("ledger key does not match public identity")
	}

	encIdentity, err := age.ParseX25519Identity(string(raw[ownerAgeOffset:]))
	if err != nil {
		return nil, fmt.Errorf("parsing encryption identity: %w", err)
	}
	if encIdentity.Recipient().String() != pub.EncryptionKey {
		return nil, fmt.Errorf("encryption key does not match public identity")
	}

	if ComputeFingerprint(pub.SigningKey, pub.LedgerKey, pub.EncryptionKey) != pub.Fingerprint {
		return nil, fmt.Errorf("fingerprint does not match public keys")
	}

	buf, err := secret.NewFromBytes(append([]byte(nil), raw...))
	if err != nil {
		return nil, fmt.Errorf("protecting owner keys: %w", err)
	}
	return &OwnerKeyBundle{OwnerPublicIdentity: pub, secrets: buf}, nil
}

// Public returns a copy of the publishable identity.
func (b *OwnerKeyBundle) Public() OwnerPublicIdentity {
	return b.OwnerPublicIdentity
}

// Unlock opens a signing session. The session must be closed after use.
func (b *OwnerKeyBundle) Unlock() (*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.secrets == nil || b.secrets.Closed() {
		return nil, ErrKeyUnavailable
	}
	raw := b.secrets.Bytes()
	return newSession(RoleOwner, raw[:seedSize], raw[ownerLedgerOffset:ownerAgeOffset], raw[ownerAgeOffset:])
}

// Destroy zeroes the private key material. The bundle keeps its public half.
func (b *OwnerKeyBundle) Destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.secrets == nil {
		return nil
	}
	return b.secrets.Close()
}

// exportSecrets returns a heap copy of the raw secrets for encryption. The
// caller must wipe it.
func (b *OwnerKeyBundle) exportSecrets() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.secrets == nil || b.secrets.Closed() {
		return nil, ErrKeyUnavailable
	}
	return append([]byte(nil), b.secrets.Bytes()...), nil
}

// GenerateAgentKeys creates a fresh agent identity for the given owner. It
// does not create a bond.
func GenerateAgentKeys(ownerPublicKey ed25519.PublicKey) (*AgentKeyBundle, error) {
	if len(ownerPublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("owner public key must be %d bytes, got %d", ed25519.PublicKeySize, len(ownerPublicKey))
	}

	seed := make([]byte, seedSize)
	if err := checkEntropy(seed); err != nil {
		return nil, err
	}

	encIdentity, err := age.GenerateX25519Identity()
	if err != nil {
		secret.Wipe(seed)
		return nil, fmt.Errorf("%w: generating encryption key: %v", ErrInsufficientEntropy, err)
	}

	signing := ed25519.NewKeyFromSeed(seed)
	defer secret.Wipe(signing)

	raw := make([]byte, 0, agentAgeOffset+80)
	raw = append(raw, seed...)
	raw = append(raw, encIdentity.String()...)
	secret.Wipe(seed)

	buf, err := secret.NewFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("protecting agent keys: %w", err)
	}

	return &AgentKeyBundle{
		AgentID:       uuid.New().String(),
		SigningKey:    append(ed25519.PublicKey(nil), signing.Public().(ed25519.PublicKey)...),
		EncryptionKey: encIdentity.Recipient().String(),
		CreatedAt:     time.Now().UTC(),
		OwnerKey:      append(ed25519.PublicKey(nil), ownerPublicKey...),
		secrets:       buf,
	}, nil
}

// Unlock opens a signing session for the agent key.
func (a *AgentKeyBundle) Unlock() (*Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.secrets == nil || a.secrets.Closed() {
		return nil, ErrKeyUnavailable
	}
	raw := a.secrets.Bytes()
	return newSession(RoleAgent, raw[:seedSize], nil, raw[agentAgeOffset:])
}

// Destroy zeroes the agent's private key material.
func (a *AgentKeyBundle) Destroy() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.secrets == nil {
		return nil
	}
	return a.secrets.Close()
}
