// ABOUTME: Short-lived unlocked view of a key bundle used for signing and decryption
// ABOUTME: Closing the session zeroes its copies of the private keys

package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"filippo.io/age"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/2389/coven-sovereign/internal/secret"
)

// Role identifies which kind of bundle a session was opened from.
type Role string

const (
	RoleOwner Role = "owner"
	RoleAgent Role = "agent"
)

// Session holds unlocked private keys. It is safe for concurrent use; Close
// waits for in-flight signatures before wiping.
type Session struct {
	role   Role
	public ed25519.PublicKey

	mu         sync.RWMutex
	signing    *secret.Buffer
	ledger     *secret.Buffer
	encryption *secret.Buffer
}

func newSession(role Role, seed, ledger, ageIdentity []byte) (*Session, error) {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := append(ed25519.PublicKey(nil), priv.Public().(ed25519.PublicKey)...)

	signing, err := secret.NewFromBytes(priv)
	if err != nil {
		return nil, fmt.Errorf("protecting signing key: %w", err)
	}

	s := &Session{role: role, public: pub, signing: signing}

	if len(ledger) > 0 {
		s.ledger, err = secret.NewFromBytes(append([]byte(nil), ledger...))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("protecting ledger key: %w", err)
		}
	}

	s.encryption, err = secret.NewFromBytes(append([]byte(nil), ageIdentity...))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("protecting encryption key: %w", err)
	}

	return s, nil
}

// Role reports whether this is an owner or agent session.
func (s *Session) Role() Role { return s.role }

// PublicKey returns the Ed25519 public key matching the session's signing key.
func (s *Session) PublicKey() ed25519.PublicKey { return s.public }

// Sign produces an Ed25519 signature over message.
func (s *Session) Sign(message []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.signing == nil || s.signing.Closed() {
		return nil, fmt.Errorf("%w: %w", ErrSigning, ErrKeyUnavailable)
	}
	// crypto/ed25519 caches per-key state through weak pointers, which the
	// runtime refuses for mmap memory. Sign from a heap copy and wipe it.
	key := ed25519.NewKeyFromSeed(s.signing.Bytes()[:ed25519.SeedSize])
	defer secret.Wipe(key)
	return ed25519.Sign(key, message), nil
}

// SignLedger produces a DER-encoded secp256k1 ECDSA signature over the
// SHA-256 of message. Only owner sessions carry a ledger key.
func (s *Session) SignLedger(message []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.ledger == nil || s.ledger.Closed() {
		return nil, fmt.Errorf("%w: %w", ErrSigning, ErrKeyUnavailable)
	}

	priv := secp256k1.PrivKeyFromBytes(s.ledger.Bytes())
	defer priv.Zero()

	digest := sha256.Sum256(message)
	return ecdsa.Sign(priv, digest[:]).Serialize(), nil
}

// VerifyLedger checks a signature produced by SignLedger.
func VerifyLedger(ledgerKey, message, signature []byte) bool {
	pub, err := secp256k1.ParsePubKey(ledgerKey)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(message)
	return sig.Verify(digest[:], pub)
}

// Open decrypts an age ciphertext addressed to this session's encryption key.
func (s *Session) Open(ciphertext []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.encryption == nil || s.encryption.Closed() {
		return nil, ErrKeyUnavailable
	}

	id, err := age.ParseX25519Identity(string(s.encryption.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("parsing encryption identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), id)
	if err != nil {
		return nil, fmt.Errorf("opening sealed payload: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading sealed payload: %w", err)
	}
	return out, nil
}

// Close wipes the session's private keys. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range []*secret.Buffer{s.signing, s.ledger, s.encryption} {
		if b != nil {
			_ = b.Close()
		}
	}
}
