// ABOUTME: age sealing of payloads to owner and agent encryption keys
// ABOUTME: Also persists agent key bundles encrypted to their owner

package identity

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"time"

	"filippo.io/age"

	"github.com/2389/coven-sovereign/internal/codec"
	"github.com/2389/coven-sovereign/internal/secret"
)

// SealTo encrypts plaintext to one or more age X25519 recipients (age1...).
func SealTo(plaintext []byte, recipients ...string) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("seal: no recipients")
	}

	parsed := make([]age.Recipient, 0, len(recipients))
	for _, r := range recipients {
		rcpt, err := age.ParseX25519Recipient(r)
		if err != nil {
			return nil, fmt.Errorf("seal: parsing recipient: %w", err)
		}
		parsed = append(parsed, rcpt)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, parsed...)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("seal: writing payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("seal: finalizing: %w", err)
	}
	return buf.Bytes(), nil
}

type sealedAgent struct {
	AgentID       string            `cbor:"agent_id"`
	SigningKey    ed25519.PublicKey `cbor:"signing_key"`
	EncryptionKey string            `cbor:"encryption_key"`
	CreatedAt     time.Time         `cbor:"created_at"`
	OwnerKey      ed25519.PublicKey `cbor:"owner_key"`
	Secrets       []byte            `cbor:"secrets"`
}

// Seal encrypts the full agent bundle, private keys included, to the given
// recipients. Used to persist agent state between restarts.
func (a *AgentKeyBundle) Seal(recipients ...string) ([]byte, error) {
	a.mu.RLock()
	if a.secrets == nil || a.secrets.Closed() {
		a.mu.RUnlock()
		return nil, ErrKeyUnavailable
	}
	raw := append([]byte(nil), a.secrets.Bytes()...)
	a.mu.RUnlock()
	defer secret.Wipe(raw)

	plain, err := codec.Marshal(sealedAgent{
		AgentID:       a.AgentID,
		SigningKey:    a.SigningKey,
		EncryptionKey: a.EncryptionKey,
		CreatedAt:     a.CreatedAt,
		OwnerKey:      a.OwnerKey,
		Secrets:       raw,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding agent bundle: %w", err)
	}
	defer secret.Wipe(plain)

	return SealTo(plain, recipients...)
}

// OpenAgentBundle restores an agent bundle sealed with AgentKeyBundle.Seal.
// The derived public key must match the sealed one.
func OpenAgentBundle(s *Session, sealed []byte) (*AgentKeyBundle, error) {
	plain, err := s.Open(sealed)
	if err != nil {
		return nil, err
	}
	defer secret.Wipe(plain)

	var sa sealedAgent
	if err := codec.Unmarshal(plain, &sa); err != nil {
		return nil, fmt.Errorf("decoding agent bundle: %w", err)
	}
	defer secret.Wipe(sa.Secrets)

	if len(sa.Secrets) <= agentAgeOffset {
		return nil, fmt.Errorf("agent secrets truncated")
	}
	priv := ed25519.NewKeyFromSeed(sa.Secrets[:seedSize])
	defer secret.Wipe(priv)
	if !bytes.Equal(priv.Public().(ed25519.PublicKey), sa.SigningKey) {
		return nil, fmt.Errorf("agent signing key does not match sealed public key")
	}

	buf, err := secret.NewFromBytes(append([]byte(nil), sa.Secrets...))
	if err != nil {
		return nil, fmt.Errorf("protecting agent keys: %w", err)
	}

	return &AgentKeyBundle{
		AgentID:       sa.AgentID,
		SigningKey:    sa.SigningKey,
		EncryptionKey: sa.EncryptionKey,
		CreatedAt:     sa.CreatedAt,
		OwnerKey:      sa.OwnerKey,
		secrets:       buf,
	}, nil
}
