// ABOUTME: Owner+agent dual signatures over arbitrary payloads
// ABOUTME: Hash once, sign (hash, nonce, timestamp) with both keys, verify hash before signatures

package dualsig

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/2389/coven-sovereign/internal/codec"
	"github.com/2389/coven-sovereign/internal/identity"
)

// NonceSize is the length of the random nonce in every DualSignature.
const NonceSize = 16

// ErrNoSession is returned when the engine lacks the session a signing call needs.
var ErrNoSession = errors.New("signing session not configured")

// DualSignature is a proof that the bonded owner and agent both signed a payload.
type DualSignature struct {
	PayloadHash    []byte            `json:"payload_hash" cbor:"payload_hash"`
	OwnerSignature []byte            `json:"owner_signature" cbor:"owner_signature"`
	AgentSignature []byte            `json:"agent_signature" cbor:"agent_signature"`
	OwnerKey       ed25519.PublicKey `json:"owner_key" cbor:"owner_key"`
	AgentKey       ed25519.PublicKey `json:"agent_key" cbor:"agent_key"`
	Timestamp      time.Time         `json:"timestamp" cbor:"timestamp"`
	Nonce          []byte            `json:"nonce" cbor:"nonce"`
}

type signedTuple struct {
	Domain    string `cbor:"1,keyasint"`
	Hash      []byte `cbor:"2,keyasint"`
	Nonce     []byte `cbor:"3,keyasint"`
	Timestamp int64  `cbor:"4,keyasint"`
}

func (d *DualSignature) message() []byte {
	return codec.MustMarshal(signedTuple{
		Domain:    "coven-sovereign/dualsig/v1",
		Hash:      d.PayloadHash,
		Nonce:     d.Nonce,
		Timestamp: d.Timestamp.UnixNano(),
	})
}

// HashPayload is the digest every DualSignature commits to.
func HashPayload(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	return sum[:]
}

// Engine signs with the bonded owner and agent sessions. The sessions are
// shared read-only across concurrent callers.
type Engine struct {
	owner  *identity.Session
	agent  *identity.Session
	logger *slog.Logger
	now    func() time.Time
	rand   io.Reader
}

// New creates an engine. Either session may be nil for a verify-only engine.
func New(owner, agent *identity.Session, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		owner:  owner,
		agent:  agent,
		logger: logger.With("component", "dualsig"),
		now:    time.Now,
		rand:   rand.Reader,
	}
}

// OwnerKey returns the owner public key, or nil for a verify-only engine.
func (e *Engine) OwnerKey() ed25519.PublicKey {
	if e.owner == nil {
		return nil
	}
	return e.owner.PublicKey()
}

// AgentKey returns the agent public key, or nil for a verify-only engine.
func (e *Engine) AgentKey() ed25519.PublicKey {
	if e.agent == nil {
		return nil
	}
	return e.agent.PublicKey()
}

// WithClock returns a copy of the engine that timestamps with now.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	cp := *e
	cp.now = now
	return &cp
}

// SignAsOwner signs payload with the owner key alone.
func (e *Engine) SignAsOwner(payload []byte) ([]byte, error) {
	if e.owner == nil {
		return nil, fmt.Errorf("%w: %w", identity.ErrSigning, ErrNoSession)
	}
	return e.owner.Sign(payload)
}

// SignAsAgent signs payload with the agent key alone.
func (e *Engine) SignAsAgent(payload []byte) ([]byte, error) {
	if e.agent == nil {
		return nil, fmt.Errorf("%w: %w", identity.ErrSigning, ErrNoSession)
	}
	return e.agent.Sign(payload)
}

// CreateDualSignature signs payload with both keys under a fresh nonce.
func (e *Engine) CreateDualSignature(payload []byte) (*DualSignature, error) {
	if e.owner == nil || e.agent == nil {
		return nil, fmt.Errorf("%w: %w", identity.ErrSigning, ErrNoSession)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return nil, fmt.Errorf("%w: drawing nonce: %v", identity.ErrSigning, err)
	}

	sig := &DualSignature{
		PayloadHash: HashPayload(payload),
		OwnerKey:    e.owner.PublicKey(),
		AgentKey:    e.agent.PublicKey(),
		Timestamp:   e.now().UTC(),
		Nonce:       nonce,
	}

	msg := sig.message()
	var err error
	if sig.OwnerSignature, err = e.owner.Sign(msg); err != nil {
		return nil, fmt.Errorf("owner signature: %w", err)
	}
	if sig.AgentSignature, err = e.agent.Sign(msg); err != nil {
		return nil, fmt.Errorf("agent signature: %w", err)
	}
	e.logger.Debug("dual signature created", "nonce", fmt.Sprintf("%x", nonce))
	return sig, nil
}

// VerifyDualSignature checks sig against payload. The hash is compared in
// constant time before either signature is checked.
func VerifyDualSignature(sig *DualSignature, payload []byte) bool {
	if sig == nil {
		return false
	}
	if subtle.ConstantTimeCompare(HashPayload(payload), sig.PayloadHash) != 1 {
		return false
	}
	return verifySignatures(sig)
}

func verifySignatures(sig *DualSignature) bool {
	if len(sig.OwnerKey) != ed25519.PublicKeySize || len(sig.AgentKey) != ed25519.PublicKeySize {
		return false
	}
	if len(sig.Nonce) != NonceSize || len(sig.PayloadHash) != sha256.Size {
		return false
	}
	msg := sig.message()
	return ed25519.Verify(sig.OwnerKey, msg, sig.OwnerSignature) &&
		ed25519.Verify(sig.AgentKey, msg, sig.AgentSignature)
}

// VerifyFor is VerifyDualSignature that also pins the expected key pair.
func VerifyFor(sig *DualSignature, payload []byte, ownerKey, agentKey ed25519.PublicKey) bool {
	if sig == nil {
		return false
	}
	if subtle.ConstantTimeCompare(sig.OwnerKey, ownerKey) != 1 || subtle.ConstantTimeCompare(sig.AgentKey, agentKey) != 1 {
		return false
	}
	return VerifyDualSignature(sig, payload)
}
