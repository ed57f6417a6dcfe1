// ABOUTME: EdDSA JWT wrapping a DualSignature for presentation to downstream processors
// ABOUTME: Signed by the agent key, verified against the pinned agent public key

package dualsig

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/2389/coven-sovereign/internal/identity"
)

// ErrInvalidProof is returned for any proof token that fails verification.
var ErrInvalidProof = errors.New("invalid proof token")

// ProofClaims carries the dual signature inside a JWT.
type ProofClaims struct {
	jwt.RegisteredClaims
	ActionType string         `json:"act,omitempty"`
	Proof      *DualSignature `json:"proof"`
}

// sessionSigner adapts a Session to crypto.Signer for the JWT library.
type sessionSigner struct {
	s *identity.Session
}

func (s sessionSigner) Public() crypto.PublicKey { return s.s.PublicKey() }

func (s sessionSigner) Sign(_ io.Reader, msg []byte, _ crypto.SignerOpts) ([]byte, error) {
	return s.s.Sign(msg)
}

// IssueProofToken wraps sig in a short-lived token for audience.
func (e *Engine) IssueProofToken(sig *DualSignature, actionType, audience string, ttl time.Duration) (string, error) {
	if e.agent == nil {
		return "", fmt.Errorf("%w: %w", identity.ErrSigning, ErrNoSession)
	}
	if sig == nil {
		return "", fmt.Errorf("%w: no proof to wrap", identity.ErrSigning)
	}

	now := e.now()
	claims := ProofClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    fmt.Sprintf("%x", e.agent.PublicKey()),
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ActionType: actionType,
		Proof:      sig,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(sessionSigner{s: e.agent})
	if err != nil {
		return "", fmt.Errorf("%w: %v", identity.ErrSigning, err)
	}
	return signed, nil
}

// VerifyProofToken checks the token signature, audience and expiry, and that
// the embedded dual signature is valid for the pinned agent key.
func VerifyProofToken(tokenString string, agentKey ed25519.PublicKey, audience string) (*ProofClaims, error) {
	claims := &ProofClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return agentKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	if claims.Proof == nil || !bytes.Equal(claims.Proof.AgentKey, agentKey) || !verifySignatures(claims.Proof) {
		return nil, ErrInvalidProof
	}
	return claims, nil
}
