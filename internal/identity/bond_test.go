// ABOUTME: Tests for identity bond creation and verification
// ABOUTME: Covers symmetry, single-bit tamper detection, cross-identity rejection, and expiry

package identity

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBond(t *testing.T, owner *OwnerKeyBundle, agent *AgentKeyBundle, opts BondOptions) *IdentityBond {
	t.Helper()
	s, err := owner.Unlock()
	require.NoError(t, err)
	defer s.Close()

	bond, err := CreateIdentityBond(s, agent, opts)
	require.NoError(t, err)
	return bond
}

func TestBond_Symmetry(t *testing.T) {
	owner := newOwner(t)
	agent := newAgent(t, owner)

	bond := newBond(t, owner, agent, BondOptions{})

	assert.True(t, VerifyIdentityBond(bond, owner.SigningKey, agent.SigningKey))
	assert.Equal(t, agent.AgentID, bond.AgentID)
	require.NotNil(t, bond.ExpiresAt)
	assert.WithinDuration(t, bond.CreatedAt.Add(DefaultBondTTL), *bond.ExpiresAt, time.Second)
}

func TestBond_TamperDetection(t *testing.T) {
	owner := newOwner(t)
	agent := newAgent(t, owner)
	bond := newBond(t, owner, agent, BondOptions{})

	fields := map[string]func(b *IdentityBond) []byte{
		"owner": func(b *IdentityBond) []byte { return b.OwnerSignature },
		"agent": func(b *IdentityBond) []byte { return b.AgentSignature },
		"cross": func(b *IdentityBond) []byte { return b.CrossSignature },
	}

	for name, field := range fields {
		t.Run(name, func(t *testing.T) {
			sig := field(bond)
			for i := 0; i < len(sig)*8; i++ {
				tampered := *bond
				tampered.OwnerSignature = bytes.Clone(bond.OwnerSignature)
				tampered.AgentSignature = bytes.Clone(bond.AgentSignature)
				tampered.CrossSignature = bytes.Clone(bond.CrossSignature)

				field(&tampered)[i/8] ^= 1 << (i % 8)
				if VerifyIdentityBond(&tampered, owner.SigningKey, agent.SigningKey) {
					t.Fatalf("bit %d flip in %s signature went undetected", i, name)
				}
			}
		})
	}

	assert.True(t, VerifyIdentityBond(bond, owner.SigningKey, agent.SigningKey))
}

func TestBond_CrossIdentityRejection(t *testing.T) {
	owner := newOwner(t)
	agentA := newAgent(t, owner)
	agentB := newAgent(t, owner)
	otherOwner := newOwner(t)

	bond := newBond(t, owner, agentA, BondOptions{})

	assert.False(t, VerifyIdentityBond(bond, owner.SigningKey, agentB.SigningKey))
	assert.False(t, VerifyIdentityBond(bond, otherOwner.SigningKey, agentA.SigningKey))

	// Swapping the claimed key inside the bond does not help either.
	forged := *bond
	forged.AgentKey = agentB.SigningKey
	assert.False(t, VerifyIdentityBond(&forged, owner.SigningKey, agentB.SigningKey))
}

func TestBond_Expiry(t *testing.T) {
	owner := newOwner(t)
	agent := newAgent(t, owner)

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bond := newBond(t, owner, agent, BondOptions{TTL: time.Hour, Now: func() time.Time { return created }})

	v := NewBondVerifier(nil)
	assert.True(t, v.WithClock(func() time.Time { return created.Add(59 * time.Minute) }).Verify(bond, owner.SigningKey, agent.SigningKey))
	assert.False(t, v.WithClock(func() time.Time { return created.Add(time.Hour) }).Verify(bond, owner.SigningKey, agent.SigningKey))

	// Stripping the expiry breaks the cross signature.
	stripped := *bond
	stripped.ExpiresAt = nil
	assert.False(t, v.WithClock(func() time.Time { return created.Add(2 * time.Hour) }).Verify(&stripped, owner.SigningKey, agent.SigningKey))
}

func TestBond_IndefiniteIsOptIn(t *testing.T) {
	owner := newOwner(t)
	agent := newAgent(t, owner)

	bond := newBond(t, owner, agent, BondOptions{Indefinite: true})
	assert.Nil(t, bond.ExpiresAt)

	far := NewBondVerifier(nil).WithClock(func() time.Time { return time.Now().AddDate(50, 0, 0) })
	assert.True(t, far.Verify(bond, owner.SigningKey, agent.SigningKey))
}

func TestBond_LockedSession(t *testing.T) {
	owner := newOwner(t)
	agent := newAgent(t, owner)

	s, err := owner.Unlock()
	require.NoError(t, err)
	s.Close()

	_, err = CreateIdentityBond(s, agent, BondOptions{})
	assert.ErrorIs(t, err, ErrSigning)
}

func TestBond_WrongOwner(t *testing.T) {
	owner := newOwner(t)
	other := newOwner(t)
	agent := newAgent(t, owner)

	s, err := other.Unlock()
	require.NoError(t, err)
	defer s.Close()

	_, err = CreateIdentityBond(s, agent, BondOptions{})
	assert.ErrorIs(t, err, ErrSigning)
}

func TestBond_AgentSessionCannotBond(t *testing.T) {
	owner := newOwner(t)
	agent := newAgent(t, owner)

	s, err := agent.Unlock()
	require.NoError(t, err)
	defer s.Close()

	_, err = CreateIdentityBond(s, agent, BondOptions{})
	assert.ErrorIs(t, err, ErrSigning)
}

func TestBond_IDStable(t *testing.T) {
	owner := newOwner(t)
	agent := newAgent(t, owner)

	a := newBond(t, owner, agent, BondOptions{})
	b := newBond(t, owner, agent, BondOptions{})

	assert.Equal(t, a.ID(), a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Len(t, a.ID(), 32)
}

func TestBondVerifier_AuditsReason(t *testing.T) {
	owner := newOwner(t)
	agent := newAgent(t, owner)
	other := newAgent(t, owner)
	bond := newBond(t, owner, agent, BondOptions{})

	var buf bytes.Buffer
	v := NewBondVerifier(slog.New(slog.NewTextHandler(&buf, nil)))

	assert.False(t, v.Verify(bond, owner.SigningKey, other.SigningKey))
	assert.Contains(t, buf.String(), "agent key mismatch")
	assert.Contains(t, buf.String(), agent.AgentID)

	assert.False(t, v.Verify(nil, owner.SigningKey, agent.SigningKey))
	assert.Contains(t, buf.String(), "bond missing")
}
