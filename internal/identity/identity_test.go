// ABOUTME: Tests for key generation, sessions, sealing, and SSH rendering
// ABOUTME: Uses the real platform RNG except where a broken source is simulated

package identity

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("rng offline") }

func withRandReader(t *testing.T, r interface{ Read([]byte) (int, error) }) {
	t.Helper()
	orig := randReader
	randReader = r
	t.Cleanup(func() { randReader = orig })
}

func newOwner(t *testing.T) *OwnerKeyBundle {
	t.Helper()
	owner, err := GenerateOwnerKeys(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = owner.Destroy() })
	return owner
}

func newAgent(t *testing.T, owner *OwnerKeyBundle) *AgentKeyBundle {
	t.Helper()
	agent, err := GenerateAgentKeys(owner.SigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.Destroy() })
	return agent
}

func TestGenerateOwnerKeys(t *testing.T) {
	owner := newOwner(t)

	assert.Len(t, owner.SigningKey, ed25519.PublicKeySize)
	assert.Len(t, owner.LedgerKey, 33)
	assert.True(t, strings.HasPrefix(owner.EncryptionKey, "age1"))
	assert.Len(t, owner.Salt, saltSize)
	assert.False(t, owner.CreatedAt.IsZero())
	assert.Equal(t, ComputeFingerprint(owner.SigningKey, owner.LedgerKey, owner.EncryptionKey), owner.Fingerprint)
}

func TestGenerateOwnerKeys_CallerEntropyIsNotSoleSource(t *testing.T) {
	entropy := []byte("the same caller entropy every time")

	a, err := GenerateOwnerKeys(entropy)
	require.NoError(t, err)
	defer a.Destroy()
	b, err := GenerateOwnerKeys(entropy)
	require.NoError(t, err)
	defer b.Destroy()

	assert.NotEqual(t, a.SigningKey, b.SigningKey)
	assert.NotEqual(t, a.LedgerKey, b.LedgerKey)
	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
}

func TestGenerateOwnerKeys_FailingRNG(t *testing.T) {
	withRandReader(t, failingReader{})

	_, err := GenerateOwnerKeys(nil)
	assert.ErrorIs(t, err, ErrInsufficientEntropy)
}

func TestGenerateOwnerKeys_StuckRNG(t *testing.T) {
	withRandReader(t, bytes.NewReader(make([]byte, 4096)))

	_, err := GenerateOwnerKeys(nil)
	assert.ErrorIs(t, err, ErrInsufficientEntropy)
}

func TestGenerateAgentKeys(t *testing.T) {
	owner := newOwner(t)
	a := newAgent(t, owner)
	b := newAgent(t, owner)

	assert.NotEqual(t, a.AgentID, b.AgentID)
	assert.NotEqual(t, a.SigningKey, b.SigningKey)
	assert.Equal(t, owner.SigningKey, a.OwnerKey)
	assert.True(t, strings.HasPrefix(a.EncryptionKey, "age1"))
}

func TestGenerateAgentKeys_BadOwnerKey(t *testing.T) {
	_, err := GenerateAgentKeys([]byte("short"))
	assert.Error(t, err)
}

func TestSession_SignAndClose(t *testing.T) {
	owner := newOwner(t)
	s, err := owner.Unlock()
	require.NoError(t, err)

	msg := []byte("hello")
	sig, err := s.Sign(msg)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(owner.SigningKey, msg, sig))
	assert.Equal(t, RoleOwner, s.Role())

	s.Close()
	s.Close()

	_, err = s.Sign(msg)
	assert.ErrorIs(t, err, ErrSigning)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestSession_ConcurrentSigningFromProtectedMemory(t *testing.T) {
	owner := newOwner(t)
	agent := newAgent(t, owner)

	for _, unlock := range []func() (*Session, error){owner.Unlock, agent.Unlock} {
		s, err := unlock()
		require.NoError(t, err)

		msg := []byte("repeated payload")
		want, err := s.Sign(msg)
		require.NoError(t, err)

		var wg sync.WaitGroup
		sigs := make([][]byte, 16)
		errs := make([]error, len(sigs))
		for i := range sigs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				sigs[i], errs[i] = s.Sign(msg)
			}()
		}
		wg.Wait()

		for i := range sigs {
			require.NoError(t, errs[i])
			assert.Equal(t, want, sigs[i])
		}
		assert.True(t, ed25519.Verify(s.PublicKey(), msg, want))

		// Signing must not disturb the protected copy of the key.
		derived := ed25519.NewKeyFromSeed(s.signing.Bytes()[:ed25519.SeedSize])
		assert.Equal(t, []byte(s.PublicKey()), []byte(derived.Public().(ed25519.PublicKey)))
		s.Close()
	}
}

func TestSession_LedgerSignature(t *testing.T) {
	owner := newOwner(t)
	s, err := owner.Unlock()
	require.NoError(t, err)
	defer s.Close()

	msg := []byte("ledger payload")
	sig, err := s.SignLedger(msg)
	require.NoError(t, err)

	assert.True(t, VerifyLedger(owner.LedgerKey, msg, sig))
	assert.False(t, VerifyLedger(owner.LedgerKey, []byte("other"), sig))
	assert.False(t, VerifyLedger([]byte("garbage"), msg, sig))
}

func TestSession_AgentHasNoLedgerKey(t *testing.T) {
	owner := newOwner(t)
	agent := newAgent(t, owner)
	s, err := agent.Unlock()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.SignLedger([]byte("x"))
	assert.ErrorIs(t, err, ErrSigning)
}

func TestUnlock_AfterDestroy(t *testing.T) {
	owner, err := GenerateOwnerKeys(nil)
	require.NoError(t, err)
	require.NoError(t, owner.Destroy())

	_, err = owner.Unlock()
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	assert.NotEmpty(t, owner.Fingerprint)
}

func TestSealTo_OpenBySession(t *testing.T) {
	owner := newOwner(t)
	agent := newAgent(t, owner)

	sealed, err := SealTo([]byte("state"), owner.EncryptionKey, agent.EncryptionKey)
	require.NoError(t, err)

	for _, unlock := range []func() (*Session, error){owner.Unlock, agent.Unlock} {
		s, err := unlock()
		require.NoError(t, err)
		plain, err := s.Open(sealed)
		s.Close()
		require.NoError(t, err)
		assert.Equal(t, []byte("state"), plain)
	}

	other := newOwner(t)
	s, err := other.Unlock()
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Open(sealed)
	assert.Error(t, err)
}

func TestSealTo_NoRecipients(t *testing.T) {
	_, err := SealTo([]byte("x"))
	assert.Error(t, err)
}

func TestAgentBundle_SealRoundTrip(t *testing.T) {
	owner := newOwner(t)
	agent := newAgent(t, owner)

	sealed, err := agent.Seal(owner.EncryptionKey)
	require.NoError(t, err)

	s, err := owner.Unlock()
	require.NoError(t, err)
	defer s.Close()

	restored, err := OpenAgentBundle(s, sealed)
	require.NoError(t, err)
	defer restored.Destroy()

	assert.Equal(t, agent.AgentID, restored.AgentID)
	assert.Equal(t, agent.SigningKey, restored.SigningKey)
	assert.Equal(t, agent.OwnerKey, restored.OwnerKey)

	rs, err := restored.Unlock()
	require.NoError(t, err)
	defer rs.Close()
	sig, err := rs.Sign([]byte("m"))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(agent.SigningKey, []byte("m"), sig))
}

func TestAuthorizedKeyAndFingerprint(t *testing.T) {
	owner := newOwner(t)

	line, err := AuthorizedKey(owner.SigningKey, "owner@host")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "ssh-ed25519 "))
	assert.True(t, strings.HasSuffix(line, " owner@host"))

	// OpenSSH reads the line back as the same key, with the same fingerprint.
	parsed, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, "owner@host", comment)
	assert.Equal(t, []byte(owner.SigningKey), []byte(parsed.(ssh.CryptoPublicKey).CryptoPublicKey().(ed25519.PublicKey)))

	fp, err := SSHFingerprint(owner.SigningKey)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fp, "SHA256:"))
	assert.Equal(t, ssh.FingerprintSHA256(parsed), fp)

	ownerLine, err := owner.Public().AuthorizedKey()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(ownerLine, " sovereign-owner-"+owner.Fingerprint[:12]))
}
