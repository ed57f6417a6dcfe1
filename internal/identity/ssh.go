// ABOUTME: OpenSSH rendering of Ed25519 identity keys
// ABOUTME: Lets owners pin agent keys in authorized_keys and compare fingerprints

package identity

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// AuthorizedKey renders key in authorized_keys format, with an optional comment.
func AuthorizedKey(key ed25519.PublicKey, comment string) (string, error) {
	pub, err := ssh.NewPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("converting key: %w", err)
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if comment != "" {
		line += " " + comment
	}
	return line, nil
}

// SSHFingerprint returns the SHA256:... fingerprint OpenSSH prints for key.
func SSHFingerprint(key ed25519.PublicKey) (string, error) {
	pub, err := ssh.NewPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("converting key: %w", err)
	}
	return ssh.FingerprintSHA256(pub), nil
}

// AuthorizedKey renders the owner's signing key as an authorized_keys line.
func (p OwnerPublicIdentity) AuthorizedKey() (string, error) {
	comment := "sovereign-owner"
	if len(p.Fingerprint) >= 12 {
		comment += "-" + p.Fingerprint[:12]
	}
	return AuthorizedKey(p.SigningKey, comment)
}
