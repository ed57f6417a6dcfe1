// ABOUTME: Sentinel errors for key generation, signing, and key bundle import/export
// ABOUTME: Decryption failures collapse into one generic error so callers learn nothing

package identity

import "errors"

var (
	// ErrInsufficientEntropy is returned when the platform RNG fails its health check.
	ErrInsufficientEntropy = errors.New("insufficient entropy")

	// ErrSigning is returned when a signature cannot be produced.
	ErrSigning = errors.New("signing failed")

	// ErrKeyUnavailable is returned when private key material has been
	// destroyed or the session holding it was closed.
	ErrKeyUnavailable = errors.New("private key unavailable")

	// ErrWeakPassphrase is returned by ExportForDeployment when the
	// passphrase fails the minimum entropy check.
	ErrWeakPassphrase = errors.New("passphrase too weak")

	// ErrDecryption is returned for every import failure: wrong passphrase,
	// corrupt ciphertext, unsupported algorithm, or inconsistent key material.
	ErrDecryption = errors.New("unable to decrypt key bundle")
)
