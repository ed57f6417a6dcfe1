// ABOUTME: Passphrase-encrypted export and import of owner key bundles
// ABOUTME: Argon2id key derivation with XChaCha20-Poly1305, all import failures are generic

package identity

import (
	"fmt"

	passwordvalidator "github.com/wagslane/go-password-validator"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/2389/coven-sovereign/internal/codec"
	"github.com/2389/coven-sovereign/internal/secret"
)

// ExportAlgorithm tags bundles produced by ExportForDeployment.
const ExportAlgorithm = "argon2id-xchacha20poly1305-v1"

// MinPassphraseEntropy is the minimum estimated entropy, in bits, of an
// export passphrase.
const MinPassphraseEntropy = 60

const (
	exportSaltSize = 16
	exportKeySize  = chacha20poly1305.KeySize

	// Upper bounds on KDF parameters. The header is read before anything
	// is authenticated, so these bound what a forged bundle can make an
	// import allocate.
	MaxKDFTime      = 16
	MaxKDFMemoryKiB = 256 * 1024
)

// KDFParams are the Argon2id cost parameters.
type KDFParams struct {
	Time      uint32 `json:"time" cbor:"time"`
	MemoryKiB uint32 `json:"memory_kib" cbor:"memory_kib"`
	Threads   uint8  `json:"threads" cbor:"threads"`
}

// DefaultKDFParams follow the RFC 9106 second recommended option.
var DefaultKDFParams = KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

// Valid reports whether p is within the bounds export and import accept.
func (p KDFParams) Valid() bool {
	return p.Time >= 1 && p.Time <= MaxKDFTime &&
		p.MemoryKiB >= 8*uint32(p.Threads) && p.MemoryKiB <= MaxKDFMemoryKiB &&
		p.Threads >= 1
}

// EncryptedKeyBundle is a portable, passphrase-protected owner key bundle.
type EncryptedKeyBundle struct {
	Algorithm   string    `json:"algorithm" cbor:"algorithm"`
	KDF         KDFParams `json:"kdf" cbor:"kdf"`
	Salt        []byte    `json:"salt" cbor:"salt"`
	Nonce       []byte    `json:"nonce" cbor:"nonce"`
	Ciphertext  []byte    `json:"ciphertext" cbor:"ciphertext"`
	Fingerprint string    `json:"fingerprint" cbor:"fingerprint"`
}

type exportHeader struct {
	Algorithm   string    `cbor:"1,keyasint"`
	KDF         KDFParams `cbor:"2,keyasint"`
	Salt        []byte    `cbor:"3,keyasint"`
	Fingerprint string    `cbor:"4,keyasint"`
}

type exportPlaintext struct {
	Public  OwnerPublicIdentity `cbor:"public"`
	Secrets []byte              `cbor:"secrets"`
}

func (e *EncryptedKeyBundle) additionalData() []byte {
	return codec.MustMarshal(exportHeader{
		Algorithm:   e.Algorithm,
		KDF:         e.KDF,
		Salt:        e.Salt,
		Fingerprint: e.Fingerprint,
	})
}

// CheckPassphrase returns ErrWeakPassphrase if passphrase is below
// MinPassphraseEntropy bits.
func CheckPassphrase(passphrase string) error {
	if err := passwordvalidator.Validate(passphrase, MinPassphraseEntropy); err != nil {
		return fmt.Errorf("%w: %v", ErrWeakPassphrase, err)
	}
	return nil
}

// ExportForDeployment encrypts the owner's private keys under passphrase.
// A fresh salt and nonce are drawn for every export.
func ExportForDeployment(bundle *OwnerKeyBundle, passphrase string, params KDFParams) (*EncryptedKeyBundle, error) {
	if err := CheckPassphrase(passphrase); err != nil {
		return nil, err
	}
	if !params.Valid() {
		return nil, fmt.Errorf("invalid KDF parameters %+v", params)
	}

	raw, err := bundle.exportSecrets()
	if err != nil {
		return nil, err
	}
	defer secret.Wipe(raw)

	plain, err := codec.Marshal(exportPlaintext{Public: bundle.Public(), Secrets: raw})
	if err != nil {
		return nil, fmt.Errorf("encoding key bundle: %w", err)
	}
	defer secret.Wipe(plain)

	out := &EncryptedKeyBundle{
		Algorithm:   ExportAlgorithm,
		KDF:         params,
		Salt:        make([]byte, exportSaltSize),
		Nonce:       make([]byte, chacha20poly1305.NonceSizeX),
		Fingerprint: bundle.Fingerprint,
	}
	if err := checkEntropy(out.Salt); err != nil {
		return nil, err
	}
	if err := checkEntropy(out.Nonce); err != nil {
		return nil, err
	}

	key := deriveExportKey(passphrase, out.Salt, params)
	defer secret.Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	out.Ciphertext = aead.Seal(nil, out.Nonce, plain, out.additionalData())
	return out, nil
}

// ImportFromDeployment decrypts an exported bundle. Every failure, including
// a wrong passphrase, returns ErrDecryption with no further detail.
func ImportFromDeployment(bundle *EncryptedKeyBundle, passphrase string) (*OwnerKeyBundle, error) {
	if bundle == nil ||
		bundle.Algorithm != ExportAlgorithm ||
		!bundle.KDF.Valid() ||
		len(bundle.Salt) != exportSaltSize ||
		len(bundle.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrDecryption
	}

	key := deriveExportKey(passphrase, bundle.Salt, bundle.KDF)
	defer secret.Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrDecryption
	}
	plain, err := aead.Open(nil, bundle.Nonce, bundle.Ciphertext, bundle.additionalData())
	if err != nil {
		return nil, ErrDecryption
	}
	defer secret.Wipe(plain)

	var decoded exportPlaintext
	if err := codec.Unmarshal(plain, &decoded); err != nil {
		return nil, ErrDecryption
	}
	if decoded.Public.Fingerprint != bundle.Fingerprint {
		secret.Wipe(decoded.Secrets)
		return nil, ErrDecryption
	}

	owner, err := newOwnerBundleFromSecrets(decoded.Public, decoded.Secrets)
	if err != nil {
		return nil, ErrDecryption
	}
	return owner, nil
}

func deriveExportKey(passphrase string, salt []byte, p KDFParams) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.Time, p.MemoryKiB, p.Threads, exportKeySize)
}
