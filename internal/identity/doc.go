// Package identity implements the owner and agent key model.
//
// An owner holds three keypairs: Ed25519 for authorization proofs, secp256k1
// for external ledger compatibility and age X25519 for sealing secrets. Each
// deployed agent holds its own Ed25519 and X25519 keys and one IdentityBond
// signed by both parties.
//
// Private keys live in secret.Buffer regions and are reached only through a
// Session opened with Unlock. Sessions should be closed as soon as the
// signing work is done.
package identity
