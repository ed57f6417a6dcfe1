// Package store provides persistent storage for the sovereign agent using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with small,
// specialized interfaces:
//
//   - NonceStore: Atomic single-use claims on request nonces (replay protection)
//   - PermissionStore: Owner-signed delegated permissions, one per action type
//   - BondStore: Identity bond revocations
//   - AuditStore: Append-only security audit log
//   - AgentStateStore: Sealed agent key material and runtime state
//   - CredentialStore: WebAuthn credentials used for biometric confirmation
//
// SQLiteStore implements all of them in a single struct; MockStore is the
// in-memory double for unit tests.
//
// # SQLite Configuration
//
// Pragmas are set through the DSN so every pooled connection gets them:
//
//	journal_mode=WAL
//	busy_timeout=5000
//	foreign_keys=ON
//
// ":memory:" databases are limited to one open connection, since each
// connection would otherwise see its own empty database.
//
// # Replay Protection
//
// ClaimNonce is a single INSERT ... ON CONFLICT statement. Exactly one of any
// number of concurrent claims for the same live nonce reports success, and
// claims survive a process restart.
//
// # Errors
//
//   - ErrNotFound: Requested entity does not exist
package store
