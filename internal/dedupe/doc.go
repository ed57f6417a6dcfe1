// Package dedupe provides a time-based set of single-use keys. It backs the
// in-memory nonce store, which does not survive a restart and is only meant
// for tests and ephemeral agents.
package dedupe
