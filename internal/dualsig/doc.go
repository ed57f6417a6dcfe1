// Package dualsig produces and verifies proofs signed by both the owner and
// the agent. Verification returns a bool and never an error; signing returns
// identity.ErrSigning when a key is missing.
package dualsig
