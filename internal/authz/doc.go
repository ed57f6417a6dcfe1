// ABOUTME: Package authz decides whether an agent may perform an action
// ABOUTME: Integrity and bond checks gate a single prioritized authorization method

// Package authz implements the action authorization engine.
//
// Every request passes, in order:
//
//   - readiness: the engine denies everything until deployment marks it ready
//   - integrity: shape, clock skew, and an atomic single-use nonce claim
//   - bond: the owner/agent identity bond must verify and not be revoked
//
// The engine then picks the first applicable method from its priority list
// (direct signature, delegated authority, biometric confirmation, contextual
// approval, explicit approval) and attempts only that one. A denial from the
// chosen method is final; lower-priority methods are never tried. Successful
// decisions carry a dual signature over ActionPayload.
//
// Delegated permissions are owner-signed and held in a copy-on-write
// registry, so concurrent authorizations read a consistent snapshot while
// grants and revocations are serialized.
package authz
