// ABOUTME: Package biometric confirms the owner's presence with platform passkeys
// ABOUTME: Verified assertions become single-use results for the authorization engine

// Package biometric wraps WebAuthn ceremonies that require user verification
// (fingerprint, face, device PIN) and turns a successful assertion into an
// authz.BiometricAuth. The Service also acts as the engine's attestor, so a
// caller cannot submit a biometric result it did not obtain here.
package biometric
