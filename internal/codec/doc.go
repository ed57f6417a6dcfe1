// Package codec provides the canonical byte encoding for signed structures.
//
// Bonds, delegated permissions, dual signatures and export manifests are all
// signed over a small payload struct encoded here. Core Deterministic Encoding
// sorts map keys and uses the shortest integer forms, so the signer and the
// verifier always hash the same bytes.
package codec
