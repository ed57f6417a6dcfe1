// ABOUTME: Package deploy moves a sovereign identity between hosting environments
// ABOUTME: Export manifests, deployment with fresh agent bonds, re-keying, and revocation

// Package deploy exports an owner's identity with its delegated permissions
// and deploys it as a freshly bonded agent elsewhere. A deployment that fails
// at any step leaves its engine not ready, so the agent denies every request.
package deploy
