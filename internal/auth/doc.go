// Package auth authenticates callers of the sovereign agent's HTTP API.
//
// # Tokens
//
// Callers present an HS256 JWT in the Authorization header. The token's
// "sub" claim names the caller and its "role" claim says what it may do:
//
//   - owner: authorize actions and manage delegated permissions
//   - automation: submit authorization requests only
//
// Tokens are minted with the configured auth.jwt_secret:
//
//	verifier, err := NewJWTVerifier(secret)
//	token, err := verifier.Generate("ops-bot", RoleAutomation, 24*time.Hour)
//
// API authentication is separate from action authorization. A valid token
// only lets a caller ask; the authorization engine still decides.
package auth
