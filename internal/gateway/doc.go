// Package gateway serves a deployed sovereign agent to the outside world.
//
// # HTTP API
//
// Every /v1 route requires an HS256 API token (see package auth). Routes
// marked owner also require the owner role.
//
//   - POST /v1/actions/authorize - submit an ActionRequest, receive an AuthorizationResult;
//     with ?audience=NAME an authorized result also carries a proof token for NAME
//   - GET /v1/identity - public identity and current bond
//   - POST /v1/identity/rekey - owner; replace the agent keys and bond
//   - POST /v1/identity/revoke - owner; revoke the current bond
//   - GET /v1/permissions - owner; list delegated permissions
//   - PUT /v1/permissions/{action_type} - owner; grant or replace a permission
//   - DELETE /v1/permissions/{action_type} - owner; revoke a permission
//   - GET /v1/approvals - owner; requests waiting for explicit approval
//   - POST /v1/biometric/enroll/{begin,finish} - owner; register a passkey
//   - POST /v1/biometric/verify/{begin,finish} - obtain a BiometricAuth result
//   - GET /health, GET /health/ready - liveness and engine readiness
//
// An authorization denial is still a 200 response; clients read the
// decision from the body. Routes that change the identity or the delegated
// permissions call Options.OnChange once they commit; sovereign serve uses
// it to rewrite the signed export.
//
// # gRPC
//
// The gRPC listener carries only the standard health service. Its status
// for AuthorizationService follows engine readiness, so a load balancer
// stops routing to an agent whose bond was revoked or whose re-key failed.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens on :80 (HTTP) and :50051 (gRPC) there instead of on TCP.
package gateway
