// ABOUTME: HTTP JSON API for action authorization, permissions, identity, and biometrics
// ABOUTME: Every /v1 route requires an API token; management routes require the owner role

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/2389/coven-sovereign/internal/auth"
	"github.com/2389/coven-sovereign/internal/authz"
	"github.com/2389/coven-sovereign/internal/biometric"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Handler returns the HTTP routes.
func (g *Gateway) Handler() http.Handler {
	authn := auth.HTTPAuthMiddleware(g.verifier, g.logger)
	ownerOnly := auth.RequireOwnerHTTP()
	caller := func(h http.HandlerFunc) http.Handler { return authn(h) }
	owner := func(h http.HandlerFunc) http.Handler { return authn(ownerOnly(h)) }

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.Handle("POST /v1/actions/authorize", caller(g.handleAuthorize))
	mux.Handle("GET /v1/identity", caller(g.handleIdentity))
	mux.Handle("POST /v1/identity/rekey", owner(g.handleRekey))
	mux.Handle("POST /v1/identity/revoke", owner(g.handleRevokeBond))

	mux.Handle("GET /v1/permissions", owner(g.handleListPermissions))
	mux.Handle("PUT /v1/permissions/{action_type}", owner(g.handlePutPermission))
	mux.Handle("DELETE /v1/permissions/{action_type}", owner(g.handleDeletePermission))
	mux.Handle("GET /v1/approvals", owner(g.handleListApprovals))

	mux.Handle("POST /v1/biometric/enroll/begin", owner(g.handleEnrollBegin))
	mux.Handle("POST /v1/biometric/enroll/finish", owner(g.handleEnrollFinish))
	mux.Handle("POST /v1/biometric/verify/begin", caller(g.handleVerifyBegin))
	mux.Handle("POST /v1/biometric/verify/finish", caller(g.handleVerifyFinish))

	return mux
}

// writeJSON writes v as a JSON response.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

// decodeBody decodes a bounded JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func principal(r *http.Request) string {
	if a := auth.FromContext(r.Context()); a != nil {
		return a.PrincipalID
	}
	return ""
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 only while the engine is accepting requests.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := g.agent.Engine().Ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	g.writeJSON(w, status, map[string]any{"ready": ready, "agent_id": g.agent.AgentID()})
}

func (g *Gateway) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authz.ActionRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	engine := g.agent.Engine()
	res := engine.AuthorizeAction(r.Context(), &req)
	g.logger.Debug("authorization request",
		"principal", principal(r),
		"action_type", req.ActionType,
		"authorized", res.Authorized,
	)

	out := authorizeResponse{AuthorizationResult: res}
	if aud := r.URL.Query().Get("audience"); aud != "" && res.Authorized {
		token, err := engine.Signer().IssueProofToken(res.DualSignature, req.ActionType, aud, proofTokenTTL)
		if err != nil {
			g.logger.Error("issuing proof token failed", "error", err)
		} else {
			out.ProofToken = token
		}
	}
	// A denial is a successful answer; the decision is in the body.
	g.writeJSON(w, http.StatusOK, out)
}

// authorizeResponse adds an optional proof token for the downstream
// processor named by ?audience=.
type authorizeResponse struct {
	*authz.AuthorizationResult
	ProofToken string `json:"proof_token,omitempty"`
}

func (g *Gateway) handleIdentity(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.agent.Public())
}

func (g *Gateway) handleRekey(w http.ResponseWriter, r *http.Request) {
	if err := g.agent.Rekey(r.Context()); err != nil {
		g.logger.Error("rekey failed", "principal", principal(r), "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "rekey failed; agent is not ready")
		return
	}
	g.updateHealth()
	g.changed(r.Context(), "rekey")
	g.writeJSON(w, http.StatusOK, g.agent.Public())
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (g *Gateway) handleRevokeBond(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "reason is required")
		return
	}
	if err := g.agent.RevokeBond(r.Context(), req.Reason); err != nil {
		g.logger.Error("bond revocation failed", "principal", principal(r), "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "revocation failed")
		return
	}
	g.updateHealth()
	g.changed(r.Context(), "bond revoked")
	w.WriteHeader(http.StatusNoContent)
}

// permissionView is the API form of a delegated permission.
type permissionView struct {
	ActionType     string                    `json:"action_type"`
	SpendingLimit  float64                   `json:"spending_limit"`
	TimeLimit      string                    `json:"time_limit"`
	Restrictions   authz.ContextRestrictions `json:"context_restrictions"`
	CreatedAt      time.Time                 `json:"created_at"`
	ExpiresAt      time.Time                 `json:"expires_at"`
	OwnerSignature []byte                    `json:"owner_signature"`
}

func viewPermission(p *authz.DelegatedPermission) permissionView {
	return permissionView{
		ActionType:     p.ActionType,
		SpendingLimit:  p.SpendingLimit,
		TimeLimit:      p.TimeLimit.String(),
		Restrictions:   p.Restrictions,
		CreatedAt:      p.CreatedAt,
		ExpiresAt:      p.ExpiresAt,
		OwnerSignature: p.Signature,
	}
}

type permissionRequest struct {
	SpendingLimit float64                   `json:"spending_limit"`
	TimeLimit     string                    `json:"time_limit"`
	Restrictions  authz.ContextRestrictions `json:"context_restrictions"`
}

func (g *Gateway) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms := g.agent.Engine().DelegatedPermissions()
	views := make([]permissionView, 0, len(perms))
	for _, p := range perms {
		views = append(views, viewPermission(&p))
	}
	slices.SortFunc(views, func(a, b permissionView) int { return strings.Compare(a.ActionType, b.ActionType) })
	g.writeJSON(w, http.StatusOK, map[string]any{"permissions": views})
}

func (g *Gateway) handlePutPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	limit, err := time.ParseDuration(req.TimeLimit)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "time_limit must be a duration such as \"24h\"")
		return
	}

	perm, err := g.agent.Engine().CreateDelegatedPermission(r.Context(), r.PathValue("action_type"), authz.PermissionSpec{
		SpendingLimit: req.SpendingLimit,
		TimeLimit:     limit,
		Restrictions:  req.Restrictions,
	})
	if err != nil {
		if errors.Is(err, authz.ErrInvalidPermission) {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		g.logger.Error("creating delegated permission failed", "principal", principal(r), "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "permission could not be saved")
		return
	}
	g.changed(r.Context(), "permission granted")
	g.writeJSON(w, http.StatusCreated, viewPermission(perm))
}

func (g *Gateway) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	removed, err := g.agent.Engine().RevokeDelegatedPermission(r.Context(), r.PathValue("action_type"))
	if err != nil {
		g.logger.Error("revoking delegated permission failed", "principal", principal(r), "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "permission could not be revoked")
		return
	}
	if !removed {
		g.sendJSONError(w, http.StatusNotFound, "no delegated permission for action type")
		return
	}
	g.changed(r.Context(), "permission revoked")
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if g.approvals == nil {
		g.writeJSON(w, http.StatusOK, map[string]any{"approvals": []PendingApproval{}})
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"approvals": g.approvals.List()})
}

type ceremonyFinish struct {
	Token    string          `json:"token"`
	Response json.RawMessage `json:"response"`
}

// biometricError maps ceremony errors to responses.
func (g *Gateway) biometricError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, biometric.ErrSessionInvalid):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, biometric.ErrNoCredentials):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, biometric.ErrNotVerified):
		g.sendJSONError(w, http.StatusForbidden, err.Error())
	default:
		g.logger.Warn("biometric ceremony failed", "error", err)
		g.sendJSONError(w, http.StatusBadRequest, "biometric ceremony failed")
	}
}

func (g *Gateway) requireBiometric(w http.ResponseWriter) bool {
	if g.biometric == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "biometric confirmation is not configured")
		return false
	}
	return true
}

func (g *Gateway) handleEnrollBegin(w http.ResponseWriter, r *http.Request) {
	if !g.requireBiometric(w) {
		return
	}
	options, token, err := g.biometric.BeginEnrollment(r.Context())
	if err != nil {
		g.biometricError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"token": token, "options": options})
}

func (g *Gateway) handleEnrollFinish(w http.ResponseWriter, r *http.Request) {
	if !g.requireBiometric(w) {
		return
	}
	var req ceremonyFinish
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := g.biometric.FinishEnrollment(r.Context(), req.Token, req.Response)
	if err != nil {
		g.biometricError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, map[string]string{"credential_id": id})
}

func (g *Gateway) handleVerifyBegin(w http.ResponseWriter, r *http.Request) {
	if !g.requireBiometric(w) {
		return
	}
	options, token, err := g.biometric.BeginVerification(r.Context())
	if err != nil {
		g.biometricError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"token": token, "options": options})
}

func (g *Gateway) handleVerifyFinish(w http.ResponseWriter, r *http.Request) {
	if !g.requireBiometric(w) {
		return
	}
	var req ceremonyFinish
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := g.biometric.FinishVerification(r.Context(), req.Token, req.Response)
	if err != nil {
		g.biometricError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, result)
}
