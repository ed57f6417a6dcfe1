// ABOUTME: Tests for the gateway HTTP API and gRPC health reporting
// ABOUTME: Deploys a real agent into a mock store and drives it through httptest

package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-sovereign/internal/auth"
	"github.com/2389/coven-sovereign/internal/authz"
	"github.com/2389/coven-sovereign/internal/biometric"
	"github.com/2389/coven-sovereign/internal/config"
	"github.com/2389/coven-sovereign/internal/deploy"
	"github.com/2389/coven-sovereign/internal/dualsig"
	"github.com/2389/coven-sovereign/internal/identity"
	"github.com/2389/coven-sovereign/internal/store"
)

const (
	testPassphrase = "correct-horse-battery-staple"
	testSecret     = "gateway-test-secret-at-least-32-bytes"
)

type fixture struct {
	gw        *Gateway
	agent     *deploy.Agent
	approvals *ApprovalQueue
	owner     string
	bot       string
}

func newFixture(t *testing.T, withBiometric bool) *fixture {
	t.Helper()
	ctx := context.Background()
	kdf := identity.KDFParams{Time: 1, MemoryKiB: 8 * 1024, Threads: 1}

	owner, err := identity.GenerateOwnerKeys(nil)
	require.NoError(t, err)
	enc, err := identity.ExportForDeployment(owner, testPassphrase, kdf)
	owner.Destroy()
	require.NoError(t, err)

	st := store.NewMockStore()
	approvals := NewApprovalQueue(10, nil)
	dcfg := deploy.Config{
		Environment: deploy.Environment{Name: "test"},
		KDF:         kdf,
		Store:       st,
		Notifier:    approvals,
	}

	var bio *biometric.Service
	if withBiometric {
		bio, err = biometric.New(biometric.Config{RPID: "localhost"}, st, nil)
		require.NoError(t, err)
		t.Cleanup(bio.Close)
		dcfg.Biometric = bio
	}

	res := deploy.DeploySovereignAgent(ctx, &deploy.ExportedSovereignIdentity{EncryptedKeyBundle: enc}, testPassphrase, dcfg)
	require.True(t, res.Success, "errors: %v", res.Errors)
	t.Cleanup(func() { _ = res.Agent.Close() })

	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	gw, err := New(cfg, Options{Agent: res.Agent, Biometric: bio, Approvals: approvals})
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	ownerToken, err := verifier.Generate("owner", auth.RoleOwner, time.Hour)
	require.NoError(t, err)
	botToken, err := verifier.Generate("ops-bot", auth.RoleAutomation, time.Hour)
	require.NoError(t, err)

	return &fixture{gw: gw, agent: res.Agent, approvals: approvals, owner: ownerToken, bot: botToken}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func actionRequest(actionType string, cost float64) *authz.ActionRequest {
	nonce := make([]byte, authz.RequestNonceSize)
	_, _ = rand.Read(nonce)
	return &authz.ActionRequest{
		ActionType:    actionType,
		ActionData:    json.RawMessage(`{"to":"acme"}`),
		EstimatedCost: cost,
		RiskLevel:     authz.RiskLow,
		Context:       authz.RequestContext{UserTier: authz.TierConsumer},
		Timestamp:     time.Now().UnixMilli(),
		Nonce:         nonce,
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNew_RequiresSecret(t *testing.T) {
	f := newFixture(t, false)
	cfg := config.Default()
	cfg.Auth.JWTSecret = "short"
	_, err := New(cfg, Options{Agent: f.agent})
	assert.Error(t, err)

	_, err = New(config.Default(), Options{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, f.agent.AgentID(), body["agent_id"])

	resp, err := f.gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: AuthorizationService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestAuthorize_RequiresToken(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPost, "/v1/actions/authorize", "", actionRequest("send_payment", 1))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthorize_DelegatedFlow(t *testing.T) {
	f := newFixture(t, false)

	// No permission yet: denied and queued for the owner.
	rec := f.do(t, http.MethodPost, "/v1/actions/authorize", f.bot, actionRequest("send_payment", 40))
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[authz.AuthorizationResult](t, rec)
	assert.False(t, res.Authorized)
	assert.True(t, res.ApprovalRequired)
	assert.Equal(t, authz.MethodExplicitApproval, res.AuthorizationMethod)

	rec = f.do(t, http.MethodGet, "/v1/approvals", f.owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	approvals := decode[struct {
		Approvals []PendingApproval `json:"approvals"`
	}](t, rec)
	require.Len(t, approvals.Approvals, 1)
	assert.Equal(t, "send_payment", approvals.Approvals[0].ActionType)

	// Automation callers cannot grant themselves permissions.
	grant := map[string]any{"spending_limit": 100, "time_limit": "24h"}
	rec = f.do(t, http.MethodPut, "/v1/permissions/send_payment", f.bot, grant)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/permissions/send_payment", f.owner, grant)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	view := decode[permissionView](t, rec)
	assert.Equal(t, "24h0m0s", view.TimeLimit)
	assert.NotEmpty(t, view.OwnerSignature)

	req := actionRequest("send_payment", 40)
	rec = f.do(t, http.MethodPost, "/v1/actions/authorize", f.bot, req)
	res = decode[authz.AuthorizationResult](t, rec)
	require.True(t, res.Authorized, res.Reason)
	assert.Equal(t, authz.MethodDelegatedAuthority, res.AuthorizationMethod)
	require.NotNil(t, res.DualSignature)
	pub := f.agent.Public()
	assert.True(t, dualsig.VerifyFor(res.DualSignature, authz.ActionPayload(req), pub.Owner.SigningKey, pub.AgentKey))

	// The same request again is a replay.
	rec = f.do(t, http.MethodPost, "/v1/actions/authorize", f.bot, req)
	res = decode[authz.AuthorizationResult](t, rec)
	assert.False(t, res.Authorized)
	assert.Equal(t, authz.ReasonReplayDetected, res.Reason)

	// A downstream audience gets a proof token bound to the agent key.
	rec = f.do(t, http.MethodPost, "/v1/actions/authorize?audience=payments", f.bot, actionRequest("send_payment", 10))
	withProof := decode[struct {
		Authorized bool   `json:"authorized"`
		ProofToken string `json:"proof_token"`
	}](t, rec)
	require.True(t, withProof.Authorized)
	claims, err := dualsig.VerifyProofToken(withProof.ProofToken, pub.AgentKey, "payments")
	require.NoError(t, err)
	assert.Equal(t, "send_payment", claims.ActionType)
	_, err = dualsig.VerifyProofToken(withProof.ProofToken, pub.AgentKey, "someone-else")
	assert.Error(t, err)

	rec = f.do(t, http.MethodGet, "/v1/permissions", f.owner, nil)
	list := decode[struct {
		Permissions []permissionView `json:"permissions"`
	}](t, rec)
	require.Len(t, list.Permissions, 1)

	rec = f.do(t, http.MethodDelete, "/v1/permissions/send_payment", f.owner, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/v1/permissions/send_payment", f.owner, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPutPermission_Invalid(t *testing.T) {
	f := newFixture(t, false)
	tests := map[string]any{
		"bad duration":   map[string]any{"spending_limit": 10, "time_limit": "soon"},
		"negative limit": map[string]any{"spending_limit": -1, "time_limit": "1h"},
		"zero duration":  map[string]any{"spending_limit": 10, "time_limit": "0s"},
		"not json":       "{",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, "/v1/permissions/send_payment", f.owner, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestAuthorize_MalformedBody(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPost, "/v1/actions/authorize", f.bot, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdentityAndRevoke(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet, "/v1/identity", f.bot, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pub := decode[deploy.PublicIdentity](t, rec)
	assert.Equal(t, f.agent.AgentID(), pub.AgentID)

	rec = f.do(t, http.MethodPost, "/v1/identity/revoke", f.bot, map[string]string{"reason": "lost"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/identity/revoke", f.owner, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/identity/revoke", f.owner, map[string]string{"reason": "device lost"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp, err := f.gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: AuthorizationService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	rec = f.do(t, http.MethodPost, "/v1/actions/authorize", f.bot, actionRequest("send_payment", 1))
	res := decode[authz.AuthorizationResult](t, rec)
	assert.False(t, res.Authorized)
	assert.Equal(t, authz.ReasonNotReady, res.Reason)
}

func TestRekey(t *testing.T) {
	f := newFixture(t, false)
	before := f.agent.AgentID()

	rec := f.do(t, http.MethodPost, "/v1/identity/rekey", f.owner, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pub := decode[deploy.PublicIdentity](t, rec)
	assert.NotEqual(t, before, pub.AgentID)
	assert.True(t, identity.VerifyIdentityBond(pub.Bond, pub.Owner.SigningKey, pub.AgentKey))
}

func TestOnChange(t *testing.T) {
	f := newFixture(t, false)
	var changes []string
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	gw, err := New(cfg, Options{
		Agent: f.agent,
		OnChange: func(ctx context.Context) error {
			changes = append(changes, f.agent.AgentID())
			return nil
		},
	})
	require.NoError(t, err)
	f.gw = gw

	grant := map[string]any{"spending_limit": 50, "time_limit": "1h"}
	rec := f.do(t, http.MethodPut, "/v1/permissions/%20send_payment%20", f.owner, grant)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, changes, 1)

	// Rejected and read-only requests change nothing.
	rec = f.do(t, http.MethodPut, "/v1/permissions/book_travel", f.owner, map[string]any{"time_limit": "soon"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/permissions", f.owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodDelete, "/v1/permissions/book_travel", f.owner, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, changes, 1)

	// The padded name resolves to the same grant it created.
	rec = f.do(t, http.MethodDelete, "/v1/permissions/%20send_payment%20", f.owner, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Empty(t, f.agent.Engine().DelegatedPermissions())
	assert.Len(t, changes, 2)

	before := f.agent.AgentID()
	rec = f.do(t, http.MethodPost, "/v1/identity/rekey", f.owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, changes, 3)
	assert.NotEqual(t, before, changes[2])

	rec = f.do(t, http.MethodPost, "/v1/identity/revoke", f.owner, map[string]string{"reason": "retired"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, changes, 4)
}

func TestOnChange_ErrorDoesNotFailRequest(t *testing.T) {
	f := newFixture(t, false)
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	gw, err := New(cfg, Options{
		Agent:    f.agent,
		OnChange: func(ctx context.Context) error { return assert.AnError },
	})
	require.NoError(t, err)
	f.gw = gw

	rec := f.do(t, http.MethodPut, "/v1/permissions/send_payment", f.owner, map[string]any{"spending_limit": 50, "time_limit": "1h"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestBiometricRoutes(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t, false)
		rec := f.do(t, http.MethodPost, "/v1/biometric/verify/begin", f.bot, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("configured", func(t *testing.T) {
		f := newFixture(t, true)

		rec := f.do(t, http.MethodPost, "/v1/biometric/verify/begin", f.bot, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = f.do(t, http.MethodPost, "/v1/biometric/enroll/begin", f.bot, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = f.do(t, http.MethodPost, "/v1/biometric/enroll/begin", f.owner, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		begin := decode[map[string]any](t, rec)
		assert.NotEmpty(t, begin["token"])
		assert.NotNil(t, begin["options"])

		rec = f.do(t, http.MethodPost, "/v1/biometric/verify/finish", f.bot, map[string]any{"token": "unknown", "response": map[string]any{}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestApprovalQueue_Bounded(t *testing.T) {
	q := NewApprovalQueue(2, nil)
	for _, at := range []string{"a", "b", "c"} {
		req := actionRequest(at, 1)
		q.NotifyApprovalRequired(context.Background(), req, &authz.AuthorizationResult{AuthorizationMethod: authz.MethodExplicitApproval})
	}
	list := q.List()
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ActionType)
	assert.Equal(t, "b", list[1].ActionType)
}
