// ABOUTME: Tests for the authorization engine pipeline and strategy selection
// ABOUTME: Covers integrity, replay, bond checks, each method, and no-fallback behavior

package authz

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sovereign/internal/audit"
	"github.com/2389/coven-sovereign/internal/dualsig"
	"github.com/2389/coven-sovereign/internal/identity"
	"github.com/2389/coven-sovereign/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []*ActionRequest
}

func (n *recordingNotifier) NotifyApprovalRequired(_ context.Context, req *ActionRequest, _ *AuthorizationResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, req)
}

type fixture struct {
	engine   *Engine
	store    *store.MockStore
	signer   *dualsig.Engine
	owner    *identity.Session
	bond     *identity.IdentityBond
	clock    *testClock
	notifier *recordingNotifier
}

func newFixture(t *testing.T, mutate func(cfg *Config, deps *Deps)) *fixture {
	t.Helper()

	clock := &testClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	owner, err := identity.GenerateOwnerKeys(nil)
	require.NoError(t, err)
	agent, err := identity.GenerateAgentKeys(owner.SigningKey)
	require.NoError(t, err)
	os, err := owner.Unlock()
	require.NoError(t, err)
	as, err := agent.Unlock()
	require.NoError(t, err)
	bond, err := identity.CreateIdentityBond(os, agent, identity.BondOptions{Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() {
		os.Close()
		as.Close()
		_ = owner.Destroy()
		_ = agent.Destroy()
	})

	st := store.NewMockStore()
	signer := dualsig.New(os, as, nil).WithClock(clock.Now)
	notifier := &recordingNotifier{}

	cfg := DefaultConfig()
	deps := Deps{
		Signer:      signer,
		Bond:        bond,
		Nonces:      NewDurableNonces(st),
		Permissions: st,
		Revocations: st,
		Notifier:    notifier,
		Audit:       audit.NewLogger(slog.DiscardHandler, st),
		Clock:       clock.Now,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	e, err := NewEngine(cfg, deps)
	require.NoError(t, err)
	e.MarkReady()

	return &fixture{engine: e, store: st, signer: signer, owner: os, bond: bond, clock: clock, notifier: notifier}
}

func (f *fixture) request(actionType string, cost float64, risk RiskLevel) *ActionRequest {
	nonce := make([]byte, RequestNonceSize)
	_, _ = rand.Read(nonce)
	return &ActionRequest{
		ActionType:    actionType,
		ActionData:    json.RawMessage(`{"payee":"acme"}`),
		EstimatedCost: cost,
		RiskLevel:     risk,
		Context:       RequestContext{UserTier: TierConsumer},
		Timestamp:     f.clock.Now().UnixMilli(),
		Nonce:         nonce,
	}
}

func (f *fixture) grant(t *testing.T, actionType string, limit float64) {
	t.Helper()
	_, err := f.engine.CreateDelegatedPermission(context.Background(), actionType, PermissionSpec{
		SpendingLimit: limit,
		TimeLimit:     24 * time.Hour,
	})
	require.NoError(t, err)
}

func TestAuthorize_DelegatedWithinLimit(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "send_payment", 100)

	req := f.request("send_payment", 50, RiskLow)
	res := f.engine.AuthorizeAction(context.Background(), req)

	require.True(t, res.Authorized, res.Reason)
	assert.False(t, res.ApprovalRequired)
	assert.Equal(t, MethodDelegatedAuthority, res.AuthorizationMethod)
	assert.Equal(t, ScoreDelegatedAuthority, res.SecurityScore)
	assert.True(t, res.SpendingLimitCheck)
	assert.True(t, res.ContextValidation)
	require.NotNil(t, res.DualSignature)
	assert.True(t, dualsig.VerifyFor(res.DualSignature, ActionPayload(req), f.bond.OwnerKey, f.bond.AgentKey))
}

func TestAuthorize_SpendingLimitIsInclusive(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "send_payment", 100)

	res := f.engine.AuthorizeAction(context.Background(), f.request("send_payment", 100, RiskLow))
	assert.True(t, res.Authorized)
}

func TestAuthorize_OverLimitDoesNotFallBack(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "send_payment", 100)

	// A fresh biometric result would authorize on its own; it must not be tried.
	req := f.request("send_payment", 150, RiskLow)
	req.Context.BiometricAuth = &BiometricAuth{Success: true, Confidence: 0.99, Timestamp: f.clock.Now(), Method: "webauthn"}
	res := f.engine.AuthorizeAction(context.Background(), req)

	assert.False(t, res.Authorized)
	assert.Equal(t, MethodDelegatedAuthority, res.AuthorizationMethod)
	assert.False(t, res.SpendingLimitCheck)
	assert.True(t, res.ApprovalRequired)
	assert.Contains(t, res.Reason, "exceeds")
	assert.Zero(t, res.SecurityScore)
	assert.Nil(t, res.DualSignature)

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	require.Len(t, f.notifier.calls, 1)
	assert.Equal(t, req.Nonce, f.notifier.calls[0].Nonce)
}

func TestAuthorize_ContextRestrictions(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.CreateDelegatedPermission(context.Background(), "book_travel", PermissionSpec{
		SpendingLimit: 500,
		TimeLimit:     time.Hour,
		Restrictions: ContextRestrictions{
			MaxRisk:              RiskMedium,
			RequireTrustedDevice: true,
			AllowedLocations:     []string{"US"},
		},
	})
	require.NoError(t, err)

	ok := f.request("book_travel", 200, RiskMedium)
	ok.Context.DeviceContext = DeviceContext{DeviceID: "laptop", Trusted: true, Location: "US"}
	res := f.engine.AuthorizeAction(context.Background(), ok)
	assert.True(t, res.Authorized, res.Reason)

	risky := f.request("book_travel", 200, RiskHigh)
	risky.Context.DeviceContext = ok.Context.DeviceContext
	res = f.engine.AuthorizeAction(context.Background(), risky)
	assert.False(t, res.Authorized)
	assert.True(t, res.ApprovalRequired)
	assert.True(t, res.SpendingLimitCheck)
	assert.False(t, res.ContextValidation)

	untrusted := f.request("book_travel", 200, RiskLow)
	untrusted.Context.DeviceContext = DeviceContext{DeviceID: "kiosk", Location: "US"}
	res = f.engine.AuthorizeAction(context.Background(), untrusted)
	assert.False(t, res.Authorized)
}

func TestAuthorize_ExpiredPermissionIsAbsent(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.CreateDelegatedPermission(context.Background(), "send_payment", PermissionSpec{
		SpendingLimit: 100,
		TimeLimit:     time.Minute,
	})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	res := f.engine.AuthorizeAction(context.Background(), f.request("send_payment", 10, RiskLow))

	assert.False(t, res.Authorized)
	assert.Equal(t, MethodExplicitApproval, res.AuthorizationMethod)
	assert.True(t, res.ApprovalRequired)
}

func TestAuthorize_TamperedPermissionDenied(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "send_payment", 100)

	// Swap in a forged copy with a raised limit but the old signature.
	forged := f.engine.Permissions().Lookup("send_payment").Clone()
	forged.SpendingLimit = 1_000_000
	f.engine.Permissions().publishLocked(func(set permissionSet) { set["send_payment"] = forged })

	res := f.engine.AuthorizeAction(context.Background(), f.request("send_payment", 500, RiskLow))
	assert.False(t, res.Authorized)
	assert.True(t, res.ApprovalRequired)
	assert.Equal(t, "delegated permission signature invalid", res.Reason)
}

func TestAuthorize_DirectSignature(t *testing.T) {
	f := newFixture(t, nil)

	req := f.request("transfer_deed", 1_000_000, RiskCritical)
	sig, err := f.owner.Sign(ActionPayload(req))
	require.NoError(t, err)
	req.OwnerSignature = sig

	res := f.engine.AuthorizeAction(context.Background(), req)
	require.True(t, res.Authorized, res.Reason)
	assert.Equal(t, MethodDirectSignature, res.AuthorizationMethod)
	assert.Equal(t, ScoreDirectSignature, res.SecurityScore)

	// Signature over a different payload.
	other := f.request("transfer_deed", 1, RiskCritical)
	other.OwnerSignature = sig
	res = f.engine.AuthorizeAction(context.Background(), other)
	assert.False(t, res.Authorized)
	assert.True(t, res.ApprovalRequired)
	assert.Equal(t, MethodDirectSignature, res.AuthorizationMethod)
}

func TestAuthorize_Biometric(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	fresh := f.request("order_groceries", 80, RiskMedium)
	fresh.Context.BiometricAuth = &BiometricAuth{Success: true, Confidence: 0.95, Timestamp: f.clock.Now().Add(-time.Minute)}
	res := f.engine.AuthorizeAction(ctx, fresh)
	require.True(t, res.Authorized, res.Reason)
	assert.Equal(t, MethodBiometricConfirmed, res.AuthorizationMethod)
	assert.Equal(t, ScoreBiometricConfirmed, res.SecurityScore)

	stale := f.request("order_groceries", 80, RiskMedium)
	stale.Context.BiometricAuth = &BiometricAuth{Success: true, Confidence: 0.95, Timestamp: f.clock.Now().Add(-6 * time.Minute)}
	res = f.engine.AuthorizeAction(ctx, stale)
	assert.False(t, res.Authorized)
	assert.True(t, res.ApprovalRequired)
	assert.False(t, res.ContextValidation)

	overTier := f.request("order_groceries", 150, RiskMedium)
	overTier.Context.BiometricAuth = &BiometricAuth{Success: true, Confidence: 0.95, Timestamp: f.clock.Now()}
	res = f.engine.AuthorizeAction(ctx, overTier)
	assert.False(t, res.Authorized)
	assert.True(t, res.ApprovalRequired)
	assert.True(t, res.ContextValidation)
	assert.False(t, res.SpendingLimitCheck)

	lowConfidence := f.request("order_groceries", 10, RiskMedium)
	lowConfidence.Context.BiometricAuth = &BiometricAuth{Success: true, Confidence: 0.5, Timestamp: f.clock.Now()}
	res = f.engine.AuthorizeAction(ctx, lowConfidence)
	assert.False(t, res.Authorized)
}

type rejectingAttestor struct{}

func (rejectingAttestor) Confirm(context.Context, *BiometricAuth) bool { return false }

func TestAuthorize_BiometricAttestorRequired(t *testing.T) {
	f := newFixture(t, func(_ *Config, deps *Deps) { deps.Biometric = rejectingAttestor{} })

	req := f.request("order_groceries", 10, RiskLow)
	req.Context.BiometricAuth = &BiometricAuth{Success: true, Confidence: 1, Timestamp: f.clock.Now()}
	res := f.engine.AuthorizeAction(context.Background(), req)
	assert.False(t, res.Authorized)
	assert.False(t, res.ContextValidation)
}

func TestAuthorize_CriticalNeverContextual(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *Deps) {
		cfg.Contextual = &RecentActivityPolicy{MinOccurrences: 1, Window: time.Hour, MaxCost: 1e9, MaxRisk: RiskHigh}
	})

	req := f.request("wire_transfer", 5, RiskCritical)
	req.Context.RecentActivity = []ActivityRecord{
		{ActionType: "wire_transfer", Cost: 5, At: f.clock.Now().Add(-time.Minute)},
		{ActionType: "wire_transfer", Cost: 5, At: f.clock.Now().Add(-2 * time.Minute)},
	}
	res := f.engine.AuthorizeAction(context.Background(), req)

	assert.False(t, res.Authorized)
	assert.True(t, res.ApprovalRequired)
	assert.Equal(t, MethodExplicitApproval, res.AuthorizationMethod)
	require.Len(t, f.notifier.calls, 1)
	assert.Same(t, req, f.notifier.calls[0])
}

func TestAuthorize_Contextual(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *Deps) {
		cfg.Contextual = &RecentActivityPolicy{MinOccurrences: 2, Window: time.Hour, MaxCost: 50}
	})
	history := []ActivityRecord{
		{ActionType: "order_coffee", Cost: 6, At: f.clock.Now().Add(-10 * time.Minute)},
		{ActionType: "order_coffee", Cost: 5, At: f.clock.Now().Add(-30 * time.Minute)},
	}

	req := f.request("order_coffee", 6, RiskLow)
	req.Context.RecentActivity = history
	res := f.engine.AuthorizeAction(context.Background(), req)
	require.True(t, res.Authorized, res.Reason)
	assert.Equal(t, MethodContextualApproval, res.AuthorizationMethod)
	assert.Equal(t, ScoreContextualApproval, res.SecurityScore)

	pricier := f.request("order_coffee", 20, RiskLow)
	pricier.Context.RecentActivity = history
	res = f.engine.AuthorizeAction(context.Background(), pricier)
	assert.False(t, res.Authorized)
	assert.True(t, res.ApprovalRequired)
	assert.Equal(t, MethodContextualApproval, res.AuthorizationMethod)
}

func TestAuthorize_RequiresApprovalSkipsDelegation(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "send_payment", 100)

	req := f.request("send_payment", 10, RiskLow)
	req.RequiresApproval = true
	res := f.engine.AuthorizeAction(context.Background(), req)
	assert.False(t, res.Authorized)
	assert.Equal(t, MethodExplicitApproval, res.AuthorizationMethod)

	signed := f.request("send_payment", 10, RiskLow)
	signed.RequiresApproval = true
	signed.OwnerSignature, _ = f.owner.Sign(ActionPayload(signed))
	res = f.engine.AuthorizeAction(context.Background(), signed)
	assert.True(t, res.Authorized)
	assert.Equal(t, MethodDirectSignature, res.AuthorizationMethod)
}

func TestAuthorize_Replay(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "send_payment", 100)

	first := f.request("send_payment", 10, RiskLow)
	res := f.engine.AuthorizeAction(context.Background(), first)
	require.True(t, res.Authorized)

	// Same nonce, different and otherwise valid payload.
	second := f.request("send_payment", 20, RiskLow)
	second.Nonce = first.Nonce
	res = f.engine.AuthorizeAction(context.Background(), second)
	assert.False(t, res.Authorized)
	assert.Equal(t, ReasonReplayDetected, res.Reason)
}

func TestAuthorize_ConcurrentReplaySingleWinner(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "nonces.db")
	durable, err := store.NewSQLiteStore(tmp)
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })

	memory := NewMemoryNonceStore(10*time.Minute, 1024, nil)
	t.Cleanup(memory.Close)

	backends := map[string]NonceStore{
		"durable": NewDurableNonces(durable),
		"memory":  memory,
	}
	for name, nonces := range backends {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, func(_ *Config, deps *Deps) { deps.Nonces = nonces })
			f.grant(t, "send_payment", 100)
			base := f.request("send_payment", 1, RiskLow)

			var authorized, replays atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					req := *base
					res := f.engine.AuthorizeAction(context.Background(), &req)
					switch {
					case res.Authorized:
						authorized.Add(1)
					case res.Reason == ReasonReplayDetected:
						replays.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), authorized.Load())
			assert.Equal(t, int32(19), replays.Load())
		})
	}
}

func TestAuthorize_IntegrityFailures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cases := map[string]func(r *ActionRequest){
		"short nonce":     func(r *ActionRequest) { r.Nonce = r.Nonce[:8] },
		"unknown risk":    func(r *ActionRequest) { r.RiskLevel = "extreme" },
		"negative cost":   func(r *ActionRequest) { r.EstimatedCost = -1 },
		"empty action":    func(r *ActionRequest) { r.ActionType = "" },
		"unknown tier":    func(r *ActionRequest) { r.Context.UserTier = "platinum" },
		"stale timestamp": func(r *ActionRequest) { r.Timestamp = f.clock.Now().Add(-6 * time.Minute).UnixMilli() },
		"future timestamp": func(r *ActionRequest) {
			r.Timestamp = f.clock.Now().Add(6 * time.Minute).UnixMilli()
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := f.request("send_payment", 1, RiskLow)
			mutate(req)
			res := f.engine.AuthorizeAction(ctx, req)
			assert.False(t, res.Authorized)
			assert.Equal(t, ReasonIntegrity, res.Reason)
		})
	}

	res := f.engine.AuthorizeAction(ctx, nil)
	assert.Equal(t, ReasonIntegrity, res.Reason)
}

func TestAuthorize_NotReadyFailsClosed(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "send_payment", 100)
	f.engine.MarkNotReady("test")

	res := f.engine.AuthorizeAction(context.Background(), f.request("send_payment", 1, RiskLow))
	assert.False(t, res.Authorized)
	assert.Equal(t, ReasonNotReady, res.Reason)
}

func TestAuthorize_RevokedBond(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "send_payment", 100)
	require.NoError(t, f.store.RevokeBond(context.Background(), &store.BondRevocation{
		BondID: f.bond.ID(), AgentID: f.bond.AgentID, Reason: "compromised",
	}))

	res := f.engine.AuthorizeAction(context.Background(), f.request("send_payment", 1, RiskLow))
	assert.False(t, res.Authorized)
	assert.Equal(t, ReasonBondInvalid, res.Reason)

	ev := "identity bond rejected"
	entries, err := f.store.ListAuditLog(context.Background(), store.AuditFilter{Event: &ev})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "bond revoked", entries[0].Detail["reason"])
}

func TestAuthorize_ExpiredBond(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "send_payment", 100)
	f.clock.Advance(identity.DefaultBondTTL + time.Second)

	res := f.engine.AuthorizeAction(context.Background(), f.request("send_payment", 1, RiskLow))
	assert.Equal(t, ReasonBondInvalid, res.Reason)
}

func TestAuthorize_NonceStoreErrorFailsClosed(t *testing.T) {
	f := newFixture(t, nil)
	f.store.FailWrites = assert.AnError

	res := f.engine.AuthorizeAction(context.Background(), f.request("send_payment", 1, RiskLow))
	assert.False(t, res.Authorized)
	assert.Equal(t, ReasonInternal, res.Reason)
}

type panickingPolicy struct{}

func (panickingPolicy) Fits(*ActionRequest, time.Time) bool { panic("boom") }

func TestAuthorize_PanicBecomesDenial(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *Deps) { cfg.Contextual = panickingPolicy{} })

	res := f.engine.AuthorizeAction(context.Background(), f.request("anything", 1, RiskLow))
	require.NotNil(t, res)
	assert.False(t, res.Authorized)
	assert.Equal(t, ReasonInternal, res.Reason)
}

func TestAuthorize_DecisionsAudited(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "send_payment", 100)
	f.engine.AuthorizeAction(context.Background(), f.request("send_payment", 10, RiskLow))

	ev := "authorization decided"
	entries, err := f.store.ListAuditLog(context.Background(), store.AuditFilter{Event: &ev})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "authz", entries[0].Component)
	assert.Equal(t, true, entries[0].Detail["authorized"])
	assert.Equal(t, "delegated_authority", entries[0].Detail["method"])
}

func TestNewEngine_ConfigValidation(t *testing.T) {
	f := newFixture(t, nil)
	deps := Deps{Signer: f.signer, Nonces: NewDurableNonces(f.store)}

	cfg := DefaultConfig()
	cfg.NonceRetention = cfg.ClockSkew
	_, err := NewEngine(cfg, deps)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Priority = []Method{MethodDirectSignature}
	_, err = NewEngine(cfg, deps)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Priority = []Method{MethodDirectSignature, MethodDirectSignature, MethodExplicitApproval}
	_, err = NewEngine(cfg, deps)
	assert.Error(t, err)

	_, err = NewEngine(DefaultConfig(), Deps{Signer: f.signer})
	assert.Error(t, err)

	e, err := NewEngine(DefaultConfig(), deps)
	require.NoError(t, err)
	assert.False(t, e.Ready())
}
