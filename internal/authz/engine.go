// ABOUTME: Action authorization engine: integrity, bond, then a single prioritized strategy
// ABOUTME: Fails closed until marked ready and on any internal error

package authz

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/2389/coven-sovereign/internal/dualsig"
	"github.com/2389/coven-sovereign/internal/identity"
	"github.com/2389/coven-sovereign/internal/store"
)

const (
	// RequestNonceSize is the required length of ActionRequest.Nonce.
	RequestNonceSize = 16

	maxActionTypeLen = 128
)

// Config tunes the engine.
type Config struct {
	// ClockSkew bounds how far a request timestamp may be from now.
	ClockSkew time.Duration
	// NonceRetention is how long a nonce stays claimed. Must be at least
	// twice ClockSkew so a request cannot outlive its nonce.
	NonceRetention time.Duration

	BiometricMaxAge        time.Duration
	BiometricMinConfidence float64
	TierLimits             map[UserTier]float64

	// Priority orders method selection. Must end with explicit approval.
	Priority []Method

	// Contextual enables contextual approval. Nil disables it.
	Contextual PatternPolicy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ClockSkew:              5 * time.Minute,
		NonceRetention:         10 * time.Minute,
		BiometricMaxAge:        5 * time.Minute,
		BiometricMinConfidence: 0.9,
		TierLimits: map[UserTier]float64{
			TierGuest:      0,
			TierConsumer:   100,
			TierPowerUser:  1000,
			TierEnterprise: 10000,
		},
		Priority: DefaultPriority,
	}
}

// Validate reports whether the configuration can back an engine.
func (c Config) Validate() error {
	return c.validate()
}

func (c *Config) validate() error {
	if c.ClockSkew <= 0 {
		return errors.New("clock skew must be positive")
	}
	if c.NonceRetention < 2*c.ClockSkew {
		return fmt.Errorf("nonce retention %s must be at least twice the clock skew %s", c.NonceRetention, c.ClockSkew)
	}
	if c.BiometricMaxAge <= 0 {
		return errors.New("biometric max age must be positive")
	}
	if len(c.Priority) == 0 || c.Priority[len(c.Priority)-1] != MethodExplicitApproval {
		return errors.New("priority must end with explicit_approval")
	}
	seen := make(map[Method]bool, len(c.Priority))
	for _, m := range c.Priority {
		if seen[m] {
			return fmt.Errorf("priority lists %s twice", m)
		}
		seen[m] = true
	}
	return nil
}

// Deps are the engine's collaborators. Signer and Nonces are required.
type Deps struct {
	Signer      *dualsig.Engine
	Bond        *identity.IdentityBond
	Verifier    *identity.BondVerifier
	Nonces      NonceStore
	Permissions store.PermissionStore
	Revocations store.BondStore
	Biometric   BiometricAttestor
	Notifier    ApprovalNotifier
	Audit       *slog.Logger
	Logger      *slog.Logger
	Clock       func() time.Time
}

type bondedIdentity struct {
	signer *dualsig.Engine
	bond   *identity.IdentityBond
}

// Engine authorizes actions on behalf of a bonded owner and agent. It is
// safe for concurrent use.
type Engine struct {
	cfg         Config
	strategies  []Strategy
	ready       atomic.Bool
	ident       atomic.Pointer[bondedIdentity]
	verifier    *identity.BondVerifier
	nonces      NonceStore
	revocations store.BondStore
	registry    *PermissionRegistry
	notifier    ApprovalNotifier
	audit       *slog.Logger
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine creates an engine that denies everything until MarkReady.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if cfg.Priority == nil {
		cfg.Priority = DefaultPriority
	}
	if cfg.TierLimits == nil {
		cfg.TierLimits = DefaultConfig().TierLimits
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid authorization config: %w", err)
	}
	if deps.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if deps.Nonces == nil {
		return nil, errors.New("nonce store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Audit == nil {
		deps.Audit = deps.Logger
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Verifier == nil {
		deps.Verifier = identity.NewBondVerifier(deps.Audit).WithClock(deps.Clock)
	}

	available := map[Method]Strategy{
		MethodDirectSignature:    directSignature{},
		MethodDelegatedAuthority: delegatedAuthority{},
		MethodBiometricConfirmed: &biometricConfirmed{
			maxAge:        cfg.BiometricMaxAge,
			futureSkew:    cfg.ClockSkew,
			minConfidence: cfg.BiometricMinConfidence,
			tierLimits:    cfg.TierLimits,
			attestor:      deps.Biometric,
		},
		MethodContextualApproval: &contextualApproval{policy: cfg.Contextual},
		MethodExplicitApproval:   explicitApproval{},
	}
	strategies := make([]Strategy, 0, len(cfg.Priority))
	seen := map[Method]bool{}
	for _, m := range cfg.Priority {
		s, ok := available[m]
		if !ok || seen[m] {
			return nil, fmt.Errorf("invalid authorization config: unknown or repeated method %q", m)
		}
		seen[m] = true
		strategies = append(strategies, s)
	}

	registry := NewPermissionRegistry(deps.Permissions, deps.Signer, deps.Audit)
	registry.now = deps.Clock

	e := &Engine{
		cfg:         cfg,
		strategies:  strategies,
		verifier:    deps.Verifier,
		nonces:      deps.Nonces,
		revocations: deps.Revocations,
		registry:    registry,
		notifier:    deps.Notifier,
		audit:       deps.Audit.With("component", "authz"),
		logger:      deps.Logger.With("component", "authz"),
		now:         deps.Clock,
	}
	e.ident.Store(&bondedIdentity{signer: deps.Signer, bond: deps.Bond})
	return e, nil
}

// Ready reports whether the engine accepts requests.
func (e *Engine) Ready() bool { return e.ready.Load() }

// MarkReady lets requests through. Deployment calls it only after every
// setup step succeeded.
func (e *Engine) MarkReady() {
	e.ready.Store(true)
	e.logger.Info("authorization engine ready")
}

// MarkNotReady makes every subsequent request fail closed.
func (e *Engine) MarkNotReady(reason string) {
	e.ready.Store(false)
	e.logger.Warn("authorization engine not ready", "reason", reason)
}

// SetIdentity swaps in a new signer and bond, for example after re-keying.
func (e *Engine) SetIdentity(signer *dualsig.Engine, bond *identity.IdentityBond) {
	e.ident.Store(&bondedIdentity{signer: signer, bond: bond})
	e.registry.SetSigner(signer)
}

// Bond returns the current identity bond.
func (e *Engine) Bond() *identity.IdentityBond { return e.ident.Load().bond }

// Signer returns the current dual-signature engine.
func (e *Engine) Signer() *dualsig.Engine { return e.ident.Load().signer }

// Permissions returns the delegated permission registry.
func (e *Engine) Permissions() *PermissionRegistry { return e.registry }

// CreateDelegatedPermission grants spec for actionType under the owner's signature.
func (e *Engine) CreateDelegatedPermission(ctx context.Context, actionType string, spec PermissionSpec) (*DelegatedPermission, error) {
	return e.registry.Create(ctx, actionType, spec)
}

// RevokeDelegatedPermission removes the grant for actionType.
func (e *Engine) RevokeDelegatedPermission(ctx context.Context, actionType string) (bool, error) {
	return e.registry.Revoke(ctx, actionType)
}

// DelegatedPermissions returns a snapshot of the live grants.
func (e *Engine) DelegatedPermissions() map[string]DelegatedPermission {
	return e.registry.Snapshot()
}

// PruneNonces drops lapsed nonce claims when the backing store supports it.
func (e *Engine) PruneNonces(ctx context.Context) (int64, error) {
	p, ok := e.nonces.(interface {
		Prune(ctx context.Context, now time.Time) (int64, error)
	})
	if !ok {
		return 0, nil
	}
	return p.Prune(ctx, e.now())
}

// AuthorizeAction decides req. It never panics and never returns nil.
func (e *Engine) AuthorizeAction(ctx context.Context, req *ActionRequest) (res *AuthorizationResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("authorization panicked", "panic", fmt.Sprint(r))
			res = deny(ReasonInternal)
		}
		e.record(ctx, req, res)
	}()

	if !e.ready.Load() {
		return deny(ReasonNotReady)
	}
	now := e.now()

	if reason := e.checkIntegrity(ctx, req, now); reason != "" {
		return deny(reason)
	}

	ident := e.ident.Load()
	if !e.bondValid(ctx, ident) {
		return deny(ReasonBondInvalid)
	}

	ev := &Evaluation{Now: now, OwnerKey: ident.signer.OwnerKey()}
	if p := e.registry.Lookup(req.ActionType); p != nil && !p.Expired(now) {
		ev.Permission = p
	}

	strategy := e.selectStrategy(req, ev)
	res = strategy.Attempt(ctx, req, ev)

	if res.Authorized {
		sig, err := ident.signer.CreateDualSignature(ActionPayload(req))
		if err != nil {
			e.logger.Error("dual signature failed", "error", err)
			return deny(ReasonInternal)
		}
		res.DualSignature = sig
	} else {
		res.SecurityScore = 0
	}

	if res.ApprovalRequired && e.notifier != nil {
		e.notifier.NotifyApprovalRequired(ctx, req, res)
	}
	return res
}

// checkIntegrity returns a denial reason, or "" when the request may proceed.
// The nonce is claimed after the cheap checks that identify it.
func (e *Engine) checkIntegrity(ctx context.Context, req *ActionRequest, now time.Time) string {
	if req == nil || len(req.Nonce) != RequestNonceSize || req.Timestamp <= 0 {
		return ReasonIntegrity
	}
	ts := req.Time()
	if d := now.Sub(ts); d > e.cfg.ClockSkew || d < -e.cfg.ClockSkew {
		return ReasonIntegrity
	}

	expires := now
	if ts.After(expires) {
		expires = ts
	}
	claimed, err := e.nonces.Claim(ctx, req.Nonce, now, expires.Add(e.cfg.NonceRetention))
	if err != nil {
		e.logger.Error("nonce claim failed", "error", err)
		return ReasonInternal
	}
	if !claimed {
		return ReasonReplayDetected
	}

	switch {
	case req.ActionType == "" || len(req.ActionType) > maxActionTypeLen:
		return ReasonIntegrity
	case !req.RiskLevel.Valid():
		return ReasonIntegrity
	case math.IsNaN(req.EstimatedCost) || math.IsInf(req.EstimatedCost, 0) || req.EstimatedCost < 0:
		return ReasonIntegrity
	case !req.Context.UserTier.Valid():
		return ReasonIntegrity
	}
	return ""
}

func (e *Engine) bondValid(ctx context.Context, ident *bondedIdentity) bool {
	if !e.verifier.Verify(ident.bond, ident.signer.OwnerKey(), ident.signer.AgentKey()) {
		return false
	}
	if e.revocations == nil {
		return true
	}
	revoked, err := e.revocations.IsBondRevoked(ctx, ident.bond.ID())
	if err != nil {
		e.logger.Error("bond revocation lookup failed", "error", err)
		return false
	}
	if revoked {
		e.audit.Warn("identity bond rejected", "reason", "bond revoked", "agent_id", ident.bond.AgentID)
	}
	return !revoked
}

// selectStrategy returns the first applicable strategy in priority order.
// Explicit approval is always applicable, so selection cannot fail.
func (e *Engine) selectStrategy(req *ActionRequest, ev *Evaluation) Strategy {
	for _, s := range e.strategies {
		if req.RequiresApproval && !approvalOnly[s.Method()] {
			continue
		}
		if s.Applicable(req, ev) {
			return s
		}
	}
	return explicitApproval{}
}

func (e *Engine) record(ctx context.Context, req *ActionRequest, res *AuthorizationResult) {
	if res == nil {
		return
	}
	attrs := []any{
		"authorized", res.Authorized,
		"method", string(res.AuthorizationMethod),
		"security_score", res.SecurityScore,
		"approval_required", res.ApprovalRequired,
	}
	if res.Reason != "" {
		attrs = append(attrs, "reason", res.Reason)
	}
	if req != nil {
		attrs = append(attrs,
			"action_type", req.ActionType,
			"risk_level", string(req.RiskLevel),
			"estimated_cost", req.EstimatedCost,
			"nonce", hex.EncodeToString(req.Nonce),
		)
	}
	e.audit.InfoContext(ctx, "authorization decided", attrs...)
}
