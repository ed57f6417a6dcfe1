// ABOUTME: Authorization strategies, one per method, and their priority ordering
// ABOUTME: The engine attempts exactly one applicable strategy per request

package authz

import (
	"context"
	"crypto/ed25519"
	"time"
)

// DefaultPriority is the order in which applicable methods are selected.
var DefaultPriority = []Method{
	MethodDirectSignature,
	MethodDelegatedAuthority,
	MethodBiometricConfirmed,
	MethodContextualApproval,
	MethodExplicitApproval,
}

// Evaluation is the per-request state strategies decide on. It is built once
// so every strategy sees the same clock reading and permission snapshot.
type Evaluation struct {
	Now        time.Time
	OwnerKey   ed25519.PublicKey
	Permission *DelegatedPermission // unexpired permission for the action type, or nil
}

// Strategy is one authorization method.
type Strategy interface {
	Method() Method
	// Applicable reports whether the request supplies what this method needs.
	Applicable(req *ActionRequest, ev *Evaluation) bool
	// Attempt decides the request. A denial is final and requires approval.
	Attempt(ctx context.Context, req *ActionRequest, ev *Evaluation) *AuthorizationResult
}

type directSignature struct{}

func (directSignature) Method() Method { return MethodDirectSignature }

func (directSignature) Applicable(req *ActionRequest, _ *Evaluation) bool {
	return len(req.OwnerSignature) > 0
}

func (directSignature) Attempt(_ context.Context, req *ActionRequest, ev *Evaluation) *AuthorizationResult {
	ok := len(ev.OwnerKey) == ed25519.PublicKeySize &&
		len(req.OwnerSignature) == ed25519.SignatureSize &&
		ed25519.Verify(ev.OwnerKey, ActionPayload(req), req.OwnerSignature)
	if !ok {
		return &AuthorizationResult{
			AuthorizationMethod: MethodDirectSignature,
			ApprovalRequired:    true,
			Reason:              "owner signature invalid",
		}
	}
	return &AuthorizationResult{
		Authorized:          true,
		AuthorizationMethod: MethodDirectSignature,
		SpendingLimitCheck:  true,
		ContextValidation:   true,
		SecurityScore:       ScoreDirectSignature,
	}
}

type delegatedAuthority struct{}

func (delegatedAuthority) Method() Method { return MethodDelegatedAuthority }

func (delegatedAuthority) Applicable(_ *ActionRequest, ev *Evaluation) bool {
	return ev.Permission != nil
}

func (delegatedAuthority) Attempt(_ context.Context, req *ActionRequest, ev *Evaluation) *AuthorizationResult {
	p := ev.Permission
	res := &AuthorizationResult{AuthorizationMethod: MethodDelegatedAuthority, ApprovalRequired: true}
	if !p.Verify(ev.OwnerKey) {
		res.Reason = "delegated permission signature invalid"
		return res
	}
	res.SpendingLimitCheck = req.EstimatedCost <= p.SpendingLimit
	res.ContextValidation = p.Restrictions.Satisfied(req, ev.Now)
	switch {
	case !res.SpendingLimitCheck:
		res.Reason = "cost exceeds delegated spending limit"
	case !res.ContextValidation:
		res.Reason = "delegated context restrictions not satisfied"
	default:
		res.Authorized = true
		res.ApprovalRequired = false
		res.SecurityScore = ScoreDelegatedAuthority
	}
	return res
}

type biometricConfirmed struct {
	maxAge        time.Duration
	futureSkew    time.Duration
	minConfidence float64
	tierLimits    map[UserTier]float64
	attestor      BiometricAttestor
}

func (b *biometricConfirmed) Method() Method { return MethodBiometricConfirmed }

func (b *biometricConfirmed) Applicable(req *ActionRequest, _ *Evaluation) bool {
	return req.Context.BiometricAuth != nil
}

func (b *biometricConfirmed) Attempt(ctx context.Context, req *ActionRequest, ev *Evaluation) *AuthorizationResult {
	auth := req.Context.BiometricAuth
	res := &AuthorizationResult{AuthorizationMethod: MethodBiometricConfirmed, ApprovalRequired: true}

	age := ev.Now.Sub(auth.Timestamp)
	fresh := age <= b.maxAge && age >= -b.futureSkew
	res.ContextValidation = auth.Success && fresh && auth.Confidence >= b.minConfidence
	if res.ContextValidation && b.attestor != nil {
		res.ContextValidation = b.attestor.Confirm(ctx, auth)
	}

	tier := req.Context.UserTier
	if tier == "" {
		tier = TierGuest
	}
	res.SpendingLimitCheck = req.EstimatedCost <= b.tierLimits[tier]

	switch {
	case !res.ContextValidation:
		res.Reason = "biometric confirmation unsuccessful or stale"
	case !res.SpendingLimitCheck:
		res.Reason = "cost exceeds tier auto-approve limit"
	default:
		res.Authorized = true
		res.ApprovalRequired = false
		res.SecurityScore = ScoreBiometricConfirmed
	}
	return res
}

type contextualApproval struct {
	policy PatternPolicy
}

func (c *contextualApproval) Method() Method { return MethodContextualApproval }

func (c *contextualApproval) Applicable(req *ActionRequest, _ *Evaluation) bool {
	return c.policy != nil && req.RiskLevel != RiskCritical
}

func (c *contextualApproval) Attempt(_ context.Context, req *ActionRequest, ev *Evaluation) *AuthorizationResult {
	if !c.policy.Fits(req, ev.Now) {
		return &AuthorizationResult{
			AuthorizationMethod: MethodContextualApproval,
			ApprovalRequired:    true,
			Reason:              "action does not fit an established pattern",
		}
	}
	return &AuthorizationResult{
		Authorized:          true,
		AuthorizationMethod: MethodContextualApproval,
		SpendingLimitCheck:  true,
		ContextValidation:   true,
		SecurityScore:       ScoreContextualApproval,
	}
}

type explicitApproval struct{}

func (explicitApproval) Method() Method { return MethodExplicitApproval }

func (explicitApproval) Applicable(*ActionRequest, *Evaluation) bool { return true }

func (explicitApproval) Attempt(context.Context, *ActionRequest, *Evaluation) *AuthorizationResult {
	return &AuthorizationResult{
		AuthorizationMethod: MethodExplicitApproval,
		ApprovalRequired:    true,
		Reason:              "explicit owner approval required",
	}
}

// approvalOnly lists the methods still eligible when a request demands approval.
var approvalOnly = map[Method]bool{
	MethodDirectSignature:  true,
	MethodExplicitApproval: true,
}
