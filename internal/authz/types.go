// ABOUTME: Request, context, and result types for action authorization
// ABOUTME: Includes the ordinal risk scale, user tiers, and denial reasons

package authz

import (
	"encoding/json"
	"time"

	"github.com/2389/coven-sovereign/internal/codec"
	"github.com/2389/coven-sovereign/internal/dualsig"
)

// RiskLevel is the declared risk of an action, ordered low < medium < high < critical.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Ordinal returns the position of r on the risk scale and whether r is known.
func (r RiskLevel) Ordinal() (int, bool) {
	switch r {
	case RiskLow:
		return 0, true
	case RiskMedium:
		return 1, true
	case RiskHigh:
		return 2, true
	case RiskCritical:
		return 3, true
	}
	return -1, false
}

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	_, ok := r.Ordinal()
	return ok
}

// AtMost reports whether r is at or below ceiling. Unknown levels never pass.
func (r RiskLevel) AtMost(ceiling RiskLevel) bool {
	a, ok1 := r.Ordinal()
	b, ok2 := ceiling.Ordinal()
	return ok1 && ok2 && a <= b
}

// UserTier selects the biometric auto-approve limit.
type UserTier string

const (
	TierGuest      UserTier = "guest"
	TierConsumer   UserTier = "consumer"
	TierPowerUser  UserTier = "power_user"
	TierEnterprise UserTier = "enterprise"
)

// Valid reports whether t is a known tier. The empty tier is treated as guest.
func (t UserTier) Valid() bool {
	switch t {
	case "", TierGuest, TierConsumer, TierPowerUser, TierEnterprise:
		return true
	}
	return false
}

// BiometricAuth is the outcome of a biometric (user-verified) ceremony.
type BiometricAuth struct {
	ID         string    `json:"id,omitempty"`
	Success    bool      `json:"success"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
}

// DeviceContext describes the device the request came from.
type DeviceContext struct {
	DeviceID string `json:"device_id,omitempty"`
	Trusted  bool   `json:"trusted"`
	Location string `json:"location,omitempty"`
}

// ActivityRecord is one entry of recent activity supplied with a request.
type ActivityRecord struct {
	ActionType string    `json:"action_type"`
	Cost       float64   `json:"cost"`
	At         time.Time `json:"at"`
}

// RequestContext is the caller-supplied context snapshot.
type RequestContext struct {
	UserTier       UserTier         `json:"user_tier"`
	BiometricAuth  *BiometricAuth   `json:"biometric_auth,omitempty"`
	RecentActivity []ActivityRecord `json:"recent_activity,omitempty"`
	DeviceContext  DeviceContext    `json:"device_context"`
}

// ActionRequest is a single unit of work submitted for authorization.
type ActionRequest struct {
	ActionType       string          `json:"action_type"`
	ActionData       json.RawMessage `json:"action_data,omitempty"`
	EstimatedCost    float64         `json:"estimated_cost"`
	RiskLevel        RiskLevel       `json:"risk_level"`
	RequiresApproval bool            `json:"requires_approval"`
	Context          RequestContext  `json:"context"`
	Timestamp        int64           `json:"timestamp"` // epoch milliseconds
	Nonce            []byte          `json:"nonce"`

	// OwnerSignature is an owner Ed25519 signature over ActionPayload,
	// obtained out of band.
	OwnerSignature []byte `json:"owner_signature,omitempty"`
}

// Time returns the request timestamp.
func (r *ActionRequest) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

type actionPayload struct {
	Domain           string    `cbor:"1,keyasint"`
	ActionType       string    `cbor:"2,keyasint"`
	ActionData       []byte    `cbor:"3,keyasint"`
	EstimatedCost    float64   `cbor:"4,keyasint"`
	RiskLevel        RiskLevel `cbor:"5,keyasint"`
	RequiresApproval bool      `cbor:"6,keyasint"`
	Timestamp        int64     `cbor:"7,keyasint"`
	Nonce            []byte    `cbor:"8,keyasint"`
}

// ActionPayload is the canonical encoding of the parts of a request that
// signatures cover. Context is excluded; it is evidence, not the action.
func ActionPayload(r *ActionRequest) []byte {
	return codec.MustMarshal(actionPayload{
		Domain:           "coven-sovereign/action/v1",
		ActionType:       r.ActionType,
		ActionData:       r.ActionData,
		EstimatedCost:    r.EstimatedCost,
		RiskLevel:        r.RiskLevel,
		RequiresApproval: r.RequiresApproval,
		Timestamp:        r.Timestamp,
		Nonce:            r.Nonce,
	})
}

// Method is the authorization path taken for a request.
type Method string

const (
	MethodDirectSignature    Method = "direct_signature"
	MethodDelegatedAuthority Method = "delegated_authority"
	MethodBiometricConfirmed Method = "biometric_confirmed"
	MethodContextualApproval Method = "contextual_approval"
	MethodExplicitApproval   Method = "explicit_approval"
)

// Security scores for successful authorizations.
const (
	ScoreDirectSignature    = 100
	ScoreBiometricConfirmed = 90
	ScoreDelegatedAuthority = 85
	ScoreContextualApproval = 60
)

// Denial reasons that short-circuit before a method is chosen.
const (
	ReasonNotReady       = "AgentNotReady"
	ReasonIntegrity      = "IntegrityCheckFailed"
	ReasonReplayDetected = "ReplayDetected"
	ReasonBondInvalid    = "BondInvalid"
	ReasonInternal       = "InternalError"
)

// AuthorizationResult is the decision returned to the caller.
type AuthorizationResult struct {
	Authorized          bool                   `json:"authorized"`
	AuthorizationMethod Method                 `json:"authorization_method,omitempty"`
	DualSignature       *dualsig.DualSignature `json:"dual_signature,omitempty"`
	ApprovalRequired    bool                   `json:"approval_required"`
	SpendingLimitCheck  bool                   `json:"spending_limit_check"`
	ContextValidation   bool                   `json:"context_validation"`
	SecurityScore       int                    `json:"security_score"`
	Reason              string                 `json:"reason,omitempty"`
}

func deny(reason string) *AuthorizationResult {
	return &AuthorizationResult{Reason: reason}
}
