// ABOUTME: Pluggable collaborators: contextual pattern policies, biometric attestors, approval notifiers
// ABOUTME: RecentActivityPolicy approves repeats of recently seen low-risk actions

package authz

import (
	"context"
	"math"
	"slices"
	"time"
)

// PatternPolicy decides whether a request fits an established behavior
// pattern. It is only consulted for non-critical requests.
type PatternPolicy interface {
	Fits(req *ActionRequest, now time.Time) bool
}

// BiometricAttestor confirms that a BiometricAuth was produced by a real
// ceremony rather than asserted by the caller.
type BiometricAttestor interface {
	Confirm(ctx context.Context, auth *BiometricAuth) bool
}

// ApprovalNotifier is told when a request needs explicit owner approval.
// It is called synchronously on the authorization path and should return quickly.
type ApprovalNotifier interface {
	NotifyApprovalRequired(ctx context.Context, req *ActionRequest, res *AuthorizationResult)
}

// RecentActivityPolicy accepts a request when the supplied recent activity
// shows at least MinOccurrences actions of the same type within Window, and
// the request costs no more than the largest of those.
type RecentActivityPolicy struct {
	MinOccurrences int
	Window         time.Duration
	MaxCost        float64
	MaxRisk        RiskLevel
	ActionTypes    []string
}

// Fits implements PatternPolicy.
func (p *RecentActivityPolicy) Fits(req *ActionRequest, now time.Time) bool {
	if req.RiskLevel == RiskCritical {
		return false
	}
	maxRisk := p.MaxRisk
	if maxRisk == "" || maxRisk == RiskCritical {
		maxRisk = RiskMedium
	}
	if !req.RiskLevel.AtMost(maxRisk) || req.EstimatedCost > p.MaxCost {
		return false
	}
	if len(p.ActionTypes) > 0 && !slices.Contains(p.ActionTypes, req.ActionType) {
		return false
	}

	count := 0
	largest := math.Inf(-1)
	since := now.Add(-p.Window)
	for _, a := range req.Context.RecentActivity {
		if a.ActionType != req.ActionType || a.At.Before(since) || a.At.After(now) {
			continue
		}
		count++
		largest = max(largest, a.Cost)
	}
	return count >= max(p.MinOccurrences, 1) && req.EstimatedCost <= largest
}
