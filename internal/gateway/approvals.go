// ABOUTME: In-memory queue of requests that are waiting for explicit owner approval
// ABOUTME: Implements the engine's approval notifier and backs GET /v1/approvals

package gateway

import (
	"context"
	"encoding/hex"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/coven-sovereign/internal/authz"
)

// PendingApproval is a denied request the owner may want to approve out of band.
type PendingApproval struct {
	ActionType    string          `json:"action_type"`
	EstimatedCost float64         `json:"estimated_cost"`
	RiskLevel     authz.RiskLevel `json:"risk_level"`
	Method        authz.Method    `json:"method"`
	Reason        string          `json:"reason"`
	Nonce         string          `json:"nonce"`
	RequestedAt   time.Time       `json:"requested_at"`
}

// ApprovalQueue keeps the most recent pending approvals.
type ApprovalQueue struct {
	mu     sync.Mutex
	items  []PendingApproval
	max    int
	logger *slog.Logger
}

// NewApprovalQueue creates a queue holding at most limit entries.
func NewApprovalQueue(limit int, logger *slog.Logger) *ApprovalQueue {
	if limit <= 0 {
		limit = 100
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ApprovalQueue{max: limit, logger: logger.With("component", "approvals")}
}

// NotifyApprovalRequired implements authz.ApprovalNotifier.
func (q *ApprovalQueue) NotifyApprovalRequired(_ context.Context, req *authz.ActionRequest, res *authz.AuthorizationResult) {
	p := PendingApproval{
		ActionType:    req.ActionType,
		EstimatedCost: req.EstimatedCost,
		RiskLevel:     req.RiskLevel,
		Method:        res.AuthorizationMethod,
		Reason:        res.Reason,
		Nonce:         hex.EncodeToString(req.Nonce),
		RequestedAt:   req.Time().UTC(),
	}

	q.mu.Lock()
	q.items = append(q.items, p)
	if over := len(q.items) - q.max; over > 0 {
		q.items = slices.Delete(q.items, 0, over)
	}
	q.mu.Unlock()

	q.logger.Info("owner approval required", "action_type", p.ActionType, "risk_level", p.RiskLevel, "nonce", p.Nonce)
}

// List returns pending approvals, newest first.
func (q *ApprovalQueue) List() []PendingApproval {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := slices.Clone(q.items)
	slices.Reverse(out)
	if out == nil {
		out = []PendingApproval{}
	}
	return out
}

var _ authz.ApprovalNotifier = (*ApprovalQueue)(nil)
