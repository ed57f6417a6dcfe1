// ABOUTME: Replay protection backends for request nonces
// ABOUTME: Durable store-backed claims, plus an in-memory cache with a known restart gap

package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-sovereign/internal/dedupe"
	"github.com/2389/coven-sovereign/internal/store"
)

// NonceStore records request nonces. Claim must be atomic: among concurrent
// claims of the same live nonce exactly one returns true.
type NonceStore interface {
	Claim(ctx context.Context, nonce []byte, seenAt, expiresAt time.Time) (bool, error)
}

// DurableNonces keeps claims in the persistent store so replay protection
// survives restarts.
type DurableNonces struct {
	store store.NonceStore
}

// NewDurableNonces wraps a persistent nonce table.
func NewDurableNonces(st store.NonceStore) *DurableNonces {
	return &DurableNonces{store: st}
}

// Claim records nonce until expiresAt.
func (d *DurableNonces) Claim(ctx context.Context, nonce []byte, seenAt, expiresAt time.Time) (bool, error) {
	ok, err := d.store.ClaimNonce(ctx, nonce, seenAt, expiresAt)
	if err != nil {
		return false, fmt.Errorf("claiming nonce: %w", err)
	}
	return ok, nil
}

// Prune drops claims that lapsed before now.
func (d *DurableNonces) Prune(ctx context.Context, now time.Time) (int64, error) {
	return d.store.PruneNonces(ctx, now)
}

// MemoryNonceStore keeps claims in process memory. Claims are lost on
// restart, so a request replayed across a restart within the skew window is
// accepted. It also fails closed once full of live nonces.
type MemoryNonceStore struct {
	cache *dedupe.Cache
}

// NewMemoryNonceStore creates an in-memory store that retains each nonce for
// retention. expiresAt passed to Claim is ignored in favor of retention.
func NewMemoryNonceStore(retention time.Duration, maxSize int, logger *slog.Logger) *MemoryNonceStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger.Warn("using in-memory nonce store; replay protection does not survive restarts",
		"component", "authz", "retention", retention, "max_size", maxSize)
	return &MemoryNonceStore{cache: dedupe.New(retention, maxSize)}
}

// Claim records nonce if it is not live.
func (m *MemoryNonceStore) Claim(_ context.Context, nonce []byte, _, _ time.Time) (bool, error) {
	err := m.cache.Claim(string(nonce))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, dedupe.ErrDuplicate):
		return false, nil
	default:
		return false, fmt.Errorf("claiming nonce: %w", err)
	}
}

// Close stops the cache's background cleanup.
func (m *MemoryNonceStore) Close() {
	m.cache.Close()
}
