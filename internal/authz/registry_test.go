// ABOUTME: Tests for the delegated permission registry and contextual policy
// ABOUTME: Covers persistence, reload, restore, re-signing, and snapshot isolation

package authz

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sovereign/internal/store"
)

func TestRegistry_PersistAndReload(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.grant(t, "send_payment", 100)
	f.grant(t, "book_travel", 500)

	fresh := NewPermissionRegistry(f.store, f.signer, nil)
	require.NoError(t, fresh.Load(ctx))

	snap := fresh.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, 100.0, snap["send_payment"].SpendingLimit)
	assert.True(t, fresh.Lookup("book_travel").Verify(f.signer.OwnerKey()))
}

func TestRegistry_LoadSkipsForgedRecords(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.grant(t, "send_payment", 100)

	records, err := f.store.ListPermissions(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	forged := *records[0]
	forged.ActionType = "wire_transfer"
	require.NoError(t, f.store.SavePermission(ctx, &forged))
	require.NoError(t, f.store.SavePermission(ctx, &store.PermissionRecord{ActionType: "junk", Record: []byte{0xff}}))

	fresh := NewPermissionRegistry(f.store, f.signer, nil)
	require.NoError(t, fresh.Load(ctx))
	assert.Len(t, fresh.Snapshot(), 1)
	assert.Nil(t, fresh.Lookup("wire_transfer"))
}

func TestRegistry_Revoke(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.grant(t, "send_payment", 100)

	removed, err := f.engine.RevokeDelegatedPermission(ctx, "send_payment")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, f.engine.DelegatedPermissions())

	removed, err = f.engine.RevokeDelegatedPermission(ctx, "send_payment")
	require.NoError(t, err)
	assert.False(t, removed)

	res := f.engine.AuthorizeAction(ctx, f.request("send_payment", 1, RiskLow))
	assert.Equal(t, MethodExplicitApproval, res.AuthorizationMethod)
}

func TestRegistry_RevokeTrimsActionType(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.grant(t, "  send_payment\t", 100)
	require.Contains(t, f.engine.DelegatedPermissions(), "send_payment")

	removed, err := f.engine.RevokeDelegatedPermission(ctx, " send_payment ")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, f.engine.DelegatedPermissions())

	records, err := f.store.ListPermissions(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	removed, err = f.engine.RevokeDelegatedPermission(ctx, "   ")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRegistry_InvalidSpecs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	specs := []PermissionSpec{
		{SpendingLimit: -1, TimeLimit: time.Hour},
		{SpendingLimit: 10},
		{SpendingLimit: 10, TimeLimit: time.Hour, Restrictions: ContextRestrictions{MaxRisk: "severe"}},
		{SpendingLimit: 10, TimeLimit: time.Hour, Restrictions: ContextRestrictions{TimeWindow: &TimeWindow{StartHour: 9, EndHour: 9}}},
	}
	for _, spec := range specs {
		_, err := f.engine.CreateDelegatedPermission(ctx, "send_payment", spec)
		assert.ErrorIs(t, err, ErrInvalidPermission)
	}
	_, err := f.engine.CreateDelegatedPermission(ctx, "  ", PermissionSpec{SpendingLimit: 1, TimeLimit: time.Hour})
	assert.ErrorIs(t, err, ErrInvalidPermission)
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.CreateDelegatedPermission(context.Background(), "book_travel", PermissionSpec{
		SpendingLimit: 500,
		TimeLimit:     time.Hour,
		Restrictions:  ContextRestrictions{AllowedLocations: []string{"US"}},
	})
	require.NoError(t, err)

	snap := f.engine.DelegatedPermissions()
	p := snap["book_travel"]
	p.Restrictions.AllowedLocations[0] = "anywhere"

	assert.Equal(t, "US", f.engine.Permissions().Lookup("book_travel").Restrictions.AllowedLocations[0])
}

func TestRegistry_RestoreRejectsForeignSignatures(t *testing.T) {
	a := newFixture(t, nil)
	b := newFixture(t, nil)
	a.grant(t, "send_payment", 100)

	err := b.engine.Permissions().Restore(context.Background(), a.engine.Permissions().List())
	assert.ErrorIs(t, err, ErrInvalidPermission)
	assert.Empty(t, b.engine.DelegatedPermissions())

	require.NoError(t, a.engine.Permissions().Restore(context.Background(), a.engine.Permissions().List()))
}

func TestRegistry_Resign(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "send_payment", 100)
	before := f.engine.Permissions().Lookup("send_payment")

	require.NoError(t, f.engine.Permissions().Resign(context.Background()))
	after := f.engine.Permissions().Lookup("send_payment")
	assert.True(t, after.Verify(f.signer.OwnerKey()))
	assert.Equal(t, before.ExpiresAt, after.ExpiresAt)
}

func TestRegistry_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if p := f.engine.Permissions().Lookup("send_payment"); p != nil {
				assert.True(t, p.Verify(f.signer.OwnerKey()))
			}
		}
	}()

	for i := 0; i < 20; i++ {
		f.grant(t, "send_payment", float64(i))
		_, err := f.engine.RevokeDelegatedPermission(ctx, "send_payment")
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

func TestTimeWindow(t *testing.T) {
	day := TimeWindow{StartHour: 9, EndHour: 17}
	night := TimeWindow{StartHour: 22, EndHour: 6}
	at := func(h int) time.Time { return time.Date(2026, 5, 1, h, 30, 0, 0, time.UTC) }

	assert.True(t, day.contains(at(9)))
	assert.False(t, day.contains(at(17)))
	assert.True(t, night.contains(at(23)))
	assert.True(t, night.contains(at(2)))
	assert.False(t, night.contains(at(12)))
}

func TestRecentActivityPolicy(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	p := &RecentActivityPolicy{MinOccurrences: 2, Window: time.Hour, MaxCost: 25, ActionTypes: []string{"order_coffee"}}
	req := &ActionRequest{
		ActionType:    "order_coffee",
		EstimatedCost: 5,
		RiskLevel:     RiskLow,
		Context: RequestContext{RecentActivity: []ActivityRecord{
			{ActionType: "order_coffee", Cost: 5, At: now.Add(-5 * time.Minute)},
			{ActionType: "order_coffee", Cost: 4, At: now.Add(-50 * time.Minute)},
			{ActionType: "order_coffee", Cost: 100, At: now.Add(-2 * time.Hour)},
		}},
	}
	assert.True(t, p.Fits(req, now))

	high := *req
	high.RiskLevel = RiskHigh
	assert.False(t, p.Fits(&high, now))

	critical := *req
	critical.RiskLevel = RiskCritical
	assert.False(t, (&RecentActivityPolicy{MinOccurrences: 1, Window: time.Hour, MaxCost: 1e9, MaxRisk: RiskCritical}).Fits(&critical, now))

	other := *req
	other.ActionType = "order_tea"
	assert.False(t, p.Fits(&other, now))

	// Only one occurrence remains inside a shorter window.
	assert.False(t, (&RecentActivityPolicy{MinOccurrences: 2, Window: 10 * time.Minute, MaxCost: 25}).Fits(req, now))
}

func TestMemoryNonceStore(t *testing.T) {
	m := NewMemoryNonceStore(time.Minute, 2, nil)
	defer m.Close()
	ctx := context.Background()
	now := time.Now()

	ok, err := m.Claim(ctx, []byte("a"), now, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Claim(ctx, []byte("a"), now, now)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Claim(ctx, []byte("b"), now, now)
	require.NoError(t, err)

	// Full of live nonces: fail closed rather than forget one.
	ok, err = m.Claim(ctx, []byte("c"), now, now)
	assert.Error(t, err)
	assert.False(t, ok)
}
