package portfolio

import (
	"context"
	"database/sql/driver"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"YieldScout/internal/domain"
	xerrors "YieldScout/internal/errors"
	"YieldScout/internal/storage/mysql/mysqltest"
)

type fixedScorer struct{}

func (fixedScorer) Score(opp domain.Opportunity) (domain.RiskScore, domain.YieldMetrics) {
	return domain.RiskScore{Ref: opp.Ref, Composite: decimal.NewFromInt(30)},
		domain.YieldMetrics{Ref: opp.Ref, EffectiveAPY: opp.APY}
}

var (
	entryAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	usdc    = domain.OpportunityRef{ProtocolID: "aave-v3", PoolID: "usdc"}
)

func newTracker(now time.Time) *Tracker {
	return NewTracker(NewMemoryStore(), fixedScorer{}, WithClock(func() time.Time { return now }))
}

func TestSnapshotUsesCurrentData(t *testing.T) {
	tracker := newTracker(entryAt.AddDate(0, 0, 73))
	ctx := context.Background()

	_, err := tracker.RecordEntry(ctx, "u1", usdc, decimal.NewFromInt(10000), entryAt)
	require.NoError(t, err)

	snaps, degradations, err := tracker.Snapshot(ctx, "u1", []domain.Opportunity{
		{Ref: usdc, APY: decimal.RequireFromString("0.05")},
	})
	require.NoError(t, err)
	require.Empty(t, degradations)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Priced)
	// 73 天 = 0.2 年
	assert.True(t, snaps[0].CurrentValue.Equal(decimal.NewFromInt(10100)), snaps[0].CurrentValue.String())
	require.NotNil(t, snaps[0].Risk)

	repriced, _, err := tracker.Snapshot(ctx, "u1", []domain.Opportunity{
		{Ref: usdc, APY: decimal.RequireFromString("0.10")},
	})
	require.NoError(t, err)
	assert.True(t, repriced[0].CurrentValue.Equal(decimal.NewFromInt(10200)))
}

func TestSnapshotUnpricedWhenOpportunityMissing(t *testing.T) {
	tracker := newTracker(entryAt.Add(48 * time.Hour))
	ctx := context.Background()
	_, err := tracker.RecordEntry(ctx, "u1", usdc, decimal.NewFromInt(500), entryAt)
	require.NoError(t, err)

	snaps, degradations, err := tracker.Snapshot(ctx, "u1", nil)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.False(t, snaps[0].Priced)
	assert.True(t, snaps[0].CurrentValue.Equal(decimal.NewFromInt(500)))
	require.Len(t, degradations, 1)
	assert.Equal(t, domain.DegradeUnpriced, degradations[0].Kind)
}

func TestRecordExit(t *testing.T) {
	tracker := newTracker(entryAt.Add(time.Hour))
	ctx := context.Background()
	pos, err := tracker.RecordEntry(ctx, "u1", usdc, decimal.NewFromInt(1), entryAt)
	require.NoError(t, err)

	_, err = tracker.RecordExit(ctx, "u2", pos.ID, time.Time{})
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))

	_, err = tracker.RecordExit(ctx, "u1", pos.ID, entryAt.Add(-time.Minute))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	closed, err := tracker.RecordExit(ctx, "u1", pos.ID, time.Time{})
	require.NoError(t, err)
	assert.False(t, closed.Open())

	_, err = tracker.RecordExit(ctx, "u1", pos.ID, time.Time{})
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))

	snaps, _, err := tracker.Snapshot(ctx, "u1", nil)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestRecordEntryValidates(t *testing.T) {
	tracker := newTracker(entryAt)
	ctx := context.Background()
	_, err := tracker.RecordEntry(ctx, "", usdc, decimal.NewFromInt(1), entryAt)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	_, err = tracker.RecordEntry(ctx, "u1", usdc, decimal.Zero, entryAt)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	_, err = tracker.RecordEntry(ctx, "u1", domain.OpportunityRef{ProtocolID: "p"}, decimal.NewFromInt(1), entryAt)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func (t *Tracker) lockedUsers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

func TestConcurrentEntriesPerUser(t *testing.T) {
	tracker := newTracker(entryAt)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", i%2)
			_, err := tracker.RecordEntry(ctx, user, usdc, decimal.NewFromInt(int64(i+1)), entryAt)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for _, user := range []string{"u0", "u1"} {
		positions, err := tracker.Positions(ctx, user)
		require.NoError(t, err)
		assert.Len(t, positions, 10)
	}
	assert.Zero(t, tracker.lockedUsers(), "released user locks must not accumulate")
}

func TestMySQLStoreRoundTrip(t *testing.T) {
	exit := entryAt.Add(time.Hour)
	db, drv := mysqltest.NewDB(t,
		mysqltest.Exec(`INSERT INTO positions (id, user_id, protocol_id, pool_id, principal, entry_at, exit_at) VALUES (?, ?, ?, ?, ?, ?, ?)`, mysqltest.Result{Affected: 1}),
		mysqltest.Query(`SELECT id, user_id, protocol_id, pool_id, principal, entry_at, exit_at FROM positions WHERE user_id = ? ORDER BY entry_at ASC, id ASC`, mysqltest.Rows{
			Columns: []string{"id", "user_id", "protocol_id", "pool_id", "principal", "entry_at", "exit_at"},
			Values: [][]driver.Value{
				{"p1", "u1", "aave-v3", "usdc", []byte("1250.500000000000000000"), entryAt.Unix(), nil},
				{"p2", "u1", "curve", "3pool", []byte("10"), entryAt.Unix(), exit.Unix()},
			},
		}),
		mysqltest.Exec(`UPDATE positions SET principal = ?, exit_at = ? WHERE id = ?`, mysqltest.Result{Affected: 0}),
	)
	store := NewMySQLStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, domain.Position{ID: "p1", UserID: "u1", Ref: usdc, Principal: decimal.RequireFromString("1250.5"), EntryTimestamp: entryAt}))
	args := drv.Args(0)
	require.Len(t, args, 7)
	assert.Equal(t, "1250.5", args[4])
	assert.Nil(t, args[6])

	positions, err := store.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.True(t, positions[0].Principal.Equal(decimal.RequireFromString("1250.5")))
	assert.True(t, positions[0].Open())
	require.NotNil(t, positions[1].ExitTimestamp)
	assert.Equal(t, exit, *positions[1].ExitTimestamp)

	err = store.Update(ctx, domain.Position{ID: "missing", Principal: decimal.NewFromInt(1)})
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	drv.AssertConsumed(t)
}
