package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *ProjectionQueries {
	t.Helper()
	database, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, ApplyMigrations(database))
	return NewProjectionQueries(database)
}

func TestPositionUpsertMonotonicSeqGuard(t *testing.T) {
	q := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	row := PositionRow{
		TenantID: "tenant-1", PositionID: "pos-1", AccountID: "acct-1",
		Symbol: "BTCUSDT", Side: "long", State: "armed",
		CreatedAt: sqlTime(now), UpdatedAt: sqlTime(now),
		LastEventID: "evt-1", LastSeq: 1,
	}
	require.NoError(t, q.UpsertPosition(ctx, row))

	t.Run("seq=1 then seq=2 advances", func(t *testing.T) {
		row.State = "active"
		row.LastEventID = "evt-2"
		row.LastSeq = 2
		require.NoError(t, q.UpsertPosition(ctx, row))

		got, err := q.GetPosition(ctx, "tenant-1", "pos-1")
		require.NoError(t, err)
		assert.Equal(t, "active", got.State)
		assert.Equal(t, int64(2), got.LastSeq)
	})

	t.Run("stale re-delivery at seq=2 is dropped", func(t *testing.T) {
		stale := row
		stale.State = "error"
		stale.LastEventID = "evt-stale"
		stale.LastSeq = 2
		require.NoError(t, q.UpsertPosition(ctx, stale))

		got, err := q.GetPosition(ctx, "tenant-1", "pos-1")
		require.NoError(t, err)
		assert.Equal(t, "active", got.State, "a seq <= last_seq must never regress the row")
		assert.Equal(t, "evt-2", got.LastEventID)
	})
}

func TestFindActivePositionsFiltersByState(t *testing.T) {
	q := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	base := PositionRow{TenantID: "t1", AccountID: "a1", Symbol: "BTCUSDT", Side: "long",
		CreatedAt: sqlTime(now), UpdatedAt: sqlTime(now), LastEventID: "e", LastSeq: 1}

	armed := base
	armed.PositionID = "p-armed"
	armed.State = "armed"
	require.NoError(t, q.UpsertPosition(ctx, armed))

	closed := base
	closed.PositionID = "p-closed"
	closed.State = "closed"
	require.NoError(t, q.UpsertPosition(ctx, closed))

	active, err := q.FindActivePositions(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "p-armed", active[0].PositionID)
}

func TestFillDedup(t *testing.T) {
	q := openTestDB(t)
	ctx := context.Background()

	has, err := q.HasFill(ctx, "t1", "order-1", "trade-1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, q.RecordFill(ctx, "t1", "order-1", "trade-1", "95000", "0.01", "0.1", time.Now().UTC()))
	// Recording the same exchange trade id again must not error or duplicate.
	require.NoError(t, q.RecordFill(ctx, "t1", "order-1", "trade-1", "95000", "0.01", "0.1", time.Now().UTC()))

	has, err = q.HasFill(ctx, "t1", "order-1", "trade-1")
	require.NoError(t, err)
	assert.True(t, has)
}

func sqlTime(t time.Time) sql.NullTime { return sql.NullTime{Time: t, Valid: true} }
