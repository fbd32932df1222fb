package lake

import (
	"context"
	"testing"
	"time"

	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/store"
	"github.com/stretchr/testify/require"
)

func fixedTime(day int) model.Time {
	return model.At(time.Date(2026, time.March, day, 12, 0, 0, 0, time.UTC))
}

func TestRawStoreIsAppendOnly(t *testing.T) {
	var ctx = context.Background()
	var z = NewRawZone(store.NewMemory())

	var payload = map[string]any{"Name": "Acme", "Revenue": 12.5, "Tags": []any{"a", "b"}}
	var rec, err = z.Store(ctx, "sf", model.EntityAccount, "0011", payload, "b1", fixedTime(1))
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)

	// A later write for the same source ID appends; it never rewrites.
	var changed = map[string]any{"Name": "Acme Corp"}
	_, err = z.Store(ctx, "sf", model.EntityAccount, "0011", changed, "b2", fixedTime(2))
	require.NoError(t, err)

	var batch1 []model.RawRecord
	batch1, err = z.GetByBatch(ctx, "sf", model.EntityAccount, "b1")
	require.NoError(t, err)
	require.Len(t, batch1, 1)
	require.Equal(t, payload, batch1[0].Payload)
	require.Equal(t, "0011", batch1[0].SourceID)

	var latest *model.RawRecord
	latest, err = z.GetLatestBySourceID(ctx, "sf", model.EntityAccount, "0011")
	require.NoError(t, err)
	require.Equal(t, changed, latest.Payload)
	require.Equal(t, "b2", latest.BatchID)
}

func TestRawIngestTimesAreStrictlyMonotonic(t *testing.T) {
	var ctx = context.Background()
	var z = NewRawZone(store.NewMemory())

	// Freeze the clock: ordering must come from the zone, not the wall.
	z.nowFn = func() model.Time { return fixedTime(1) }

	for i := 0; i < 5; i++ {
		var _, err = z.Store(ctx, "sf", model.EntityContact, "c1",
			map[string]any{"n": float64(i)}, "b1", fixedTime(1))
		require.NoError(t, err)
	}

	var recs, err = z.GetByBatch(ctx, "sf", model.EntityContact, "b1")
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for i := 1; i < len(recs); i++ {
		require.True(t, recs[i].IngestedAt.After(recs[i-1].IngestedAt))
		require.Equal(t, float64(i), recs[i].Payload["n"])
	}
}

func TestRawStoreValidatesInputs(t *testing.T) {
	var ctx = context.Background()
	var z = NewRawZone(store.NewMemory())

	var _, err = z.Store(ctx, "", model.EntityAccount, "1", map[string]any{"a": 1}, "b", fixedTime(1))
	require.Error(t, err)
	_, err = z.Store(ctx, "sf", model.EntityAccount, "", map[string]any{"a": 1}, "b", fixedTime(1))
	require.Error(t, err)
	_, err = z.Store(ctx, "sf", model.EntityAccount, "1", nil, "b", fixedTime(1))
	require.Error(t, err)
}

func TestRawLatestSyncTimeAndDistinctIDs(t *testing.T) {
	var ctx = context.Background()
	var z = NewRawZone(store.NewMemory())

	var latest, err = z.LatestSyncTime(ctx, "odoo", model.EntityContact)
	require.NoError(t, err)
	require.Nil(t, latest)

	for _, rec := range []struct {
		id  string
		mod model.Time
	}{
		{"10", fixedTime(10)},
		{"20", fixedTime(20)},
		{"10", fixedTime(21)}, // same source record, pulled again
	} {
		_, err = z.Store(ctx, "odoo", model.EntityContact, rec.id,
			map[string]any{"id": rec.id}, "b1", rec.mod)
		require.NoError(t, err)
	}

	latest, err = z.LatestSyncTime(ctx, "odoo", model.EntityContact)
	require.NoError(t, err)
	require.NotNil(t, latest)

	var distinct int64
	distinct, err = z.CountDistinctSourceIDs(ctx, "odoo", model.EntityContact)
	require.NoError(t, err)
	require.Equal(t, int64(2), distinct)
}

func TestRawBulkStoreStopsAtFirstFailure(t *testing.T) {
	var ctx = context.Background()
	var z = NewRawZone(store.NewMemory())

	var records = []model.RawRecord{
		{SourceID: "1", Payload: map[string]any{"a": 1.0}},
		{SourceID: "", Payload: map[string]any{"a": 2.0}}, // invalid
		{SourceID: "3", Payload: map[string]any{"a": 3.0}},
	}
	var n, err = z.BulkStore(ctx, "sf", model.EntityAccount, records, "b1")
	require.Error(t, err)
	require.Equal(t, int64(1), n)

	var stored []model.RawRecord
	stored, err = z.GetByBatch(ctx, "sf", model.EntityAccount, "b1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
}
