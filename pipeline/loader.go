package pipeline

import (
	"context"

	"github.com/pipewise/lake/lake"
	"github.com/pipewise/lake/model"
)

// LakeLoader writes the three zones through the lake manager, so every
// canonical load carries its audit entry regardless of which sync path
// drove it.
type LakeLoader struct {
	Manager *lake.Manager
}

// LoadRaw appends the record to the raw zone and backfills the zone's
// assigned id and ingest time onto it.
func (l *LakeLoader) LoadRaw(ctx context.Context, raw *model.RawRecord) (string, error) {
	var stored, err = l.Manager.Raw.Store(ctx, raw.Source, raw.EntityType, raw.SourceID,
		raw.Payload, raw.BatchID, raw.ModifiedAt)
	if err != nil {
		return "", fail(model.ErrStore, model.StageLoad, err)
	}
	raw.ID = stored.ID
	raw.IngestedAt = stored.IngestedAt
	return stored.ID, nil
}

// LoadCanonical upserts the entity and audits the write.
func (l *LakeLoader) LoadCanonical(ctx context.Context, e model.Entity, ref model.SourceRef, batchID string) (*lake.UpsertResult, error) {
	var res, err = l.Manager.LoadCanonical(ctx, e, ref, batchID, "")
	if err != nil {
		return nil, fail(model.ErrStore, model.StageLoad, err)
	}
	return res, nil
}

// LoadServing refreshes the serving views derived from the written record.
func (l *LakeLoader) LoadServing(ctx context.Context, res *lake.UpsertResult) error {
	if err := l.Manager.RefreshServing(ctx, res.After); err != nil {
		return fail(model.ErrServingRefresh, model.StageServing, err)
	}
	return nil
}
