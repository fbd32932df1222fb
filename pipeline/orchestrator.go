package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pipewise/lake/model"
)

// finishTimeout bounds the final accounting writes when the batch context
// is already cancelled.
const finishTimeout = 5 * time.Second

// Execute runs one sync batch: fetch, per-record state machine, exact
// accounting, finalization. The returned batch is persisted in its terminal
// state even when the connector failed; err is reserved for infrastructure
// failures that prevented the accounting itself.
//
// Incremental runs without an explicit since resume from the watermark of
// the last completed batch for the same (source, entity type). Full runs
// ignore watermarks and flush cached id resolutions.
func (p *Pipeline) Execute(ctx context.Context, et model.EntityType, mode model.SyncMode, since *model.Time) (*model.SyncBatch, error) {
	var err error
	if mode, err = model.ParseSyncMode(string(mode)); err != nil {
		return nil, err
	}

	switch mode {
	case model.SyncIncremental:
		if since == nil {
			if since, err = p.manager.Batches.Watermark(ctx, p.Source, et); err != nil {
				return nil, err
			}
		}
	case model.SyncFull:
		since = nil
		p.Normalizer.Flush()
	}

	var batch = &model.SyncBatch{Source: p.Source, EntityType: et, Since: since}
	if err = p.manager.StartSyncBatch(ctx, batch); err != nil {
		return nil, err
	}
	p.logStart(ctx, batch)

	log.WithFields(log.Fields{
		"source":     p.Source,
		"entityType": et,
		"batch":      batch.ID,
		"mode":       mode,
		"since":      since,
	}).Info("sync batch started")

	return p.finish(ctx, batch, p.runBatch(ctx, batch, et, since))
}

// SyncOne pulls a single record through the full pipeline, for webhook
// pushes and operator repairs. The batch is synthesized per invocation.
func (p *Pipeline) SyncOne(ctx context.Context, et model.EntityType, sourceID string) (*model.SyncBatch, error) {
	var batch = &model.SyncBatch{
		Source:     p.Source,
		EntityType: et,
		Metadata:   map[string]any{"single_record": sourceID},
	}
	if err := p.manager.StartSyncBatch(ctx, batch); err != nil {
		return nil, err
	}
	p.logStart(ctx, batch)
	return p.finish(ctx, batch, p.runOne(ctx, batch, et, sourceID))
}

// Replay reruns the post-raw pipeline over a stored batch's raw records.
// Raw writes are skipped: the originals are already durable, and replaying
// against unchanged canonical state converges to the same records.
func (p *Pipeline) Replay(ctx context.Context, batchID string) (*model.SyncBatch, error) {
	var orig, err = p.manager.Batches.Get(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("looking up batch %s: %w", batchID, err)
	}
	if orig.Source != p.Source {
		return nil, fmt.Errorf("batch %s belongs to source %s", batchID, orig.Source)
	}

	var raws []model.RawRecord
	if raws, err = p.manager.Raw.GetByBatch(ctx, orig.Source, orig.EntityType, batchID); err != nil {
		return nil, err
	}

	var batch = &model.SyncBatch{Source: orig.Source, EntityType: orig.EntityType, Since: orig.Since}
	batch.SetReplayOf(batchID)
	if err = p.manager.StartSyncBatch(ctx, batch); err != nil {
		return nil, err
	}
	p.logStart(ctx, batch)

	log.WithFields(log.Fields{
		"source":   p.Source,
		"batch":    batch.ID,
		"replayOf": batchID,
		"records":  len(raws),
	}).Info("replay started")

	if err = p.Mapper.Prepare(ctx, orig.EntityType); err != nil {
		return p.finish(ctx, batch, err)
	}
	for i := range raws {
		if ctx.Err() != nil {
			break
		}
		// A synthetic copy under the new batch; the original stays put.
		var raw = raws[i]
		raw.BatchID = batch.ID
		batch.Counts.Processed++
		p.runRecord(ctx, batch, &raw, true)
	}
	return p.finish(ctx, batch, nil)
}

// runBatch drives the fetch loop. Its error return is the batch-level
// connector error; per-record failures only move counters.
func (p *Pipeline) runBatch(ctx context.Context, batch *model.SyncBatch, et model.EntityType, since *model.Time) error {
	if err := p.Mapper.Prepare(ctx, et); err != nil {
		return err
	}
	if err := p.connect(ctx); err != nil {
		return err
	}
	defer p.disconnect(ctx)

	var it, err = p.Connector.FetchRecords(ctx, et, since, p.batchSize)
	if err != nil {
		return fail(model.ErrFetch, model.StageFetch, err)
	}
	defer it.Close()

	for {
		if ctx.Err() != nil {
			return nil // shutdown; finish marks the batch cancelled
		}
		var rec *SourceRecord
		if rec, err = it.Next(ctx); err == io.EOF {
			return nil
		} else if err != nil {
			// A broken stream can't be resumed mid-batch; records loaded so
			// far stay durable and the next incremental retries from the
			// previous watermark.
			return fail(model.ErrFetch, model.StageFetch, err)
		}

		var raw *model.RawRecord
		if raw, err = p.Mapper.ToRaw(ctx, et, rec, batch.ID); err != nil {
			batch.Counts.Processed++
			p.failRecord(ctx, batch, rec.ID, classify(err, model.ErrMapping, model.StageRawMapping))
			continue
		}
		// Connectors fetch write-date >= since so a same-timestamp write is
		// never lost, which re-serves the previous batch's boundary record.
		// Those were already ingested: skip them outside the counters.
		if since != nil && !raw.ModifiedAt.IsZero() && !raw.ModifiedAt.After(*since) {
			p.logRecord(ctx, batch, raw.SourceID, "", model.OutcomeSkipped, nil)
			continue
		}
		batch.Counts.Processed++
		p.runRecord(ctx, batch, raw, false)
	}
}

func (p *Pipeline) runOne(ctx context.Context, batch *model.SyncBatch, et model.EntityType, sourceID string) error {
	if err := p.Mapper.Prepare(ctx, et); err != nil {
		return err
	}
	if err := p.connect(ctx); err != nil {
		return err
	}
	defer p.disconnect(ctx)

	var rec, err = p.Connector.FetchRecord(ctx, et, sourceID)
	if err != nil {
		return fail(model.ErrFetch, model.StageFetch, err)
	}
	if rec == nil {
		return failf(model.ErrFetch, model.StageFetch, "source has no %s record %s", et, sourceID)
	}

	batch.Counts.Processed++
	var raw *model.RawRecord
	if raw, err = p.Mapper.ToRaw(ctx, et, rec, batch.ID); err != nil {
		p.failRecord(ctx, batch, rec.ID, classify(err, model.ErrMapping, model.StageRawMapping))
		return nil
	}
	p.runRecord(ctx, batch, raw, false)
	return nil
}

// connect establishes the source session, retrying a failure once.
func (p *Pipeline) connect(ctx context.Context) error {
	var err = p.Connector.Connect(ctx)
	if err == nil {
		return nil
	}
	log.WithFields(log.Fields{"source": p.Source, "err": err}).Warn("connect failed, retrying once")

	if err = p.Connector.Connect(ctx); err != nil {
		return fail(model.ErrConnection, model.StageConnect, err)
	}
	return nil
}

func (p *Pipeline) disconnect(ctx context.Context) {
	if err := p.Connector.Disconnect(context.WithoutCancel(ctx)); err != nil {
		log.WithFields(log.Fields{"source": p.Source, "err": err}).Warn("disconnect failed")
	}
}

// runRecord drives one raw record through the pipeline and moves exactly
// one outcome counter. Processed was already counted by the caller.
//
// The raw write lands before mapping: a record that fails a later stage is
// still captured, so a replay after the mapping or validation is fixed can
// recover it without re-fetching the source. Replays skip the write; their
// originals are already durable.
func (p *Pipeline) runRecord(ctx context.Context, batch *model.SyncBatch, raw *model.RawRecord, replay bool) {
	if errs := p.Validator.ValidateRaw(raw); len(errs) > 0 {
		p.failRecord(ctx, batch, raw.SourceID,
			failf(model.ErrValidation, model.StageValidation, "%s", joinFindings(errs)))
		return
	}
	if !replay {
		if _, err := p.Loader.LoadRaw(ctx, raw); err != nil {
			p.failRecord(ctx, batch, raw.SourceID, classify(err, model.ErrStore, model.StageLoad))
			return
		}
	}

	var outcome, entityID, err = p.processRaw(ctx, raw)
	if err != nil {
		p.failRecord(ctx, batch, raw.SourceID, err)
		return
	}

	switch outcome {
	case model.OutcomeCreated:
		batch.Counts.Created++
	case model.OutcomeUpdated:
		batch.Counts.Updated++
	}
	if !raw.ModifiedAt.IsZero() {
		batch.ObserveWatermark(raw.ModifiedAt)
	}
	p.logRecord(ctx, batch, raw.SourceID, entityID, outcome, nil)
}

// processRaw is the post-raw state machine shared by live syncs and
// replays: map to canonical, validate, normalize, deduplicate, resolve,
// load canonical, refresh serving.
func (p *Pipeline) processRaw(ctx context.Context, raw *model.RawRecord) (model.Outcome, string, error) {
	var e, err = p.Mapper.ToCanonical(ctx, raw)
	if err != nil {
		return "", "", classify(err, model.ErrMapping, model.StageCanonicalMapping)
	}
	if errs := p.Validator.ValidateCanonical(e); len(errs) > 0 {
		return "", "", failf(model.ErrValidation, model.StageValidation, "%s", joinFindings(errs))
	}

	p.Normalizer.Normalize(e)

	// The founding reference, before deduplication grafts a stored identity.
	var ref = e.Env().FoundingRef()

	if _, err = p.Normalizer.Deduplicate(ctx, e); err != nil {
		return "", "", classify(err, model.ErrDedupConflict, model.StageDedupe)
	}
	if err = p.Normalizer.ResolveReferences(ctx, e); err != nil {
		return "", "", classify(err, model.ErrStore, model.StageResolve)
	}

	var res, loadErr = p.Loader.LoadCanonical(ctx, e, ref, raw.BatchID)
	if loadErr != nil {
		return "", "", classify(loadErr, model.ErrStore, model.StageLoad)
	}

	if err = p.Loader.LoadServing(ctx, res); err != nil {
		log.WithFields(log.Fields{
			"source":    raw.Source,
			"sourceID":  raw.SourceID,
			"errorKind": model.ErrServingRefresh,
			"err":       err,
		}).Warn("serving refresh failed")
	}

	if res.IsNew {
		return model.OutcomeCreated, res.ID, nil
	}
	return model.OutcomeUpdated, res.ID, nil
}

func (p *Pipeline) failRecord(ctx context.Context, batch *model.SyncBatch, sourceID string, err error) {
	batch.Counts.Failed++
	batch.AddError(fmt.Sprintf("%s: %v", sourceID, err))
	p.logRecord(ctx, batch, sourceID, "", model.OutcomeFailed, err)
}

// finish persists the batch's terminal state. When the context was
// cancelled mid-run the final writes get a fresh deadline, so shutdown
// never loses the accounting.
func (p *Pipeline) finish(ctx context.Context, batch *model.SyncBatch, connectorErr error) (*model.SyncBatch, error) {
	var saveCtx = ctx
	var interrupted = ctx.Err() != nil
	if interrupted {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer cancel()
	}

	if interrupted && connectorErr == nil {
		batch.Cancel(p.nowFn())
		if err := p.manager.Batches.Save(saveCtx, batch); err != nil {
			return batch, err
		}
	} else if err := p.manager.CompleteSyncBatch(saveCtx, batch, connectorErr); err != nil {
		return batch, err
	}
	p.logComplete(saveCtx, batch)

	log.WithFields(log.Fields{
		"source":     batch.Source,
		"entityType": batch.EntityType,
		"batch":      batch.ID,
		"status":     batch.Status,
		"processed":  batch.Counts.Processed,
		"created":    batch.Counts.Created,
		"updated":    batch.Counts.Updated,
		"failed":     batch.Counts.Failed,
	}).Info("sync batch finished")
	return batch, nil
}

func (p *Pipeline) logStart(ctx context.Context, batch *model.SyncBatch) {
	if err := p.Logger.LogSyncStart(ctx, batch); err != nil {
		log.WithFields(log.Fields{"batch": batch.ID, "err": err}).Warn("sync log write failed")
	}
}

func (p *Pipeline) logComplete(ctx context.Context, batch *model.SyncBatch) {
	if err := p.Logger.LogSyncComplete(ctx, batch); err != nil {
		log.WithFields(log.Fields{"batch": batch.ID, "err": err}).Warn("sync log write failed")
	}
}

func (p *Pipeline) logRecord(ctx context.Context, batch *model.SyncBatch, sourceID, entityID string,
	outcome model.Outcome, recordErr error) {
	if err := p.Logger.LogRecord(ctx, batch, sourceID, entityID, outcome, recordErr); err != nil {
		log.WithFields(log.Fields{"batch": batch.ID, "err": err}).Warn("sync log write failed")
	}
}
