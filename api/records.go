package api

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/pipewise/lake/lake"
	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/store"
	"github.com/pipewise/lake/visibility"
)

// Query returns canonical records the caller may see, applying the
// caller's visibility scope on top of any extra filters.
func (s *Service) Query(ctx context.Context, et model.EntityType, caller visibility.Context,
	filters store.Predicate, sort []store.Sort, limit, skip int) ([]model.Entity, error) {
	return s.manager.QueryEntities(ctx, et, caller, filters, sort, limit, skip)
}

// Entity returns one canonical record. Records outside the caller's scope
// read as not found.
func (s *Service) Entity(ctx context.Context, et model.EntityType, id string, caller visibility.Context) (model.Entity, error) {
	return s.manager.GetEntity(ctx, et, id, caller)
}

// Dashboard returns the caller's dashboard: stats, pipeline summary, feed,
// and KPI trend, computing missing serving documents on demand.
func (s *Service) Dashboard(ctx context.Context, caller visibility.Context, period model.Period) (*lake.DashboardData, error) {
	return s.manager.GetDashboardData(ctx, caller, period)
}

// ActivityFeed returns a user's feed, newest first.
func (s *Service) ActivityFeed(ctx context.Context, userID string, limit, skip int) ([]model.FeedItem, error) {
	return s.manager.Serving.GetFeed(ctx, userID, limit, skip)
}

// KPITrend returns a user's daily snapshots over the trailing window,
// oldest first. Days at or below zero means thirty.
func (s *Service) KPITrend(ctx context.Context, userID string, days int) ([]model.KPISnapshot, error) {
	if days <= 0 {
		days = 30
	}
	var to = s.nowFn()
	var from = to.Add(-time.Duration(days-1) * 24 * time.Hour)
	return s.manager.Serving.GetKPITrend(ctx, userID,
		from.Format(model.KPIDateLayout), to.Format(model.KPIDateLayout), days)
}

// RecordKPISnapshot stores a user's KPI snapshot, replacing any existing
// snapshot for the same date.
func (s *Service) RecordKPISnapshot(ctx context.Context, snap *model.KPISnapshot) error {
	return s.manager.Serving.RecordKPISnapshot(ctx, snap)
}

// AuditTrail returns audit entries newest first; entity type and entity ID
// each narrow the result when given.
func (s *Service) AuditTrail(ctx context.Context, et model.EntityType, entityID string, limit, skip int) ([]model.AuditEntry, error) {
	return s.manager.Audit.Recent(ctx, et, entityID, limit, skip)
}

// UpsertLocal writes a record originated in the UI rather than in a source
// system. The write is stamped with local provenance, validated (including
// the stage-transition table for opportunities), audited, and mirrored
// into serving views; the raw zone is not involved. An empty envelope ID
// creates a record, a set ID updates that record.
func (s *Service) UpsertLocal(ctx context.Context, e model.Entity, userID string) (*lake.UpsertResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("missing acting user")
	}
	var et = e.Type()

	var ref = model.SourceRef{Source: model.SourceLocal, SourceID: uuid.NewString()}
	if id := e.Env().ID; id != "" {
		var prior, err = s.manager.Canonical.GetByID(ctx, et, id)
		if err != nil {
			return nil, err
		}
		ref = localRef(prior.Env(), ref)
		if err = checkStageTransition(prior, e); err != nil {
			return nil, err
		}
	}

	if v, ok := e.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("validating %s: %w", et, err)
		}
	}

	var res, err = s.manager.Canonical.Upsert(ctx, e, ref, userID)
	if err != nil {
		return nil, err
	}

	var action = model.AuditUpdate
	if res.IsNew {
		action = model.AuditCreate
	}
	if err = s.manager.RecordWrite(ctx, et, res, action, "", userID, ""); err != nil {
		log.WithFields(log.Fields{"entityType": et, "id": res.ID, "err": err}).
			Error("audit append failed after local write")
	}

	if err = s.manager.RefreshServing(ctx, res.After); err != nil {
		log.WithFields(log.Fields{"entityType": et, "id": res.ID, "err": err}).
			Warn("serving refresh failed after local write")
	}
	s.announce(ctx, e, res, userID)

	return res, nil
}

// localRef returns the record's existing local provenance entry when one
// exists, so repeated UI writes converge on a single entry, and fresh
// otherwise.
func localRef(env *model.Envelope, fresh model.SourceRef) model.SourceRef {
	for _, entry := range env.Sources {
		if entry.Source == model.SourceLocal {
			return entry.Ref()
		}
	}
	return fresh
}

// checkStageTransition applies the opportunity stage table to a UI write.
func checkStageTransition(prior, next model.Entity) error {
	var p, okP = prior.(*model.Opportunity)
	var n, okN = next.(*model.Opportunity)
	if !okP || !okN || p.Stage == n.Stage {
		return nil
	}
	if err := p.Stage.ValidateTransition(n.Stage); err != nil {
		return fmt.Errorf("moving %q to %s: %w", p.Name, n.Stage, err)
	}
	return nil
}

// announce appends the write to the record owner's activity feed. Only
// creations and stage moves are feed-worthy; feed writes are best effort.
func (s *Service) announce(ctx context.Context, e model.Entity, res *lake.UpsertResult, userID string) {
	var target = e.Env().OwnerID
	if target == "" {
		target = userID
	}

	var item = &model.FeedItem{
		UserID:     target,
		EntityType: e.Type(),
		EntityID:   res.ID,
	}
	var prevStage, _ = res.Before["stage"].(string)
	var nextStage, _ = res.After["stage"].(string)

	switch {
	case res.IsNew:
		item.EventType = "record-created"
		item.Title = fmt.Sprintf("%s %q created", e.Type(), entityTitle(e))
	case nextStage != "" && nextStage != prevStage:
		item.EventType = "stage-change"
		item.Title = fmt.Sprintf("%s %q moved to %s", e.Type(), entityTitle(e), nextStage)
		item.Metadata = map[string]any{"from": prevStage, "to": nextStage}
	default:
		return
	}

	if err := s.manager.Serving.AddFeedItem(ctx, item); err != nil {
		log.WithFields(log.Fields{"user": target, "err": err}).
			Warn("activity feed append failed")
	}
}

func entityTitle(e model.Entity) string {
	switch x := e.(type) {
	case *model.User:
		return x.Name
	case *model.Account:
		return x.Name
	case *model.Contact:
		return x.Name
	case *model.Opportunity:
		return x.Name
	case *model.Activity:
		return x.Subject
	}
	return e.Env().ID
}

// DeleteEntity removes one canonical record, appending the closing audit
// entry. Raw copies of the record are kept for replay.
func (s *Service) DeleteEntity(ctx context.Context, et model.EntityType, id, userID string) error {
	var prior, err = s.manager.Canonical.GetByID(ctx, et, id)
	if err != nil {
		return err
	}
	var before store.Doc
	if before, err = store.Encode(prior); err != nil {
		return err
	}

	if err = s.manager.Canonical.Delete(ctx, et, id); err != nil {
		return err
	}

	var changes []byte
	if changes, err = lake.MergePatch(before, nil); err != nil {
		return err
	}
	if err = s.manager.Audit.Append(ctx, &model.AuditEntry{
		EntityType:    et,
		EntityID:      id,
		Action:        model.AuditDelete,
		Zone:          model.ZoneCanonical,
		UserID:        userID,
		VersionBefore: prior.Env().Version,
		Changes:       changes,
	}); err != nil {
		log.WithFields(log.Fields{"entityType": et, "id": id, "err": err}).
			Error("audit append failed after delete")
	}
	return nil
}

// MergeEntities absorbs the secondary record into the primary, audits the
// merge, and announces it on the survivor owner's feed.
func (s *Service) MergeEntities(ctx context.Context, et model.EntityType, primaryID, secondaryID, userID string) (*lake.MergeResult, error) {
	var res, err = s.manager.MergeEntities(ctx, et, primaryID, secondaryID, userID)
	if err != nil {
		return nil, err
	}

	var owner, _ = res.After["owner_id"].(string)
	if owner == "" {
		owner = userID
	}
	if err = s.manager.Serving.AddFeedItem(ctx, &model.FeedItem{
		UserID:     owner,
		EventType:  "merge",
		Title:      fmt.Sprintf("two %s records merged", et),
		EntityType: et,
		EntityID:   res.PrimaryID,
		Metadata:   map[string]any{"merged_from": res.MergedFrom},
	}); err != nil {
		log.WithFields(log.Fields{"user": owner, "err": err}).
			Warn("activity feed append failed")
	}
	return res, nil
}
