package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/store"
)

// scheduleCollection holds recurring sync schedules.
const scheduleCollection = "sync_schedules"

// Schedules is the persistent set of recurring syncs, one per (source,
// entity type) pair.
type Schedules struct {
	store store.Store
	nowFn func() model.Time
}

// NewSchedules returns the schedule set over s, creating its indexes.
func NewSchedules(ctx context.Context, s store.Store) (*Schedules, error) {
	for _, idx := range []store.Index{
		{Name: "sync_schedules_next", Field: "next_run"},
		{Name: "sync_schedules_source", Field: "source"},
	} {
		if err := s.EnsureIndex(ctx, scheduleCollection, idx); err != nil {
			return nil, fmt.Errorf("indexing %s: %w", scheduleCollection, err)
		}
	}
	return &Schedules{store: s, nowFn: model.Now}, nil
}

func (s *Schedules) col() store.Collection { return s.store.Collection(scheduleCollection) }

// ScheduleID names the schedule of one (source, entity type) pair.
func ScheduleID(source string, et model.EntityType) string {
	return source + ":" + string(et)
}

// Put creates or replaces the schedule for its (source, entity type)
// pair. A new schedule first fires one interval from now.
func (s *Schedules) Put(ctx context.Context, sched *model.SyncSchedule) error {
	if sched.Mode == "" {
		sched.Mode = model.SyncIncremental
	}
	if err := sched.Validate(); err != nil {
		return fmt.Errorf("storing sync schedule: %w", err)
	}
	sched.ID = ScheduleID(sched.Source, sched.EntityType)

	var now = s.nowFn()
	var isNew bool
	var prior, err = s.Get(ctx, sched.ID)
	switch {
	case err == store.ErrNotFound:
		isNew = true
		sched.CreatedAt = now
		if sched.NextRun.IsZero() {
			sched.NextRun = now.Add(time.Duration(sched.IntervalMinutes) * time.Minute)
		}
	case err != nil:
		return err
	default:
		sched.CreatedAt = prior.CreatedAt
		sched.LastRun = prior.LastRun
		if sched.NextRun.IsZero() {
			sched.NextRun = prior.NextRun
		}
	}
	sched.UpdatedAt = now

	var doc store.Doc
	if doc, err = store.Encode(sched); err != nil {
		return err
	}
	if isNew {
		err = s.col().Insert(ctx, sched.ID, doc)
	} else {
		err = s.col().Replace(ctx, sched.ID, doc)
	}
	if err != nil {
		return fmt.Errorf("storing schedule %s: %w", sched.ID, err)
	}
	return nil
}

// Get returns one schedule by ID.
func (s *Schedules) Get(ctx context.Context, id string) (*model.SyncSchedule, error) {
	var doc, err = s.col().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodeSchedule(doc)
}

// Delete removes one schedule.
func (s *Schedules) Delete(ctx context.Context, id string) error {
	return s.col().Delete(ctx, id)
}

// SetEnabled flips one schedule without touching its timing.
func (s *Schedules) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.col().Update(ctx, id, map[string]any{
		"enabled":    enabled,
		"updated_at": s.nowFn(),
	})
}

// List returns schedules ordered by ID, optionally filtered by source.
func (s *Schedules) List(ctx context.Context, source string) ([]model.SyncSchedule, error) {
	var where store.Predicate
	if source != "" {
		where = store.Eq("source", source)
	}
	return s.find(ctx, store.Query{
		Where: where,
		Sort:  []store.Sort{{Field: "id"}},
	})
}

// Due returns the enabled schedules whose next run is at or before now,
// soonest first.
func (s *Schedules) Due(ctx context.Context, now model.Time) ([]model.SyncSchedule, error) {
	return s.find(ctx, store.Query{
		Where: store.And(
			store.Eq("enabled", true),
			store.Lte("next_run", now),
		),
		Sort: []store.Sort{{Field: "next_run"}, {Field: "id"}},
	})
}

// MarkFired records that the schedule fired at now and advances its next
// run a full interval from now, not from the prior deadline: a scheduler
// that was down for a while runs each schedule once, not once per missed
// interval.
func (s *Schedules) MarkFired(ctx context.Context, sched *model.SyncSchedule, now model.Time) error {
	var next = now.Add(time.Duration(sched.IntervalMinutes) * time.Minute)
	var err = s.col().Update(ctx, sched.ID, map[string]any{
		"last_run":   now,
		"next_run":   next,
		"updated_at": now,
	})
	if err != nil {
		return fmt.Errorf("advancing schedule %s: %w", sched.ID, err)
	}
	sched.LastRun = &now
	sched.NextRun = next
	return nil
}

// MinInterval returns the smallest interval across enabled schedules, or
// zero when none exist. Health staleness thresholds derive from it.
func (s *Schedules) MinInterval(ctx context.Context) (int64, error) {
	var scheds, err = s.find(ctx, store.Query{Where: store.Eq("enabled", true)})
	if err != nil {
		return 0, err
	}
	var min int64
	for i := range scheds {
		if min == 0 || scheds[i].IntervalMinutes < min {
			min = scheds[i].IntervalMinutes
		}
	}
	return min, nil
}

func (s *Schedules) find(ctx context.Context, query store.Query) ([]model.SyncSchedule, error) {
	var docs, err = s.col().Find(ctx, query)
	if err != nil {
		return nil, err
	}
	var out = make([]model.SyncSchedule, 0, len(docs))
	for _, doc := range docs {
		var sched, errDecode = decodeSchedule(doc)
		if errDecode != nil {
			return nil, errDecode
		}
		out = append(out, *sched)
	}
	return out, nil
}

func decodeSchedule(doc store.Doc) (*model.SyncSchedule, error) {
	var sched model.SyncSchedule
	if err := store.Decode(doc, &sched); err != nil {
		return nil, fmt.Errorf("decoding sync schedule: %w", err)
	}
	return &sched, nil
}
