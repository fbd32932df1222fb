package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/pipewise/lake/lake"
	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/store"
)

// ModelValidator applies the constraint set every canonical type declares,
// plus the raw-record presence checks.
type ModelValidator struct{}

func (ModelValidator) ValidateRaw(raw *model.RawRecord) []error {
	var errs []error
	if raw.SourceID == "" {
		errs = append(errs, fmt.Errorf("missing source_id"))
	}
	if len(raw.Payload) == 0 {
		errs = append(errs, fmt.Errorf("empty payload"))
	}
	return errs
}

type validatable interface{ Validate() error }

func (ModelValidator) ValidateCanonical(e model.Entity) []error {
	if v, ok := e.(validatable); ok {
		if err := v.Validate(); err != nil {
			return []error{err}
		}
	}
	return nil
}

// refTargets maps reference field names to the entity type their
// identifiers live in.
var refTargets = map[string]model.EntityType{
	"account_id":     model.EntityAccount,
	"contact_id":     model.EntityContact,
	"opportunity_id": model.EntityOpportunity,
	"owner_id":       model.EntityUser,
	"assigned_to":    model.EntityUser,
	"manager_id":     model.EntityUser,
}

// LakeNormalizer cleans canonical values in place and resolves identity
// against the canonical zone.
type LakeNormalizer struct {
	canonical *lake.CanonicalZone
	ids       *IDMap
}

// NewLakeNormalizer returns a normalizer over the canonical zone, using
// ids for reference resolution.
func NewLakeNormalizer(canonical *lake.CanonicalZone, ids *IDMap) *LakeNormalizer {
	return &LakeNormalizer{canonical: canonical, ids: ids}
}

// Normalize cleans the entity's payload values: whitespace collapsed out
// of names, emails lowercased, phones reduced to digits, websites scheme-
// completed, numeric ranges clamped.
func (n *LakeNormalizer) Normalize(e model.Entity) {
	switch x := e.(type) {
	case *model.User:
		x.Name = model.NormalizeName(x.Name)
		x.Email = model.NormalizeEmail(x.Email)
	case *model.Account:
		x.Name = model.NormalizeName(x.Name)
		x.Website = model.NormalizeWebsite(x.Website)
		if x.EmployeeCount < 0 {
			x.EmployeeCount = 0
		}
		if x.AnnualRevenue < 0 {
			x.AnnualRevenue = 0
		}
	case *model.Contact:
		x.Name = model.NormalizeName(x.Name)
		x.Email = model.NormalizeEmail(x.Email)
		x.Phone = model.NormalizePhone(x.Phone)
		x.Mobile = model.NormalizePhone(x.Mobile)
	case *model.Opportunity:
		x.Name = model.NormalizeName(x.Name)
		if x.Amount < 0 {
			x.Amount = 0
		}
		if x.Probability < 0 {
			x.Probability = 0
		}
		if x.Probability > 100 {
			x.Probability = 100
		}
	case *model.Activity:
		x.Subject = model.NormalizeName(x.Subject)
		if x.DurationMinutes < 0 {
			x.DurationMinutes = 0
		}
	}
}

// Deduplicate grafts the identity of the canonical record matching e onto
// e: first by the inbound source reference, then by the cross-source
// natural key. The upsert re-reads the stored record by the grafted ID, so
// provenance converges without copying anything else here. Two or more
// natural-key matches are a conflict; nothing is merged automatically.
func (n *LakeNormalizer) Deduplicate(ctx context.Context, e model.Entity) (bool, error) {
	var env = e.Env()

	var existing, err = n.canonical.GetBySource(ctx, e.Type(), env.Source, env.SourceID)
	switch {
	case err == nil:
		env.ID = existing.Env().ID
		return true, nil
	case !errors.Is(err, store.ErrNotFound):
		return false, fail(model.ErrStore, model.StageDedupe, err)
	}

	var dups []model.Entity
	if dups, err = n.canonical.FindDuplicates(ctx, e.Type(), e); err != nil {
		return false, fail(model.ErrStore, model.StageDedupe, err)
	}
	switch len(dups) {
	case 0:
		return false, nil
	case 1:
		env.ID = dups[0].Env().ID
		return true, nil
	default:
		return false, failf(model.ErrDedupConflict, model.StageDedupe,
			"%d existing %s records match the natural key", len(dups), e.Type())
	}
}

// ResolveReferences rewrites the entity's pending source-native foreign
// keys to canonical IDs. References whose target isn't canonical yet keep
// the source id; a later sync of the target type repairs them.
func (n *LakeNormalizer) ResolveReferences(ctx context.Context, e model.Entity) error {
	var env = e.Env()
	if len(env.PendingRefs) == 0 {
		return nil
	}

	var fields = make([]string, 0, len(env.PendingRefs))
	for field := range env.PendingRefs {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		var sourceID = env.PendingRefs[field]
		var resolved = sourceID

		if target, ok := refTargets[field]; ok {
			var id, found, err = n.ids.Resolve(ctx, env.Source, target, sourceID)
			if err != nil {
				return fail(model.ErrStore, model.StageResolve, err)
			}
			if found {
				resolved = id
			}
		}
		setReference(e, field, resolved)
	}
	env.PendingRefs = nil
	return nil
}

// Flush drops cached id resolutions.
func (n *LakeNormalizer) Flush() {
	n.ids.Flush()
}

// setReference writes one resolved foreign key onto the typed record.
// Ownership fields live on the envelope; the rest are per-type payload.
func setReference(e model.Entity, field, id string) {
	switch field {
	case "owner_id":
		e.Env().OwnerID = id
		return
	case "assigned_to":
		e.Env().AssignedTo = id
		return
	}
	switch x := e.(type) {
	case *model.Contact:
		if field == "account_id" {
			x.AccountID = id
		}
	case *model.Opportunity:
		switch field {
		case "account_id":
			x.AccountID = id
		case "contact_id":
			x.ContactID = id
		}
	case *model.Activity:
		switch field {
		case "account_id":
			x.AccountID = id
		case "contact_id":
			x.ContactID = id
		case "opportunity_id":
			x.OpportunityID = id
		}
	case *model.User:
		if field == "manager_id" {
			x.ManagerID = id
		}
	}
}
