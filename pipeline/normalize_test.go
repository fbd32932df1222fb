package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipewise/lake/lake"
	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/store"
)

func newTestNormalizer(t *testing.T) (*lake.CanonicalZone, *LakeNormalizer) {
	var zone, err = lake.NewCanonicalZone(context.Background(), store.NewMemory())
	require.NoError(t, err)
	var ids *IDMap
	ids, err = NewIDMap(zone, 0)
	require.NoError(t, err)
	return zone, NewLakeNormalizer(zone, ids)
}

func TestNormalizeCleansValues(t *testing.T) {
	var _, n = newTestNormalizer(t)

	var contact = &model.Contact{
		Name:   "  Ada   Lovelace ",
		Email:  " ADA@X.IO ",
		Phone:  "+1 (555) 010-0200",
		Mobile: "555.010.0300",
	}
	n.Normalize(contact)
	require.Equal(t, "Ada Lovelace", contact.Name)
	require.Equal(t, "ada@x.io", contact.Email)
	require.Equal(t, "+15550100200", contact.Phone)
	require.Equal(t, "5550100300", contact.Mobile)

	var acct = &model.Account{Name: "Acme  Corp", Website: "Acme.COM", AnnualRevenue: -5, EmployeeCount: -1}
	n.Normalize(acct)
	require.Equal(t, "Acme Corp", acct.Name)
	require.Equal(t, "https://acme.com", acct.Website)
	require.Zero(t, acct.AnnualRevenue)
	require.Zero(t, acct.EmployeeCount)

	var opp = &model.Opportunity{Name: "Big Deal", Probability: 150, Amount: -10}
	n.Normalize(opp)
	require.Equal(t, int64(100), opp.Probability)
	require.Zero(t, opp.Amount)

	var user = &model.User{Name: "Grace", Email: "GRACE@X.IO"}
	n.Normalize(user)
	require.Equal(t, "grace@x.io", user.Email)
}

func TestDeduplicateGraftsIdentity(t *testing.T) {
	var ctx = context.Background()
	var zone, n = newTestNormalizer(t)

	var seed = &model.Contact{Name: "Ada", Email: "ada@x.io"}
	var res, err = zone.Upsert(ctx, seed, model.SourceRef{Source: "sf", SourceID: "c1"}, "")
	require.NoError(t, err)

	// The same person arrives from another source: its natural key grafts
	// the stored identity onto the inbound record.
	var inbound = &model.Contact{Name: "Ada L", Email: "ada@x.io"}
	inbound.Source, inbound.SourceID = "odoo", "42"

	var hit bool
	hit, err = n.Deduplicate(ctx, inbound)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, res.ID, inbound.ID)

	// A re-sync from the founding source matches by source reference even
	// when the natural key changed.
	var again = &model.Contact{Name: "Ada", Email: "ada@acme.com"}
	again.Source, again.SourceID = "sf", "c1"

	hit, err = n.Deduplicate(ctx, again)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, res.ID, again.ID)

	// A brand-new record matches nothing.
	var fresh = &model.Contact{Name: "Grace", Email: "grace@x.io"}
	fresh.Source, fresh.SourceID = "odoo", "43"

	hit, err = n.Deduplicate(ctx, fresh)
	require.NoError(t, err)
	require.False(t, hit)
	require.Empty(t, fresh.ID)
}

func TestDeduplicateConflictIsNotMerged(t *testing.T) {
	var ctx = context.Background()
	var zone, n = newTestNormalizer(t)

	var a = &model.Contact{Name: "Ada", Email: "shared@x.io"}
	var _, err = zone.Upsert(ctx, a, model.SourceRef{Source: "sf", SourceID: "c1"}, "")
	require.NoError(t, err)
	var b = &model.Contact{Name: "Ada Prime", Email: "shared@x.io"}
	_, err = zone.Upsert(ctx, b, model.SourceRef{Source: "hub", SourceID: "h1"}, "")
	require.NoError(t, err)

	var inbound = &model.Contact{Name: "Ada", Email: "shared@x.io"}
	inbound.Source, inbound.SourceID = "odoo", "42"

	var hit, dedupeErr = n.Deduplicate(ctx, inbound)
	require.False(t, hit)
	require.Error(t, dedupeErr)
	require.Equal(t, model.ErrDedupConflict, KindOf(dedupeErr))
	require.Equal(t, model.StageDedupe, StageOf(dedupeErr))
	require.Empty(t, inbound.ID)
}

func TestResolveReferencesUsesIDMap(t *testing.T) {
	var ctx = context.Background()
	var zone, n = newTestNormalizer(t)

	var acct = &model.Account{Name: "Acme"}
	var acctRes, err = zone.Upsert(ctx, acct, model.SourceRef{Source: "odoo", SourceID: "7"}, "")
	require.NoError(t, err)
	var user = &model.User{Name: "Grace", Email: "grace@x.io"}
	var userRes *lake.UpsertResult
	userRes, err = zone.Upsert(ctx, user, model.SourceRef{Source: "odoo", SourceID: "u9"}, "")
	require.NoError(t, err)

	var act = &model.Activity{Subject: "Kickoff call", ActivityType: model.ActivityCall}
	act.Source = "odoo"
	act.PendingRefs = map[string]string{
		"account_id":     "7",
		"owner_id":       "u9",
		"opportunity_id": "555", // no such record yet
	}
	require.NoError(t, n.ResolveReferences(ctx, act))

	require.Equal(t, acctRes.ID, act.AccountID)
	require.Equal(t, userRes.ID, act.OwnerID)
	require.Equal(t, "555", act.OpportunityID) // unresolved keeps the source id
	require.Nil(t, act.PendingRefs)

	// The resolution is cached: it survives the canonical record going away.
	require.NoError(t, zone.Delete(ctx, model.EntityAccount, acctRes.ID))

	var act2 = &model.Activity{Subject: "Followup", ActivityType: model.ActivityCall}
	act2.Source = "odoo"
	act2.PendingRefs = map[string]string{"account_id": "7"}
	require.NoError(t, n.ResolveReferences(ctx, act2))
	require.Equal(t, acctRes.ID, act2.AccountID)

	// Flushing drops the cache; with the record gone the source id remains.
	n.Flush()
	var act3 = &model.Activity{Subject: "Retro", ActivityType: model.ActivityCall}
	act3.Source = "odoo"
	act3.PendingRefs = map[string]string{"account_id": "7"}
	require.NoError(t, n.ResolveReferences(ctx, act3))
	require.Equal(t, "7", act3.AccountID)
}

func TestModelValidatorFindings(t *testing.T) {
	var v = ModelValidator{}

	require.Len(t, v.ValidateRaw(&model.RawRecord{}), 2)
	require.Empty(t, v.ValidateRaw(&model.RawRecord{SourceID: "1", Payload: map[string]any{"a": 1}}))

	require.NotEmpty(t, v.ValidateCanonical(&model.Contact{Email: "ada@x.io"}))        // missing name
	require.NotEmpty(t, v.ValidateCanonical(&model.Contact{Name: "Ada", Email: "bad"})) // malformed email
	require.Empty(t, v.ValidateCanonical(&model.Contact{Name: "Ada", Email: "ada@x.io"}))
	require.NotEmpty(t, v.ValidateCanonical(&model.Opportunity{Name: "Deal", Stage: model.StageLead, Probability: 120}))
}
