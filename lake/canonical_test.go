package lake

import (
	"context"
	"sync"
	"testing"

	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/store"
	"github.com/pipewise/lake/visibility"
	"github.com/stretchr/testify/require"
)

func newTestCanonical(t *testing.T) *CanonicalZone {
	var z, err = NewCanonicalZone(context.Background(), store.NewMemory())
	require.NoError(t, err)
	return z
}

func TestUpsertBySourceRefIsAFunction(t *testing.T) {
	var ctx = context.Background()
	var z = newTestCanonical(t)
	var ref = model.SourceRef{Source: "sf", SourceID: "0011"}

	var first = &model.Account{Name: "Acme"}
	first.OwnerID = "u1"
	var res1, err = z.Upsert(ctx, first, ref, "")
	require.NoError(t, err)
	require.True(t, res1.IsNew)
	require.Equal(t, int64(1), res1.VersionAfter)
	require.Nil(t, res1.Before)

	var second = &model.Account{Name: "Acme Corp"}
	second.OwnerID = "u1"
	var res2 *UpsertResult
	res2, err = z.Upsert(ctx, second, ref, "")
	require.NoError(t, err)
	require.False(t, res2.IsNew)
	require.Equal(t, res1.ID, res2.ID)
	require.Equal(t, int64(1), res2.VersionBefore)
	require.Equal(t, int64(2), res2.VersionAfter)

	var got model.Entity
	got, err = z.GetByID(ctx, model.EntityAccount, res1.ID)
	require.NoError(t, err)
	var acct = got.(*model.Account)
	require.Equal(t, "Acme Corp", acct.Name)
	require.Len(t, acct.Sources, 1)
	require.Equal(t, "sf", acct.Source)
	require.Equal(t, "0011", acct.SourceID)
	require.False(t, acct.CreatedAt.IsZero())

	var n int64
	n, err = z.Count(ctx, model.EntityAccount, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestUpsertGraftedIdentityMergesSources(t *testing.T) {
	var ctx = context.Background()
	var z = newTestCanonical(t)

	var first = &model.Contact{Name: "Pat", Email: "p@acme.com"}
	var res1, err = z.Upsert(ctx, first, model.SourceRef{Source: "sf", SourceID: "c1"}, "")
	require.NoError(t, err)

	// The same person arrives from another system. Deduplication grafts the
	// stored identity onto the inbound record before upserting it.
	var inbound = &model.Contact{Name: "Pat", Email: "p@acme.com", Phone: "555 0100"}
	inbound.ID = res1.ID
	var res2 *UpsertResult
	res2, err = z.Upsert(ctx, inbound, model.SourceRef{Source: "odoo", SourceID: "42"}, "")
	require.NoError(t, err)
	require.False(t, res2.IsNew)
	require.Equal(t, res1.ID, res2.ID)
	require.Equal(t, int64(2), res2.VersionAfter)

	var got model.Entity
	got, err = z.GetByID(ctx, model.EntityContact, res1.ID)
	require.NoError(t, err)
	var contact = got.(*model.Contact)
	require.Len(t, contact.Sources, 2)
	require.Equal(t, "sf", contact.Sources[0].Source)
	require.Equal(t, "c1", contact.Sources[0].SourceID)
	require.Equal(t, "odoo", contact.Sources[1].Source)
	require.Equal(t, "42", contact.Sources[1].SourceID)
	// Founding reference survives the graft.
	require.Equal(t, "sf", contact.Source)

	// Both references now resolve to the one record.
	got, err = z.GetBySource(ctx, model.EntityContact, "odoo", "42")
	require.NoError(t, err)
	require.Equal(t, res1.ID, got.Env().ID)

	var n int64
	n, err = z.Count(ctx, model.EntityContact, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestUpsertWithUnknownIDFails(t *testing.T) {
	var ctx = context.Background()
	var z = newTestCanonical(t)

	var e = &model.Account{Name: "Ghost"}
	e.ID = "no-such-id"
	var _, err = z.Upsert(ctx, e, model.SourceRef{Source: "sf", SourceID: "1"}, "")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = z.Upsert(ctx, &model.Account{Name: "X"}, model.SourceRef{}, "")
	require.Error(t, err)
}

func TestUpsertCarriesStageHistoryForward(t *testing.T) {
	var ctx = context.Background()
	var z = newTestCanonical(t)
	var ref = model.SourceRef{Source: "sf", SourceID: "opp-1"}

	var opp = &model.Opportunity{Name: "Deal", Stage: model.StageLead, Amount: 100, Probability: 10}
	var res, err = z.Upsert(ctx, opp, ref, "")
	require.NoError(t, err)

	// First observation is not a transition.
	var got model.Entity
	got, err = z.GetByID(ctx, model.EntityOpportunity, res.ID)
	require.NoError(t, err)
	require.Empty(t, got.(*model.Opportunity).StageHistory)
	require.False(t, got.(*model.Opportunity).IsClosed)

	_, err = z.Upsert(ctx, &model.Opportunity{Name: "Deal", Stage: model.StageProposal, Amount: 100, Probability: 60}, ref, "")
	require.NoError(t, err)

	// Re-syncing the same stage appends nothing.
	_, err = z.Upsert(ctx, &model.Opportunity{Name: "Deal", Stage: model.StageProposal, Amount: 120, Probability: 60}, ref, "")
	require.NoError(t, err)

	got, err = z.GetByID(ctx, model.EntityOpportunity, res.ID)
	require.NoError(t, err)
	var final = got.(*model.Opportunity)
	require.Len(t, final.StageHistory, 1)
	require.Equal(t, model.StageLead, final.StageHistory[0].From)
	require.Equal(t, model.StageProposal, final.StageHistory[0].To)
	require.Equal(t, float64(120), final.Amount)
	require.Equal(t, int64(3), final.Version)

	// Closing through a sync stamps the close date and flags.
	_, err = z.Upsert(ctx, &model.Opportunity{Name: "Deal", Stage: model.StageClosedWon, Amount: 120, Probability: 100}, ref, "")
	require.NoError(t, err)
	got, err = z.GetByID(ctx, model.EntityOpportunity, res.ID)
	require.NoError(t, err)
	final = got.(*model.Opportunity)
	require.True(t, final.IsClosed)
	require.True(t, final.IsWon)
	require.NotNil(t, final.ActualCloseDate)
	require.Len(t, final.StageHistory, 2)
}

func TestConcurrentUpsertsConverge(t *testing.T) {
	var ctx = context.Background()
	var z = newTestCanonical(t)
	var ref = model.SourceRef{Source: "sf", SourceID: "0099"}

	var mu sync.Mutex
	var isNew int
	var errs []error
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var res, err = z.Upsert(ctx, &model.Account{Name: "Race"}, ref, "")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			} else if res.IsNew {
				isNew++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Equal(t, 1, isNew)
	var n, err = z.Count(ctx, model.EntityAccount, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	var got model.Entity
	got, err = z.GetBySource(ctx, model.EntityAccount, "sf", "0099")
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Env().Version)
}

func TestMergeUnionsSourcesAndRewritesReferences(t *testing.T) {
	var ctx = context.Background()
	var z = newTestCanonical(t)

	var a, err = z.Upsert(ctx, &model.Account{Name: "Acme"}, model.SourceRef{Source: "sf", SourceID: "1"}, "")
	require.NoError(t, err)
	var b *UpsertResult
	b, err = z.Upsert(ctx, &model.Account{Name: "ACME Inc"}, model.SourceRef{Source: "odoo", SourceID: "2"}, "")
	require.NoError(t, err)

	var contact = &model.Contact{Name: "Pat", AccountID: b.ID}
	var contactRes *UpsertResult
	contactRes, err = z.Upsert(ctx, contact, model.SourceRef{Source: "odoo", SourceID: "c9"}, "")
	require.NoError(t, err)

	var opp = &model.Opportunity{Name: "Deal", Stage: model.StageLead, AccountID: b.ID}
	var oppRes *UpsertResult
	oppRes, err = z.Upsert(ctx, opp, model.SourceRef{Source: "odoo", SourceID: "o9"}, "")
	require.NoError(t, err)

	var res *MergeResult
	res, err = z.Merge(ctx, model.EntityAccount, a.ID, b.ID, "admin")
	require.NoError(t, err)
	require.Equal(t, a.ID, res.PrimaryID)
	require.Equal(t, b.ID, res.MergedFrom)
	require.Equal(t, int64(2), res.RewrittenRefs)

	// Survivor carries the union of both provenance sets.
	var got model.Entity
	got, err = z.GetByID(ctx, model.EntityAccount, a.ID)
	require.NoError(t, err)
	var acct = got.(*model.Account)
	require.Equal(t, "Acme", acct.Name)
	require.Len(t, acct.Sources, 2)
	require.True(t, acct.HasSource("sf"))
	require.True(t, acct.HasSource("odoo"))

	// The absorbed record is gone and its references repointed.
	_, err = z.GetByID(ctx, model.EntityAccount, b.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	got, err = z.GetByID(ctx, model.EntityContact, contactRes.ID)
	require.NoError(t, err)
	require.Equal(t, a.ID, got.(*model.Contact).AccountID)

	got, err = z.GetByID(ctx, model.EntityOpportunity, oppRes.ID)
	require.NoError(t, err)
	require.Equal(t, a.ID, got.(*model.Opportunity).AccountID)

	// Merging a record into itself is refused.
	_, err = z.Merge(ctx, model.EntityAccount, a.ID, a.ID, "admin")
	require.Error(t, err)
}

func TestMergeUsersRewritesOwnership(t *testing.T) {
	var ctx = context.Background()
	var z = newTestCanonical(t)

	var keep, err = z.Upsert(ctx, &model.User{Name: "Sam", Email: "sam@co.com"},
		model.SourceRef{Source: "sf", SourceID: "u1"}, "")
	require.NoError(t, err)
	var lose *UpsertResult
	lose, err = z.Upsert(ctx, &model.User{Name: "Sam B", Email: "sam@co.com"},
		model.SourceRef{Source: "odoo", SourceID: "u2"}, "")
	require.NoError(t, err)

	var acct = &model.Account{Name: "Owned"}
	acct.OwnerID = lose.ID
	var acctRes *UpsertResult
	acctRes, err = z.Upsert(ctx, acct, model.SourceRef{Source: "sf", SourceID: "a1"}, "")
	require.NoError(t, err)

	var activity = &model.Activity{Subject: "Call", ActivityType: model.ActivityCall}
	activity.AssignedTo = lose.ID
	var actRes *UpsertResult
	actRes, err = z.Upsert(ctx, activity, model.SourceRef{Source: "sf", SourceID: "t1"}, "")
	require.NoError(t, err)

	var res *MergeResult
	res, err = z.Merge(ctx, model.EntityUser, keep.ID, lose.ID, "admin")
	require.NoError(t, err)
	require.Equal(t, int64(2), res.RewrittenRefs)

	var got model.Entity
	got, err = z.GetByID(ctx, model.EntityAccount, acctRes.ID)
	require.NoError(t, err)
	require.Equal(t, keep.ID, got.Env().OwnerID)

	got, err = z.GetByID(ctx, model.EntityActivity, actRes.ID)
	require.NoError(t, err)
	require.Equal(t, keep.ID, got.Env().AssignedTo)
}

func TestFindDuplicatesByNaturalKey(t *testing.T) {
	var ctx = context.Background()
	var z = newTestCanonical(t)

	var _, err = z.Upsert(ctx, &model.Contact{Name: "Pat", Email: "p@acme.com"},
		model.SourceRef{Source: "sf", SourceID: "1"}, "")
	require.NoError(t, err)
	_, err = z.Upsert(ctx, &model.Contact{Name: "Patricia", Email: "p@acme.com"},
		model.SourceRef{Source: "odoo", SourceID: "2"}, "")
	require.NoError(t, err)
	_, err = z.Upsert(ctx, &model.Contact{Name: "Q", Email: "q@acme.com"},
		model.SourceRef{Source: "sf", SourceID: "3"}, "")
	require.NoError(t, err)

	var dups, errDup = z.FindDuplicates(ctx, model.EntityContact, &model.Contact{Email: "p@acme.com"})
	require.NoError(t, errDup)
	require.Len(t, dups, 2)

	// An entity already stored is excluded from its own candidates.
	var self = dups[0].(*model.Contact)
	dups, errDup = z.FindDuplicates(ctx, model.EntityContact, self)
	require.NoError(t, errDup)
	require.Len(t, dups, 1)

	// Accounts match on exact name; opportunities have no natural key.
	_, err = z.Upsert(ctx, &model.Account{Name: "Acme"}, model.SourceRef{Source: "sf", SourceID: "a1"}, "")
	require.NoError(t, err)
	dups, errDup = z.FindDuplicates(ctx, model.EntityAccount, &model.Account{Name: "Acme"})
	require.NoError(t, errDup)
	require.Len(t, dups, 1)
	dups, errDup = z.FindDuplicates(ctx, model.EntityAccount, &model.Account{Name: "acme"})
	require.NoError(t, errDup)
	require.Empty(t, dups)

	dups, errDup = z.FindDuplicates(ctx, model.EntityOpportunity, &model.Opportunity{Name: "Deal"})
	require.NoError(t, errDup)
	require.Empty(t, dups)
}

func TestFindWithVisibilityFiltersRows(t *testing.T) {
	var ctx = context.Background()
	var z = newTestCanonical(t)

	for _, seed := range []struct{ sourceID, owner string }{
		{"1", "u1"}, {"2", "u1"}, {"3", "u2"},
	} {
		var acct = &model.Account{Name: "A"}
		acct.OwnerID = seed.owner
		var _, err = z.Upsert(ctx, acct, model.SourceRef{Source: "sf", SourceID: seed.sourceID}, "")
		require.NoError(t, err)
	}

	var own = visibility.Context{UserID: "u1", Scope: visibility.ScopeOwn}
	var got, err = z.FindWithVisibility(ctx, model.EntityAccount, own, nil, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	var all = visibility.Context{UserID: "u1", Scope: visibility.ScopeAll}
	got, err = z.FindWithVisibility(ctx, model.EntityAccount, all, nil, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Extra filters intersect; they can't widen what the caller sees.
	got, err = z.FindWithVisibility(ctx, model.EntityAccount, own, store.Eq("owner_id", "u2"), nil, 0, 0)
	require.NoError(t, err)
	require.Empty(t, got)

	var n int64
	n, err = z.CountWithVisibility(ctx, model.EntityAccount, own, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}
