package model

import (
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeEncodingIsFixedWidth(t *testing.T) {
	var cases = []time.Time{
		time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC),
		time.Date(2024, 3, 1, 10, 0, 5, 500000000, time.UTC),
		time.Date(2024, 3, 1, 10, 0, 5, 512300000, time.UTC),
		time.Date(2024, 3, 1, 12, 0, 5, 1, time.FixedZone("CET", 3600)),
	}
	for _, c := range cases {
		var b, err = json.Marshal(At(c))
		require.NoError(t, err)
		require.Len(t, b, len(TimeLayout)+2)
		require.Equal(t, byte('Z'), b[len(b)-2])

		var out Time
		require.NoError(t, json.Unmarshal(b, &out))
		require.True(t, out.Time.Equal(c))
	}
}

func TestTimeEncodingSortsChronologically(t *testing.T) {
	var instants = []Time{
		At(time.Date(2024, 3, 1, 10, 0, 5, 500000000, time.UTC)),
		At(time.Date(2024, 3, 1, 10, 0, 5, 512300000, time.UTC)),
		At(time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC)),
		At(time.Date(2023, 12, 31, 23, 59, 59, 999999999, time.UTC)),
		At(time.Date(2024, 3, 1, 10, 0, 6, 0, time.UTC)),
	}
	var encoded = make([]string, len(instants))
	for i, in := range instants {
		encoded[i] = in.String()
	}
	sort.Strings(encoded)

	sort.Slice(instants, func(i, j int) bool { return instants[i].Before(instants[j]) })
	for i, in := range instants {
		require.Equal(t, in.String(), encoded[i])
	}
}

func TestTimeAcceptsRFC3339(t *testing.T) {
	var out Time
	require.NoError(t, json.Unmarshal([]byte(`"2024-03-01T10:00:05Z"`), &out))
	require.Equal(t, "2024-03-01T10:00:05.000000000Z", out.String())

	require.Error(t, json.Unmarshal([]byte(`"yesterday"`), &out))
	require.Error(t, json.Unmarshal([]byte(`12345`), &out))
}

func TestSourceKeyIsStableAndDistinct(t *testing.T) {
	var ref = SourceRef{Source: "odoo", SourceID: "42"}

	require.Equal(t, SourceKey(EntityContact, ref), SourceKey(EntityContact, ref))
	require.Len(t, SourceKey(EntityContact, ref), 16)

	require.NotEqual(t, SourceKey(EntityContact, ref), SourceKey(EntityAccount, ref))
	require.NotEqual(t,
		SourceKey(EntityContact, SourceRef{Source: "odoo", SourceID: "42"}),
		SourceKey(EntityContact, SourceRef{Source: "salesforce", SourceID: "42"}))

	// Separator placement matters: ("a", "bc") and ("ab", "c") must differ.
	require.NotEqual(t,
		SourceKey(EntityContact, SourceRef{Source: "a", SourceID: "bc"}),
		SourceKey(EntityContact, SourceRef{Source: "ab", SourceID: "c"}))
}

func TestEnvelopeAddSource(t *testing.T) {
	var env Envelope
	var t1 = At(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	var t2 = At(time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC))

	env.AddSource(EntityContact, SourceRef{Source: "odoo", SourceID: "42"}, t1, t1)
	env.AddSource(EntityContact, SourceRef{Source: "salesforce", SourceID: "SF9"}, t1, t1)
	require.Len(t, env.Sources, 2)
	require.Len(t, env.SourceKeys, 2)
	require.Equal(t, []string{"odoo", "salesforce"}, env.SourceNames)

	// Re-adding refreshes timestamps without growing provenance.
	env.AddSource(EntityContact, SourceRef{Source: "odoo", SourceID: "42"}, t2, t2)
	require.Len(t, env.Sources, 2)
	require.Len(t, env.SourceKeys, 2)
	require.Equal(t, t2, env.Sources[0].ModifiedAt)

	require.True(t, env.HasSource("odoo"))
	require.False(t, env.HasSource("outlook"))
}

func TestStageTransitions(t *testing.T) {
	// Any move between open stages is legal, in both directions.
	require.NoError(t, StageLead.ValidateTransition(StageQualification))
	require.NoError(t, StageLead.ValidateTransition(StageNegotiation))
	require.NoError(t, StageNegotiation.ValidateTransition(StageProposal))
	require.NoError(t, StageDiscovery.ValidateTransition(StageDiscovery))
	require.NoError(t, StageProposal.ValidateTransition(StageClosedLost))

	// Closed stages are terminal.
	require.Error(t, StageClosedWon.ValidateTransition(StageLead))
	require.Error(t, StageClosedLost.ValidateTransition(StageNegotiation))
	require.NoError(t, StageClosedWon.ValidateTransition(StageClosedWon))

	require.Error(t, StageLead.ValidateTransition(Stage("galactic")))
}

func TestStageDefaultProbability(t *testing.T) {
	require.Equal(t, int64(10), StageLead.DefaultProbability())
	require.Equal(t, int64(60), StageProposal.DefaultProbability())
	require.Equal(t, int64(100), StageClosedWon.DefaultProbability())
	require.Equal(t, int64(0), StageClosedLost.DefaultProbability())
}

func TestSetStageAppendsHistory(t *testing.T) {
	var at1 = At(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	var at2 = At(time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC))

	var o = Opportunity{Name: "Deal", Stage: StageLead}
	o.SetStage(StageProposal, at1, "u1")
	require.Len(t, o.StageHistory, 1)
	require.Equal(t, StageLead, o.StageHistory[0].From)
	require.Equal(t, StageProposal, o.StageHistory[0].To)
	require.False(t, o.IsClosed)

	// Setting the same stage again appends nothing.
	o.SetStage(StageProposal, at2, "u1")
	require.Len(t, o.StageHistory, 1)

	o.SetStage(StageClosedWon, at2, "u2")
	require.Len(t, o.StageHistory, 2)
	require.True(t, o.IsClosed)
	require.True(t, o.IsWon)
	require.Equal(t, at2, *o.ActualCloseDate)
}

func TestBatchFinalize(t *testing.T) {
	var now = Now()

	var b = SyncBatch{Counts: BatchCounts{Processed: 10, Created: 6, Updated: 4}}
	b.Finalize(nil, now)
	require.Equal(t, BatchCompleted, b.Status)
	require.NoError(t, b.CheckCounts())

	b = SyncBatch{Counts: BatchCounts{Processed: 10, Created: 6, Updated: 2, Failed: 2}}
	b.Finalize(nil, now)
	require.Equal(t, BatchPartial, b.Status)
	require.NoError(t, b.CheckCounts())

	b = SyncBatch{Counts: BatchCounts{Processed: 3, Failed: 3}}
	b.Finalize(nil, now)
	require.Equal(t, BatchFailed, b.Status)

	// An empty pull completes: nothing processed, nothing failed.
	b = SyncBatch{}
	b.Finalize(nil, now)
	require.Equal(t, BatchCompleted, b.Status)

	// A connector error fails the batch even if records loaded.
	b = SyncBatch{Counts: BatchCounts{Processed: 10, Created: 10}}
	b.Finalize(errors.New("connector: boom"), now)
	require.Equal(t, BatchFailed, b.Status)
	require.Equal(t, []string{"connector: boom"}, b.Errors)

	b = SyncBatch{ID: "b1", Counts: BatchCounts{Processed: 5, Created: 3}}
	require.Error(t, b.CheckCounts())
}

func TestBatchErrorsAreBounded(t *testing.T) {
	var b SyncBatch
	for i := 0; i < 2*maxBatchErrors; i++ {
		b.AddError("boom")
	}
	require.Len(t, b.Errors, maxBatchErrors)
}

func TestBatchWatermark(t *testing.T) {
	var b SyncBatch
	var t1 = At(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	var t2 = At(time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC))

	b.ObserveWatermark(t2)
	b.ObserveWatermark(t1) // earlier, ignored
	require.Equal(t, t2, *b.Watermark)
}

func TestBatchReplayOf(t *testing.T) {
	var b SyncBatch
	require.Equal(t, "", b.ReplayOf())
	b.SetReplayOf("b-123")
	require.Equal(t, "b-123", b.ReplayOf())
}

func TestWeightedAmount(t *testing.T) {
	var o = Opportunity{Name: "Deal", Amount: 1000, Probability: 60}
	require.Equal(t, 600.0, o.WeightedAmount())

	o.Probability = 25
	require.Equal(t, 250.0, o.WeightedAmount())

	o.Probability = 0
	require.Equal(t, 0.0, o.WeightedAmount())
}

func TestEntityTypes(t *testing.T) {
	for _, et := range AllEntityTypes {
		var parsed, err = ParseEntityType(string(et))
		require.NoError(t, err)
		require.Equal(t, et, parsed)

		parsed, err = ParseEntityType(et.Collection())
		require.NoError(t, err)
		require.Equal(t, et, parsed)

		var e, newErr = et.New()
		require.NoError(t, newErr)
		require.Equal(t, et, e.Type())
	}
	require.Equal(t, "opportunities", EntityOpportunity.Collection())

	var _, err = ParseEntityType("widget")
	require.Error(t, err)
}

func TestMappingSpecValidate(t *testing.T) {
	var spec = MappingSpec{
		Source:     "odoo",
		EntityType: EntityContact,
		IDField:    "id",
		Fields: []FieldMapping{
			{TargetField: "email", SourceField: "email"},
			{TargetField: "account_id", SourceField: "parent_id", Transform: TransformExtractID, Ref: EntityAccount},
			{TargetField: "name", SourceFields: []string{"first", "last"}, Transform: TransformConcatenate, Separator: " "},
			{TargetField: "is_active", SourceField: "active", Transform: TransformBoolean},
		},
	}
	require.NoError(t, spec.Validate())

	spec.Fields = append(spec.Fields, FieldMapping{TargetField: "email", SourceField: "mail"})
	require.ErrorContains(t, spec.Validate(), "duplicate target")

	spec.Fields = []FieldMapping{{TargetField: "stage", SourceField: "state", Transform: TransformLookup}}
	require.ErrorContains(t, spec.Validate(), "lookup requires a table")

	spec.Fields = []FieldMapping{{TargetField: "amount", SourceField: "value", Transform: TransformFormat}}
	require.ErrorContains(t, spec.Validate(), "format requires a format")

	spec.Fields = []FieldMapping{{TargetField: "currency", Transform: TransformDefault}}
	require.ErrorContains(t, spec.Validate(), "default requires a default_value")

	spec.Fields = []FieldMapping{{TargetField: "x", SourceField: "y", Transform: Transform("reverse")}}
	require.ErrorContains(t, spec.Validate(), "unknown transform")

	spec.Fields = []FieldMapping{{TargetField: "x", Transform: TransformDirect}}
	require.ErrorContains(t, spec.Validate(), "missing source_field")
}

func TestValidateEntities(t *testing.T) {
	require.Error(t, (&Contact{}).Validate())
	require.NoError(t, (&Contact{Name: "Jo", Email: "jo@acme.example"}).Validate())
	require.Error(t, (&Contact{Name: "Jo", Email: "not-an-email"}).Validate())

	require.Error(t, (&Account{}).Validate())
	require.NoError(t, (&Account{Name: "Acme"}).Validate())
	require.Error(t, (&Account{Name: "Acme", EmployeeCount: -1}).Validate())
	require.Error(t, (&Account{Name: "Acme", AnnualRevenue: -10}).Validate())

	require.Error(t, (&Opportunity{Stage: StageLead}).Validate())
	require.NoError(t, (&Opportunity{Name: "Deal", Stage: StageLead}).Validate())
	require.Error(t, (&Opportunity{Name: "Deal", Stage: StageLead, Probability: 150}).Validate())
	require.Error(t, (&Opportunity{Name: "Deal", Stage: StageLead, Amount: -5}).Validate())
	require.Error(t, (&Opportunity{Name: "Deal", Stage: Stage("won?")}).Validate())

	require.Error(t, (&Activity{ActivityType: ActivityCall}).Validate())
	require.NoError(t, (&Activity{ActivityType: ActivityCall, Subject: "Intro call"}).Validate())
	require.Error(t, (&Activity{ActivityType: "fax", Subject: "x"}).Validate())

	require.Error(t, (&User{Name: "Ray"}).Validate())
	require.NoError(t, (&User{Name: "Ray", Email: "rep@corp.example"}).Validate())
}

func TestNormalizeHelpers(t *testing.T) {
	require.Equal(t, "jo@acme.example", NormalizeEmail("  Jo@Acme.Example "))
	require.Equal(t, "https://acme.example", NormalizeWebsite("Acme.Example"))
	require.Equal(t, "http://acme.example", NormalizeWebsite("http://ACME.example"))
	require.Equal(t, "", NormalizeWebsite("  "))
	require.Equal(t, "+15550100", NormalizePhone("+1 (555) 01-00"))
	require.Equal(t, "5550100", NormalizePhone("555-01 00"))
	require.Equal(t, "Jo Ann Doe", NormalizeName("  Jo   Ann\tDoe "))
}

func TestParsePeriod(t *testing.T) {
	var p, err = ParsePeriod("")
	require.NoError(t, err)
	require.Equal(t, PeriodDaily, p)

	for _, period := range AllPeriods {
		p, err = ParsePeriod(string(period))
		require.NoError(t, err)
		require.Equal(t, period, p)
	}

	_, err = ParsePeriod("fortnightly")
	require.Error(t, err)
}

func TestKPIAchievement(t *testing.T) {
	var snap = KPISnapshot{
		KPIs:  map[string]float64{"won_value": 5000, "calls": 40, "demos": 3},
		Goals: map[string]float64{"won_value": 10000, "calls": 20, "unused": 0},
	}
	snap.ComputeAchievement()

	require.Equal(t, 50.0, snap.Achievement["won_value"])
	// Over-achievement clamps to 100; KPIs without a positive goal are
	// left out entirely.
	require.Equal(t, 100.0, snap.Achievement["calls"])
	require.NotContains(t, snap.Achievement, "demos")
	require.NotContains(t, snap.Achievement, "unused")
}

func TestSyncJobValidate(t *testing.T) {
	var job = SyncJob{Source: "odoo", EntityType: EntityContact, Mode: SyncIncremental, Priority: PriorityDefault}
	require.NoError(t, job.Validate())

	job.Priority = 11
	require.Error(t, job.Validate())

	job = SyncJob{EntityType: EntityContact, Mode: SyncFull, Priority: 1}
	require.Error(t, job.Validate())

	job = SyncJob{Source: "odoo", EntityType: "widget", Mode: SyncFull, Priority: 1}
	require.Error(t, job.Validate())
}
