package salesforce

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipewise/lake/lake"
	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/pipeline"
	"github.com/pipewise/lake/pipeline/driver"
	"github.com/pipewise/lake/store"
)

// fakeSalesforce serves the REST subset the connector uses: the token
// endpoint, SOQL queries with cursor paging, and single sObject reads.
type fakeSalesforce struct {
	rejectAuth bool
	rows       map[string][]map[string]any // keyed by sObject name
	queries    []string                    // SOQL received
	pages      int                         // result pages served

	cursorRows  []map[string]any
	cursorBatch int
}

var fromRe = regexp.MustCompile(` FROM (\w+)`)
var sinceRe = regexp.MustCompile(` WHERE LastModifiedDate >= (\S+)`)

func (f *fakeSalesforce) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/services/oauth2/token":
		if f.rejectAuth {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": "invalid_client", "error_description": "client secret rejected",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1", "instance_url": "http://" + r.Host,
		})

	case r.URL.Path == "/services/data/"+APIVersion+"/sobjects":
		f.requireToken(w, r)
		_ = json.NewEncoder(w).Encode(map[string]any{"maxBatchSize": 200})

	case strings.HasPrefix(r.URL.Path, "/services/data/"+APIVersion+"/sobjects/"):
		f.requireToken(w, r)
		var parts = strings.Split(strings.TrimPrefix(r.URL.Path, "/services/data/"+APIVersion+"/sobjects/"), "/")
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		for _, row := range f.rows[parts[0]] {
			if row["Id"] == parts[1] {
				_ = json.NewEncoder(w).Encode(row)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"message": "provided external ID does not exist", "errorCode": "NOT_FOUND"},
		})

	case r.URL.Path == "/services/data/"+APIVersion+"/query":
		f.requireToken(w, r)
		var soql = r.URL.Query().Get("q")
		f.queries = append(f.queries, soql)

		var rows = f.eval(soql)
		if strings.HasPrefix(soql, "SELECT COUNT()") {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"totalSize": len(rows), "done": true, "records": []any{},
			})
			return
		}
		f.cursorRows = rows
		f.cursorBatch = 2000
		if opts := r.Header.Get("Sforce-Query-Options"); opts != "" {
			if n, err := strconv.Atoi(strings.TrimPrefix(opts, "batchSize=")); err == nil && n > 0 {
				f.cursorBatch = n
			}
		}
		f.servePage(w, 0)

	case strings.HasPrefix(r.URL.Path, "/services/data/"+APIVersion+"/query/cr-"):
		f.requireToken(w, r)
		var offset, _ = strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/services/data/"+APIVersion+"/query/cr-"))
		f.servePage(w, offset)

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeSalesforce) requireToken(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer tok-1" {
		w.WriteHeader(http.StatusUnauthorized)
	}
}

func (f *fakeSalesforce) servePage(w http.ResponseWriter, offset int) {
	f.pages++
	var end = offset + f.cursorBatch
	if end > len(f.cursorRows) {
		end = len(f.cursorRows)
	}
	var resp = map[string]any{
		"totalSize": len(f.cursorRows),
		"done":      end == len(f.cursorRows),
		"records":   f.cursorRows[offset:end],
	}
	if end < len(f.cursorRows) {
		resp["nextRecordsUrl"] = fmt.Sprintf("/services/data/%s/query/cr-%d", APIVersion, end)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// eval resolves a SOQL query against the fixture rows: object from the
// FROM clause, optional LastModifiedDate boundary, ascending order.
func (f *fakeSalesforce) eval(soql string) []map[string]any {
	var m = fromRe.FindStringSubmatch(soql)
	if m == nil {
		return nil
	}
	var rows = append([]map[string]any{}, f.rows[m[1]]...)

	if m = sinceRe.FindStringSubmatch(soql); m != nil {
		var boundary, err = time.Parse(soqlTimeLayout, m[1])
		if err != nil {
			return nil
		}
		var kept []map[string]any
		for _, row := range rows {
			var lm, _ = time.Parse(TimeLayout, row["LastModifiedDate"].(string))
			if !lm.Before(boundary) {
				kept = append(kept, row)
			}
		}
		rows = kept
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i]["LastModifiedDate"].(string) < rows[j]["LastModifiedDate"].(string)
	})
	return rows
}

func testConfig(url string) driver.Config {
	return driver.Config{
		Kind: Kind,
		Name: "crm",
		Credentials: map[string]string{
			"login_url":     url,
			"client_id":     "connected-app",
			"client_secret": "secret",
		},
	}
}

func sfTime(day int) string {
	return time.Date(2026, time.March, day, 10, 0, 0, 0, time.UTC).Format(TimeLayout)
}

func sfOpp(id, name, stage string, amount float64, day int) map[string]any {
	return map[string]any{
		"attributes":       map[string]any{"type": "Opportunity"},
		"Id":               id,
		"Name":             name,
		"StageName":        stage,
		"Amount":           amount,
		"Probability":      60.0,
		"CloseDate":        "2026-06-30",
		"AccountId":        "001A1",
		"OwnerId":          "005U1",
		"LeadSource":       "Referral",
		"Type":             "New Business",
		"NextStep":         "Send contract",
		"LastModifiedDate": sfTime(day),
	}
}

func connect(t *testing.T, url string) *Connector {
	t.Helper()
	var c, err = NewConnector(testConfig(url))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func drain(t *testing.T, ctx context.Context, it pipeline.RecordIterator) []*pipeline.SourceRecord {
	t.Helper()
	var out []*pipeline.SourceRecord
	for {
		var rec, err = it.Next(ctx)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestPagingFollowsNextRecordsURL(t *testing.T) {
	var ctx = context.Background()
	var f = &fakeSalesforce{rows: map[string][]map[string]any{"Opportunity": {
		sfOpp("006A", "A", "Prospecting", 1, 1),
		sfOpp("006B", "B", "Prospecting", 2, 2),
		sfOpp("006C", "C", "Prospecting", 3, 3),
		sfOpp("006D", "D", "Prospecting", 4, 4),
		sfOpp("006E", "E", "Prospecting", 5, 5),
	}}}
	var srv = httptest.NewServer(f)
	defer srv.Close()

	var c = connect(t, srv.URL)
	var it, err = c.FetchRecords(ctx, model.EntityOpportunity, nil, 2)
	require.NoError(t, err)

	var recs = drain(t, ctx, it)
	require.Len(t, recs, 5)
	require.Equal(t, "006A", recs[0].ID)
	require.Equal(t, "006E", recs[4].ID)
	require.Equal(t, 3, f.pages)
}

func TestIncrementalQueryCarriesBoundary(t *testing.T) {
	var ctx = context.Background()
	var f = &fakeSalesforce{rows: map[string][]map[string]any{"Opportunity": {
		sfOpp("006A", "A", "Prospecting", 1, 1),
		sfOpp("006B", "B", "Prospecting", 2, 5),
		sfOpp("006C", "C", "Prospecting", 3, 9),
	}}}
	var srv = httptest.NewServer(f)
	defer srv.Close()

	var c = connect(t, srv.URL)
	var since = model.At(time.Date(2026, time.March, 5, 10, 0, 0, 0, time.UTC))

	var it, err = c.FetchRecords(ctx, model.EntityOpportunity, &since, 10)
	require.NoError(t, err)
	var recs = drain(t, ctx, it)

	// The boundary record is itself re-served: >= not >.
	require.Len(t, recs, 2)
	require.Equal(t, "006B", recs[0].ID)
	require.Equal(t, "006C", recs[1].ID)

	require.Len(t, f.queries, 1)
	require.Contains(t, f.queries[0], "WHERE LastModifiedDate >= 2026-03-05T10:00:00Z")
	require.Contains(t, f.queries[0], "ORDER BY LastModifiedDate ASC")

	var n int64
	n, err = c.RecordCount(ctx, model.EntityOpportunity, &since)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestConnectRejectsBadSecret(t *testing.T) {
	var f = &fakeSalesforce{rejectAuth: true}
	var srv = httptest.NewServer(f)
	defer srv.Close()

	var c, err = NewConnector(testConfig(srv.URL))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.ErrorContains(t, err, "invalid_client")

	var status = c.TestConnection(context.Background())
	require.False(t, status.OK)
	require.Equal(t, "crm", status.Source)
}

func TestFetchRecordNotFound(t *testing.T) {
	var ctx = context.Background()
	var f = &fakeSalesforce{rows: map[string][]map[string]any{"Opportunity": {
		sfOpp("006A", "A", "Prospecting", 1, 1),
	}}}
	var srv = httptest.NewServer(f)
	defer srv.Close()

	var c = connect(t, srv.URL)

	var rec, err = c.FetchRecord(ctx, model.EntityOpportunity, "006A")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "A", rec.Data["Name"])

	rec, err = c.FetchRecord(ctx, model.EntityOpportunity, "006Z")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func newCRMPipeline(t *testing.T, url string) (*pipeline.Pipeline, *lake.Manager) {
	t.Helper()
	var ctx = context.Background()
	var st = store.NewMemory()

	var m, err = lake.NewManager(ctx, st)
	require.NoError(t, err)

	var reg = pipeline.NewRegistry(st)
	for _, spec := range MappingSpecs("crm") {
		require.NoError(t, reg.RegisterBuiltin(spec))
	}

	var logger *pipeline.StoreLogger
	logger, err = pipeline.NewStoreLogger(ctx, st, m.Audit)
	require.NoError(t, err)

	var c *Connector
	c, err = NewConnector(testConfig(url))
	require.NoError(t, err)

	var p *pipeline.Pipeline
	p, err = pipeline.New(m, reg, logger, c, "crm", 0)
	require.NoError(t, err)
	return p, m
}

func TestSyncThroughPipeline(t *testing.T) {
	var ctx = context.Background()
	var f = &fakeSalesforce{rows: map[string][]map[string]any{
		"Contact": {{
			"attributes":       map[string]any{"type": "Contact"},
			"Id":               "003C1",
			"FirstName":        "Ada",
			"LastName":         "Lovelace",
			"Email":            "ADA@Example.com",
			"Phone":            "+1 (555) 010-0001",
			"AccountId":        "001A1",
			"OwnerId":          "005U1",
			"LastModifiedDate": sfTime(2),
		}},
		"Opportunity": {sfOpp("006A", "Globex Renewal", "Closed Won", 120000, 3)},
		"Task": {{
			"attributes":       map[string]any{"type": "Task"},
			"Id":               "00TA1",
			"Subject":          "Follow up call",
			"Status":           "In Progress",
			"Priority":         "High",
			"TaskSubtype":      "Call",
			"ActivityDate":     "2026-03-20",
			"WhoId":            "003C1",
			"OwnerId":          "005U1",
			"LastModifiedDate": sfTime(4),
		}},
	}}
	var srv = httptest.NewServer(f)
	defer srv.Close()

	var p, m = newCRMPipeline(t, srv.URL)

	for _, et := range []model.EntityType{model.EntityContact, model.EntityOpportunity, model.EntityActivity} {
		var batch, err = p.Execute(ctx, et, model.SyncFull, nil)
		require.NoError(t, err)
		require.Equal(t, model.BatchCompleted, batch.Status, "type %s: %v", et, batch.Errors)
	}

	var e, err = m.Canonical.GetBySource(ctx, model.EntityContact, "crm", "003C1")
	require.NoError(t, err)
	var contact = e.(*model.Contact)
	require.Equal(t, "Ada Lovelace", contact.Name)
	// Normalization lowercases emails and strips phone formatting.
	require.Equal(t, "ada@example.com", contact.Email)
	require.Equal(t, "+15550100001", contact.Phone)

	e, err = m.Canonical.GetBySource(ctx, model.EntityOpportunity, "crm", "006A")
	require.NoError(t, err)
	var opp = e.(*model.Opportunity)
	require.Equal(t, model.StageClosedWon, opp.Stage)
	require.Equal(t, 120000.0, opp.Amount)
	require.Equal(t, "Referral", opp.LeadSource)

	e, err = m.Canonical.GetBySource(ctx, model.EntityActivity, "crm", "00TA1")
	require.NoError(t, err)
	var task = e.(*model.Activity)
	require.Equal(t, "Follow up call", task.Subject)
	require.Equal(t, model.ActivityInProgress, task.Status)
	require.Equal(t, model.ActivityCall, task.ActivityType)
	require.Equal(t, "high", task.Priority)
	// The task's WhoId resolved to the canonical contact.
	require.Equal(t, contact.Env().ID, task.ContactID)
}
