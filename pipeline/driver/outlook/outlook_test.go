package outlook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
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

const mailbox = "sales@corp.example"

// fakeGraph serves the OData subset the connector uses: the tenant token
// endpoint, collection reads with $filter/$top/@odata.nextLink, $count,
// and single-item reads.
type fakeGraph struct {
	rejectAuth bool
	items      map[string][]map[string]any // keyed by resource
	pages      int
	filters    []string // $filter values received
}

func (f *fakeGraph) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/oauth2/v2.0/token") {
		if f.rejectAuth {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": "invalid_client", "error_description": "AADSTS7000215",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-9", "token_type": "Bearer"})
		return
	}

	var rest = strings.TrimPrefix(r.URL.Path, "/v1.0/users/"+mailbox)
	switch {
	case rest == "":
		_ = json.NewEncoder(w).Encode(map[string]any{"userPrincipalName": mailbox})

	case rest == "/contacts" || rest == "/events":
		f.serveCollection(w, r, strings.TrimPrefix(rest, "/"))

	case strings.HasPrefix(rest, "/contacts/") || strings.HasPrefix(rest, "/events/"):
		var parts = strings.SplitN(strings.TrimPrefix(rest, "/"), "/", 2)
		for _, item := range f.items[parts[0]] {
			if item["id"] == parts[1] {
				_ = json.NewEncoder(w).Encode(item)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "ErrorItemNotFound", "message": "The specified object was not found."},
		})

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeGraph) serveCollection(w http.ResponseWriter, r *http.Request, resource string) {
	var q = r.URL.Query()
	var rows = append([]map[string]any{}, f.items[resource]...)

	if filter := q.Get("$filter"); filter != "" {
		f.filters = append(f.filters, filter)
		var boundary = strings.TrimPrefix(filter, "lastModifiedDateTime ge ")
		var kept []map[string]any
		for _, row := range rows {
			if lm, _ := row["lastModifiedDateTime"].(string); lm >= boundary {
				kept = append(kept, row)
			}
		}
		rows = kept
	}
	sort.SliceStable(rows, func(i, j int) bool {
		var a, _ = rows[i]["lastModifiedDateTime"].(string)
		var b, _ = rows[j]["lastModifiedDateTime"].(string)
		return a < b
	})

	if q.Get("$count") == "true" {
		_ = json.NewEncoder(w).Encode(map[string]any{"@odata.count": len(rows), "value": []any{}})
		return
	}

	f.pages++
	var top = 10
	if n, err := strconv.Atoi(q.Get("$top")); err == nil && n > 0 {
		top = n
	}
	var skip, _ = strconv.Atoi(q.Get("skip"))
	var end = skip + top
	if end > len(rows) {
		end = len(rows)
	}

	var resp = map[string]any{"value": rows[skip:end]}
	if end < len(rows) {
		var next = url.Values{"$top": {fmt.Sprint(top)}, "skip": {fmt.Sprint(end)}}
		if filter := q.Get("$filter"); filter != "" {
			next.Set("$filter", filter)
		}
		resp["@odata.nextLink"] = "http://" + r.Host + r.URL.Path + "?" + next.Encode()
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func testConfig(url string) driver.Config {
	return driver.Config{
		Kind: Kind,
		Name: "mail",
		Credentials: map[string]string{
			"tenant":        "corp.example",
			"client_id":     "app-id",
			"client_secret": "secret",
			"mailbox":       mailbox,
			"base_url":      url,
			"login_url":     url,
		},
	}
}

func graphTime(day int) string {
	return time.Date(2026, time.March, day, 10, 0, 0, 0, time.UTC).Format(TimeLayout)
}

func graphContact(id, name, email string, day int) map[string]any {
	return map[string]any{
		"id":                   id,
		"displayName":          name,
		"emailAddresses":       []any{map[string]any{"address": email, "name": name}},
		"businessPhones":       []any{"+1 555 010 0002"},
		"mobilePhone":          "+1 555 010 0003",
		"companyName":          "Globex",
		"jobTitle":             "CTO",
		"lastModifiedDateTime": graphTime(day),
	}
}

func graphEvent(id, subject string, cancelled bool, day int) map[string]any {
	return map[string]any{
		"id":                   id,
		"subject":              subject,
		"bodyPreview":          "quarterly sync agenda",
		"isCancelled":          cancelled,
		"start":                map[string]any{"dateTime": "2026-03-10T14:00:00.0000000", "timeZone": "UTC"},
		"end":                  map[string]any{"dateTime": "2026-03-10T15:00:00.0000000", "timeZone": "UTC"},
		"location":             map[string]any{"displayName": "Teams"},
		"lastModifiedDateTime": graphTime(day),
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

func TestContactsPageThroughNextLink(t *testing.T) {
	var ctx = context.Background()
	var f = &fakeGraph{items: map[string][]map[string]any{"contacts": {
		graphContact("c1", "A", "a@x.io", 1),
		graphContact("c2", "B", "b@x.io", 2),
		graphContact("c3", "C", "c@x.io", 3),
		graphContact("c4", "D", "d@x.io", 4),
		graphContact("c5", "E", "e@x.io", 5),
	}}}
	var srv = httptest.NewServer(f)
	defer srv.Close()

	var c = connect(t, srv.URL)
	var it, err = c.FetchRecords(ctx, model.EntityContact, nil, 2)
	require.NoError(t, err)

	var recs = drain(t, ctx, it)
	require.Len(t, recs, 5)
	require.Equal(t, "c1", recs[0].ID)
	require.Equal(t, "c5", recs[4].ID)
	require.Equal(t, 3, f.pages)
}

func TestIncrementalFilterCarriesBoundary(t *testing.T) {
	var ctx = context.Background()
	var f = &fakeGraph{items: map[string][]map[string]any{"events": {
		graphEvent("e1", "Kickoff", false, 1),
		graphEvent("e2", "Review", false, 5),
		graphEvent("e3", "Retro", false, 9),
	}}}
	var srv = httptest.NewServer(f)
	defer srv.Close()

	var c = connect(t, srv.URL)
	var since = model.At(time.Date(2026, time.March, 5, 10, 0, 0, 0, time.UTC))

	var it, err = c.FetchRecords(ctx, model.EntityActivity, &since, 10)
	require.NoError(t, err)
	var recs = drain(t, ctx, it)

	// The boundary record is itself re-served: ge not gt.
	require.Len(t, recs, 2)
	require.Equal(t, "e2", recs[0].ID)
	require.Equal(t, "e3", recs[1].ID)

	require.NotEmpty(t, f.filters)
	require.Equal(t, "lastModifiedDateTime ge 2026-03-05T10:00:00Z", f.filters[0])

	var n int64
	n, err = c.RecordCount(ctx, model.EntityActivity, &since)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestConnectRejectsBadSecret(t *testing.T) {
	var f = &fakeGraph{rejectAuth: true}
	var srv = httptest.NewServer(f)
	defer srv.Close()

	var c, err = NewConnector(testConfig(srv.URL))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.ErrorContains(t, err, "invalid_client")

	var status = c.TestConnection(context.Background())
	require.False(t, status.OK)
	require.Equal(t, "mail", status.Source)
}

func TestTestConnectionReadsMailbox(t *testing.T) {
	var f = &fakeGraph{}
	var srv = httptest.NewServer(f)
	defer srv.Close()

	var c, err = NewConnector(testConfig(srv.URL))
	require.NoError(t, err)

	var status = c.TestConnection(context.Background())
	require.True(t, status.OK)
	require.Contains(t, status.Detail, mailbox)
}

func TestFetchRecordNotFound(t *testing.T) {
	var ctx = context.Background()
	var f = &fakeGraph{items: map[string][]map[string]any{"events": {
		graphEvent("e1", "Kickoff", false, 1),
	}}}
	var srv = httptest.NewServer(f)
	defer srv.Close()

	var c = connect(t, srv.URL)

	var rec, err = c.FetchRecord(ctx, model.EntityActivity, "e1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "Kickoff", rec.Data["subject"])

	rec, err = c.FetchRecord(ctx, model.EntityActivity, "missing")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func newMailPipeline(t *testing.T, url string) (*pipeline.Pipeline, *lake.Manager) {
	t.Helper()
	var ctx = context.Background()
	var st = store.NewMemory()

	var m, err = lake.NewManager(ctx, st)
	require.NoError(t, err)

	var reg = pipeline.NewRegistry(st)
	for _, spec := range MappingSpecs("mail") {
		require.NoError(t, reg.RegisterBuiltin(spec))
	}

	var logger *pipeline.StoreLogger
	logger, err = pipeline.NewStoreLogger(ctx, st, m.Audit)
	require.NoError(t, err)

	var c *Connector
	c, err = NewConnector(testConfig(url))
	require.NoError(t, err)

	var p *pipeline.Pipeline
	p, err = pipeline.New(m, reg, logger, c, "mail", 0)
	require.NoError(t, err)
	return p, m
}

func TestEventSyncThroughPipeline(t *testing.T) {
	var ctx = context.Background()
	var f = &fakeGraph{items: map[string][]map[string]any{"events": {
		graphEvent("e1", "Quarterly Review", false, 3),
		graphEvent("e2", "Cancelled 1:1", true, 4),
	}}}
	var srv = httptest.NewServer(f)
	defer srv.Close()

	var p, m = newMailPipeline(t, srv.URL)

	var batch, err = p.Execute(ctx, model.EntityActivity, model.SyncFull, nil)
	require.NoError(t, err)
	require.Equal(t, model.BatchCompleted, batch.Status)
	require.Equal(t, int64(2), batch.Counts.Created)

	var e model.Entity
	e, err = m.Canonical.GetBySource(ctx, model.EntityActivity, "mail", "e1")
	require.NoError(t, err)
	var meeting = e.(*model.Activity)
	require.Equal(t, "Quarterly Review", meeting.Subject)
	require.Equal(t, model.ActivityMeeting, meeting.ActivityType)
	require.Equal(t, model.ActivityPending, meeting.Status)
	require.Equal(t, "quarterly sync agenda", meeting.Description)
	require.Equal(t, "Teams", meeting.Notes)
	require.NotNil(t, meeting.StartAt)
	require.Equal(t, "2026-03-10T14:00:00Z", meeting.StartAt.UTC().Format(time.RFC3339))
	require.NotNil(t, meeting.EndAt)

	e, err = m.Canonical.GetBySource(ctx, model.EntityActivity, "mail", "e2")
	require.NoError(t, err)
	require.Equal(t, model.ActivityCancelled, e.(*model.Activity).Status)
}

func TestContactSyncThroughPipeline(t *testing.T) {
	var ctx = context.Background()
	var f = &fakeGraph{items: map[string][]map[string]any{"contacts": {
		graphContact("c1", "Grace Hopper", "Grace@Example.com", 2),
	}}}
	var srv = httptest.NewServer(f)
	defer srv.Close()

	var p, m = newMailPipeline(t, srv.URL)

	var batch, err = p.Execute(ctx, model.EntityContact, model.SyncFull, nil)
	require.NoError(t, err)
	require.Equal(t, model.BatchCompleted, batch.Status)

	var e model.Entity
	e, err = m.Canonical.GetBySource(ctx, model.EntityContact, "mail", "c1")
	require.NoError(t, err)
	var contact = e.(*model.Contact)
	require.Equal(t, "Grace Hopper", contact.Name)
	// The address came from emailAddresses[0] and was normalized.
	require.Equal(t, "grace@example.com", contact.Email)
	require.Equal(t, "+15550100002", contact.Phone)
	require.Equal(t, "Globex", contact.CompanyName)
	require.Equal(t, "CTO", contact.JobTitle)
}
