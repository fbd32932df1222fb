// Package salesforce syncs a Salesforce CRM over its REST API: an OAuth2
// client-credentials token exchange, SOQL queries with cursor paging
// through nextRecordsUrl, and sObject reads for single records.
package salesforce

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/pipeline"
	"github.com/pipewise/lake/pipeline/driver"
)

// Kind is the driver registry key.
const Kind = "salesforce"

// APIVersion is the REST API version queries run against.
const APIVersion = "v59.0"

// TimeLayout is Salesforce's datetime rendering in query results.
const TimeLayout = "2006-01-02T15:04:05.000-0700"

// soqlTimeLayout renders a datetime literal inside a SOQL WHERE clause.
const soqlTimeLayout = "2006-01-02T15:04:05Z"

func init() { driver.Register(Kind, sfDriver{}) }

type sfDriver struct{}

func (sfDriver) NewConnector(cfg driver.Config) (pipeline.Connector, error) {
	return NewConnector(cfg)
}
func (sfDriver) MappingSpecs(source string) []*model.MappingSpec { return MappingSpecs(source) }
func (sfDriver) EntityTypes() []model.EntityType {
	return []model.EntityType{
		model.EntityUser,
		model.EntityAccount,
		model.EntityContact,
		model.EntityOpportunity,
		model.EntityActivity,
	}
}

// sObject binds a canonical entity type to the Salesforce object serving
// it and the columns its mapping consumes.
type sObject struct {
	name   string
	fields []string
}

var sObjects = map[model.EntityType]sObject{
	model.EntityUser: {
		name:   "User",
		fields: []string{"Id", "Name", "Email", "Title", "IsActive", "ManagerId", "LastModifiedDate"},
	},
	model.EntityAccount: {
		name: "Account",
		fields: []string{"Id", "Name", "Website", "Industry", "NumberOfEmployees", "AnnualRevenue",
			"Type", "OwnerId", "BillingStreet", "BillingCity", "BillingState", "BillingPostalCode",
			"BillingCountry", "LastModifiedDate"},
	},
	model.EntityContact: {
		name: "Contact",
		fields: []string{"Id", "FirstName", "LastName", "Email", "Phone", "MobilePhone", "Title",
			"AccountId", "OwnerId", "MailingStreet", "MailingCity", "MailingState",
			"MailingPostalCode", "MailingCountry", "LastModifiedDate"},
	},
	model.EntityOpportunity: {
		name: "Opportunity",
		fields: []string{"Id", "Name", "Amount", "StageName", "Probability", "CloseDate",
			"AccountId", "OwnerId", "LeadSource", "Type", "NextStep", "LastModifiedDate"},
	},
	model.EntityActivity: {
		name: "Task",
		fields: []string{"Id", "Subject", "Description", "ActivityDate", "Status", "Priority",
			"TaskSubtype", "WhoId", "OwnerId", "LastModifiedDate"},
	},
}

// Connector is one authenticated Salesforce session.
type Connector struct {
	source       string
	loginURL     string
	clientID     string
	clientSecret string
	client       *http.Client

	mu          sync.Mutex
	token       string
	instanceURL string
}

// NewConnector builds a Connector from cfg. It requires the credentials
// login_url, client_id, and client_secret; instance_url is optional and
// otherwise taken from the token response.
func NewConnector(cfg driver.Config) (*Connector, error) {
	if err := cfg.RequireCredentials("login_url", "client_id", "client_secret"); err != nil {
		return nil, err
	}
	return &Connector{
		source:       cfg.Source(),
		loginURL:     strings.TrimSuffix(cfg.Credential("login_url"), "/"),
		clientID:     cfg.Credential("client_id"),
		clientSecret: cfg.Credential("client_secret"),
		instanceURL:  strings.TrimSuffix(cfg.Credential("instance_url"), "/"),
		client:       &http.Client{Timeout: cfg.Timeout()},
	}, nil
}

var _ pipeline.Connector = (*Connector)(nil)

// Connect exchanges client credentials for an access token.
func (c *Connector) Connect(ctx context.Context) error {
	var form = url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	var req, err = http.NewRequestWithContext(ctx, http.MethodPost,
		c.loginURL+"/services/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("salesforce token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var fault struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&fault)
		return fmt.Errorf("salesforce token request: %s (%s: %s)", resp.Status, fault.Error, fault.Description)
	}

	var grant struct {
		AccessToken string `json:"access_token"`
		InstanceURL string `json:"instance_url"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return fmt.Errorf("salesforce token response: %w", err)
	}
	if grant.AccessToken == "" {
		return fmt.Errorf("salesforce token response carried no access_token")
	}

	c.mu.Lock()
	c.token = grant.AccessToken
	if grant.InstanceURL != "" {
		c.instanceURL = strings.TrimSuffix(grant.InstanceURL, "/")
	}
	c.mu.Unlock()
	return nil
}

// Disconnect drops the token. Client-credential tokens expire server-side;
// there is no revocation round trip worth failing a batch over.
func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return nil
}

// TestConnection authenticates and lists the org's sObjects.
func (c *Connector) TestConnection(ctx context.Context) pipeline.ConnectionStatus {
	if err := c.Connect(ctx); err != nil {
		return pipeline.ConnectionStatus{Source: c.source, Detail: err.Error()}
	}
	var probe struct {
		MaxBatchSize int64 `json:"maxBatchSize"`
	}
	if err := c.get(ctx, "/services/data/"+APIVersion+"/sobjects", &probe); err != nil {
		return pipeline.ConnectionStatus{Source: c.source, Detail: err.Error()}
	}
	return pipeline.ConnectionStatus{
		OK:     true,
		Source: c.source,
		Detail: fmt.Sprintf("salesforce %s at %s", APIVersion, c.instance()),
	}
}

// FetchRecords streams records of et modified at or after since, ordered
// by LastModifiedDate.
func (c *Connector) FetchRecords(ctx context.Context, et model.EntityType, since *model.Time, batchSize int) (pipeline.RecordIterator, error) {
	var obj, ok = sObjects[et]
	if !ok {
		return nil, fmt.Errorf("salesforce does not serve entity type %q", et)
	}
	if batchSize <= 0 {
		batchSize = pipeline.DefaultBatchSize
	}
	return &recordIterator{
		c:         c,
		soql:      buildSOQL(obj, since, false),
		batchSize: batchSize,
	}, nil
}

// FetchRecord reads one sObject row by id, or (nil, nil) when Salesforce
// has no such record.
func (c *Connector) FetchRecord(ctx context.Context, et model.EntityType, id string) (*pipeline.SourceRecord, error) {
	var obj, ok = sObjects[et]
	if !ok {
		return nil, fmt.Errorf("salesforce does not serve entity type %q", et)
	}

	var data map[string]any
	var path = fmt.Sprintf("/services/data/%s/sobjects/%s/%s?fields=%s",
		APIVersion, obj.name, url.PathEscape(id), strings.Join(obj.fields, ","))
	var err = c.get(ctx, path, &data)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sourceRecord(data)
}

// RecordCount counts records of et modified at or after since.
func (c *Connector) RecordCount(ctx context.Context, et model.EntityType, since *model.Time) (int64, error) {
	var obj, ok = sObjects[et]
	if !ok {
		return 0, fmt.Errorf("salesforce does not serve entity type %q", et)
	}
	var page queryPage
	if err := c.query(ctx, buildSOQL(obj, since, true), 0, &page); err != nil {
		return 0, err
	}
	return page.TotalSize, nil
}

// buildSOQL renders the query for one object. Results are ordered by
// LastModifiedDate so interrupted batches resume without gaps; Id breaks
// ties deterministically.
func buildSOQL(obj sObject, since *model.Time, count bool) string {
	var b strings.Builder
	if count {
		b.WriteString("SELECT COUNT() FROM ")
	} else {
		b.WriteString("SELECT " + strings.Join(obj.fields, ", ") + " FROM ")
	}
	b.WriteString(obj.name)
	if since != nil {
		b.WriteString(" WHERE LastModifiedDate >= " + since.UTC().Format(soqlTimeLayout))
	}
	if !count {
		b.WriteString(" ORDER BY LastModifiedDate ASC, Id ASC")
	}
	return b.String()
}

// queryPage is one page of query results.
type queryPage struct {
	TotalSize      int64            `json:"totalSize"`
	Done           bool             `json:"done"`
	NextRecordsURL string           `json:"nextRecordsUrl"`
	Records        []map[string]any `json:"records"`
}

// recordIterator pages through query results by nextRecordsUrl cursor.
type recordIterator struct {
	c         *Connector
	soql      string
	batchSize int
	started   bool
	nextURL   string
	buf       []map[string]any
}

func (it *recordIterator) Next(ctx context.Context) (*pipeline.SourceRecord, error) {
	for len(it.buf) == 0 {
		var page queryPage
		switch {
		case !it.started:
			if err := it.c.query(ctx, it.soql, it.batchSize, &page); err != nil {
				return nil, err
			}
			it.started = true
		case it.nextURL != "":
			if err := it.c.get(ctx, it.nextURL, &page); err != nil {
				return nil, err
			}
		default:
			return nil, io.EOF
		}
		it.nextURL = page.NextRecordsURL
		if page.Done {
			it.nextURL = ""
		}
		if len(page.Records) == 0 && it.nextURL == "" {
			return nil, io.EOF
		}
		it.buf = page.Records
	}

	var rec = it.buf[0]
	it.buf = it.buf[1:]
	return sourceRecord(rec)
}

func (it *recordIterator) Close() error { return nil }

// sourceRecord wraps one query row, lifting Id and LastModifiedDate.
func sourceRecord(data map[string]any) (*pipeline.SourceRecord, error) {
	var rec = &pipeline.SourceRecord{Data: data}

	var id, _ = data["Id"].(string)
	if id == "" {
		return nil, fmt.Errorf("salesforce record has no Id: %v", data)
	}
	rec.ID = id

	if lm, ok := data["LastModifiedDate"].(string); ok {
		var t, err = time.Parse(TimeLayout, lm)
		if err != nil {
			return nil, fmt.Errorf("salesforce record %s: malformed LastModifiedDate %q", id, lm)
		}
		rec.ModifiedAt = model.At(t)
	}
	return rec, nil
}

// query runs one SOQL query. batchSize is advisory and carried in the
// Sforce-Query-Options header.
func (c *Connector) query(ctx context.Context, soql string, batchSize int, out *queryPage) error {
	var path = "/services/data/" + APIVersion + "/query?q=" + url.QueryEscape(soql)
	return c.getWith(ctx, path, out, func(req *http.Request) {
		if batchSize > 0 {
			req.Header.Set("Sforce-Query-Options", fmt.Sprintf("batchSize=%d", batchSize))
		}
	})
}

func (c *Connector) get(ctx context.Context, path string, out any) error {
	return c.getWith(ctx, path, out, nil)
}

func (c *Connector) getWith(ctx context.Context, path string, out any, mod func(*http.Request)) error {
	c.mu.Lock()
	var token, instance = c.token, c.instanceURL
	c.mu.Unlock()
	if token == "" {
		return fmt.Errorf("salesforce: not connected")
	}
	if instance == "" {
		return fmt.Errorf("salesforce: no instance URL")
	}

	var req, err = http.NewRequestWithContext(ctx, http.MethodGet, instance+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if mod != nil {
		mod(req)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("salesforce GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		var faults []struct {
			Message   string `json:"message"`
			ErrorCode string `json:"errorCode"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&faults)
		if len(faults) > 0 {
			return fmt.Errorf("salesforce GET %s: %s (%s)", path, faults[0].Message, faults[0].ErrorCode)
		}
		return fmt.Errorf("salesforce GET %s: unexpected status %s", path, resp.Status)
	}
	if out != nil {
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("salesforce GET %s: decoding response: %w", path, err)
		}
	}
	return nil
}

func (c *Connector) instance() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceURL
}

var errNotFound = fmt.Errorf("salesforce: not found")

func isNotFound(err error) bool { return err == errNotFound }
