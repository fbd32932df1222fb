// Package outlook syncs a mailbox's calendar events and contacts over a
// Microsoft Graph style OData API: OAuth2 client credentials, $filter on
// lastModifiedDateTime, and @odata.nextLink paging. Events land in the
// lake as meeting activities.
package outlook

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
const Kind = "outlook"

// TimeLayout is the RFC3339 rendering of lastModifiedDateTime.
const TimeLayout = "2006-01-02T15:04:05Z"

// BodyTimeLayout is the seven-digit fractional rendering Graph uses for
// event start and end times.
const BodyTimeLayout = "2006-01-02T15:04:05.0000000"

const defaultBaseURL = "https://graph.microsoft.com"
const defaultLoginURL = "https://login.microsoftonline.com"

func init() { driver.Register(Kind, outlookDriver{}) }

type outlookDriver struct{}

func (outlookDriver) NewConnector(cfg driver.Config) (pipeline.Connector, error) {
	return NewConnector(cfg)
}
func (outlookDriver) MappingSpecs(source string) []*model.MappingSpec { return MappingSpecs(source) }
func (outlookDriver) EntityTypes() []model.EntityType {
	return []model.EntityType{model.EntityContact, model.EntityActivity}
}

// resources maps entity types onto mailbox sub-resources.
var resources = map[model.EntityType]string{
	model.EntityContact:  "contacts",
	model.EntityActivity: "events",
}

// Connector is one authenticated Graph session scoped to a mailbox.
type Connector struct {
	source       string
	baseURL      string
	loginURL     string
	tenant       string
	clientID     string
	clientSecret string
	mailbox      string
	client       *http.Client

	mu    sync.Mutex
	token string
}

// NewConnector builds a Connector from cfg. It requires the credentials
// tenant, client_id, client_secret, and mailbox; base_url and login_url
// default to the public Graph endpoints.
func NewConnector(cfg driver.Config) (*Connector, error) {
	if err := cfg.RequireCredentials("tenant", "client_id", "client_secret", "mailbox"); err != nil {
		return nil, err
	}
	var base = cfg.Credential("base_url")
	if base == "" {
		base = defaultBaseURL
	}
	var login = cfg.Credential("login_url")
	if login == "" {
		login = defaultLoginURL
	}
	return &Connector{
		source:       cfg.Source(),
		baseURL:      strings.TrimSuffix(base, "/"),
		loginURL:     strings.TrimSuffix(login, "/"),
		tenant:       cfg.Credential("tenant"),
		clientID:     cfg.Credential("client_id"),
		clientSecret: cfg.Credential("client_secret"),
		mailbox:      cfg.Credential("mailbox"),
		client:       &http.Client{Timeout: cfg.Timeout()},
	}, nil
}

var _ pipeline.Connector = (*Connector)(nil)

// Connect exchanges client credentials for an application token.
func (c *Connector) Connect(ctx context.Context) error {
	var form = url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"scope":         {"https://graph.microsoft.com/.default"},
	}
	var endpoint = fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.loginURL, url.PathEscape(c.tenant))
	var req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("outlook token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var fault struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&fault)
		return fmt.Errorf("outlook token request: %s (%s: %s)", resp.Status, fault.Error, fault.Description)
	}

	var grant struct {
		AccessToken string `json:"access_token"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return fmt.Errorf("outlook token response: %w", err)
	}
	if grant.AccessToken == "" {
		return fmt.Errorf("outlook token response carried no access_token")
	}

	c.mu.Lock()
	c.token = grant.AccessToken
	c.mu.Unlock()
	return nil
}

func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return nil
}

// TestConnection authenticates and reads the mailbox's user resource.
func (c *Connector) TestConnection(ctx context.Context) pipeline.ConnectionStatus {
	if err := c.Connect(ctx); err != nil {
		return pipeline.ConnectionStatus{Source: c.source, Detail: err.Error()}
	}
	var who struct {
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := c.get(ctx, c.mailboxURL(""), &who); err != nil {
		return pipeline.ConnectionStatus{Source: c.source, Detail: err.Error()}
	}
	return pipeline.ConnectionStatus{
		OK:     true,
		Source: c.source,
		Detail: fmt.Sprintf("mailbox %s reachable", who.UserPrincipalName),
	}
}

// FetchRecords streams records of et modified at or after since, ordered
// by lastModifiedDateTime.
func (c *Connector) FetchRecords(ctx context.Context, et model.EntityType, since *model.Time, batchSize int) (pipeline.RecordIterator, error) {
	var resource, ok = resources[et]
	if !ok {
		return nil, fmt.Errorf("outlook does not serve entity type %q", et)
	}
	if batchSize <= 0 {
		batchSize = pipeline.DefaultBatchSize
	}

	var params = url.Values{
		"$orderby": {"lastModifiedDateTime asc"},
		"$top":     {fmt.Sprint(batchSize)},
	}
	if since != nil {
		params.Set("$filter", "lastModifiedDateTime ge "+since.UTC().Format(TimeLayout))
	}
	return &recordIterator{c: c, nextURL: c.mailboxURL(resource) + "?" + params.Encode()}, nil
}

// FetchRecord reads one resource by id, or (nil, nil) when the mailbox
// has no such item.
func (c *Connector) FetchRecord(ctx context.Context, et model.EntityType, id string) (*pipeline.SourceRecord, error) {
	var resource, ok = resources[et]
	if !ok {
		return nil, fmt.Errorf("outlook does not serve entity type %q", et)
	}

	var data map[string]any
	var err = c.get(ctx, c.mailboxURL(resource)+"/"+url.PathEscape(id), &data)
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
	var resource, ok = resources[et]
	if !ok {
		return 0, fmt.Errorf("outlook does not serve entity type %q", et)
	}

	var params = url.Values{"$count": {"true"}, "$top": {"1"}}
	if since != nil {
		params.Set("$filter", "lastModifiedDateTime ge "+since.UTC().Format(TimeLayout))
	}
	var page struct {
		Count int64 `json:"@odata.count"`
	}
	if err := c.get(ctx, c.mailboxURL(resource)+"?"+params.Encode(), &page); err != nil {
		return 0, err
	}
	return page.Count, nil
}

// recordIterator follows @odata.nextLink until the server omits it.
type recordIterator struct {
	c       *Connector
	nextURL string
	buf     []map[string]any
}

func (it *recordIterator) Next(ctx context.Context) (*pipeline.SourceRecord, error) {
	for len(it.buf) == 0 {
		if it.nextURL == "" {
			return nil, io.EOF
		}
		var page struct {
			Value    []map[string]any `json:"value"`
			NextLink string           `json:"@odata.nextLink"`
		}
		if err := it.c.get(ctx, it.nextURL, &page); err != nil {
			return nil, err
		}
		it.nextURL = page.NextLink
		if len(page.Value) == 0 && it.nextURL == "" {
			return nil, io.EOF
		}
		it.buf = page.Value
	}

	var rec = it.buf[0]
	it.buf = it.buf[1:]
	return sourceRecord(rec)
}

func (it *recordIterator) Close() error { return nil }

// sourceRecord wraps one OData item, lifting id and lastModifiedDateTime.
func sourceRecord(data map[string]any) (*pipeline.SourceRecord, error) {
	var rec = &pipeline.SourceRecord{Data: data}

	var id, _ = data["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("outlook item has no id: %v", data)
	}
	rec.ID = id

	if lm, ok := data["lastModifiedDateTime"].(string); ok {
		var t, err = time.Parse(time.RFC3339, lm)
		if err != nil {
			return nil, fmt.Errorf("outlook item %s: malformed lastModifiedDateTime %q", id, lm)
		}
		rec.ModifiedAt = model.At(t)
	}
	return rec, nil
}

// mailboxURL builds a URL under the mailbox's user resource. An empty
// resource addresses the user itself.
func (c *Connector) mailboxURL(resource string) string {
	var u = c.baseURL + "/v1.0/users/" + url.PathEscape(c.mailbox)
	if resource != "" {
		u += "/" + resource
	}
	return u
}

func (c *Connector) get(ctx context.Context, rawURL string, out any) error {
	c.mu.Lock()
	var token = c.token
	c.mu.Unlock()
	if token == "" {
		return fmt.Errorf("outlook: not connected")
	}

	var req, err = http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("ConsistencyLevel", "eventual")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("outlook GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		var fault struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&fault)
		if fault.Error.Code != "" {
			return fmt.Errorf("outlook GET %s: %s (%s)", rawURL, fault.Error.Message, fault.Error.Code)
		}
		return fmt.Errorf("outlook GET %s: unexpected status %s", rawURL, resp.Status)
	}
	if out != nil {
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("outlook GET %s: decoding response: %w", rawURL, err)
		}
	}
	return nil
}

var errNotFound = fmt.Errorf("outlook: not found")

func isNotFound(err error) bool { return err == errNotFound }
