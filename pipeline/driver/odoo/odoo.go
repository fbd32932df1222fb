// Package odoo syncs an Odoo ERP over its external JSON-RPC API: a
// common.authenticate login followed by object.execute_kw calls against
// the ORM. Companies and persons both live in res.partner and are split
// into accounts and contacts by the is_company flag.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/pipeline"
	"github.com/pipewise/lake/pipeline/driver"
)

// Kind is the driver registry key.
const Kind = "odoo"

// TimeLayout is Odoo's datetime rendering: naive UTC, second precision.
const TimeLayout = "2006-01-02 15:04:05"

// DateLayout is Odoo's date rendering.
const DateLayout = "2006-01-02"

func init() { driver.Register(Kind, odooDriver{}) }

type odooDriver struct{}

func (odooDriver) NewConnector(cfg driver.Config) (pipeline.Connector, error) {
	return NewConnector(cfg)
}
func (odooDriver) MappingSpecs(source string) []*model.MappingSpec { return MappingSpecs(source) }
func (odooDriver) EntityTypes() []model.EntityType {
	return []model.EntityType{
		model.EntityUser,
		model.EntityAccount,
		model.EntityContact,
		model.EntityOpportunity,
		model.EntityActivity,
	}
}

// ormModel binds a canonical entity type to the Odoo model serving it.
type ormModel struct {
	name string
	// domain is the static filter ANDed onto every search.
	domain []any
	// fields bounds what search_read returns; Odoo otherwise sends every
	// column including binary attachments.
	fields []string
}

var ormModels = map[model.EntityType]ormModel{
	model.EntityUser: {
		name:   "res.users",
		fields: []string{"name", "login", "email", "active", "write_date"},
	},
	model.EntityAccount: {
		name:   "res.partner",
		domain: []any{[]any{"is_company", "=", true}},
		fields: []string{"name", "website", "industry_id", "user_id", "active",
			"street", "city", "state_id", "zip", "country_id", "write_date"},
	},
	model.EntityContact: {
		name:   "res.partner",
		domain: []any{[]any{"is_company", "=", false}},
		fields: []string{"name", "email", "phone", "mobile", "function", "parent_id",
			"user_id", "active", "street", "city", "state_id", "zip", "country_id", "write_date"},
	},
	model.EntityOpportunity: {
		name:   "crm.lead",
		domain: []any{[]any{"type", "=", "opportunity"}},
		fields: []string{"name", "expected_revenue", "probability", "stage_id", "partner_id",
			"user_id", "date_deadline", "priority", "active", "write_date"},
	},
	model.EntityActivity: {
		name:   "mail.activity",
		fields: []string{"summary", "activity_type_id", "note", "date_deadline", "user_id", "write_date"},
	},
}

// Connector is one authenticated Odoo session. It is safe for concurrent
// use; the uid from common.authenticate is the only shared session state.
type Connector struct {
	source   string
	url      string
	db       string
	username string
	password string
	client   *http.Client

	mu  sync.Mutex
	uid int64

	reqID atomic.Int64
}

// NewConnector builds a Connector from cfg. It requires the credentials
// url, db, username, and password.
func NewConnector(cfg driver.Config) (*Connector, error) {
	if err := cfg.RequireCredentials("url", "db", "username", "password"); err != nil {
		return nil, err
	}
	return &Connector{
		source:   cfg.Source(),
		url:      strings.TrimSuffix(cfg.Credential("url"), "/"),
		db:       cfg.Credential("db"),
		username: cfg.Credential("username"),
		password: cfg.Credential("password"),
		client:   &http.Client{Timeout: cfg.Timeout()},
	}, nil
}

var _ pipeline.Connector = (*Connector)(nil)

// Connect authenticates and caches the session uid.
func (c *Connector) Connect(ctx context.Context) error {
	var res any
	if err := c.call(ctx, "common", "authenticate",
		[]any{c.db, c.username, c.password, map[string]any{}}, &res); err != nil {
		return err
	}
	// Odoo answers false, not an error, when credentials are wrong.
	var uid, ok = res.(float64)
	if !ok || uid <= 0 {
		return fmt.Errorf("odoo: authentication rejected for %q on database %q", c.username, c.db)
	}

	c.mu.Lock()
	c.uid = int64(uid)
	c.mu.Unlock()
	return nil
}

// Disconnect drops the cached session. Odoo's RPC API is stateless beyond
// the uid, so there is nothing to tear down server-side.
func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	c.uid = 0
	c.mu.Unlock()
	return nil
}

// TestConnection probes the server's common.version endpoint, which
// answers without authentication, then verifies the credentials.
func (c *Connector) TestConnection(ctx context.Context) pipeline.ConnectionStatus {
	var info struct {
		ServerVersion string `json:"server_version"`
	}
	if err := c.call(ctx, "common", "version", []any{}, &info); err != nil {
		return pipeline.ConnectionStatus{Source: c.source, Detail: err.Error()}
	}
	if err := c.Connect(ctx); err != nil {
		return pipeline.ConnectionStatus{Source: c.source, Detail: err.Error()}
	}
	return pipeline.ConnectionStatus{
		OK:     true,
		Source: c.source,
		Detail: fmt.Sprintf("odoo %s at %s", info.ServerVersion, c.url),
	}
}

// FetchRecords streams records of et modified at or after since, ordered
// by write_date so interrupted batches resume without gaps.
func (c *Connector) FetchRecords(ctx context.Context, et model.EntityType, since *model.Time, batchSize int) (pipeline.RecordIterator, error) {
	var m, ok = ormModels[et]
	if !ok {
		return nil, fmt.Errorf("odoo does not serve entity type %q", et)
	}
	if batchSize <= 0 {
		batchSize = pipeline.DefaultBatchSize
	}
	return &recordIterator{
		c:         c,
		orm:       m.name,
		domain:    searchDomain(m, since),
		fields:    m.fields,
		batchSize: batchSize,
	}, nil
}

// FetchRecord fetches one record by its Odoo id, or (nil, nil) when the
// source has no such record.
func (c *Connector) FetchRecord(ctx context.Context, et model.EntityType, id string) (*pipeline.SourceRecord, error) {
	var m, ok = ormModels[et]
	if !ok {
		return nil, fmt.Errorf("odoo does not serve entity type %q", et)
	}

	var idVal any = id
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		idVal = n
	}
	var domain = append(searchDomain(m, nil), []any{"id", "=", idVal})

	var page []map[string]any
	var err = c.executeKw(ctx, m.name, "search_read", []any{domain},
		map[string]any{"limit": 1, "fields": m.fields}, &page)
	if err != nil {
		return nil, err
	}
	if len(page) == 0 {
		return nil, nil
	}
	return sourceRecord(page[0])
}

// RecordCount counts records of et modified at or after since.
func (c *Connector) RecordCount(ctx context.Context, et model.EntityType, since *model.Time) (int64, error) {
	var m, ok = ormModels[et]
	if !ok {
		return 0, fmt.Errorf("odoo does not serve entity type %q", et)
	}
	var n int64
	if err := c.executeKw(ctx, m.name, "search_count", []any{searchDomain(m, since)}, nil, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// searchDomain combines the model's static filter with the incremental
// boundary. Odoo domains are arrays of [field, operator, value] terms,
// implicitly ANDed.
func searchDomain(m ormModel, since *model.Time) []any {
	var domain = append([]any{}, m.domain...)
	if since != nil {
		domain = append(domain, []any{"write_date", ">=", since.UTC().Format(TimeLayout)})
	}
	return domain
}

// recordIterator pages through search_read by offset.
type recordIterator struct {
	c         *Connector
	orm       string
	domain    []any
	fields    []string
	batchSize int
	offset    int
	buf       []map[string]any
	done      bool
}

func (it *recordIterator) Next(ctx context.Context) (*pipeline.SourceRecord, error) {
	for len(it.buf) == 0 {
		if it.done {
			return nil, io.EOF
		}
		var kwargs = map[string]any{
			"offset": it.offset,
			"limit":  it.batchSize,
			"order":  "write_date asc, id asc",
		}
		if len(it.fields) > 0 {
			kwargs["fields"] = it.fields
		}
		var page []map[string]any
		if err := it.c.executeKw(ctx, it.orm, "search_read", []any{it.domain}, kwargs, &page); err != nil {
			return nil, err
		}
		it.offset += len(page)
		if len(page) < it.batchSize {
			it.done = true
		}
		it.buf = page
	}

	var rec = it.buf[0]
	it.buf = it.buf[1:]
	return sourceRecord(rec)
}

func (it *recordIterator) Close() error { return nil }

// sourceRecord wraps one search_read row, lifting id and write_date.
func sourceRecord(data map[string]any) (*pipeline.SourceRecord, error) {
	var rec = &pipeline.SourceRecord{Data: data}

	switch id := data["id"].(type) {
	case float64:
		rec.ID = strconv.FormatInt(int64(id), 10)
	case string:
		rec.ID = id
	default:
		return nil, fmt.Errorf("odoo record has no usable id: %v", data["id"])
	}

	if wd, ok := data["write_date"].(string); ok {
		var t, err = time.Parse(TimeLayout, wd)
		if err != nil {
			return nil, fmt.Errorf("odoo record %s: malformed write_date %q", rec.ID, wd)
		}
		rec.ModifiedAt = model.At(t)
	}
	return rec, nil
}

// call performs one JSON-RPC 2.0 request against /jsonrpc.
func (c *Connector) call(ctx context.Context, service, method string, args []any, out any) error {
	var body, err = json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      c.reqID.Add(1),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("odoo %s.%s: %w", service, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("odoo %s.%s: unexpected status %s", service, method, resp.Status)
	}
	var rpc rpcResponse
	if err = json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return fmt.Errorf("odoo %s.%s: decoding response: %w", service, method, err)
	}
	if rpc.Error != nil {
		return rpc.Error
	}
	if out != nil && len(rpc.Result) > 0 {
		if err = json.Unmarshal(rpc.Result, out); err != nil {
			return fmt.Errorf("odoo %s.%s: decoding result: %w", service, method, err)
		}
	}
	return nil
}

// executeKw invokes an ORM method through the object service.
func (c *Connector) executeKw(ctx context.Context, orm, method string, args []any, kwargs map[string]any, out any) error {
	c.mu.Lock()
	var uid = c.uid
	c.mu.Unlock()
	if uid == 0 {
		return fmt.Errorf("odoo: not connected")
	}

	var callArgs = []any{c.db, uid, c.password, orm, method, args}
	if kwargs != nil {
		callArgs = append(callArgs, kwargs)
	}
	return c.call(ctx, "object", "execute_kw", callArgs, out)
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// rpcError is Odoo's JSON-RPC fault shape. The data.message field carries
// the server-side exception text.
type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

func (e *rpcError) Error() string {
	if m, ok := e.Data["message"].(string); ok && m != "" {
		return fmt.Sprintf("odoo: %s: %s", e.Message, strings.TrimSpace(m))
	}
	return fmt.Sprintf("odoo: %s", e.Message)
}
