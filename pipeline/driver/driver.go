// Package driver selects and configures source connectors by kind.
//
// Concrete connectors live in sub-packages and register themselves at
// init, the way database/sql drivers do: importing a driver package for
// side effects makes its kind available to New. Each driver also carries
// the built-in field mappings for the entity types it serves, which the
// caller installs into a pipeline Registry so operators only override
// what differs from the defaults.
package driver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/pipeline"
)

// DefaultTimeout bounds a source request when the integration sets none.
const DefaultTimeout = 30 * time.Second

// Config is one integration: a named source instance of a connector kind.
// Credentials are opaque to the core; each driver interprets its own keys
// and rejects configs missing the ones it requires.
type Config struct {
	// Kind selects the driver, e.g. "odoo".
	Kind string `yaml:"kind" json:"kind"`
	// Name is the source name stamped onto everything the integration
	// syncs. Defaults to Kind, so a deployment with one instance of each
	// system needs no explicit names.
	Name string `yaml:"name" json:"name"`
	// Credentials hold endpoints, databases, and secrets.
	Credentials map[string]string `yaml:"credentials" json:"credentials"`
	// TimeoutSeconds bounds each request to the source.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
	// BatchSize is the fetch page size. Zero means the pipeline default.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// EntityTypes restricts which types this integration syncs. Empty
	// means every type its driver supports.
	EntityTypes []string `yaml:"entity_types" json:"entity_types"`
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.Kind == "" {
		return fmt.Errorf("expected `kind`")
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds cannot be negative")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch_size cannot be negative")
	}
	for _, et := range c.EntityTypes {
		if _, err := model.ParseEntityType(et); err != nil {
			return err
		}
	}
	return nil
}

// Source returns the source name records are attributed to.
func (c Config) Source() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Kind
}

// Timeout returns the per-request timeout.
func (c Config) Timeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return DefaultTimeout
}

// Credential returns one credential value, or "" when unset.
func (c Config) Credential(key string) string { return c.Credentials[key] }

// RequireCredentials returns an error naming the first missing key.
func (c Config) RequireCredentials(keys ...string) error {
	for _, key := range keys {
		if c.Credentials[key] == "" {
			return fmt.Errorf("%s integration requires credential %q", c.Kind, key)
		}
	}
	return nil
}

// Types resolves the configured entity-type subset against the driver's
// supported list, preserving the driver's dependency order.
func (c Config) Types(d Driver) ([]model.EntityType, error) {
	var supported = d.EntityTypes()
	if len(c.EntityTypes) == 0 {
		return supported, nil
	}

	var want = make(map[model.EntityType]bool, len(c.EntityTypes))
	for _, s := range c.EntityTypes {
		var et, err = model.ParseEntityType(s)
		if err != nil {
			return nil, err
		}
		want[et] = true
	}

	var out []model.EntityType
	for _, et := range supported {
		if want[et] {
			out = append(out, et)
			delete(want, et)
		}
	}
	for et := range want {
		return nil, fmt.Errorf("%s integration cannot sync entity type %q", c.Kind, et)
	}
	return out, nil
}

// Driver builds connectors for one kind of source system.
type Driver interface {
	// NewConnector builds an unconnected Connector from cfg.
	NewConnector(cfg Config) (pipeline.Connector, error)
	// MappingSpecs returns the built-in field mappings for an integration
	// named source, one spec per supported entity type.
	MappingSpecs(source string) []*model.MappingSpec
	// EntityTypes lists the canonical types the driver can sync, ordered
	// so references load before their referents.
	EntityTypes() []model.EntityType
}

var (
	driversMu sync.Mutex
	drivers   = make(map[string]Driver)
)

// Register makes a driver available under kind. Registering the same kind
// twice panics: that is always a wiring bug, not a runtime condition.
func Register(kind string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if d == nil {
		panic("driver: Register with nil driver")
	}
	if _, dup := drivers[kind]; dup {
		panic(fmt.Sprintf("driver: kind %q registered twice", kind))
	}
	drivers[kind] = d
}

// Get returns the driver registered under kind.
func Get(kind string) (Driver, error) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if d, ok := drivers[kind]; ok {
		return d, nil
	}
	var known = make([]string, 0, len(drivers))
	for k := range drivers {
		known = append(known, k)
	}
	sort.Strings(known)
	return nil, fmt.Errorf("unknown driver kind %q (have: %s)", kind, strings.Join(known, ", "))
}

// Kinds returns the registered driver kinds, sorted.
func Kinds() []string {
	driversMu.Lock()
	defer driversMu.Unlock()

	var out = make([]string, 0, len(drivers))
	for k := range drivers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New validates cfg, resolves its driver, and builds its connector.
func New(cfg Config) (pipeline.Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("integration %s: %w", cfg.Source(), err)
	}
	var d, err = Get(cfg.Kind)
	if err != nil {
		return nil, err
	}
	return d.NewConnector(cfg)
}

// Specs returns cfg's built-in mapping specs, restricted to the entity
// types the integration actually syncs.
func Specs(cfg Config) ([]*model.MappingSpec, error) {
	var d, err = Get(cfg.Kind)
	if err != nil {
		return nil, err
	}
	var types, errTypes = cfg.Types(d)
	if errTypes != nil {
		return nil, errTypes
	}

	var want = make(map[model.EntityType]bool, len(types))
	for _, et := range types {
		want[et] = true
	}
	var out []*model.MappingSpec
	for _, spec := range d.MappingSpecs(cfg.Source()) {
		if want[spec.EntityType] {
			out = append(out, spec)
		}
	}
	return out, nil
}
