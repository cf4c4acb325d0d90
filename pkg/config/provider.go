package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Provider is the static configuration of one logical upstream provider.
// Immutable after load; replaced wholesale on hot reload.
type Provider struct {
	// ID is the logical provider id, which is also its route prefix. It may
	// contain slashes ("azure/openai/v2").
	ID string `yaml:"id"`

	// KeysID names the credential pool this provider draws keys from.
	KeysID string `yaml:"keys_id"`

	Enable      bool `yaml:"enable"`
	Hidden      bool `yaml:"hidden"`
	RequireAuth bool `yaml:"require_auth"`

	// Endpoint maps named upstream base URLs. "default" is required; keys
	// may carry an endpoint-variant hint in their metadata selecting another
	// entry.
	Endpoint map[string]string `yaml:"endpoint"`

	// Schema is the ordered list of protocol schemas the provider speaks.
	// The first entry is the default when the caller does not imply one.
	Schema []ProviderSchema `yaml:"schema"`

	Limit       ProviderLimit       `yaml:"limit"`
	Pricing     ProviderPricing     `yaml:"pricing"`
	Concurrency ProviderConcurrency `yaml:"concurrency"`
	Override    ProviderOverride    `yaml:"override"`
	Scripts     ProviderScripts     `yaml:"scripts"`

	// Cooldown maps an action kind ("chat", "default") to the minimum gap
	// between calls from one identity. "default" applies when no kind-specific
	// entry exists.
	Cooldown map[string]Duration `yaml:"cooldown"`

	// KeepKeysOnAuthFailure leaves key state untouched on upstream 401/402/429
	// responses. Used for providers whose auth errors are transient.
	KeepKeysOnAuthFailure bool `yaml:"keep_keys_on_auth_failure"`
}

// ProviderSchema binds a protocol schema id to its upstream path prefix.
type ProviderSchema struct {
	ID string `yaml:"id"`

	// UpstreamPath is prefixed to the caller's sub-path when building the
	// upstream URL.
	UpstreamPath string `yaml:"upstream_path"`

	// Base overrides the provider endpoint base URL for this schema only.
	Base string `yaml:"base"`
}

// ProviderLimit caps request and response payloads.
type ProviderLimit struct {
	Payload PayloadLimit `yaml:"payload"`
}

// PayloadLimit holds input/output token ceilings. Zero means unlimited.
type PayloadLimit struct {
	Input  int `yaml:"input"`
	Output int `yaml:"output"`
}

// ProviderPricing is the read-only pricing side calculation.
type ProviderPricing struct {
	Input  Price `yaml:"input"`
	Output Price `yaml:"output"`
}

// Price is a cost per TokenScale tokens.
type Price struct {
	Value      float64 `yaml:"value"`
	TokenScale int     `yaml:"token_scale"`
}

// For returns the cost of the given token count, or 0 when unpriced.
func (p Price) For(tokens int64) float64 {
	if p.TokenScale <= 0 {
		return 0
	}
	return p.Value * float64(tokens) / float64(p.TokenScale)
}

// Cost returns the total estimated cost of a request.
func (pp ProviderPricing) Cost(input, output int64) float64 {
	return pp.Input.For(input) + pp.Output.For(output)
}

// ProviderConcurrency holds the provider's concurrency ceilings.
type ProviderConcurrency struct {
	// Identity is the per-identity in-flight request ceiling.
	Identity int `yaml:"identity"`

	Keys KeyConcurrency `yaml:"keys"`
}

// KeyConcurrency holds per-key allocation policy.
type KeyConcurrency struct {
	// SameKey is the per-key in-flight ceiling; keys at or above it are
	// excluded from allocation.
	SameKey int `yaml:"same_key"`

	// MaxUsageSameKey is the sticky reuse count: the same key is handed to
	// one identity up to this many times before re-randomizing. 1 disables
	// sticky reuse.
	MaxUsageSameKey int `yaml:"max_usage_same_key"`
}

// ProviderOverride carries request header overrides applied before the
// upstream call.
type ProviderOverride struct {
	Headers []HeaderPair `yaml:"headers"`
}

// HeaderPair is a single header override.
type HeaderPair struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// ProviderScripts names optional processing hooks resolved at startup from
// the validator registry.
type ProviderScripts struct {
	// Checker names a response validator run against the first streamed
	// chunk. Empty disables validation.
	Checker string `yaml:"checker"`
}

// providerFile is the on-disk wrapper around a provider definition.
type providerFile struct {
	Provider Provider `yaml:"provider"`
}

// CooldownFor returns the cooldown for the given action kind, falling back to
// the "default" entry, then zero.
func (p *Provider) CooldownFor(kind string) Duration {
	if d, ok := p.Cooldown[kind]; ok {
		return d
	}
	return p.Cooldown["default"]
}

// SchemaByID returns the provider's schema entry with the given id.
func (p *Provider) SchemaByID(id string) (ProviderSchema, bool) {
	for _, s := range p.Schema {
		if s.ID == id {
			return s, true
		}
	}
	return ProviderSchema{}, false
}

// BaseURL returns the upstream base URL for a schema, honoring the schema's
// base override and the key's endpoint-variant hint, in that order.
func (p *Provider) BaseURL(schema ProviderSchema, endpointVariant string) string {
	if schema.Base != "" {
		return schema.Base
	}
	if endpointVariant != "" {
		if base, ok := p.Endpoint[endpointVariant]; ok {
			return base
		}
	}
	return p.Endpoint["default"]
}

// ValidateProvider checks a provider definition for structural errors.
func ValidateProvider(p *Provider) error {
	if p.ID == "" {
		return fmt.Errorf("provider id cannot be empty")
	}
	if p.KeysID == "" {
		return fmt.Errorf("provider %q: keys_id cannot be empty", p.ID)
	}
	if _, ok := p.Endpoint["default"]; !ok {
		return fmt.Errorf("provider %q: endpoint map must contain %q", p.ID, "default")
	}
	if len(p.Schema) == 0 {
		return fmt.Errorf("provider %q: at least one schema is required", p.ID)
	}
	for _, s := range p.Schema {
		if s.ID == "" {
			return fmt.Errorf("provider %q: schema entry missing id", p.ID)
		}
	}
	if p.Concurrency.Identity < 1 {
		return fmt.Errorf("provider %q: concurrency.identity must be >= 1", p.ID)
	}
	if p.Concurrency.Keys.SameKey < 1 {
		return fmt.Errorf("provider %q: concurrency.keys.same_key must be >= 1", p.ID)
	}
	if p.Concurrency.Keys.MaxUsageSameKey < 1 {
		return fmt.Errorf("provider %q: concurrency.keys.max_usage_same_key must be >= 1", p.ID)
	}
	return nil
}

// Registry holds the loaded provider definitions, keyed by provider id.
// Reads vastly outnumber writes (writes happen only on hot reload), so access
// is guarded by an RWMutex over an immutable snapshot per provider.
type Registry struct {
	mu        sync.RWMutex
	dir       string
	providers map[string]*Provider
	sortedIDs []string
}

// LoadProviderDir loads every *.yml / *.yaml file in dir into a Registry.
func LoadProviderDir(dir string) (*Registry, error) {
	r := &Registry{dir: dir, providers: make(map[string]*Provider)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider directory %q: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}

		p, err := parseProviderFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		r.providers[p.ID] = p
	}

	r.rebuildSortedLocked()
	return r, nil
}

// NewRegistry builds a registry from in-memory provider definitions.
// Used by tests and tooling.
func NewRegistry(providers ...*Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]*Provider)}
	for _, p := range providers {
		if err := ValidateProvider(p); err != nil {
			return nil, err
		}
		r.providers[p.ID] = p
	}
	r.rebuildSortedLocked()
	return r, nil
}

// Get returns the provider with the given id.
func (r *Registry) Get(id string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// IDs returns all provider ids sorted by descending length. This is the
// order route matching wants: the longest prefix must win.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.sortedIDs))
	copy(out, r.sortedIDs)
	return out
}

// All returns a snapshot of every loaded provider.
func (r *Registry) All() []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Reload re-reads a single provider definition file by name (the file stem,
// which must match the file used at startup). The registry entry is replaced
// atomically; in-flight requests keep the snapshot they resolved.
func (r *Registry) Reload(name string) error {
	if r.dir == "" {
		return fmt.Errorf("registry was not loaded from a directory")
	}

	path := filepath.Join(r.dir, name+".yml")
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(r.dir, name+".yaml")
	}

	p, err := parseProviderFile(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID] = p
	r.rebuildSortedLocked()
	return nil
}

// rebuildSortedLocked recomputes the length-descending id order.
// Caller must hold the write lock (or have exclusive access during init).
func (r *Registry) rebuildSortedLocked() {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) > len(ids[j])
		}
		return ids[i] < ids[j]
	})
	r.sortedIDs = ids
}

func parseProviderFile(path string) (*Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider file %q: %w", path, err)
	}

	var pf providerFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse provider file %q: %w", path, err)
	}

	if err := ValidateProvider(&pf.Provider); err != nil {
		return nil, fmt.Errorf("provider file %q: %w", path, err)
	}

	return &pf.Provider, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yml" || ext == ".yaml"
}
