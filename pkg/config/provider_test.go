package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleProviderYAML = `
provider:
  id: deepseek
  keys_id: deepseek-keys
  enable: true
  require_auth: false
  endpoint:
    default: https://api.deepseek.com
    beta: https://beta.deepseek.com
  schema:
    - id: openai
      upstream_path: /v1
  limit:
    payload:
      input: 65536
      output: 8192
  concurrency:
    identity: 2
    keys:
      same_key: 1
      max_usage_same_key: 3
  cooldown:
    default: 5s
    chat: 30s
`

func TestLoadProviderDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "deepseek.yml", sampleProviderYAML)
	writeFile(t, dir, "notes.txt", "not a provider")

	reg, err := LoadProviderDir(dir)
	if err != nil {
		t.Fatalf("LoadProviderDir failed: %v", err)
	}

	p, ok := reg.Get("deepseek")
	if !ok {
		t.Fatal("provider deepseek not loaded")
	}
	if p.KeysID != "deepseek-keys" {
		t.Errorf("keys_id = %q", p.KeysID)
	}
	if p.Concurrency.Keys.MaxUsageSameKey != 3 {
		t.Errorf("max_usage_same_key = %d, want 3", p.Concurrency.Keys.MaxUsageSameKey)
	}
	if got := p.BaseURL(p.Schema[0], "beta"); got != "https://beta.deepseek.com" {
		t.Errorf("BaseURL(beta) = %q", got)
	}
	if got := p.BaseURL(p.Schema[0], "missing"); got != "https://api.deepseek.com" {
		t.Errorf("BaseURL fallback = %q", got)
	}
}

func TestRegistry_IDsSortedByLength(t *testing.T) {
	reg, err := NewRegistry(
		testProvider("deepseek"),
		testProvider("deepseek/beta"),
		testProvider("azure/openai/v2"),
	)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	ids := reg.IDs()
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}
	if ids[0] != "azure/openai/v2" || ids[1] != "deepseek/beta" || ids[2] != "deepseek" {
		t.Errorf("ids not length-descending: %v", ids)
	}
}

func TestRegistry_Reload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "deepseek.yml", sampleProviderYAML)

	reg, err := LoadProviderDir(dir)
	if err != nil {
		t.Fatalf("LoadProviderDir failed: %v", err)
	}

	updated := sampleProviderYAML + "  hidden: true\n"
	if err := os.WriteFile(filepath.Join(dir, "deepseek.yml"), []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	if err := reg.Reload("deepseek"); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	p, _ := reg.Get("deepseek")
	if !p.Hidden {
		t.Error("reloaded provider should be hidden")
	}
}

func TestPricingCost(t *testing.T) {
	pricing := ProviderPricing{
		Input:  Price{Value: 2.5, TokenScale: 1_000_000},
		Output: Price{Value: 10, TokenScale: 1_000_000},
	}

	got := pricing.Cost(1_000_000, 500_000)
	if want := 7.5; got != want {
		t.Errorf("Cost() = %v, want %v", got, want)
	}

	// Unpriced providers cost nothing.
	if got := (ProviderPricing{}).Cost(1000, 1000); got != 0 {
		t.Errorf("zero pricing Cost() = %v, want 0", got)
	}
}

func TestValidateProvider(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Provider)
	}{
		{"empty id", func(p *Provider) { p.ID = "" }},
		{"empty keys_id", func(p *Provider) { p.KeysID = "" }},
		{"missing default endpoint", func(p *Provider) { p.Endpoint = map[string]string{"beta": "x"} }},
		{"no schemas", func(p *Provider) { p.Schema = nil }},
		{"zero identity ceiling", func(p *Provider) { p.Concurrency.Identity = 0 }},
		{"zero key ceiling", func(p *Provider) { p.Concurrency.Keys.SameKey = 0 }},
		{"zero reuse limit", func(p *Provider) { p.Concurrency.Keys.MaxUsageSameKey = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testProvider("p")
			tt.mutate(p)
			if err := ValidateProvider(p); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// testProvider returns a minimal valid provider definition.
func testProvider(id string) *Provider {
	return &Provider{
		ID:       id,
		KeysID:   id + "-keys",
		Enable:   true,
		Endpoint: map[string]string{"default": "https://example.com"},
		Schema:   []ProviderSchema{{ID: "openai", UpstreamPath: "/v1"}},
		Concurrency: ProviderConcurrency{
			Identity: 2,
			Keys:     KeyConcurrency{SameKey: 1, MaxUsageSameKey: 1},
		},
	}
}
