package config

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"500ms", 500 * time.Millisecond, false},
		{"10s", 10 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"1h", time.Hour, false},
		{"2d", 48 * time.Hour, false},
		{"1w", 7 * 24 * time.Hour, false},
		{"10 m", 10 * time.Minute, false},
		{"", 0, true},
		{"10", 0, true},
		{"m", 0, true},
		{"1h30m", 0, true},
		{"-5s", 0, true},
		{"10x", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseDuration(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDuration(%q): expected error, got %v", tt.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDuration(%q): unexpected error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestDuration_UnmarshalYAML(t *testing.T) {
	var p Provider
	raw := []byte(`
id: test
keys_id: test-keys
endpoint:
  default: https://example.com
schema:
  - id: openai
    upstream_path: /v1
concurrency:
  identity: 2
  keys:
    same_key: 1
    max_usage_same_key: 1
cooldown:
  default: 10s
  chat: 2m
`)

	if err := yaml.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if p.CooldownFor("default").Std() != 10*time.Second {
		t.Errorf("default cooldown = %v, want 10s", p.CooldownFor("default").Std())
	}
	if p.CooldownFor("chat").Std() != 2*time.Minute {
		t.Errorf("chat cooldown = %v, want 2m", p.CooldownFor("chat").Std())
	}
	if p.CooldownFor("other").Std() != 10*time.Second {
		t.Errorf("unknown kind should fall back to default, got %v", p.CooldownFor("other").Std())
	}
}
