package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.PollInterval != time.Second || cfg.Codec != "json" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	body := `
topics: [Topic1, Topic2]
poll_interval: 250ms
codec: cbor
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Topics) != 2 || cfg.Topics[1] != "Topic2" {
		t.Fatalf("unexpected topics: %v", cfg.Topics)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("unexpected poll interval: %v", cfg.PollInterval)
	}
	if cfg.Codec != "cbor" || cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.HTTPAddr != ":8090" {
		t.Fatalf("default http addr should survive, got %q", cfg.HTTPAddr)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"interval": "poll_interval: 0s\n",
		"empty":    "topics: [\"\"]\n",
		"dup":      "topics: [a, a]\n",
		"yaml":     "topics: [\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	path := filepath.Join(dir, "interval.yaml")
	if _, err := Load(path); !errors.Is(err, ErrPollInterval) {
		t.Fatalf("expected ErrPollInterval, got %v", err)
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}
