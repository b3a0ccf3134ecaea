package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  owner_user_ids: [100, 200]
  poll_timeout: "10s"
logging:
  level: "debug"
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: "sqlite"
  path: "./test.db"
reminders:
  offset_days: [7, 3, 1]
  rate_per_sec: 3
  reconcile_interval: "1h"
nlu:
  enabled: true
  api_key: "sk-test"
  model: "gpt-4o-mini"
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 2 || cfg.Telegram.OwnerUserIDs[1] != 200 {
		t.Errorf("owner ids = %v", cfg.Telegram.OwnerUserIDs)
	}
	if got := cfg.Reminders.OffsetDays; len(got) != 3 || got[0] != 7 {
		t.Errorf("offsets = %v", got)
	}
	if cfg.NLU == nil || !cfg.NLU.Enabled || cfg.NLU.APIKey != "sk-test" {
		t.Errorf("nlu = %+v", cfg.NLU)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  shiny_new_knob: true
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestParseExpandsEnvSecrets(t *testing.T) {
	t.Setenv("SUBWATCH_TEST_TOKEN", "999:secret")
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "${SUBWATCH_TEST_TOKEN}"
`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "999:secret" {
		t.Errorf("token = %q, want expanded secret", cfg.Telegram.Token)
	}
}

func TestParseJSONPassthrough(t *testing.T) {
	path := writeConfig(t, "config.json", `{"telegram":{"token":"123:abc"},"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},"storage":{"driver":"sqlite","path":"./x.db"},"reminders":{}}`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.Path != "./x.db" {
		t.Errorf("storage path = %q", cfg.Storage.Path)
	}
}

func TestParseDurationField(t *testing.T) {
	if _, err := ParseDurationField("x", "10s"); err != nil {
		t.Errorf("valid duration rejected: %v", err)
	}
	if _, err := ParseDurationField("x", "ten seconds"); err == nil {
		t.Error("expected error for bad duration")
	}
	got, err := ParseDurationOrDefault("x", "", 42)
	if err != nil || got != 42 {
		t.Errorf("ParseDurationOrDefault = (%v, %v), want (42, nil)", got, err)
	}
}
