package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"storage": {"driver": "sqlite", "path": "./pawsched.db", "busy_timeout": "5s"},
		"dispatch": {"enabled": true, "workers": 4, "sweep_spec": "@every 10s", "retry_base": "5m"}
	}`)

	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Dispatch.Enabled || cfg.Dispatch.Workers != 4 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
logging:
  level: info
  console: true
  file:
    enabled: true
    path: ./pawsched.log
dispatch:
  enabled: true
  rate_per_sec: 2.5
  min_lead: 1m
availability:
  min_duration: 45m
`)

	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.Logging.File.Enabled || cfg.Dispatch.RatePerSec != 2.5 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Availability == nil || cfg.Availability.MinDuration != "45m" {
		t.Fatalf("availability = %+v", cfg.Availability)
	}

	d, err := ParseDurationOrDefault("availability.min_duration", cfg.Availability.MinDuration, 30*time.Minute)
	if err != nil || d != 45*time.Minute {
		t.Fatalf("min duration = (%v, %v)", d, err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"dispatch": {"enabled": true, "wrokers": 4}}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected error for misspelled field")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"10s", 10 * time.Second, false},
		{" 5m ", 5 * time.Minute, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("test", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.raw)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q = (%v, %v), want %v", tc.raw, got, err, tc.want)
		}
	}
}

func TestLoadCommitGet(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"dispatch": {"enabled": true}}`)
	m := NewConfigManager(path)

	if m.Get() != nil {
		t.Fatal("Get before Load should be nil")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join(t.TempDir(), "absent.json"))
	if _, err := m.Load(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{Dispatch: DispatchConfig{Enabled: true}}
	m.publish(first)
	// A full buffer drops the oldest update so the latest always lands.
	m.publish(second)

	got := <-ch
	if got != second {
		t.Fatal("subscriber should receive the latest config")
	}
}
