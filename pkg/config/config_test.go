package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Registry.OfflineThreshold != 2 || cfg.Registry.CriticalAfterMissed != 5 {
		t.Fatalf("registry defaults = %+v", cfg.Registry)
	}
	if !cfg.Notify.Channels.Log.Enabled {
		t.Fatal("log channel not enabled by default")
	}
	if cfg.Kafka.Topics.MetricDocuments != "metric-documents" {
		t.Fatalf("documents topic = %q", cfg.Kafka.Topics.MetricDocuments)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9999
escalation:
  interval: 30s
  rules:
    - name: low_coverage
      metricPath: aggregate.overall_coverage
      comparator: "<"
      threshold: 90
      level: warning
      sustainWindow: 2
      cooldownWindow: 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Fatalf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Escalation.Interval != 30*time.Second {
		t.Fatalf("interval = %s, want 30s", cfg.Escalation.Interval)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Fatalf("read timeout = %s, want default 30s", cfg.Server.ReadTimeout)
	}
	if len(cfg.Escalation.Rules) != 1 || cfg.Escalation.Rules[0].Threshold != 90 {
		t.Fatalf("rules = %+v", cfg.Escalation.Rules)
	}
}

func TestLoadRejectsBadRules(t *testing.T) {
	for name, body := range map[string]string{
		"bad comparator": `
escalation:
  rules:
    - name: r1
      metricPath: aggregate.overall_coverage
      comparator: "~="
      level: warning
      sustainWindow: 1
`,
		"bad level": `
escalation:
  rules:
    - name: r1
      metricPath: aggregate.overall_coverage
      comparator: "<"
      level: emergency
      sustainWindow: 1
`,
		"zero sustain": `
escalation:
  rules:
    - name: r1
      metricPath: aggregate.overall_coverage
      comparator: "<"
      level: warning
      sustainWindow: 0
`,
		"missing name": `
escalation:
  rules:
    - metricPath: aggregate.overall_coverage
      comparator: "<"
      level: warning
      sustainWindow: 1
`,
	} {
		path := writeConfig(t, body)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: Load() accepted invalid config", name)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PULSE_SERVER_PORT", "7777")
	t.Setenv("PULSE_KAFKA_ENABLED", "true")
	t.Setenv("PULSE_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PULSE_WEBHOOK_URL", "http://hooks.internal/alerts")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Fatalf("port = %d, want 7777", cfg.Server.Port)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 2 {
		t.Fatalf("kafka = %+v", cfg.Kafka)
	}
	if !cfg.Notify.Channels.Webhook.Enabled || cfg.Notify.Channels.Webhook.URL != "http://hooks.internal/alerts" {
		t.Fatalf("webhook = %+v", cfg.Notify.Channels.Webhook)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() accepted a missing file")
	}
}

func TestPostgresDSN(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	dsn := cfg.Postgres.DSN()
	for _, part := range []string{"host=localhost", "dbname=pulsegrid", "sslmode=disable"} {
		if !strings.Contains(dsn, part) {
			t.Fatalf("DSN %q missing %q", dsn, part)
		}
	}
}
