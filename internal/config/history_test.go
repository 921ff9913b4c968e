package config

import (
	"testing"
)

func TestHistorySinksFromTOML(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
[history]
# exporting is enabled by listing sinks
sinks = ["sqlite:///tmp/history.db", "opensearch://localhost:9200/playground-history"]
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.History.Sinks) != 2 || cfg.History.Sinks[1] != "opensearch://localhost:9200/playground-history" {
		t.Fatalf("unexpected sinks: %#v", cfg.History.Sinks)
	}
}

func TestHistorySinksFromEnvList(t *testing.T) {
	t.Setenv("PLAYGROUND_HISTORY_SINKS", "sqlite:///tmp/a.db, clickhouse://localhost:9000")
	cfg, err := Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if len(cfg.History.Sinks) != 2 || cfg.History.Sinks[1] != "clickhouse://localhost:9000" {
		t.Fatalf("unexpected sinks: %#v", cfg.History.Sinks)
	}
}

func TestNoHistoryByDefault(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if len(cfg.History.Sinks) != 0 {
		t.Fatalf("expected no sinks, got %#v", cfg.History.Sinks)
	}
}
