package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

const minimal = `
environment: test
history:
  url: http://localhost:9000/tv/history
live:
  websocket_url: ws://localhost:9001
`

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Server.Port != 8080 || c.History.Timeout != 15*time.Second {
		t.Fatalf("defaults not applied: port=%d timeout=%s", c.Server.Port, c.History.Timeout)
	}
	if c.Chart.DefaultTimeframe != "1m" || len(c.Chart.LiveTimeframes) != 1 || c.Chart.LiveTimeframes[0] != "1m" {
		t.Fatalf("unexpected chart defaults %+v", c.Chart)
	}
	if c.Chart.VolumePolicy != "delta" || c.History.Backend != "http" || c.Live.Backend != "websocket" {
		t.Fatalf("unexpected backend defaults")
	}
	if c.UsesClickHouse() || c.UsesPostgres() {
		t.Fatalf("no database should be required by default")
	}
	if c.Publish.Backend != "none" || c.Pipeline.MaxRPS != 20 || c.Pipeline.MaxAttempts != 5 || c.Storage.Backend != "clickhouse" {
		t.Fatalf("unexpected pipeline defaults publish=%s pipeline=%+v", c.Publish.Backend, c.Pipeline)
	}
}

func TestPublishBackendFollowsUpdatesTopic(t *testing.T) {
	doc := minimal + "kafka:\n  brokers: [localhost:9092]\n  updates_topic: chart.updates\n"
	c, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Publish.Backend != "kafka" {
		t.Fatalf("expected kafka publisher, got %s", c.Publish.Backend)
	}
}

func TestPostgresStorage(t *testing.T) {
	doc := minimal + "storage:\n  enabled: true\n  backend: postgres\npostgres:\n  host: localhost\n"
	c, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !c.UsesPostgres() || c.UsesClickHouse() {
		t.Fatalf("unexpected database usage pg=%v ch=%v", c.UsesPostgres(), c.UsesClickHouse())
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"environment":   strings.Replace(minimal, "environment: test", "", 1),
		"volume policy": minimal + "chart:\n  volume_policy: weird\n",
		"history url":   strings.Replace(minimal, "url: http://localhost:9000/tv/history", "url: \"\"", 1),
		"kafka live":    minimal + "  backend: kafka\n",
		"redis cache":   strings.Replace(minimal, "history:\n", "history:\n  cache: redis\n", 1),
		"storage":       minimal + "storage:\n  enabled: true\n",
		"pg storage":    minimal + "storage:\n  enabled: true\n  backend: postgres\n",
		"pg history":    strings.Replace(minimal, "history:\n", "history:\n  backend: postgres\n", 1),
		"rabbitmq":      minimal + "publish:\n  backend: rabbitmq\n",
		"publisher":     minimal + "publish:\n  backend: nats\n",
		"updates topic": minimal + "kafka:\n  updates_topic: chart.updates\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := t.TempDir() + "/config.yaml"
	if err := os.WriteFile(path, []byte(minimal), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CHART_SYMBOLS", "BTC/USDT,ETHUSDT")
	t.Setenv("SERVER_PORT", "9090")

	c, err := LoadWithEnv(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Chart.Symbols) != 2 || c.Chart.Symbols[0] != "BTC/USDT" {
		t.Fatalf("unexpected symbols %v", c.Chart.Symbols)
	}
	if c.Server.Port != 9090 {
		t.Fatalf("unexpected port %d", c.Server.Port)
	}
}
