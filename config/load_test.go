package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"order-bridge/venue"
)

type venueSymbol = venue.SymbolConfig

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const sampleConfig = `
env: dev
session:
  url: ws://127.0.0.1:8080/ws
  clientId: mt5-demo
  pingInterval: 15s
  readTimeout: 45s
  backoffInitial: 1s
  backoffMax: 20s
engine:
  timerInterval: 250ms
  placeRestingAtVenue: false
outbox:
  path: /var/lib/bridge/outbox
  maxLen: 500
store:
  keyPrefix: "demo:"
  ttl: 24h
venue:
  balance: 10000
  leverage: 50
  symbols:
    EURUSD:
      tickSize: 0.00001
      stopsLevel: 10
      volumeMin: 0.01
      volumeMax: 100
      contractSize: 100000
      bid: 1.08500
      ask: 1.08512
log:
  level: debug
  format: console
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.URL != "ws://127.0.0.1:8080/ws" || cfg.Session.ClientID != "mt5-demo" {
		t.Fatalf("unexpected session values: %+v", cfg.Session)
	}
	if cfg.Session.PingInterval != 15*time.Second || cfg.Session.BackoffMax != 20*time.Second {
		t.Fatalf("durations not parsed: %+v", cfg.Session)
	}
	if cfg.Engine.TimerInterval != 250*time.Millisecond || cfg.Engine.PlaceRestingAtVenue {
		t.Fatalf("unexpected engine values: %+v", cfg.Engine)
	}
	if cfg.Store.TTL != 24*time.Hour || cfg.Store.KeyPrefix != "demo:" {
		t.Fatalf("unexpected store values: %+v", cfg.Store)
	}
	eur, ok := cfg.Venue.Symbols["EURUSD"]
	if !ok || eur.StopsLevel != 10 || eur.ContractSize != 100000 || eur.Ask != 1.08512 {
		t.Fatalf("unexpected venue symbol: %+v", eur)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Fatalf("unexpected log values: %+v", cfg.Log)
	}
}

func TestLoadKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def := Default()
	if cfg.Session.BackoffMultiplier != def.Session.BackoffMultiplier ||
		cfg.Session.MaxReconnectAttempts != def.Session.MaxReconnectAttempts ||
		cfg.Session.MaxMissedKeepalives != def.Session.MaxMissedKeepalives ||
		cfg.Session.HandshakeTimeout != def.Session.HandshakeTimeout {
		t.Fatalf("defaults lost: %+v", cfg.Session)
	}
	if cfg.Metrics.Addr != def.Metrics.Addr {
		t.Fatalf("metrics default lost: %+v", cfg.Metrics)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	t.Setenv("BRIDGE_SESSION_URL", "wss://control.example/ws")
	t.Setenv("BRIDGE_CLIENT_ID", "env-client")
	t.Setenv("BRIDGE_REDIS_ADDR", "redis:6379")
	cfg, err := LoadWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.URL != "wss://control.example/ws" || cfg.Session.ClientID != "env-client" {
		t.Fatalf("env overrides not applied: %+v", cfg.Session)
	}
	if cfg.Store.RedisAddr != "redis:6379" {
		t.Fatalf("redis override not applied: %+v", cfg.Store)
	}
}

func TestLoadEnvSuppliesRequiredFields(t *testing.T) {
	content := strings.Replace(sampleConfig, "  url: ws://127.0.0.1:8080/ws\n", "", 1)
	path := writeTempConfig(t, content)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected missing url error")
	}
	t.Setenv("BRIDGE_SESSION_URL", "ws://10.0.0.1/ws")
	if _, err := LoadWithEnvOverrides(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
	if _, err := Load(writeTempConfig(t, "session: [")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	err := Validate(AppConfig{})
	if err == nil {
		t.Fatalf("expected error for empty config")
	}

	base, err := Load(writeTempConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cases := []struct {
		name   string
		mutate func(c *AppConfig)
		want   string
	}{
		{"http url", func(c *AppConfig) { c.Session.URL = "http://x" }, "session.url"},
		{"no client id", func(c *AppConfig) { c.Session.ClientID = "" }, "clientId"},
		{"read timeout below ping", func(c *AppConfig) { c.Session.ReadTimeout = c.Session.PingInterval }, "readTimeout"},
		{"backoff max below initial", func(c *AppConfig) { c.Session.BackoffMax = time.Millisecond }, "backoff"},
		{"multiplier", func(c *AppConfig) { c.Session.BackoffMultiplier = 1 }, "backoffMultiplier"},
		{"attempts", func(c *AppConfig) { c.Session.MaxReconnectAttempts = 0 }, "maxReconnectAttempts"},
		{"timer", func(c *AppConfig) { c.Engine.TimerInterval = 0 }, "timerInterval"},
		{"outbox", func(c *AppConfig) { c.Outbox.MaxLen = 0 }, "outbox.maxLen"},
		{"leverage", func(c *AppConfig) { c.Venue.Leverage = 0 }, "leverage"},
		{"no symbols", func(c *AppConfig) { c.Venue.Symbols = nil }, "venue.symbols"},
		{"log level", func(c *AppConfig) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *AppConfig) { c.Log.Format = "xml" }, "log.format"},
		{"alert webhook", func(c *AppConfig) { c.Alert.WebhookURL = "ftp://x" }, "alert.webhookURL"},
		{"alert throttle", func(c *AppConfig) { c.Alert.Throttle = -time.Second }, "alert.throttle"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			cfg.Venue.Symbols = map[string]venueSymbol{}
			for k, v := range base.Venue.Symbols {
				cfg.Venue.Symbols[k] = v
			}
			tc.mutate(&cfg)
			err := Validate(cfg)
			var inv ErrInvalid
			if !errors.As(err, &inv) || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want ErrInvalid containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateSymbol(t *testing.T) {
	base, err := Load(writeTempConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := []func(s *venueSymbol){
		func(s *venueSymbol) { s.TickSize = 0 },
		func(s *venueSymbol) { s.StopsLevel = -1 },
		func(s *venueSymbol) { s.VolumeMax = s.VolumeMin / 2 },
		func(s *venueSymbol) { s.ContractSize = 0 },
		func(s *venueSymbol) { s.Bid = s.Ask + 1 },
	}
	for i, mutate := range bad {
		sym := base.Venue.Symbols["EURUSD"]
		mutate(&sym)
		cfg := base
		cfg.Venue.Symbols = map[string]venueSymbol{"EURUSD": sym}
		if err := Validate(cfg); err == nil {
			t.Fatalf("case %d: expected symbol error", i)
		}
	}
}
