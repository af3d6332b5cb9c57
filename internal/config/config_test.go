package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("默认配置应可加载: %v", err)
	}

	if cfg.Ingest.BatchSize != 5 {
		t.Fatalf("batch size default = %d", cfg.Ingest.BatchSize)
	}
	if cfg.Ingest.RunTimeout != 30*time.Second {
		t.Fatalf("run timeout default = %s", cfg.Ingest.RunTimeout)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.ResetTimeout != time.Minute {
		t.Fatalf("breaker defaults = %+v", cfg.Breaker)
	}
	if cfg.Upstream.MaxAttempts != 3 {
		t.Fatalf("max attempts default = %d", cfg.Upstream.MaxAttempts)
	}
	if got := cfg.TrackedAssets(); len(got) != 3 || got[0] != "bitcoin" {
		t.Fatalf("tracked assets = %v", got)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  cadence: "@every 30s"
ingest:
  assets: [solana, cardano]
  batch_size: 1
  run_timeout: 5s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Cadence != "@every 30s" {
		t.Fatalf("cadence = %q", cfg.Scheduler.Cadence)
	}
	if len(cfg.Ingest.Assets) != 2 || cfg.Ingest.BatchSize != 1 || cfg.Ingest.RunTimeout != 5*time.Second {
		t.Fatalf("ingest = %+v", cfg.Ingest)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := map[string]func(*Config){
		"ingest.batch_size":         func(c *Config) { c.Ingest.BatchSize = 0 },
		"ingest.assets":             func(c *Config) { c.Ingest.Assets = []string{"btc", "btc"} },
		"breaker.failure_threshold": func(c *Config) { c.Breaker.FailureThreshold = 0 },
		"upstream.retry_max_delay":  func(c *Config) { c.Upstream.RetryMaxDelay = time.Millisecond },
		"scheduler.cadence":         func(c *Config) { c.Scheduler.Cadence = " " },
	}

	for field, mutate := range cases {
		cfg := validConfig()
		mutate(&cfg)

		err := cfg.Validate()
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("%s: 应返回 ConfigError, 实际 %v", field, err)
		}
		if cfgErr.Field != field {
			t.Fatalf("%s: field = %q", field, cfgErr.Field)
		}
	}
}

func TestTelegramRequiresCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Alerting.Telegram.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("缺少 bot_token 应报错")
	}
}

func validConfig() Config {
	return Config{
		Scheduler: SchedulerConfig{Cadence: "*/15 * * * *", HistorySize: 100, DrainTimeout: time.Second},
		Ingest:    IngestConfig{Assets: []string{"bitcoin"}, BatchSize: 5, RunTimeout: time.Second},
		Upstream: UpstreamConfig{
			BaseURL:           "http://localhost",
			RequestTimeout:    time.Second,
			MaxAttempts:       3,
			RetryInitialDelay: time.Second,
			RetryMaxDelay:     30 * time.Second,
		},
		Breaker: BreakerConfig{FailureThreshold: 5, ResetTimeout: time.Minute},
		Export:  ExportConfig{MaxDataPoints: 10},
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
