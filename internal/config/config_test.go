package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("listen=%q", cfg.Listen)
	}
	if cfg.Tokens.Backend != "memory" {
		t.Errorf("backend=%q", cfg.Tokens.Backend)
	}
	if cfg.Redaction.MaxPayloadKB != 256 {
		t.Errorf("max_payload_kb=%d", cfg.Redaction.MaxPayloadKB)
	}
	if cfg.Redaction.TokenTTL != 4*time.Hour {
		t.Errorf("token_ttl=%v", cfg.Redaction.TokenTTL)
	}
	if cfg.Safety.Mode != "warning" {
		t.Errorf("safety mode=%q", cfg.Safety.Mode)
	}
	if cfg.Providers.OpenAI != "https://api.openai.com" {
		t.Errorf("openai base url=%q", cfg.Providers.OpenAI)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "veil.yaml")
	data := `
listen: ":7000"
redaction:
  max_payload_kb: 64
  trusted_callers: [ops-bot]
tokens:
  backend: redis
  encryption_key: k1
  redis:
    addr: redis.internal:6379
audit:
  siem:
    type: splunk
    splunk_hec_url: https://splunk.internal:8088
safety:
  mode: block
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":7000" {
		t.Errorf("listen=%q", cfg.Listen)
	}
	if cfg.Redaction.MaxPayloadKB != 64 {
		t.Errorf("max_payload_kb=%d", cfg.Redaction.MaxPayloadKB)
	}
	if len(cfg.Redaction.TrustedCallers) != 1 || cfg.Redaction.TrustedCallers[0] != "ops-bot" {
		t.Errorf("trusted_callers=%v", cfg.Redaction.TrustedCallers)
	}
	if cfg.Tokens.Backend != "redis" || cfg.Tokens.Redis.Addr != "redis.internal:6379" {
		t.Errorf("tokens=%+v", cfg.Tokens)
	}
	if cfg.Audit.SIEM.Type != "splunk" {
		t.Errorf("siem type=%q", cfg.Audit.SIEM.Type)
	}
	if cfg.Safety.Mode != "block" {
		t.Errorf("safety mode=%q", cfg.Safety.Mode)
	}
	// Untouched sections keep defaults.
	if cfg.Control.Listen != ":9090" {
		t.Errorf("control listen=%q", cfg.Control.Listen)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VEIL_LISTEN", ":6060")
	t.Setenv("VEIL_TOKEN_BACKEND", "redis")
	t.Setenv("VEIL_TOKEN_ENCRYPTION_KEY", "env-key")
	t.Setenv("VEIL_REDIS_ADDR", "10.0.0.5:6379")
	t.Setenv("VEIL_TRUSTED_CALLERS", "incident-mgr, oncall-bot")
	t.Setenv("VEIL_SAFETY_MODE", "silent")
	t.Setenv("VEIL_TOKEN_TTL", "30m")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":6060" {
		t.Errorf("listen=%q", cfg.Listen)
	}
	if cfg.Tokens.Backend != "redis" || cfg.Tokens.EncryptionKey != "env-key" {
		t.Errorf("tokens=%+v", cfg.Tokens)
	}
	if cfg.Tokens.Redis.Addr != "10.0.0.5:6379" {
		t.Errorf("redis addr=%q", cfg.Tokens.Redis.Addr)
	}
	want := []string{"incident-mgr", "oncall-bot"}
	if len(cfg.Redaction.TrustedCallers) != 2 ||
		cfg.Redaction.TrustedCallers[0] != want[0] ||
		cfg.Redaction.TrustedCallers[1] != want[1] {
		t.Errorf("trusted_callers=%v", cfg.Redaction.TrustedCallers)
	}
	if cfg.Safety.Mode != "silent" {
		t.Errorf("safety mode=%q", cfg.Safety.Mode)
	}
	if cfg.Redaction.TokenTTL != 30*time.Minute {
		t.Errorf("token_ttl=%v", cfg.Redaction.TokenTTL)
	}
}

func TestSplunkEnvImpliesSIEMType(t *testing.T) {
	t.Setenv("SPLUNK_HEC_URL", "https://splunk:8088")
	t.Setenv("SPLUNK_HEC_TOKEN", "tok")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Audit.SIEM.Type != "splunk" {
		t.Errorf("siem type=%q", cfg.Audit.SIEM.Type)
	}
	if cfg.Audit.SIEM.SplunkToken != "tok" {
		t.Errorf("splunk token=%q", cfg.Audit.SIEM.SplunkToken)
	}
}

func TestOTELEnvEnablesTelemetry(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Exporter != "otlp" {
		t.Errorf("telemetry=%+v", cfg.Telemetry)
	}
	if cfg.Telemetry.Endpoint != "collector:4317" {
		t.Errorf("endpoint=%q", cfg.Telemetry.Endpoint)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"redis without key", func(c *Config) { c.Tokens.Backend = "redis" }, "encryption_key"},
		{"unknown backend", func(c *Config) { c.Tokens.Backend = "dynamo" }, "backend"},
		{"bad safety mode", func(c *Config) { c.Safety.Mode = "loud" }, "safety mode"},
		{"bad siem type", func(c *Config) { c.Audit.SIEM.Type = "kafka" }, "siem type"},
		{"splunk without url", func(c *Config) { c.Audit.SIEM.Type = "splunk" }, "splunk_hec_url"},
		{"syslog without host", func(c *Config) { c.Audit.SIEM.Type = "syslog" }, "syslog_host"},
		{"zero payload cap", func(c *Config) { c.Redaction.MaxPayloadKB = 0 }, "max_payload_kb"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			tc.mutate(cfg)
			err := cfg.validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error=%q, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "veil.yaml")
	if err := os.WriteFile(path, []byte("listen: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
