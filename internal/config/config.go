// Package config loads the gateway configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"veil/internal/telemetry"
)

// Config holds all configuration for the gateway.
type Config struct {
	Listen    string          `yaml:"listen"`
	Providers ProvidersConfig `yaml:"providers"`
	Redaction RedactionConfig `yaml:"redaction"`
	Tokens    TokensConfig    `yaml:"tokens"`
	Policy    PolicyConfig    `yaml:"policy"`
	Audit     AuditConfig     `yaml:"audit"`
	Safety    SafetyConfig    `yaml:"safety"`
	Control   ControlConfig   `yaml:"control"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ProvidersConfig holds upstream base URLs per provider.
type ProvidersConfig struct {
	OpenAI    string `yaml:"openai"`
	Anthropic string `yaml:"anthropic"`
	Gemini    string `yaml:"gemini"`
	// Timeout bounds a single upstream request.
	Timeout time.Duration `yaml:"timeout"`
}

// RedactionConfig holds detection and redaction settings.
type RedactionConfig struct {
	MaxPayloadKB int `yaml:"max_payload_kb"`
	// ProcessSecret scopes placeholders per conversation. Generated at
	// startup when empty; set it for stable placeholders across
	// restarts.
	ProcessSecret  string        `yaml:"process_secret"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	TrustedCallers []string      `yaml:"trusted_callers"`
}

// TokensConfig holds token map backend settings.
type TokensConfig struct {
	Backend string      `yaml:"backend"` // "memory" or "redis"
	Redis   RedisConfig `yaml:"redis"`
	// EncryptionKey derives the AES key for encrypted records. Required
	// for the redis backend.
	EncryptionKey string `yaml:"encryption_key"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PolicyConfig holds policy engine configuration.
type PolicyConfig struct {
	Path string `yaml:"path"`
}

// AuditConfig holds audit trail configuration.
type AuditConfig struct {
	Path   string      `yaml:"path"`
	SQLite AuditSQLite `yaml:"sqlite"`
	SIEM   SIEMConfig  `yaml:"siem"`
}

// AuditSQLite configures the queryable audit mirror.
type AuditSQLite struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// SIEMConfig configures optional audit shipping.
type SIEMConfig struct {
	Type          string        `yaml:"type"` // "splunk", "syslog", or ""
	SplunkHECURL  string        `yaml:"splunk_hec_url"`
	SplunkToken   string        `yaml:"splunk_token"`
	SyslogHost    string        `yaml:"syslog_host"`
	SyslogPort    int           `yaml:"syslog_port"`
	BatchMode     bool          `yaml:"batch_mode"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// SafetyConfig holds output safety filter settings.
type SafetyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // "warning", "block", or "silent"
	ConfigPath string `yaml:"config_path"`
}

// ControlConfig holds control API configuration.
type ControlConfig struct {
	Listen    string `yaml:"listen"`
	Enabled   bool   `yaml:"enabled"`
	AuthToken string `yaml:"auth_token"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Load reads and parses the configuration file. A missing file yields
// defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config with sensible default values.
func defaults() *Config {
	return &Config{
		Listen: ":8080",
		Providers: ProvidersConfig{
			OpenAI:    "https://api.openai.com",
			Anthropic: "https://api.anthropic.com",
			Gemini:    "https://generativelanguage.googleapis.com",
			Timeout:   120 * time.Second,
		},
		Redaction: RedactionConfig{
			MaxPayloadKB:   256,
			TokenTTL:       4 * time.Hour,
			TrustedCallers: []string{"incident-mgr", "runbook-executor"},
		},
		Tokens: TokensConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Policy: PolicyConfig{
			Path: "configs/policy.yaml",
		},
		Audit: AuditConfig{
			Path: "data/audit.jsonl",
			SQLite: AuditSQLite{
				Enabled:       false,
				Path:          "data/audit.db",
				RetentionDays: 30,
			},
			SIEM: SIEMConfig{
				SyslogPort:    514,
				BatchSize:     100,
				FlushInterval: 5 * time.Second,
			},
		},
		Safety: SafetyConfig{
			Enabled: true,
			Mode:    "warning",
		},
		Control: ControlConfig{
			Listen:  ":9090",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: telemetry.Config{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "veil",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
	}
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VEIL_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("VEIL_CONTROL_LISTEN"); v != "" {
		c.Control.Listen = v
	}
	if v := os.Getenv("VEIL_CONTROL_AUTH_TOKEN"); v != "" {
		c.Control.AuthToken = v
	}
	if v := os.Getenv("VEIL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	// Provider overrides
	if v := os.Getenv("VEIL_OPENAI_BASE_URL"); v != "" {
		c.Providers.OpenAI = v
	}
	if v := os.Getenv("VEIL_ANTHROPIC_BASE_URL"); v != "" {
		c.Providers.Anthropic = v
	}
	if v := os.Getenv("VEIL_GEMINI_BASE_URL"); v != "" {
		c.Providers.Gemini = v
	}

	// Redaction overrides
	if v := os.Getenv("VEIL_MAX_PAYLOAD_KB"); v != "" {
		if kb, err := strconv.Atoi(v); err == nil && kb > 0 {
			c.Redaction.MaxPayloadKB = kb
		}
	}
	if v := os.Getenv("VEIL_PROCESS_SECRET"); v != "" {
		c.Redaction.ProcessSecret = v
	}
	if v := os.Getenv("VEIL_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Redaction.TokenTTL = d
		}
	}
	if v := os.Getenv("VEIL_TRUSTED_CALLERS"); v != "" {
		callers := strings.Split(v, ",")
		for i := range callers {
			callers[i] = strings.TrimSpace(callers[i])
		}
		c.Redaction.TrustedCallers = callers
	}

	// Token backend overrides
	if v := os.Getenv("VEIL_TOKEN_BACKEND"); v != "" {
		c.Tokens.Backend = v
	}
	if v := os.Getenv("VEIL_REDIS_ADDR"); v != "" {
		c.Tokens.Redis.Addr = v
	}
	if v := os.Getenv("VEIL_REDIS_PASSWORD"); v != "" {
		c.Tokens.Redis.Password = v
	}
	if v := os.Getenv("VEIL_TOKEN_ENCRYPTION_KEY"); v != "" {
		c.Tokens.EncryptionKey = v
	}

	// Policy and audit overrides
	if v := os.Getenv("VEIL_POLICY_PATH"); v != "" {
		c.Policy.Path = v
	}
	if v := os.Getenv("VEIL_AUDIT_PATH"); v != "" {
		c.Audit.Path = v
	}
	if os.Getenv("VEIL_AUDIT_SQLITE_ENABLED") == "true" {
		c.Audit.SQLite.Enabled = true
	}
	if v := os.Getenv("VEIL_AUDIT_SQLITE_PATH"); v != "" {
		c.Audit.SQLite.Path = v
	}

	// SIEM overrides
	if v := os.Getenv("VEIL_SIEM_TYPE"); v != "" {
		c.Audit.SIEM.Type = v
	}
	if v := os.Getenv("SPLUNK_HEC_URL"); v != "" {
		c.Audit.SIEM.SplunkHECURL = v
		if c.Audit.SIEM.Type == "" {
			c.Audit.SIEM.Type = "splunk"
		}
	}
	if v := os.Getenv("SPLUNK_HEC_TOKEN"); v != "" {
		c.Audit.SIEM.SplunkToken = v
	}
	if v := os.Getenv("SYSLOG_HOST"); v != "" {
		c.Audit.SIEM.SyslogHost = v
		if c.Audit.SIEM.Type == "" {
			c.Audit.SIEM.Type = "syslog"
		}
	}
	if v := os.Getenv("SYSLOG_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Audit.SIEM.SyslogPort = port
		}
	}

	// Safety overrides
	if os.Getenv("VEIL_SAFETY_ENABLED") == "false" {
		c.Safety.Enabled = false
	}
	if v := os.Getenv("VEIL_SAFETY_MODE"); v != "" {
		c.Safety.Mode = v
	}
	if v := os.Getenv("SAFETY_CONFIG_PATH"); v != "" {
		c.Safety.ConfigPath = v
	}

	// Telemetry overrides
	if os.Getenv("VEIL_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("VEIL_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("VEIL_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	// Also support standard OTEL env vars
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}
}

// validate checks that the configuration is coherent.
func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Redaction.MaxPayloadKB <= 0 {
		return fmt.Errorf("max_payload_kb must be positive")
	}
	if c.Redaction.TokenTTL <= 0 {
		return fmt.Errorf("token_ttl must be positive")
	}
	switch c.Tokens.Backend {
	case "memory":
	case "redis":
		if c.Tokens.EncryptionKey == "" {
			return fmt.Errorf("tokens encryption_key is required for the redis backend")
		}
	default:
		return fmt.Errorf("tokens backend must be \"memory\" or \"redis\", got %q", c.Tokens.Backend)
	}
	switch c.Safety.Mode {
	case "warning", "block", "silent":
	default:
		return fmt.Errorf("safety mode must be \"warning\", \"block\", or \"silent\", got %q", c.Safety.Mode)
	}
	switch c.Audit.SIEM.Type {
	case "", "splunk", "syslog":
	default:
		return fmt.Errorf("siem type must be \"splunk\" or \"syslog\", got %q", c.Audit.SIEM.Type)
	}
	if c.Audit.SIEM.Type == "splunk" && c.Audit.SIEM.SplunkHECURL == "" {
		return fmt.Errorf("splunk_hec_url is required for the splunk siem type")
	}
	if c.Audit.SIEM.Type == "syslog" && c.Audit.SIEM.SyslogHost == "" {
		return fmt.Errorf("syslog_host is required for the syslog siem type")
	}
	return nil
}
