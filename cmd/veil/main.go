package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"veil/internal/audit"
	"veil/internal/config"
	"veil/internal/control"
	"veil/internal/policy"
	"veil/internal/proxy"
	"veil/internal/redact"
	"veil/internal/safety"
	"veil/internal/storage"
	"veil/internal/telemetry"
	"veil/internal/token"
)

func main() {
	configPath := flag.String("config", "configs/veil.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting veil",
		"version", control.Version,
		"listen", cfg.Listen,
		"token_backend", cfg.Tokens.Backend,
	)

	// A fresh process secret means placeholders do not survive a
	// restart; configure one for stable scoping.
	processSecret := cfg.Redaction.ProcessSecret
	if processSecret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			slog.Error("failed to generate process secret", "error", err)
			os.Exit(1)
		}
		processSecret = hex.EncodeToString(buf)
		slog.Warn("no process secret configured, generated an ephemeral one")
	}

	// Initialize token map store based on configuration
	var store token.Store
	switch cfg.Tokens.Backend {
	case "redis":
		redisStore, err := token.NewRedisStore(token.RedisConfig{
			Addr:     cfg.Tokens.Redis.Addr,
			Password: cfg.Tokens.Redis.Password,
			DB:       cfg.Tokens.Redis.DB,
		}, cfg.Tokens.EncryptionKey)
		if err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		store = redisStore
		slog.Info("using Redis token store", "addr", cfg.Tokens.Redis.Addr)
	default:
		store = token.NewMemoryStore()
		slog.Info("using in-memory token store")
	}

	// Initialize policy engine
	policyEngine, err := policy.NewEngine(cfg.Policy.Path)
	if err != nil {
		slog.Error("failed to load policy", "error", err, "path", cfg.Policy.Path)
		os.Exit(1)
	}
	slog.Info("policy loaded", "version", policyEngine.Version(), "path", cfg.Policy.Path)

	// Initialize SQLite audit mirror
	var auditStore *storage.AuditStore
	if cfg.Audit.SQLite.Enabled {
		auditStore, err = storage.NewAuditStore(cfg.Audit.SQLite.Path)
		if err != nil {
			slog.Error("failed to initialize audit storage", "error", err)
			os.Exit(1)
		}
		slog.Info("SQLite audit mirror enabled",
			"path", cfg.Audit.SQLite.Path,
			"retention_days", cfg.Audit.SQLite.RetentionDays,
		)
	}

	// Initialize SIEM shipper
	shipper, err := buildShipper(cfg.Audit.SIEM)
	if err != nil {
		slog.Error("failed to initialize SIEM shipper", "error", err)
		os.Exit(1)
	}
	if shipper != nil {
		slog.Info("SIEM shipping enabled", "type", cfg.Audit.SIEM.Type)
	}

	auditor, err := audit.NewLogger(cfg.Audit.Path, auditStore, shipper)
	if err != nil {
		slog.Error("failed to initialize audit trail", "error", err)
		os.Exit(1)
	}

	pipeline := redact.NewPipeline(store, redact.Options{
		ProcessSecret:   processSecret,
		MaxPayloadBytes: cfg.Redaction.MaxPayloadKB * 1024,
		TrustedCallers:  cfg.Redaction.TrustedCallers,
		TokenTTL:        cfg.Redaction.TokenTTL,
		Audit:           auditor,
	})

	filter := safety.NewFilter(cfg.Safety.ConfigPath)

	// Initialize telemetry (graceful degradation if initialization fails)
	tp, err := telemetry.NewProvider(cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
		tp = telemetry.NoopProvider()
	} else if tp.Enabled() {
		slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
	}

	proxyHandler := proxy.New(proxy.Config{
		Providers: map[string]string{
			"openai":    cfg.Providers.OpenAI,
			"anthropic": cfg.Providers.Anthropic,
			"gemini":    cfg.Providers.Gemini,
		},
		SafetyEnabled:   cfg.Safety.Enabled,
		SafetyMode:      cfg.Safety.Mode,
		UpstreamTimeout: cfg.Providers.Timeout,
	}, pipeline, policyEngine, filter, auditor, tp)

	controlHandler := control.New(control.Options{
		Pipeline:     pipeline,
		Engine:       policyEngine,
		Filter:       filter,
		Auditor:      auditor,
		Store:        store,
		TokenBackend: cfg.Tokens.Backend,
		AuthToken:    cfg.Control.AuthToken,
	})

	// Background maintenance: expired token maps and audit retention.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runMaintenance(ctx, store, auditStore, cfg.Audit.SQLite.RetentionDays)

	// Setup HTTP servers
	proxyServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      proxyHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // Disable for streaming
		IdleTimeout:  120 * time.Second,
	}

	var controlServer *http.Server
	if cfg.Control.Enabled {
		controlServer = &http.Server{
			Addr:         cfg.Control.Listen,
			Handler:      controlHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	// Start servers
	errChan := make(chan error, 2)

	go func() {
		slog.Info("proxy server starting", "addr", cfg.Listen)
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("proxy server error: %w", err)
		}
	}()

	if controlServer != nil {
		go func() {
			slog.Info("control server starting", "addr", cfg.Control.Listen)
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("control server error: %w", err)
			}
		}()
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	slog.Info("shutting down servers")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("proxy server shutdown error", "error", err)
	}
	if controlServer != nil {
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("control server shutdown error", "error", err)
		}
	}

	// Close() flushes any buffered SIEM records.
	if err := auditor.Close(); err != nil {
		slog.Error("audit close error", "error", err)
	}
	if auditStore != nil {
		if err := auditStore.Close(); err != nil {
			slog.Error("audit storage close error", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		slog.Error("token store close error", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
	}

	slog.Info("veil stopped")
}

// buildShipper constructs the configured SIEM shipper, or nil when
// shipping is disabled.
func buildShipper(cfg config.SIEMConfig) (audit.Shipper, error) {
	var inner audit.Shipper
	switch cfg.Type {
	case "":
		return nil, nil
	case "splunk":
		inner = audit.NewSplunkHECShipper(cfg.SplunkHECURL, cfg.SplunkToken)
	case "syslog":
		s, err := audit.NewSyslogShipper(cfg.SyslogHost, cfg.SyslogPort)
		if err != nil {
			return nil, err
		}
		inner = s
	default:
		return nil, fmt.Errorf("unknown siem type %q", cfg.Type)
	}

	if cfg.BatchMode {
		return audit.NewBufferedShipper(inner, cfg.BatchSize, cfg.FlushInterval), nil
	}
	return inner, nil
}

// runMaintenance periodically drops expired token maps and enforces
// audit retention.
func runMaintenance(ctx context.Context, store token.Store, auditStore *storage.AuditStore, retentionDays int) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Cleanup(ctx); err != nil {
				slog.Error("token map cleanup failed", "error", err)
			}
			if auditStore != nil && retentionDays > 0 {
				deleted, err := auditStore.Cleanup(retentionDays)
				if err != nil {
					slog.Error("audit retention cleanup failed", "error", err)
				} else if deleted > 0 {
					slog.Info("audit retention applied", "deleted", deleted)
				}
			}
		}
	}
}
