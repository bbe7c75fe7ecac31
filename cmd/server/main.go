// Package main is the entry point for the llmrelay gateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relayforge/llmrelay/internal/api"
	"github.com/relayforge/llmrelay/internal/auth"
	"github.com/relayforge/llmrelay/internal/catalog"
	"github.com/relayforge/llmrelay/internal/config"
	"github.com/relayforge/llmrelay/internal/credential"
	"github.com/relayforge/llmrelay/internal/observability"
	"github.com/relayforge/llmrelay/internal/orchestrator"
	"github.com/relayforge/llmrelay/internal/provider"
	"github.com/relayforge/llmrelay/internal/provider/anthropic"
	"github.com/relayforge/llmrelay/internal/provider/gemini"
	"github.com/relayforge/llmrelay/internal/provider/openai"
	"github.com/relayforge/llmrelay/internal/ratelimit"
	"github.com/relayforge/llmrelay/internal/secret"
	"github.com/relayforge/llmrelay/internal/toolloop"
	"github.com/relayforge/llmrelay/internal/usage"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	redactor := observability.NewRedactor()
	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format == "json",
	}, redactor)

	logger.Info("starting llmrelay gateway", "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver, err := newSecretResolver()
	if err != nil {
		return fmt.Errorf("connect secret backend: %w", err)
	}

	limits := ratelimit.New(cfg.Fallback.CooldownPeriod)

	pool, err := buildPool(ctx, cfg, limits, resolver, redactor)
	if err != nil {
		return fmt.Errorf("build credential pool: %w", err)
	}

	entries := make([]catalog.Entry, 0, len(cfg.Catalog.Models))
	for _, m := range cfg.Catalog.Models {
		entries = append(entries, catalog.Entry{
			Provider:        m.Provider,
			Model:           m.Model,
			Capability:      m.Capability,
			MinTier:         m.MinTier,
			TokensPerMinute: m.TokensPerMinute,
		})
	}
	cat := catalog.New(entries, cfg.Catalog.ComplexTokenThreshold, limits, logger.Slog())

	registry := provider.NewRegistry(openai.New(), anthropic.New(), gemini.New())
	orch := orchestrator.New(registry, pool, cat, limits, logger, orchestrator.Options{})

	var tools api.ToolBackend
	if len(cfg.Tools.Servers) > 0 {
		mcpRegistry, mcpErr := toolloop.NewMCPRegistry(ctx, cfg.Tools.Servers, logger)
		if mcpErr != nil {
			return fmt.Errorf("connect mcp servers: %w", mcpErr)
		}
		defer mcpRegistry.Close()
		tools = mcpRegistry
		logger.Info("mcp tools registered", "count", len(mcpRegistry.Tools()))
	}

	ledger, err := buildLedger(ctx, cfg, resolver, logger)
	if err != nil {
		return fmt.Errorf("build usage ledger: %w", err)
	}
	if ledger != nil {
		defer ledger.Close()
	}

	authKeys, err := resolveAuthKeys(ctx, cfg.Auth.Keys, resolver)
	if err != nil {
		return fmt.Errorf("resolve auth keys: %w", err)
	}
	store := auth.NewMemoryStore(authKeys)
	logger.Info("auth keys loaded", "count", store.Len())

	handler := api.NewHandler(api.HandlerConfig{
		Catalog:       cat,
		Orchestrator:  orch,
		Tools:         tools,
		Ledger:        ledger,
		Pricing:       usage.DefaultPricing(),
		Logger:        logger,
		MaxToolRounds: cfg.Fallback.MaxToolRounds,
		StallTimeout:  cfg.Server.StreamStallTimeout,
	})

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.HandleFunc("GET /healthz", handler.Health)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	gate := auth.NewMiddleware(&auth.MiddlewareConfig{
		Store:     store,
		Logger:    logger.Slog(),
		SkipPaths: []string{"/healthz", cfg.Metrics.Path},
		Enabled:   true,
	})

	var httpHandler http.Handler = mux
	httpHandler = gate.Authenticate(httpHandler)
	httpHandler = observability.RequestIDMiddleware(httpHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.RedactedError("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

// newSecretResolver wires Vault when VAULT_ADDR is set; env: references
// always work.
func newSecretResolver() (*secret.Resolver, error) {
	addr := os.Getenv("VAULT_ADDR")
	if addr == "" {
		return secret.NewResolver(nil), nil
	}
	vp, err := secret.NewVaultProvider(secret.VaultConfig{
		Address:  addr,
		Token:    os.Getenv("VAULT_TOKEN"),
		RoleID:   os.Getenv("VAULT_ROLE_ID"),
		SecretID: os.Getenv("VAULT_SECRET_ID"),
	})
	if err != nil {
		return nil, err
	}
	return secret.NewResolver(vp), nil
}

// buildPool resolves provider key references and registers every instance.
// Resolved keys are fed to the redactor so they cannot appear in logs.
func buildPool(ctx context.Context, cfg *config.Config, limits *ratelimit.State,
	resolver *secret.Resolver, redactor *observability.Redactor) (*credential.Pool, error) {

	instances := make([]credential.Instance, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		key, err := resolver.Resolve(ctx, p.APIKey)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.Name, err)
		}
		redactor.AddSecret(key)
		instances = append(instances, credential.Instance{
			Name:    p.Name,
			Type:    p.Type,
			APIKey:  key,
			Tier:    p.Tier,
			BaseURL: p.BaseURL,
			Timeout: p.Timeout,
		})
	}
	return credential.NewPool(instances, limits), nil
}

// buildLedger assembles the configured usage sinks. Nil when no sink is
// configured; the gateway then runs without a ledger.
func buildLedger(ctx context.Context, cfg *config.Config, resolver *secret.Resolver,
	logger *observability.Logger) (*usage.Logger, error) {

	var sinks []usage.Sink
	if cfg.Ledger.WebhookURL != "" {
		sinks = append(sinks, usage.NewWebhookSink(cfg.Ledger.WebhookURL, nil))
	}
	if cfg.Ledger.S3.Bucket != "" {
		s3cfg := cfg.Ledger.S3
		key, err := resolver.Resolve(ctx, s3cfg.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("s3 secret key: %w", err)
		}
		s3cfg.SecretKey = key
		sink, err := usage.NewS3Sink(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return usage.NewLogger(sinks, 0, logger), nil
}

// resolveAuthKeys expands secret references in the configured caller keys.
func resolveAuthKeys(ctx context.Context, keys []config.APIKeyConfig,
	resolver *secret.Resolver) ([]config.APIKeyConfig, error) {

	out := make([]config.APIKeyConfig, 0, len(keys))
	for _, k := range keys {
		key, err := resolver.Resolve(ctx, k.Key)
		if err != nil {
			return nil, fmt.Errorf("auth key %q: %w", k.Name, err)
		}
		k.Key = key
		out = append(out, k)
	}
	return out, nil
}
