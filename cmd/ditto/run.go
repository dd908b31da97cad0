package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/omne42/ditto/internal/audit"
	"github.com/omne42/ditto/internal/backend"
	"github.com/omne42/ditto/internal/budget"
	"github.com/omne42/ditto/internal/cache"
	"github.com/omne42/ditto/internal/config"
	"github.com/omne42/ditto/internal/cost"
	gw "github.com/omne42/ditto/internal/gateway"
	"github.com/omne42/ditto/internal/health"
	"github.com/omne42/ditto/internal/keystore"
	"github.com/omne42/ditto/internal/pipeline"
	"github.com/omne42/ditto/internal/ratelimit"
	"github.com/omne42/ditto/internal/router"
	"github.com/omne42/ditto/internal/server"
	"github.com/omne42/ditto/internal/storage/sqlite"
	"github.com/omne42/ditto/internal/telemetry"
	"github.com/omne42/ditto/internal/worker"
	"golang.org/x/sync/semaphore"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting ditto", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	slog.Info("database opened")

	ctx := context.Background()

	keys := keystore.New()
	if err := seedKeys(ctx, store, keys, cfg.Keys); err != nil {
		return err
	}
	slog.Info("virtual keys loaded", "count", len(keys.List()))

	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()
	transport := backend.NewTransport(dnsResolver)

	backends := backend.NewRegistry()
	for _, b := range cfg.Backends {
		bc := toBackendConfig(b)
		switch bc.Kind {
		case gw.BackendProxy:
			backends.AddProxy(bc, transport)
		case gw.BackendTranslation:
			backends.AddTranslation(bc, transport)
		default:
			slog.Warn("backend has unknown kind, skipped", "name", b.Name, "kind", b.Kind)
			continue
		}
		slog.Info("backend registered", "name", b.Name, "kind", b.Kind, "provider", b.Provider)
	}

	routeTable := router.New(toRoutes(cfg.Routes), defaultCandidates(cfg.Backends))
	slog.Info("routes configured", "count", len(cfg.Routes))

	priceTable := cost.NewTable(cfg.Pricing)

	healthRegistry := health.NewRegistry(health.Config{
		FailureThreshold: cfg.Health.FailureThreshold,
		CooldownSeconds:  cfg.Health.CooldownSeconds,
	})

	limiter := ratelimit.New()
	ledger := budget.New()

	var responseCache *cache.Cache
	if cfg.Cache.Enabled {
		var durable cache.Durable
		if cfg.Cache.DurableTier {
			durable = store
		}
		responseCache = cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL, durable)
		slog.Info("response cache enabled", "max_entries", cfg.Cache.MaxEntries, "ttl", cfg.Cache.TTL)
	}

	auditRecorder := audit.NewRecorder(store, slog.Default())

	var globalPermit *semaphore.Weighted
	if cfg.Server.ProxyMaxInFlight > 0 {
		globalPermit = semaphore.NewWeighted(cfg.Server.ProxyMaxInFlight)
	}

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry, cfg.Telemetry.Metrics)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	pl := pipeline.New(pipeline.Deps{
		Keys:      keys,
		Limiter:   limiter,
		Ledger:    ledger,
		Router:    routeTable,
		Backends:  backends,
		Health:    healthRegistry,
		Cache:     responseCache,
		Prices:    priceTable,
		Metrics:   metrics,
		Audit:     auditRecorder,
		Logger:    slog.Default(),
		Server:    cfg.Server,
		CacheCfg:  cfg.Cache,
		HealthCfg: cfg.Health,
		RateCfg:   cfg.RateLimit,

		GlobalPermit: globalPermit,
	})

	handler := server.New(server.Deps{
		Pipeline:       pl,
		Audit:          store,
		Ledger:         ledger,
		Cache:          responseCache,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ReadyCheck:     store.Ping,
		Admin:          cfg.Admin,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	workers := []worker.Worker{auditRecorder}
	if cfg.Health.ProbeEnabled {
		workers = append(workers, &health.Prober{
			Registry: healthRegistry,
			Client:   &http.Client{Transport: transport},
			Targets:  probeTargets(cfg.Backends),
			Path:     cfg.Health.ProbePath,
			Interval: cfg.Health.ProbeInterval,
			Timeout:  cfg.Health.ProbeTimeout,
			Logger:   slog.Default(),
		})
	}
	runner := worker.NewRunner(slog.Default(), workers...)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("ditto ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("ditto stopped")
	return nil
}

// seedKeys loads any previously persisted virtual keys, then applies the
// config file's key entries on top so static fixtures always take effect.
func seedKeys(ctx context.Context, store *sqlite.Store, keys *keystore.Store, entries []config.KeyEntry) error {
	persisted, err := store.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("load persisted keys: %w", err)
	}
	for _, k := range persisted {
		keys.Put(k)
	}
	for _, e := range entries {
		vk := &gw.VirtualKey{
			ID:        e.ID,
			Token:     e.Token,
			TenantID:  e.TenantID,
			ProjectID: e.ProjectID,
			UserID:    e.UserID,
			Enabled:   e.Enabled,
			Own:       toScopeControls(e.Own),
			Tenant:    toScopeControls(e.Tenant),
			Project:   toScopeControls(e.Project),
			User:      toScopeControls(e.User),
		}
		keys.Put(vk)
		if err := store.PutKey(ctx, vk); err != nil {
			return fmt.Errorf("persist key %q: %w", e.ID, err)
		}
	}
	return nil
}

func toScopeControls(e config.ScopeControlsEntry) gw.ScopeControls {
	return gw.ScopeControls{
		Limits: gw.Limits{RPM: e.RPM, TPM: e.TPM},
		Budget: gw.Budget{
			TotalUSDMicros: e.TotalUSDMicros,
			TotalTokens:    e.TotalTokens,
			Period:         gw.BudgetPeriod(e.Period),
		},
		Guardrails: gw.Guardrails{
			AllowModels:    e.AllowModels,
			DenyModels:     e.DenyModels,
			BannedRegexes:  e.BannedRegexes,
			ValidateSchema: e.ValidateSchema,
		},
	}
}

func toBackendConfig(e config.BackendEntry) gw.BackendConfig {
	bc := gw.BackendConfig{
		Name:        e.Name,
		BaseURL:     e.BaseURL,
		Headers:     e.Headers,
		QueryParams: e.QueryParams,
		TimeoutMs:   e.TimeoutMs,
		MaxInFlight: e.MaxInFlight,
		Provider:    e.Provider,
		ModelMap:    e.ModelMap,
	}
	switch e.Kind {
	case "translation":
		bc.Kind = gw.BackendTranslation
	default:
		bc.Kind = gw.BackendProxy
	}
	bc.Capabilities = make([]gw.Capability, len(e.Capabilities))
	for i, c := range e.Capabilities {
		bc.Capabilities[i] = gw.Capability(c)
	}
	return bc
}

func toRoutes(entries []config.RouteEntry) []gw.Route {
	routes := make([]gw.Route, len(entries))
	for i, e := range entries {
		backends := make([]gw.WeightedBackend, len(e.Backends))
		for j, b := range e.Backends {
			backends[j] = gw.WeightedBackend{Backend: b.Backend, Weight: b.Weight}
		}
		routes[i] = gw.Route{ModelPrefix: e.ModelPrefix, Exact: e.Exact, Backends: backends}
	}
	return routes
}

// defaultCandidates builds the fallback candidate list used when no route
// rule matches a requested model: every configured backend, equally
// weighted, so an unmatched model still has somewhere to go rather than
// failing closed.
func defaultCandidates(entries []config.BackendEntry) []gw.WeightedBackend {
	out := make([]gw.WeightedBackend, len(entries))
	for i, e := range entries {
		out[i] = gw.WeightedBackend{Backend: e.Name, Weight: 1}
	}
	return out
}

func probeTargets(entries []config.BackendEntry) map[string]string {
	targets := make(map[string]string, len(entries))
	for _, e := range entries {
		targets[e.Name] = e.BaseURL
	}
	return targets
}
