// Package main provides the AEX gateway daemon entry point.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Auro-rium/aex/internal/admission"
	"github.com/Auro-rium/aex/internal/catalog"
	"github.com/Auro-rium/aex/internal/clock"
	"github.com/Auro-rium/aex/internal/config"
	"github.com/Auro-rium/aex/internal/dispatch"
	"github.com/Auro-rium/aex/internal/domain"
	"github.com/Auro-rium/aex/internal/httpapi"
	"github.com/Auro-rium/aex/internal/identity"
	"github.com/Auro-rium/aex/internal/logging"
	"github.com/Auro-rium/aex/internal/metrics"
	"github.com/Auro-rium/aex/internal/policy"
	"github.com/Auro-rium/aex/internal/ratelimit"
	"github.com/Auro-rium/aex/internal/recovery"
	"github.com/Auro-rium/aex/internal/runtime"
	"github.com/Auro-rium/aex/internal/store"
)

// providerEndpoints maps each northbound route to the upstream path it is
// proxied to. Adjust here if a deployment fronts a provider with a
// different path layout than the OpenAI-compatible default.
var providerEndpoints = map[domain.Route]string{
	domain.RouteChat:       "/v1/chat/completions",
	domain.RouteResponses:  "/v1/responses",
	domain.RouteEmbeddings: "/v1/embeddings",
}

func main() {
	ctx := context.Background()

	var secretBackend config.SecretBackend
	if vaultURI := config.GetEnv("AEX_AZURE_KEYVAULT_URI", ""); vaultURI != "" {
		backend, err := config.NewKeyVaultBackend(vaultURI)
		if err != nil {
			log.Fatalf("CRITICAL: init Key Vault backend: %v", err)
		}
		secretBackend = backend
	}

	cfg, err := config.Load(ctx, secretBackend)
	if err != nil {
		log.Fatalf("CRITICAL: load config: %v", err)
	}

	logger := logging.NewFromEnv(cfg.ServiceName)
	m := metrics.New(cfg.ServiceName)
	clk := clock.Real()

	db, err := store.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("CRITICAL: connect to postgres: %v", err)
	}
	defer db.Close()

	if err := store.Migrate(db.DB); err != nil {
		log.Fatalf("CRITICAL: run migrations: %v", err)
	}

	st := store.New(db, logger, m, clk)

	// Plugins are declarative and fixed when the engine is built; none are
	// wired here, so the gateway runs on the kernel rules alone.
	policyEngine := policy.New(nil)

	rt := runtime.New(cfg, st, logger, m, clk, policyEngine)

	cat, err := catalog.Load(cfg.ConfigDir)
	if err != nil {
		log.Fatalf("CRITICAL: load model catalog: %v", err)
	}
	rt.SetCatalog(cat)

	auth := identity.New(st, func() time.Time { return clk.Now() })

	var rateCache ratelimit.WriteBehindCache
	if cfg.RateRedisAddr != "" {
		redisCache := ratelimit.NewRedisCache(cfg.RateRedisAddr)
		defer redisCache.Close()
		rateCache = redisCache
	}
	limiter := ratelimit.New(st, rateCache, clk)

	admit := admission.New(rt, auth, limiter)

	upstream := dispatch.NewHTTPProviderClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, providerEndpoints, cfg.ProviderTimeout)
	streamingUpstream := dispatch.NewHTTPStreamingProviderClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, providerEndpoints, cfg.ProviderTimeout)
	dispatcher := dispatch.New(rt, upstream, dispatch.EchoSandbox{})

	sweeper := recovery.New(st, clk, logger, m, cfg.ReserveTTL, cfg.ProviderTimeout)
	if released, failed, err := sweeper.SweepOnce(ctx); err != nil {
		logger.WithError(err).Warn("startup recovery sweep failed")
	} else if released > 0 || failed > 0 {
		logger.WithFields(map[string]any{"released": released, "failed": failed}).Info("startup recovery sweep reconciled stale executions")
	}
	if err := sweeper.Start(ctx); err != nil {
		log.Fatalf("CRITICAL: start recovery sweeper: %v", err)
	}

	northboundHandler := httpapi.Northbound(rt, admit, dispatcher, httpapi.RouteDeps{Streaming: streamingUpstream})
	adminHandler := httpapi.Admin(rt, httpapi.AdminDeps{
		ReplayStore: st,
		SpendStore:  st,
		StartedAt:   time.Now(),
	})

	northboundServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           northboundHandler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	adminServer := &http.Server{
		Addr:              ":" + config.GetEnv("AEX_ADMIN_PORT", "9090"),
		Handler:           adminHandler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.WithFields(map[string]any{"port": cfg.Port}).Info("northbound gateway listening")
		if err := northboundServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("northbound server error: %v", err)
		}
	}()
	go func() {
		logger.WithFields(map[string]any{"addr": adminServer.Addr}).Info("admin surface listening")
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("admin server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := sweeper.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("recovery sweeper shutdown error")
	}
	if err := northboundServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("northbound server shutdown error")
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("admin server shutdown error")
	}
}

