package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-license/internal/api"
	"github.com/technosupport/ts-license/internal/audit"
	"github.com/technosupport/ts-license/internal/clients"
	"github.com/technosupport/ts-license/internal/config"
	"github.com/technosupport/ts-license/internal/data"
	"github.com/technosupport/ts-license/internal/events"
	"github.com/technosupport/ts-license/internal/license"
	"github.com/technosupport/ts-license/internal/metrics"
	"github.com/technosupport/ts-license/internal/middleware"
	"github.com/technosupport/ts-license/internal/nonce"
	"github.com/technosupport/ts-license/internal/ratelimit"
	"github.com/technosupport/ts-license/internal/tokens"
	"github.com/technosupport/ts-license/internal/webhook"
)

const serviceName = "ts-license"

func main() {
	cfgPath := os.Getenv("LICENSE_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/default.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Auth.JWTSigningKey == "" {
		cfg.Auth.JWTSigningKey = "dev-secret-do-not-use-in-prod"
		log.Println("Warning: using development JWT signing key")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	if err := db.Ping(); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}
	defer db.Close()

	// Redis (limiter, nonce store, client cache invalidation)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// NATS is optional; without it events stay local to the hub.
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name(serviceName))
		if err != nil {
			log.Printf("Warning: NATS connect failed: %v. Event publishing disabled.", err)
			nc = nil
		} else {
			defer nc.Close()
		}
	}

	collector := metrics.NewCollector()

	// Audit trail with disk spool failover
	auditService := audit.NewService(db)
	if cfg.Audit.SpoolDir != "" {
		audit.ConfigureFailover(cfg.Audit.SpoolDir, 256)
	}
	auditService.StartReplayer(ctx, cfg.Audit.ReplayInterval.Std())

	// Events
	hub := events.NewHub()
	publisher := events.NewPublisher(nc, cfg.NATS.Subject, 3, hub)

	// License core
	licenseRepo := data.LicenseModel{DB: db}
	licenseService := license.NewService(licenseRepo, publisher)

	// Client auth
	clientModel := data.ClientModel{DB: db}
	registry := clients.NewRegistry(clientModel, 1024, cfg.Auth.ClientCacheTTL.Std())

	// Webhooks
	webhookModel := data.WebhookModel{DB: db}
	dedup := webhook.NewDedup(4096, 15*time.Minute)
	processor := webhook.NewProcessor(cfg.Webhooks.Providers, webhookModel, dedup, publisher, cfg.Webhooks.MaxAttempts)

	// Middleware
	tokenMgr := tokens.NewManager(cfg.Auth.JWTSigningKey)
	clientAuth := middleware.NewClientAuth(registry)
	operatorAuth := middleware.NewOperatorAuth(tokenMgr)
	nonceMw := middleware.NewNonceMiddleware(nonce.NewStore(rdb, cfg.Auth.NonceTTL.Std()), collector)
	rlMw := middleware.NewRateLimitMiddleware(ratelimit.NewLimiter(rdb), cfg.RateLimits, collector)
	auditMw := middleware.NewAuditMiddleware(auditService)

	// Hot reload for the operator-tunable tables
	config.StartWatcher(ctx, cfgPath, func(fresh *config.Config) {
		rlMw.SetConfig(fresh.RateLimits)
		processor.SetProviders(fresh.Webhooks.Providers)
	})

	// Handlers
	licenseHandler := api.NewLicenseHandler(licenseService, collector)
	webhookHandler := api.NewWebhookHandler(processor, collector)
	healthHandler := api.NewHealthHandler(db, rdb)
	eventsHandler := api.NewEventsWsHandler(tokenMgr, hub, collector)
	adminHandler := &api.AdminHandler{
		Service:  licenseService,
		Clients:  clientModel,
		Registry: registry,
		Audit:    auditService,
		Webhooks: webhookModel,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger)
	r.Use(middleware.CORS)
	r.Use(middleware.Metrics(collector))

	// Infrastructure surface
	r.Get("/livez", healthHandler.Livez)
	r.Get("/readyz", healthHandler.Readyz)
	r.Method("GET", "/metrics", collector.Handler())
	r.Get("/ws/events", eventsHandler.ServeWS)

	// Provider callbacks authenticate by signature, not client credentials.
	r.Route("/webhooks", func(r chi.Router) {
		r.Use(auditMw.LogRequest)
		r.Post("/{provider}", webhookHandler.Receive)
	})

	// Client API: audit -> auth -> nonce -> rate limit -> scope -> handler.
	// Audit sits outermost so even credential-less rejections are recorded,
	// and the nonce is consumed before any quota is spent on a replay.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auditMw.LogRequest)
		r.Use(clientAuth.Middleware)
		r.Use(nonceMw.Middleware)
		r.Use(rlMw.Middleware)

		r.With(middleware.RequireScope(clients.ScopeValidate)).
			Post("/licenses/validate", licenseHandler.Validate)
		r.With(middleware.RequireScope(clients.ScopeRead)).
			Get("/licenses/{key}", licenseHandler.Get)
	})

	// Operator surface
	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(auditMw.LogRequest)
		r.Use(operatorAuth.Middleware)

		r.With(middleware.RequireRole("admin")).Group(func(r chi.Router) {
			r.Post("/licenses", adminHandler.CreateLicense)
			r.Post("/licenses/{key}/suspend", adminHandler.Suspend)
			r.Post("/licenses/{key}/resume", adminHandler.Resume)
			r.Post("/licenses/{key}/expire", adminHandler.Expire)
			r.Post("/licenses/{key}/reset", adminHandler.Reset)
			r.Post("/licenses/{key}/reactivate", adminHandler.Reactivate)
			r.Delete("/licenses/{key}", adminHandler.Retire)
			r.Delete("/licenses/{key}/devices/{fingerprint}", adminHandler.Unbind)

			r.Post("/clients", adminHandler.CreateClient)
			r.Post("/clients/{id}/enabled", adminHandler.SetClientEnabled)
		})

		r.Get("/audit", adminHandler.QueryAudit)
		r.Get("/webhooks/failed", adminHandler.ListFailedWebhooks)
	})

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	go func() {
		log.Printf("Starting server on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown error: %v", err)
	}
	log.Println("Server stopped gracefully")
}
