package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/ehr-access/internal/config"
	accesshandler "github.com/jwalitptl/ehr-access/internal/handler/access"
	audithandler "github.com/jwalitptl/ehr-access/internal/handler/audit"
	"github.com/jwalitptl/ehr-access/internal/handler/health"
	promhandler "github.com/jwalitptl/ehr-access/internal/handler/prometheus"
	recordhandler "github.com/jwalitptl/ehr-access/internal/handler/record"
	"github.com/jwalitptl/ehr-access/internal/middleware"
	"github.com/jwalitptl/ehr-access/internal/repository/postgres"
	"github.com/jwalitptl/ehr-access/internal/router"
	"github.com/jwalitptl/ehr-access/internal/service/access"
	"github.com/jwalitptl/ehr-access/internal/service/audit"
	"github.com/jwalitptl/ehr-access/internal/service/event"
	"github.com/jwalitptl/ehr-access/internal/service/identity"
	"github.com/jwalitptl/ehr-access/internal/service/medical"
	"github.com/jwalitptl/ehr-access/pkg/auth"
	"github.com/jwalitptl/ehr-access/pkg/logger"
	"github.com/jwalitptl/ehr-access/pkg/metrics"
	"github.com/jwalitptl/ehr-access/pkg/security"
)

const metricsNamespace = "ehr_access"

func main() {
	configPath := flag.String("config", "", "path to config.yml")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(&logger.Config{
		Level: logger.ParseLevel(cfg.Log.Level),
		JSON:  cfg.Log.JSON,
	}).With("component", "api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal(err, "failed to apply schema")
	}

	keys, err := cfg.Encryption.Keyring()
	if err != nil {
		log.Fatal(err, "failed to load encryption keys")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(metricsNamespace, registry)

	repos := postgres.NewRepositories(db)
	auditor := audit.NewService(repos.Audit, log)
	events := event.NewService(repos.Outbox, log)

	accessSvc := access.NewService(access.Deps{
		Patients:   repos.Patients,
		Clinicians: repos.Clinicians,
		Records:    repos.Records,
		Grants:     repos.Grants,
		Requests:   repos.Requests,
		Codes:      repos.Codes,
		Audit:      auditor,
		Events:     events,
		Metrics:    m,
		Logger:     log.With("service", "access"),
	}, access.Config{
		GrantTTL:              cfg.Access.GrantTTL(),
		CodeLength:            cfg.Access.CodeLength,
		CodeAttemptsPerMinute: cfg.Access.CodeAttemptsPerMinute,
	})

	medicalSvc := medical.NewService(
		repos.Records,
		repos.Patients,
		security.NewEnvelope(keys),
		accessSvc,
		auditor,
		m,
		log.With("service", "medical"),
		medical.Config{UnitClause: cfg.Encryption.UnitClause},
	)

	tokens := auth.NewTokenService(cfg.JWT.Secret, cfg.JWT.Issuer)
	directory := identity.NewDirectory(repos.Clinicians, repos.Patients, cfg.Access.DirectoryCacheTTL)
	authMW := middleware.NewAuthMiddleware(tokens, directory)

	healthH := health.NewHandler(map[string]health.Checker{
		"database": db,
	})

	r := router.NewRouter(
		authMW,
		healthH,
		promhandler.New(metricsNamespace, registry),
		router.RouterConfig{
			RateLimit:      rate.Limit(cfg.Server.RequestsPerSecond),
			RateBurst:      cfg.Server.Burst,
			RequestTimeout: cfg.Server.WriteTimeout,
			MetricsEnabled: cfg.Server.MetricsEnabled,
		},
		accesshandler.NewHandler(accessSvc, authMW),
		recordhandler.NewHandler(medicalSvc, authMW),
		audithandler.NewHandler(accessSvc, authMW),
	)
	r.Setup()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r.Engine(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("server listening", "addr", srv.Addr, "key_id", keys.ActiveID(), "unit_clause", cfg.Encryption.UnitClause)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "server forced to shutdown")
		return
	}
	log.Info("server exited")
}
