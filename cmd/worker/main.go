package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jwalitptl/ehr-access/internal/config"
	"github.com/jwalitptl/ehr-access/internal/email"
	"github.com/jwalitptl/ehr-access/internal/handler/health"
	promhandler "github.com/jwalitptl/ehr-access/internal/handler/prometheus"
	"github.com/jwalitptl/ehr-access/internal/middleware"
	"github.com/jwalitptl/ehr-access/internal/repository/postgres"
	"github.com/jwalitptl/ehr-access/internal/service/access"
	"github.com/jwalitptl/ehr-access/internal/service/audit"
	"github.com/jwalitptl/ehr-access/internal/service/event"
	"github.com/jwalitptl/ehr-access/internal/service/notification"
	internalworker "github.com/jwalitptl/ehr-access/internal/worker"
	"github.com/jwalitptl/ehr-access/pkg/logger"
	"github.com/jwalitptl/ehr-access/pkg/messaging"
	"github.com/jwalitptl/ehr-access/pkg/messaging/redis"
	"github.com/jwalitptl/ehr-access/pkg/metrics"
	"github.com/jwalitptl/ehr-access/pkg/worker"
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
	}).With("component", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	checks := map[string]health.Checker{"database": db}

	broker, brokerCheck, err := openBroker(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal(err, "failed to create Redis broker")
	}
	if brokerCheck != nil {
		checks["redis"] = brokerCheck
	}
	defer broker.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(metricsNamespace, registry)

	repos := postgres.NewRepositories(db)
	auditor := audit.NewService(repos.Audit, log)
	accessSvc := access.NewService(access.Deps{
		Patients:   repos.Patients,
		Clinicians: repos.Clinicians,
		Records:    repos.Records,
		Grants:     repos.Grants,
		Requests:   repos.Requests,
		Codes:      repos.Codes,
		Audit:      auditor,
		Events:     event.NewService(repos.Outbox, log),
		Metrics:    m,
		Logger:     log.With("service", "access"),
	}, access.Config{GrantTTL: cfg.Access.GrantTTL()})

	var mailer email.Service
	if cfg.SMTP.Enabled {
		mailer = email.NewSMTPService(email.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
	} else {
		mailer = email.NewLogService(log.With("mailer", "log"))
	}

	processor := worker.NewOutboxProcessor(
		repos.Outbox,
		broker,
		worker.OutboxProcessorConfig{
			BatchSize:    cfg.Outbox.BatchSize,
			PollInterval: cfg.Outbox.PollInterval,
			Retry:        cfg.Outbox.RetryPolicy(),
			Retention:    cfg.Outbox.Retention,
		},
		log.With("worker", "outbox"),
		m,
	)
	grantExpiry := internalworker.NewGrantExpiryWorker(accessSvc, cfg.Workers.GrantExpiryBatch, cfg.Workers.GrantExpiryInterval, log.With("worker", "grant_expiry"))
	auditCleanup := internalworker.NewAuditCleanupWorker(auditor, cfg.Workers.AuditRetention, cfg.Workers.AuditCleanupEvery, log.With("worker", "audit_cleanup"))
	dispatcher := notification.NewDispatcher(broker, repos.Patients, repos.Clinicians, mailer, log.With("worker", "notifications"))

	srv := healthServer(cfg.Workers.HealthPort, checks, promhandler.New(metricsNamespace, registry))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "health server failed")
			stop()
		}
	}()

	// Subscribe before the outbox processor starts publishing; the memory
	// broker drops messages that have no subscriber.
	if err := dispatcher.Subscribe(ctx); err != nil {
		log.Fatal(err, "failed to subscribe notification dispatcher")
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Info("worker stopped", "worker", name)
		}()
	}
	run("outbox", processor.Start)
	run("grant_expiry", grantExpiry.Start)
	run("audit_cleanup", auditCleanup.Start)
	run("notifications", func(ctx context.Context) {
		if err := dispatcher.Run(ctx); err != nil {
			log.Error(err, "notification dispatcher failed")
		}
	})

	log.Info("worker started", "health_port", cfg.Workers.HealthPort)
	<-ctx.Done()
	log.Info("shutting down workers")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "health server forced to shutdown")
	}
	wg.Wait()
}

// openBroker connects to redis when a URL is configured and returns the
// broker's readiness check. Without a URL events stay in this process and
// there is nothing to check.
func openBroker(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (messaging.Broker, health.Checker, error) {
	if cfg.URL == "" {
		log.Warn("redis.url is empty, events stay inside this process")
		return messaging.NewMemoryBroker(), nil, nil
	}
	rb, err := redis.NewRedisBroker(ctx, redis.Config{
		URL:          cfg.URL,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}, log.With("broker", "redis"))
	if err != nil {
		return nil, nil, err
	}
	return rb, rb, nil
}

func healthServer(port int, checks map[string]health.Checker, metricsH *promhandler.Handler) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(middleware.Recovery())
	health.NewHandler(checks).RegisterRoutes(engine)
	engine.GET("/metrics", metricsH.Handler())

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: engine,
	}
}
