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
	"golang.org/x/sync/errgroup"

	"verifactu/internal/audit"
	"verifactu/internal/authority"
	"verifactu/internal/certificate/vault"
	"verifactu/internal/chain/models"
	chainservice "verifactu/internal/chain/service"
	"verifactu/internal/platform/config"
	"verifactu/internal/platform/httpserver"
	"verifactu/internal/platform/logger"
	"verifactu/internal/platform/metrics"
	"verifactu/internal/reconcile"
	"verifactu/internal/record"
	submissionservice "verifactu/internal/submission/service"
	httptransport "verifactu/internal/transport/http"
)

const (
	auditOutboxSize = 1024
	shutdownTimeout = 15 * time.Second
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Server.LogFormat, cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped with error", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	env, err := models.ParseEnvironment(cfg.Server.Environment)
	if err != nil {
		return err
	}
	location, err := time.LoadLocation(cfg.Chain.LegalTimezone)
	if err != nil {
		return fmt.Errorf("load legal timezone: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(registry)

	infra, err := openInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer infra.Close()

	var outbox chan audit.Event
	auditOpts := []audit.Option{audit.WithLogger(log), audit.WithMetrics(m)}
	if infra.auditSink != nil {
		outbox = make(chan audit.Event, auditOutboxSize)
		auditOpts = append(auditOpts, audit.WithOutbox(outbox))
	}
	auditLog := audit.NewLog(infra.auditStore, auditOpts...)

	chain := chainservice.New(infra.chainStore, infra.locker, env, location,
		chainservice.WithLogger(log),
		chainservice.WithMetrics(m),
		chainservice.WithAuditLog(auditLog),
		chainservice.WithLockTimeout(cfg.Chain.LockTimeout),
	)

	certVault, err := vault.New(vault.Config{
		MasterSecret:           cfg.Vault.MasterSecret,
		Iterations:             cfg.Vault.Iterations,
		AllowInsecureDevSecret: cfg.Vault.AllowInsecureDevSecret,
		Production:             cfg.IsProduction(),
	}, infra.certStore, vault.WithLogger(log), vault.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("certificate vault: %w", err)
	}

	client, err := authority.NewClient(authority.Config{
		Environment:      env,
		SubmitURL:        cfg.Authority.SubmitURL,
		Timeout:          cfg.Authority.Timeout,
		CAFile:           cfg.Authority.CAFile,
		FailureThreshold: cfg.Authority.FailureThreshold,
		Cooldown:         cfg.Authority.Cooldown,
	}, authority.WithLogger(log), authority.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("authority client: %w", err)
	}

	formatter := record.NewFormatter(record.SoftwareInfo{
		ProducerName:       cfg.Software.ProducerName,
		ProducerNIF:        cfg.Software.ProducerNIF,
		SystemName:         cfg.Software.SystemName,
		SystemID:           cfg.Software.SystemID,
		Version:            cfg.Software.Version,
		InstallationNumber: cfg.Software.InstallationNumber,
	})

	submissionOpts := []submissionservice.Option{
		submissionservice.WithLogger(log),
		submissionservice.WithMetrics(m),
		submissionservice.WithAuditLog(auditLog),
		submissionservice.WithInFlightLock(infra.submitLocker),
	}
	if infra.archive != nil {
		submissionOpts = append(submissionOpts, submissionservice.WithArchive(infra.archive))
	}
	submissions, err := submissionservice.New(chain, formatter, certVault, client, infra.submissionStore, submissionOpts...)
	if err != nil {
		return fmt.Errorf("submission service: %w", err)
	}

	reconciler, err := reconcile.New(client, certVault, infra.chainStore, chain,
		reconcile.WithLogger(log),
		reconcile.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}

	handler := httptransport.New(chain, submissions, certVault, reconciler, auditLog,
		httptransport.WithLogger(log),
		httptransport.WithMetrics(m),
	)
	router := httptransport.NewRouter(handler, httptransport.RouterConfig{
		Logger:       log,
		Metrics:      m,
		Gatherer:     registry,
		HealthChecks: infra.healthChecks(),
	})
	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting verifactu",
			"addr", cfg.Server.Addr,
			"environment", string(env),
			"endpoint", client.URL(),
			"persistence", infra.persistence(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if outbox != nil {
		worker := audit.NewWorker(infra.auditSink, outbox, log)
		g.Go(func() error {
			if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
