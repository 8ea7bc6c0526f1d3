package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"verifactu/internal/archive"
	"verifactu/internal/audit"
	certstore "verifactu/internal/certificate/store"
	"verifactu/internal/certificate/vault"
	"verifactu/internal/chain/lock"
	chainservice "verifactu/internal/chain/service"
	chainstore "verifactu/internal/chain/store"
	"verifactu/internal/platform/config"
	"verifactu/internal/platform/kafka"
	"verifactu/internal/platform/objectstore"
	"verifactu/internal/platform/postgres"
	"verifactu/internal/platform/redis"
	"verifactu/internal/reconcile"
	submissionservice "verifactu/internal/submission/service"
	submissionstore "verifactu/internal/submission/store"
	httptransport "verifactu/internal/transport/http"
)

// chainStore is what both the chain service and the reconciler read.
type chainStore interface {
	chainservice.Store
	reconcile.RecordStore
}

// infra holds the backing stores and clients selected by configuration. Every
// optional backend falls back to an in-process implementation.
type infra struct {
	db    *sql.DB
	redis *redis.Client
	kafka *kgo.Client

	chainStore      chainStore
	certStore       vault.Store
	submissionStore submissionservice.LogStore
	auditStore      audit.Store
	auditSink       audit.Sink
	archive         submissionservice.Archive
	locker          lock.Locker
	submitLocker    lock.Locker
}

func openInfra(ctx context.Context, cfg config.Config, log *slog.Logger) (*infra, error) {
	in := &infra{}
	if err := in.openDatabase(ctx, cfg, log); err != nil {
		in.Close()
		return nil, err
	}
	if err := in.openLocker(ctx, cfg, log); err != nil {
		in.Close()
		return nil, err
	}
	if err := in.openAuditStream(ctx, cfg, log); err != nil {
		in.Close()
		return nil, err
	}
	if err := in.openArchive(ctx, cfg, log); err != nil {
		in.Close()
		return nil, err
	}
	return in, nil
}

func (in *infra) openDatabase(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.Database.URL == "" {
		if cfg.IsProduction() {
			return fmt.Errorf("production requires a database")
		}
		log.Warn("no database configured, using in-memory stores")
		in.chainStore = chainstore.NewInMemory()
		in.certStore = certstore.NewInMemory()
		in.submissionStore = submissionstore.NewInMemory()
		in.auditStore = audit.NewInMemoryStore()
		return nil
	}
	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	in.db = db
	if err := postgres.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	in.chainStore = chainstore.NewPostgres(db)
	in.certStore = certstore.NewPostgres(db)
	in.submissionStore = submissionstore.NewPostgres(db)
	in.auditStore = audit.NewPostgresStore(db)
	return nil
}

func (in *infra) openLocker(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rc == nil {
		log.Warn("no redis configured, chain appends and submissions are serialized in process only")
		in.locker = lock.NewLocal()
		in.submitLocker = lock.NewLocal()
		return nil
	}
	in.redis = rc
	in.locker = lock.NewRedis(rc.Client, cfg.Chain.LockTTL)
	// A submission claim outlives the slowest authority call.
	in.submitLocker = lock.NewRedis(rc.Client, cfg.Authority.Timeout+cfg.Chain.LockTTL,
		lock.WithPrefix("verifactu:submitlock:"))
	return nil
}

func (in *infra) openAuditStream(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	client, err := kafka.NewClient(cfg.Kafka)
	if err != nil {
		return err
	}
	if client == nil {
		return nil
	}
	in.kafka = client
	if err := kafka.EnsureTopic(ctx, client, cfg.Kafka.AuditTopic, 3, 1); err != nil {
		log.Warn("audit topic bootstrap failed", "topic", cfg.Kafka.AuditTopic, "error", err.Error())
	}
	in.auditSink = audit.NewPublisher(client, cfg.Kafka.AuditTopic)
	return nil
}

func (in *infra) openArchive(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	client, err := objectstore.NewMinIOClient(cfg.ObjectStore)
	if err != nil {
		return err
	}
	if client == nil {
		log.Info("no object store configured, raw submissions are not archived")
		return nil
	}
	if err := objectstore.EnsureBucket(ctx, client, cfg.ObjectStore.Bucket, cfg.ObjectStore.Region); err != nil {
		return err
	}
	a, err := archive.NewMinio(client, cfg.ObjectStore.Bucket)
	if err != nil {
		return err
	}
	in.archive = a
	return nil
}

func (in *infra) persistence() string {
	if in.db != nil {
		return "postgres"
	}
	return "memory"
}

func (in *infra) healthChecks() map[string]httptransport.HealthCheck {
	checks := map[string]httptransport.HealthCheck{}
	if in.db != nil {
		checks["postgres"] = in.db.PingContext
	}
	if in.redis != nil {
		checks["redis"] = in.redis.Health
	}
	if in.kafka != nil {
		checks["kafka"] = in.kafka.Ping
	}
	return checks
}

func (in *infra) Close() {
	if in.kafka != nil {
		in.kafka.Close()
	}
	if in.redis != nil {
		_ = in.redis.Close()
	}
	if in.db != nil {
		_ = in.db.Close()
	}
}
