// main wires the truth layer: stores, services, handlers, and the background
// audit leg. Business logic lives in the internal services packages.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	entityhandler "verity/internal/entity/handler"
	entityservice "verity/internal/entity/service"
	entitystore "verity/internal/entity/store"
	"verity/internal/ingest"
	ingesthandler "verity/internal/ingest/handler"
	obshandler "verity/internal/observation/handler"
	obsservice "verity/internal/observation/service"
	obsstore "verity/internal/observation/store"
	"verity/internal/platform/config"
	"verity/internal/platform/httpserver"
	"verity/internal/platform/logger"
	"verity/internal/platform/metrics"
	platformredis "verity/internal/platform/redis"
	"verity/internal/policy"
	"verity/internal/snapshot"
	snapshothandler "verity/internal/snapshot/handler"
	httptransport "verity/internal/transport/http"
	audit "verity/pkg/platform/audit"
	auditpublisher "verity/pkg/platform/audit/publisher"
	auditmemory "verity/pkg/platform/audit/store/memory"
	auditpostgres "verity/pkg/platform/audit/store/postgres"
	auditworker "verity/pkg/platform/audit/worker"
	"verity/pkg/platform/tx"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promMetrics := metrics.New()

	// Stores: postgres when a DSN is configured, in-memory otherwise.
	var (
		db             *sql.DB
		observations   obsstore.Store
		entities       entitystore.Store
		auditStore     audit.Store
		txRunner       tx.Runner = tx.NewNoopRunner()
		healthChecks             = map[string]httptransport.HealthCheck{}
	)
	if cfg.Postgres.DSN != "" {
		var err error
		db, err = sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		observations = obsstore.NewPostgres(db)
		entities = entitystore.NewPostgres(db)
		auditStore = auditpostgres.New(db)
		txRunner = tx.NewSQLRunner(db)
		healthChecks["postgres"] = db.PingContext
	} else {
		observations = obsstore.NewInMemory()
		entities = entitystore.NewInMemory()
		auditStore = auditmemory.NewInMemoryStore()
	}

	// Policies come from the registry export; absent a file the provider is
	// empty and every schema is unknown.
	var policies policy.Provider
	if cfg.PolicyFile != "" {
		loaded, err := policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			return err
		}
		policies = policy.NewCachedProvider(loaded)
	} else {
		log.Warn("no policy file configured, all schemas are unknown")
		policies = policy.NewStaticProvider()
	}

	publisher := auditpublisher.NewPublisher(auditStore,
		auditpublisher.WithAsyncBuffer(256),
		auditpublisher.WithLogger(log))
	defer publisher.Close()

	// Snapshot cache: redis when configured, else postgres, else in-process.
	var cache snapshot.Cache = snapshot.NewInMemoryCache()
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		cache = snapshot.NewRedisCache(redisClient.Client, cfg.Redis.SnapshotTTL)
		healthChecks["redis"] = redisClient.Health
	} else if db != nil {
		cache = snapshot.NewPostgresCache(db)
	}

	snapshots := snapshot.New(observations, policies, log,
		snapshot.WithCache(cache),
		snapshot.WithMergedSources(entities),
		snapshot.WithAuditEmitter(publisher),
		snapshot.WithMetrics(promMetrics),
		snapshot.WithRedirectHopLimit(cfg.RedirectHopLimit))

	observationSvc := obsservice.New(observations, policies, log,
		obsservice.WithStrictSchema(cfg.StrictSchema),
		obsservice.WithSnapshotInvalidator(snapshots),
		obsservice.WithMetrics(promMetrics))

	entitySvc := entityservice.New(entities, observations, policies, publisher, log,
		entityservice.WithTxRunner(txRunner),
		entityservice.WithSnapshotRebuilder(snapshots),
		entityservice.WithMetrics(promMetrics),
		entityservice.WithRedirectHopLimit(cfg.RedirectHopLimit))

	ingestSvc := ingest.New(entitySvc, observationSvc, log)

	router := httptransport.NewRouter(healthChecks,
		obshandler.New(observationSvc, log),
		snapshothandler.New(snapshots, log),
		entityhandler.New(entitySvc, publisher, log),
		ingesthandler.New(ingestSvc, log),
	)
	srv := httpserver.New(cfg.Addr, router)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting verity server", slog.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// The Kafka leg of the audit trail only runs with both a database (for
	// the outbox table) and brokers.
	if db != nil && len(cfg.Kafka.Brokers) > 0 {
		producer, err := audit.NewKafkaProducer(ctx, cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
		if err != nil {
			return err
		}
		defer producer.Close()
		outbox := auditworker.New(db, producer, log, cfg.Kafka.PollInterval)
		group.Go(func() error {
			err := outbox.Run(groupCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
