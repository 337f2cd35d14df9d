/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// kartograf serves the GraphRAG orchestration plane: the staged ingestion
// pipeline, the cached query engine, the outbox drainer, the vector sync
// consumer and the tombstone reaper, all behind one HTTP listener.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/jordigilh/kartograf/pkg/audit"
	"github.com/jordigilh/kartograf/pkg/cache"
	"github.com/jordigilh/kartograf/pkg/config"
	"github.com/jordigilh/kartograf/pkg/embedding"
	"github.com/jordigilh/kartograf/pkg/graph"
	"github.com/jordigilh/kartograf/pkg/ingestion"
	"github.com/jordigilh/kartograf/pkg/llm"
	"github.com/jordigilh/kartograf/pkg/metrics"
	"github.com/jordigilh/kartograf/pkg/mutation"
	"github.com/jordigilh/kartograf/pkg/outbox"
	"github.com/jordigilh/kartograf/pkg/query"
	"github.com/jordigilh/kartograf/pkg/ratelimit"
	"github.com/jordigilh/kartograf/pkg/reaper"
	"github.com/jordigilh/kartograf/pkg/vector"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		logger.Fatal("kartograf exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateProduction(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	cacheMetrics := metrics.NewCache(reg)
	outboxMetrics := metrics.NewOutbox(reg)
	reaperMetrics := metrics.NewReaper(reg)
	queryMetrics := metrics.NewQuery(reg)
	pipelineMetrics := metrics.NewPipeline(reg)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		redisClient = redis.NewClient(opts)
		defer func() { _ = redisClient.Close() }()
	}

	repo := graph.NewMemoryRepository()
	vectors := vector.NewInMemoryStore()

	// Outbox: durable when a DSN is configured, volatile otherwise. The
	// production gate has already rejected the volatile variant.
	var outboxStore outbox.Store
	if cfg.OutboxPostgres != "" {
		db, err := sqlx.ConnectContext(ctx, "pgx", cfg.OutboxPostgres)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		pg, err := outbox.NewPostgresStore(db, logger)
		if err != nil {
			return err
		}
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		outboxStore = pg
	} else {
		outboxStore = outbox.NewMemoryStore()
	}

	transport, dlq, err := buildTransport(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}
	if transport != nil {
		defer func() { _ = transport.Close() }()
	}

	drainer, err := outbox.NewDrainerFromConfig(cfg, outbox.DrainerConfig{
		Store:   outboxStore,
		Deleter: vectors,
		DLQ:     dlq,
		Logger:  logger,
		Metrics: outboxMetrics,
	})
	if err != nil {
		return err
	}
	go drainer.Run(ctx)
	defer drainer.Stop()

	if transport != nil {
		consumer, err := vector.NewSyncConsumer(transport, vectors, "code_entities", logger)
		if err != nil {
			return err
		}
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("vector sync consumer stopped", zap.Error(err))
			}
		}()
	}

	tombstones, err := reaper.New(reaper.Config{
		TTLDays:      cfg.TombstoneTTLDays,
		BatchSize:    cfg.TombstoneBatchSize,
		MaxBatchSize: cfg.TombstoneMaxBatchSize,
		Interval:     cfg.TombstoneReapInterval,
	}, repo, reaperMetrics, logger)
	if err != nil {
		return err
	}
	tombstones.Start(ctx)
	defer tombstones.Stop()

	chain, err := llm.CreateProviderWithFailover(ctx, llm.FactoryConfig{
		Primary: cfg.LLMPrimary,
		Model:   cfg.LLMModel,
	}, logger)
	if err != nil {
		return err
	}

	embedProvider, err := embedding.NewOpenAIProvider(
		os.Getenv("OPENAI_API_KEY"),
		os.Getenv("EMBEDDING_MODEL"),
		os.Getenv("OPENAI_BASE_URL"),
		0,
	)
	if err != nil {
		return err
	}
	batcher, err := embedding.NewBatcher(embedProvider, embedding.BatcherConfig{Logger: logger})
	if err != nil {
		return err
	}
	defer batcher.Close()

	limiter, err := ratelimit.NewLimiterFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	budget, err := ratelimit.NewCostBudget(ratelimit.CostModel{
		EntityLookup: cfg.QueryCostEntity,
		SingleHop:    cfg.QueryCostSingleHop,
		MultiHop:     cfg.QueryCostMultiHop,
		Aggregate:    cfg.QueryCostAggregate,
	}, cfg.CostBudgetCapacity, time.Duration(cfg.CostBudgetWindowSec)*time.Second)
	if err != nil {
		return err
	}

	l1 := cache.NewSemanticCache(cache.SemanticConfig{
		SimilarityThreshold: float32(cfg.CacheSimilarityThreshold),
		MaxEntries:          cfg.CacheMaxEntries,
		BaseTTL:             cfg.CacheBaseTTL,
		KeyPrefixLen:        cfg.CacheKeyPrefixLen,
	}, cacheMetrics, logger)
	subgraphs := cache.NewSubgraphCache(cfg.CandidateLimit)

	var l2 *cache.L2
	if redisClient != nil {
		l2, err = cache.NewL2(redisClient, logger)
		if err != nil {
			return err
		}
		worker, err := cache.NewInvalidationWorker(redisClient, consumerName(), 100, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("cache invalidation worker stopped", zap.Error(err))
			}
		}()
	}

	var trail *audit.Trail
	if cfg.OutboxPostgres != "" {
		auditDB, err := sqlx.ConnectContext(ctx, "pgx", cfg.OutboxPostgres)
		if err != nil {
			return err
		}
		defer func() { _ = auditDB.Close() }()
		trail, err = audit.NewTrail(auditDB, logger)
		if err != nil {
			return err
		}
		if err := trail.Migrate(ctx); err != nil {
			return err
		}
	}

	var evaluator *query.Evaluator
	if cfg.RAGEnableEvaluation {
		evaluator, err = query.NewEvaluator(query.EvaluatorConfig{
			Chain:     chain,
			Cache:     l1,
			Threshold: cfg.RAGLowRelevanceThreshold,
			Metrics:   queryMetrics,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
	}

	engine, err := query.NewEngine(query.EngineConfig{
		Limiter:   limiter,
		Budget:    budget,
		Cache:     l1,
		L2:        l2,
		Subgraphs: subgraphs,
		Repo:      repo,
		Embedder:  query.NewBatcherEmbedder(batcher),
		Chain:     chain,
		Evaluator: evaluator,
		Audit:     trail,
		CacheTTL:  cfg.CacheBaseTTL,
		Metrics:   queryMetrics,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	queryHandler, err := query.NewHandler(engine, evaluator, logger)
	if err != nil {
		return err
	}

	driver, err := buildIngestion(ctx, cfg, repo, outboxStore, transport, chain, pipelineMetrics, logger)
	if err != nil {
		return err
	}
	ingestHandler, err := ingestion.NewHandler(driver, logger)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Mount("/", queryHandler.Routes())
	r.Mount("/v1", ingestHandler.Routes())

	addr := ":" + envOr("PORT", "8080")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("kartograf listening",
		zap.String("addr", addr),
		zap.String("mode", string(cfg.DeploymentMode)))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if evaluator != nil {
		evaluator.Wait()
	}
	return nil
}

// buildTransport selects the mutation transport and, when a DLQ topic is
// configured, a publisher for events discarded by the drainer.
//
// Only the message-bus backends (kafka, redis) yield a transport. The
// memory and neo4j backends return nil so the vector sync stage writes the
// transactional outbox and the drainer applies the deletions: a non-nil
// transport would shortcut deletions through a volatile in-process channel
// and orphan vectors on a crash between commit and delivery.
func buildTransport(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (mutation.Transport, outbox.DLQPublisher, error) {
	var transport mutation.Transport
	switch cfg.VectorSyncBackend {
	case config.VectorSyncKafka:
		t, err := mutation.NewKafkaTransport(mutation.KafkaTransportConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.VectorSyncKafkaTopic,
			GroupID: "kartograf-vector-sync",
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		transport = t
	case config.VectorSyncRedis:
		if redisClient == nil {
			return nil, nil, errors.New("redis vector sync requires REDIS_URL")
		}
		t, err := mutation.NewRedisTransport(ctx, mutation.RedisTransportConfig{
			Client:   redisClient,
			Stream:   cfg.VectorSyncKafkaTopic,
			Group:    "kartograf-vector-sync",
			Consumer: consumerName(),
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		transport = t
	default:
		// Outbox-backed modes: the stage enqueues deletions in the same
		// transaction as the graph write and the drainer delivers them.
	}

	var dlq outbox.DLQPublisher
	if cfg.DLQTopic != "" {
		dead, err := mutation.NewKafkaTransport(mutation.KafkaTransportConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.DLQTopic,
			GroupID: "kartograf-dlq",
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		dlq = func(ctx context.Context, e outbox.Event) error {
			// Outbox events carry no tenant; the collection scopes the key.
			return dead.Publish(ctx, mutation.NewEvent(mutation.NodeDelete, e.Collection, e.PrunedIDs))
		}
	}
	return transport, dlq, nil
}

func buildIngestion(ctx context.Context, cfg *config.Config, repo graph.Repository, store outbox.Store, transport mutation.Transport, chain *llm.Chain, m *metrics.Pipeline, logger *zap.Logger) (*ingestion.Driver, error) {
	checkpointer, err := ingestion.NewCheckpointerFromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	blobs, err := ingestion.NewBlobStoreFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	dedup, err := ingestion.NewDedupStoreFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	prompts, err := ingestion.NewPromptRegistry(os.Getenv("PROMPT_TEMPLATE_PATH"), logger)
	if err != nil {
		return nil, err
	}
	extraction, err := ingestion.NewExtractionStage(chain, prompts, "", logger)
	if err != nil {
		return nil, err
	}
	vectorSync, err := ingestion.NewVectorSyncStage(store, transport, "code_entities", logger)
	if err != nil {
		return nil, err
	}

	return ingestion.NewDriver(ingestion.DriverConfig{
		Stages: []ingestion.Stage{
			ingestion.NewASTStage(nil, nil, logger),
			extraction,
			ingestion.NewGraphWriteStage(repo, logger),
			vectorSync,
		},
		Checkpointer: checkpointer,
		Dedup:        dedup,
		Blobs:        blobs,
		MaxInflight:  cfg.MaxInflight,
		Metrics:      m,
		Logger:       logger,
	})
}

// consumerName identifies this replica in redis consumer groups.
func consumerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "kartograf"
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
