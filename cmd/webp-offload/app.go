package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/webp-offload/internal/catalog"
	"github.com/aliskhannn/webp-offload/internal/config"
	"github.com/aliskhannn/webp-offload/internal/content"
	"github.com/aliskhannn/webp-offload/internal/convert"
	"github.com/aliskhannn/webp-offload/internal/infra/kafka/producer"
	"github.com/aliskhannn/webp-offload/internal/ledger"
	"github.com/aliskhannn/webp-offload/internal/metrics"
	"github.com/aliskhannn/webp-offload/internal/pipeline"
	assetrepo "github.com/aliskhannn/webp-offload/internal/repository/asset"
	"github.com/aliskhannn/webp-offload/internal/repository/sqlite"
	"github.com/aliskhannn/webp-offload/internal/rewrite"
	assetsvc "github.com/aliskhannn/webp-offload/internal/service/asset"
	"github.com/aliskhannn/webp-offload/internal/storage/file"
	"github.com/aliskhannn/webp-offload/internal/storage/sigv4"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	strategy retry.Strategy
	metrics  *metrics.Metrics
	ledger   *ledger.Ledger
	catalog  catalog.Source
	store    pipeline.ObjectStore // nil when offload is disabled
	orch     *pipeline.Orchestrator
	batch    *pipeline.Batch
	rewriter *rewrite.Rewriter
	producer *producer.Producer // nil when kafka is disabled
	service  *assetsvc.Service

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg: cfg,
		strategy: retry.Strategy{
			Attempts: cfg.Retry.Attempts,
			Delay:    cfg.Retry.Delay,
			Backoff:  cfg.Retry.Backoff,
		},
	}

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	a.metrics = m

	store, err := openLedgerStore(ctx, cfg, a)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.ledger = ledger.New(store)

	if cfg.Catalog.Manifest != "" {
		mf, err := catalog.LoadManifest(cfg.Paths.UploadDir, cfg.Catalog.Manifest)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.catalog = mf
	} else {
		a.catalog = catalog.NewDir(cfg.Paths.UploadDir)
	}

	if a.store, err = openObjectStore(cfg); err != nil {
		a.Close()
		return nil, err
	}

	rc := rewrite.Context{
		UploadURL:  cfg.Paths.UploadURL,
		UploadDir:  cfg.Paths.UploadDir,
		CDNDomain:  cfg.Storage.PublicDomain,
		CDNEnabled: cfg.Storage.Enabled,
	}
	resolver, err := rewrite.NewResolver(rc, a.catalog, cfg.Rewrite.CacheSize)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.rewriter = rewrite.New(rc, resolver, a.ledger, rewrite.WithMetrics(m))

	gateway := convert.NewFromConfig(cfg.Conversion)
	zlog.Logger.Info().Str("method", gateway.Method()).Msg("webp conversion ready")

	a.orch = pipeline.NewOrchestrator(gateway, a.store, a.ledger, pipeline.Options{
		UploadDir:  cfg.Paths.UploadDir,
		CDNEnabled: cfg.Storage.Enabled,
	}, m)

	if cfg.Paths.ContentDir != "" {
		a.batch = pipeline.NewBatch(a.orch, a.catalog, a.ledger, content.NewDir(cfg.Paths.ContentDir), rewrite.NewRepointer(rc))
	} else {
		a.batch = pipeline.NewBatch(a.orch, a.catalog, a.ledger, nil, nil)
	}

	deps := assetsvc.Deps{
		Catalog:   a.catalog,
		Ledger:    a.ledger,
		Processor: a.orch,
		Rewriter:  a.rewriter,
		UploadDir: cfg.Paths.UploadDir,
		UploadURL: cfg.Paths.UploadURL,
	}
	if a.store != nil {
		deps.Store = a.store
	}
	if cfg.Kafka.Enabled {
		a.producer = producer.New(&cfg.Kafka, a.strategy)
		a.closers = append(a.closers, a.producer.Close)
		deps.Producer = a.producer
	}
	a.service = assetsvc.NewService(deps)

	return a, nil
}

// Close releases the ledger and queue connections.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			zlog.Logger.Err(err).Msg("failed to close resource")
		}
	}
	a.closers = nil
}

func openLedgerStore(ctx context.Context, cfg *config.Config, a *app) (ledger.Store, error) {
	switch cfg.Ledger.Driver {
	case "postgres":
		pg := cfg.Ledger.Postgres
		opts := &dbpg.Options{
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime,
		}

		slaveDSNs := make([]string, 0, len(pg.Slaves))
		for _, s := range pg.Slaves {
			slaveDSNs = append(slaveDSNs, s.DSN())
		}

		db, err := dbpg.New(pg.Master.DSN(), slaveDSNs, opts)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, func() error {
			for i, s := range db.Slaves {
				if err := s.Close(); err != nil {
					zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
				}
			}
			return db.Master.Close()
		})

		repo := assetrepo.NewRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return repo, nil

	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Ledger.SQLite.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
		s, err := sqlite.Open(ctx, cfg.Ledger.SQLite.Path, cfg.Ledger.SQLite.PoolSize)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	}
}

func openObjectStore(cfg *config.Config) (pipeline.ObjectStore, error) {
	if !cfg.Storage.Enabled {
		return nil, nil
	}

	target := cfg.Storage.Target()

	var store pipeline.ObjectStore
	switch cfg.Storage.Driver {
	case "minio":
		s, err := file.NewStorage(target, cfg.Storage.UseSSL)
		if err != nil {
			return nil, fmt.Errorf("connect to storage: %w", err)
		}
		store = s
	default:
		store = sigv4.New(target)
	}

	if !store.IsConfigured() {
		zlog.Logger.Warn().
			Str("provider", target.Provider).
			Msg("cdn offload enabled but storage credentials are incomplete, uploads will fail")
	}

	return store, nil
}
