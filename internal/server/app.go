package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jacksonlee411/property-ledger/internal/config"
	"github.com/jacksonlee411/property-ledger/internal/metrics"
	"github.com/jacksonlee411/property-ledger/modules/filing/domain/ports"
	"github.com/jacksonlee411/property-ledger/modules/filing/infrastructure/blobstore"
	"github.com/jacksonlee411/property-ledger/modules/filing/infrastructure/notify"
	"github.com/jacksonlee411/property-ledger/modules/filing/infrastructure/persistence"
	"github.com/jacksonlee411/property-ledger/modules/filing/services"
	"github.com/jacksonlee411/property-ledger/pkg/authz"
)

type filingBackend interface {
	ports.FilingStore
	ports.AuditStore
	ports.ComplianceStore
}

// App holds the wired filing services for one process.
type App struct {
	Lifecycle  *services.LifecycleService
	Archival   *services.ArchivalService
	Batch      *services.BatchCoordinator
	Compliance *services.ComplianceService
	Authorizer authz.Decider
	Metrics    *metrics.Collector
	Logger     *zap.Logger

	ping    func(context.Context) error
	closers []func()
}

// AppOptions overrides backends that would otherwise be built from config.
type AppOptions struct {
	Store      filingBackend
	Blobs      ports.BlobStore
	Notifier   ports.Notifier
	Authorizer authz.Decider
	Metrics    *metrics.Collector
	Now        func() time.Time
}

// test seams
var (
	newPGPool = func(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
		return pgxpool.New(ctx, dsn)
	}
	newMinioStore = func(ctx context.Context, cfg config.BlobConfig) (ports.BlobStore, error) {
		s, err := blobstore.NewMinioStore(blobstore.Config{
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			UseSSL:          cfg.UseSSL,
			RetentionMode:   cfg.RetentionMode,
		})
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
)

func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	return NewAppWithOptions(ctx, cfg, logger, AppOptions{})
}

func NewAppWithOptions(ctx context.Context, cfg config.Config, logger *zap.Logger, opts AppOptions) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{Logger: logger, Metrics: opts.Metrics}
	if app.Metrics == nil {
		app.Metrics = metrics.NewCollector()
	}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	store := opts.Store
	if store == nil {
		if store, err = app.openStore(ctx, cfg.Store); err != nil {
			return nil, err
		}
	}
	blobs := opts.Blobs
	if blobs == nil {
		if blobs, err = openBlobStore(ctx, cfg.Blob, opts.Now); err != nil {
			return nil, err
		}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = app.openNotifier(cfg.Notify)
	}
	decider := opts.Authorizer
	if decider == nil {
		if decider, err = openAuthorizer(ctx, cfg.Authz); err != nil {
			return nil, err
		}
	}
	rulesPath, err := cfg.Rules.ResolvePath()
	if err != nil {
		return nil, err
	}
	validator, err := services.LoadRuleSets(rulesPath)
	if err != nil {
		return nil, err
	}

	svcOpts := services.Options{
		Filings:    store,
		Audit:      store,
		Compliance: store,
		Blobs:      blobs,
		Notifier:   notifier,
		Authorizer: decider,
		Validator:  validator,
		Retention:  services.RetentionPolicy{Years: cfg.Retention.Years},
		Logger:     logger,
		Metrics:    app.Metrics,
		Now:        opts.Now,
	}
	app.Authorizer = decider
	app.Archival = services.NewArchivalService(svcOpts)
	app.Lifecycle = services.NewLifecycleService(svcOpts, app.Archival)
	app.Batch = services.NewBatchCoordinator(svcOpts, services.BatchConfig{
		Concurrency:     cfg.Batch.Concurrency,
		ConflictRetries: cfg.Batch.ConflictRetries,
		RetryBase:       cfg.Batch.RetryBase,
	}, app.Lifecycle, app.Archival)

	jurisdictions := make([]services.Jurisdiction, 0, len(cfg.Compliance.Jurisdictions))
	for _, j := range cfg.Compliance.Jurisdictions {
		jurisdictions = append(jurisdictions, services.Jurisdiction{Code: j.Code, CapRatio: j.CapRatio, WindowYears: j.WindowYears})
	}
	if app.Compliance, err = services.NewComplianceService(svcOpts, jurisdictions); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *App) openStore(ctx context.Context, cfg config.StoreConfig) (filingBackend, error) {
	switch cfg.Backend {
	case config.StoreMemory:
		return persistence.NewMemoryStore(), nil
	case config.StorePostgres:
		pool, err := newPGPool(ctx, cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("server: open postgres %s: %w", cfg.RedactedDSN(), err)
		}
		a.Logger.Info("postgres store opened", zap.String("dsn", cfg.RedactedDSN()))
		a.closers = append(a.closers, pool.Close)
		a.ping = pool.Ping
		return persistence.NewPGStore(pool), nil
	default:
		return nil, fmt.Errorf("server: unsupported store backend %q", cfg.Backend)
	}
}

func openBlobStore(ctx context.Context, cfg config.BlobConfig, now func() time.Time) (ports.BlobStore, error) {
	switch cfg.Backend {
	case config.BlobMemory:
		return blobstore.NewMemoryStore(now), nil
	case config.BlobMinio:
		return newMinioStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("server: unsupported blob backend %q", cfg.Backend)
	}
}

func (a *App) openNotifier(cfg config.NotifyConfig) ports.Notifier {
	if cfg.Backend != config.NotifyRedis {
		return notify.NewLogNotifier(a.Logger)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	a.closers = append(a.closers, func() { _ = client.Close() })
	return notify.NewRedisNotifier(client, cfg.ChannelPrefix)
}

func openAuthorizer(ctx context.Context, cfg config.AuthzConfig) (authz.Decider, error) {
	mode, err := authz.ParseMode(cfg.Mode, cfg.UnsafeAllowDisabled)
	if err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case config.AuthzRego:
		path, err := cfg.ResolveRegoPath()
		if err != nil {
			return nil, err
		}
		return authz.NewRegoAuthorizerFromFile(ctx, path, mode)
	case config.AuthzCasbin:
		modelPath, err := cfg.ResolveModelPath()
		if err != nil {
			return nil, err
		}
		policyPath, err := cfg.ResolvePolicyPath()
		if err != nil {
			return nil, err
		}
		return authz.NewAuthorizer(modelPath, policyPath, mode)
	default:
		return nil, fmt.Errorf("server: unsupported authz backend %q", cfg.Backend)
	}
}

// Ping reports whether the record store is reachable. The memory store always is.
func (a *App) Ping(ctx context.Context) error {
	if a.ping == nil {
		return nil
	}
	if err := a.ping(ctx); err != nil {
		return errors.Join(errStoreUnavailable, err)
	}
	return nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

var errStoreUnavailable = errors.New("server: store unavailable")
