package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/config"
	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/adapters/file"
	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/adapters/mongo"
	"github.com/aretw0/espalier/pkg/adapters/redis"
	"github.com/aretw0/espalier/pkg/adapters/sqlstore"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/observability"
	"github.com/aretw0/espalier/pkg/persistence/middleware"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/registry"
	"github.com/aretw0/espalier/pkg/threads"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

// Mongo defaults used when the configuration names none.
const (
	DefaultMongoDatabase   = "espalier"
	DefaultMongoCollection = "checkpoints"
)

// Stack is an engine plus everything built around it from configuration.
type Stack struct {
	Engine  *espalier.Engine
	Threads *threads.Manager
	Feed    *observability.Feed
	Logger  *slog.Logger
	Config  *config.Config

	// Gatherer serves the engine metrics; nil when metrics are disabled.
	Gatherer prometheus.Gatherer

	closers []func() error
}

// Close releases store connections.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

type buildOptions struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	debug      bool
}

// BuildOption tunes Build.
type BuildOption func(*buildOptions)

// WithLogger replaces the logger derived from log.level.
func WithLogger(logger *slog.Logger) BuildOption {
	return func(o *buildOptions) {
		o.logger = logger
	}
}

// WithMetricsRegistry registers metrics on reg instead of the process-wide default registry.
func WithMetricsRegistry(reg *prometheus.Registry) BuildOption {
	return func(o *buildOptions) {
		o.registerer = reg
		o.gatherer = reg
	}
}

// WithDebug logs every node, interrupt and decision at debug level.
func WithDebug(debug bool) BuildOption {
	return func(o *buildOptions) {
		o.debug = debug
	}
}

// Build opens the configured store, applies the persistence middleware and binds
// the named graph from reg to a new engine.
func Build(ctx context.Context, cfg *config.Config, reg *registry.Registry, graphName string, opts ...BuildOption) (*Stack, error) {
	o := buildOptions{registerer: prometheus.DefaultRegisterer, gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		level, err := config.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		if o.debug {
			level = slog.LevelDebug
		}
		o.logger = logging.New(level, cfg.Log.Format)
	}

	g, err := reg.Build(graphName)
	if err != nil {
		return nil, err
	}

	stack := &Stack{Logger: o.logger, Config: cfg, Feed: observability.NewFeed(observability.WithFeedLogger(o.logger))}

	store, locker, err := stack.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err = secure(store, cfg)
	if err != nil {
		_ = stack.Close()
		return nil, err
	}

	engineOpts := []espalier.Option{
		espalier.WithStore(store),
		espalier.WithLogger(o.logger),
		espalier.WithStepLimit(cfg.Engine.StepLimit),
		espalier.WithTracer(otel.Tracer("github.com/aretw0/espalier")),
		espalier.WithLifecycleHooks(stack.Feed.Hooks()),
	}
	threadOpts := []threads.Option{threads.WithLogger(o.logger)}
	if locker != nil {
		engineOpts = append(engineOpts, espalier.WithLocker(locker), espalier.WithLockTTL(cfg.Lock.TTL))
		threadOpts = append(threadOpts, threads.WithLocker(locker), threads.WithLockTTL(cfg.Lock.TTL))
	}
	if cfg.Server.Metrics {
		metrics, err := observability.NewMetrics(o.registerer)
		if err != nil {
			_ = stack.Close()
			return nil, err
		}
		engineOpts = append(engineOpts, espalier.WithLifecycleHooks(metrics.Hooks(g.Name())))
		stack.Gatherer = o.gatherer
	}
	if o.debug {
		engineOpts = append(engineOpts, espalier.WithLifecycleHooks(debugHooks(o.logger)))
	}

	stack.Engine, err = espalier.New(g, engineOpts...)
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	stack.Threads = threads.NewManager(store, threadOpts...)
	return stack, nil
}

// openStore creates the configured backend and, for redis, the optional distributed locker.
func (s *Stack) openStore(ctx context.Context, cfg *config.Config) (ports.CheckpointStore, ports.DistributedLocker, error) {
	sc := cfg.Store
	switch sc.Backend {
	case config.BackendMemory:
		return memory.NewStore(), nil, nil

	case config.BackendFile:
		return file.New(sc.Path), nil, nil

	case config.BackendRedis:
		var opts []redis.Option
		prefix := redis.DefaultPrefix
		if sc.Prefix != "" {
			prefix = sc.Prefix
			opts = append(opts, redis.WithPrefix(sc.Prefix))
		}
		if sc.TTL > 0 {
			opts = append(opts, redis.WithTTL(sc.TTL))
		}
		store := redis.New(sc.Addr, sc.Password, sc.DB, opts...)
		s.closers = append(s.closers, store.Close)
		if cfg.Lock.Distributed {
			return store, redis.NewLocker(store.Client(), prefix+"lock:"), nil
		}
		return store, nil, nil

	case config.BackendSQLite, config.BackendPostgres:
		var opts []sqlstore.Option
		if sc.Table != "" {
			opts = append(opts, sqlstore.WithTable(sc.Table))
		}
		var store *sqlstore.Store
		var err error
		if sc.Backend == config.BackendSQLite {
			dsn := sc.DSN
			if dsn == "" {
				dsn = sc.Path
			}
			store, err = sqlstore.OpenSQLite(ctx, dsn, opts...)
		} else {
			store, err = sqlstore.OpenPostgres(ctx, sc.DSN, opts...)
		}
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, store.Close)
		return store, nil, nil

	case config.BackendMongo:
		database, collection := sc.Database, sc.Collection
		if database == "" {
			database = DefaultMongoDatabase
		}
		if collection == "" {
			collection = DefaultMongoCollection
		}
		store, err := mongo.Connect(ctx, sc.URI, database, collection)
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, func() error { return store.Close(context.Background()) })
		return store, nil, nil
	}
	return nil, nil, fmt.Errorf("unsupported store backend %q", sc.Backend)
}

// secure wraps the store with PII masking and encryption, in that order.
func secure(store ports.CheckpointStore, cfg *config.Config) (ports.CheckpointStore, error) {
	var mws []middleware.Middleware

	if len(cfg.PII.Patterns) > 0 {
		pii, err := middleware.NewPIIMiddleware(cfg.PII.Patterns)
		if err != nil {
			return nil, err
		}
		mws = append(mws, pii)
	}

	if cfg.Encryption.Key != "" {
		active, err := middleware.ParseKey(cfg.Encryption.Key)
		if err != nil {
			return nil, fmt.Errorf("encryption.key: %w", err)
		}
		encCfg := middleware.EncryptionConfig{ActiveKey: active}
		for i, raw := range cfg.Encryption.FallbackKeys {
			key, err := middleware.ParseKey(raw)
			if err != nil {
				return nil, fmt.Errorf("encryption.fallback_keys[%d]: %w", i, err)
			}
			encCfg.FallbackKeys = append(encCfg.FallbackKeys, key)
		}
		enc, err := middleware.NewEncryptionMiddleware(encCfg)
		if err != nil {
			return nil, err
		}
		mws = append(mws, enc)
	}

	return middleware.Chain(store, mws...), nil
}

func debugHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnNodeEnter: func(ctx context.Context, e *domain.NodeEvent) {
			logger.Debug("Enter Node", "thread_id", e.ThreadID, "node", e.Node, "step", e.Step)
		},
		OnNodeLeave: func(ctx context.Context, e *domain.NodeEvent) {
			if e.Err != nil {
				logger.Debug("Leave Node (Error)", "thread_id", e.ThreadID, "node", e.Node, "err", e.Err)
				return
			}
			logger.Debug("Leave Node", "thread_id", e.ThreadID, "node", e.Node, "duration", e.Duration)
		},
		OnInterrupt: func(ctx context.Context, e *domain.InterruptEvent) {
			logger.Debug("Interrupt", "thread_id", e.Request.ThreadID, "node", e.Request.Node)
		},
		OnDecision: func(ctx context.Context, e *domain.DecisionEvent) {
			logger.Debug("Decision", "thread_id", e.ThreadID, "kind", e.Decision.Kind)
		},
	}
}
