package relayer

import (
	"context"
	"runtime"
	"time"

	"github.com/canopy-network/txrelay/app/relayer/types"
	"github.com/canopy-network/txrelay/pkg/chains"
	"github.com/canopy-network/txrelay/pkg/db/memory"
	"github.com/canopy-network/txrelay/pkg/db/postgres"
	"github.com/canopy-network/txrelay/pkg/db/postgres/relay"
	"github.com/canopy-network/txrelay/pkg/lock"
	"github.com/canopy-network/txrelay/pkg/logging"
	"github.com/canopy-network/txrelay/pkg/nonce"
	"github.com/canopy-network/txrelay/pkg/pipeline"
	"github.com/canopy-network/txrelay/pkg/redis"
	"github.com/canopy-network/txrelay/pkg/rpc"
	"github.com/canopy-network/txrelay/pkg/scheduler"
	"github.com/canopy-network/txrelay/pkg/selector"
	"github.com/canopy-network/txrelay/pkg/utils"
	"go.uber.org/zap"
)

// Initialize builds the relayer from the environment. Configuration errors are fatal.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New("relayer")
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	policies := loadPolicies(logger)

	app := &types.App{
		Policies:      policies,
		ReconcileCron: utils.Env("RECONCILE_CRON", "0 * * * * *"),
		AdminToken:    utils.Env("ADMIN_TOKEN", ""),
		Logger:        logger,
	}

	switch driver := utils.Env("STORE_DRIVER", "postgres"); driver {
	case "memory":
		logger.Warn("Using the in-memory store - state is lost on restart and not shared between instances")
		app.Store = memory.New(nil)
	case "postgres":
		dbName := utils.Env("RELAY_DB", "txrelay")
		app.RelayDB, err = relay.New(ctx, logger, dbName, *postgres.GetPoolConfigForComponent("relayer"))
		if err != nil {
			logger.Fatal("Unable to initialize relay database", zap.Error(err))
		}
		app.Store = app.RelayDB
	default:
		logger.Fatal("Unknown STORE_DRIVER", zap.String("driver", driver))
	}

	// Redis carries the nonce lock, the shared endpoint cache and status events (optional)
	if utils.EnvBool("REDIS_ENABLED", false) {
		app.RedisClient, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - events stay local to this instance", zap.Error(err))
			app.RedisClient = nil
		} else {
			app.Events = redis.NewEvents(app.RedisClient, logger)
			logger.Info("Redis client initialized")
		}
	}

	workers := utils.EnvInt("WORKERS", 4*runtime.NumCPU())
	queue := utils.EnvInt("WORKER_QUEUE", 10_000)
	app.Scheduler = scheduler.New(
		scheduler.WithLogger(logger.Named("scheduler")),
		scheduler.WithWorkers(workers, queue),
	)

	selOpts := []selector.Option{
		selector.WithStore(app.Store),
		selector.WithLogger(logger.Named("selector")),
		selector.WithCallTimeout(utils.EnvDuration("RPC_TIMEOUT", 10*time.Second)),
	}
	if app.RedisClient != nil {
		selOpts = append(selOpts, selector.WithCache(redis.NewEndpointCache(app.RedisClient, 15*time.Second)))
	}
	factory := rpc.HTTPFactory{
		Timeout: utils.EnvDuration("RPC_TIMEOUT", 10*time.Second),
		RPS:     utils.EnvInt("RPC_RPS", 20),
		Burst:   utils.EnvInt("RPC_BURST", 40),
	}
	app.Selector = selector.New(policies, factory, selOpts...)
	if err := app.Selector.Load(ctx); err != nil {
		logger.Fatal("Unable to load RPC endpoints", zap.Error(err))
	}
	seeds, err := policies.Seeds(utils.Env("RPC_ENDPOINTS", ""))
	if err != nil {
		logger.Fatal("Invalid RPC_ENDPOINTS", zap.Error(err))
	}
	if err := app.Selector.Seed(ctx, seeds); err != nil {
		logger.Fatal("Unable to seed RPC endpoints", zap.Error(err))
	}
	app.Health = selector.NewHealthChecker(app.Selector, logger.Named("health"))

	locks := newLockProvider(ctx, app)
	app.Nonces = nonce.New(app.Store, locks, nonce.SelectorSource{Selector: app.Selector}, policies,
		nonce.WithActivity(app.Store),
		nonce.WithLogger(logger.Named("nonce")),
		nonce.WithChainCacheTTL(utils.EnvDuration("NONCE_CHAIN_CACHE_TTL", nonce.DefaultChainCacheTTL)),
		nonce.WithLockOptions(lock.Options{
			TTL:     utils.EnvDuration("NONCE_LOCK_TTL", 30*time.Second),
			Timeout: utils.EnvDuration("NONCE_LOCK_TIMEOUT", 10*time.Second),
		}),
	)

	app.Hub = pipeline.NewHub(logger.Named("hub"), 256)
	notifiers := pipeline.Notifiers{app.Hub}
	if app.Events != nil {
		notifiers = append(notifiers, app.Events)
	}
	app.Pipeline = pipeline.New(app.Store, app.Selector, app.Nonces, app.Scheduler, policies,
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithNotifier(notifiers),
		pipeline.WithConfig(pipeline.Config{
			InstanceID:       utils.Env("INSTANCE_ID", ""),
			Workers:          workers,
			Queue:            queue,
			RecoveryInterval: utils.EnvDuration("RECOVERY_INTERVAL", 10*time.Second),
		}),
	)

	logger.Info("Relayer initialized",
		zap.Strings("chains", policies.Names()),
		zap.String("instance", app.Pipeline.InstanceID()))
	return app
}

func loadPolicies(logger *zap.Logger) *chains.Registry {
	path := utils.Env("CHAINS_FILE", "")
	if path == "" {
		return chains.Default()
	}
	policies, err := chains.Load(path)
	if err != nil {
		logger.Fatal("Unable to load chain policies", zap.String("path", path), zap.Error(err))
	}
	return policies
}

// newLockProvider picks the nonce lock. Redis is preferred when available, then a
// PostgreSQL advisory lock on its own pool. The memory lock only serializes this process.
func newLockProvider(ctx context.Context, app *types.App) lock.Provider {
	def := "memory"
	switch {
	case app.RedisClient != nil:
		def = "redis"
	case app.RelayDB != nil:
		def = "postgres"
	}

	switch provider := utils.Env("LOCK_PROVIDER", def); provider {
	case "redis":
		if app.RedisClient == nil {
			app.Logger.Fatal("LOCK_PROVIDER=redis needs REDIS_ENABLED=true and a reachable Redis")
		}
		return redis.NewLock(app.RedisClient)
	case "postgres":
		if app.RelayDB == nil {
			app.Logger.Fatal("LOCK_PROVIDER=postgres needs STORE_DRIVER=postgres")
		}
		var err error
		app.LockDB, err = relay.Connect(ctx, app.Logger, app.RelayDB.Name, *postgres.GetPoolConfigForComponent("nonce_lock"))
		if err != nil {
			app.Logger.Fatal("Unable to open nonce lock pool", zap.Error(err))
		}
		return relay.NewAdvisoryLock(app.LockDB.Pool)
	case "memory":
		if app.RelayDB != nil {
			app.Logger.Warn("Memory nonce lock only serializes this instance")
		}
		return lock.NewMemory(nil)
	default:
		app.Logger.Fatal("Unknown LOCK_PROVIDER", zap.String("provider", provider))
		return nil
	}
}
