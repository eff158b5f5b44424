package types

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/canopy-network/txrelay/pkg/chains"
	"github.com/canopy-network/txrelay/pkg/db/postgres/relay"
	"github.com/canopy-network/txrelay/pkg/nonce"
	"github.com/canopy-network/txrelay/pkg/pipeline"
	"github.com/canopy-network/txrelay/pkg/redis"
	"github.com/canopy-network/txrelay/pkg/scheduler"
	"github.com/canopy-network/txrelay/pkg/selector"
	"go.uber.org/zap"
)

// Store is everything the relayer persists. Both the PostgreSQL and the in-memory
// stores implement it.
type Store interface {
	pipeline.Store
	selector.Store
	nonce.Store
	Health(ctx context.Context) error
}

type App struct {
	Store Store
	// RelayDB and LockDB are nil with the memory store.
	RelayDB *relay.DB
	LockDB  *relay.DB

	// Redis is optional. Without it events stay local to this instance.
	RedisClient *redis.Client
	Events      *redis.Events

	Policies  *chains.Registry
	Selector  *selector.Selector
	Health    *selector.HealthChecker
	Nonces    *nonce.Tracker
	Scheduler *scheduler.Scheduler
	Pipeline  *pipeline.Service
	Hub       *pipeline.Hub

	// ReconcileCron is the six-field spec of the stalled nonce sweep. Empty disables it.
	ReconcileCron string
	AdminToken    string

	// Zap Logger
	Logger *zap.Logger
	// Server handles the HTTP API.
	Server *http.Server
}

// StartWorkers starts the scheduler and the broadcast pipeline, and registers the
// periodic jobs.
func (a *App) StartWorkers(ctx context.Context) error {
	if err := a.Health.Register(a.Scheduler); err != nil {
		return err
	}
	if err := a.Scheduler.Every("selector:refresh", 15*time.Second, func(ctx context.Context) {
		if err := a.Selector.Refresh(ctx); err != nil && ctx.Err() == nil {
			a.Logger.Warn("Endpoint refresh failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	if a.ReconcileCron != "" {
		if err := a.Scheduler.Cron("nonce:reconcile", a.ReconcileCron, func(ctx context.Context) {
			reports, err := a.Nonces.ReconcileStalled(ctx)
			if err != nil {
				a.Logger.Warn("Stalled nonce sweep failed", zap.Error(err))
				return
			}
			if len(reports) > 0 {
				a.Logger.Info("Stalled nonce sweep finished", zap.Int("accounts", len(reports)))
			}
		}); err != nil {
			return err
		}
	}
	a.Scheduler.Start()
	return a.Pipeline.Start(ctx)
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (a *App) ListenAndServe() error {
	a.Logger.Info("Starting server", zap.String("addr", a.Server.Addr))
	if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, drains the pipeline and closes connections.
func (a *App) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			a.Logger.Error("Failed to shut down server", zap.Error(err))
		}
	}
	if err := a.Pipeline.Stop(ctx); err != nil {
		a.Logger.Error("Failed to stop pipeline", zap.Error(err))
	}
	if err := a.Scheduler.Stop(ctx); err != nil {
		a.Logger.Error("Failed to stop scheduler", zap.Error(err))
	}
	a.Health.Close()
	a.Selector.Close()

	if a.LockDB != nil {
		_ = a.LockDB.Close()
	}
	if a.RelayDB != nil {
		if err := a.RelayDB.Close(); err != nil {
			a.Logger.Error("Failed to close database connection", zap.Error(err))
		}
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Logger.Error("Failed to close redis connection", zap.Error(err))
		}
	}
	a.Logger.Info("さようなら!")
	_ = a.Logger.Sync()
}

// Ready reports whether the backing services answer.
func (a *App) Ready(ctx context.Context) error {
	if err := a.Store.Health(ctx); err != nil {
		return err
	}
	if a.RedisClient != nil {
		return a.RedisClient.Health(ctx)
	}
	return nil
}
