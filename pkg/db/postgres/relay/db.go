// Package relay is the PostgreSQL store of the relayer: endpoint health, nonce
// reservations and the durable transaction queue.
package relay

import (
	"context"
	"fmt"

	"github.com/canopy-network/txrelay/pkg/db/postgres"
	"go.uber.org/zap"
)

// DB represents the relayer database.
type DB struct {
	postgres.Client
	Name string
}

// New creates the database if needed, connects to it and ensures every table exists.
func New(ctx context.Context, logger *zap.Logger, name string, poolConfig postgres.PoolConfig) (*DB, error) {
	logger = logger.With(zap.String("db", name), zap.String("component", poolConfig.Component))

	bootstrap, err := postgres.New(ctx, logger, "", &poolConfig)
	if err != nil {
		return nil, err
	}
	err = bootstrap.CreateDbIfNotExists(ctx, name)
	bootstrap.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to create database %s: %w", name, err)
	}

	client, err := postgres.New(ctx, logger, name, &poolConfig)
	if err != nil {
		return nil, err
	}

	db := &DB{Client: client, Name: name}
	if err := db.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return db, nil
}

// Connect opens another pool on an existing relay database without touching its schema.
func Connect(ctx context.Context, logger *zap.Logger, name string, poolConfig postgres.PoolConfig) (*DB, error) {
	logger = logger.With(zap.String("db", name), zap.String("component", poolConfig.Component))
	client, err := postgres.New(ctx, logger, name, &poolConfig)
	if err != nil {
		return nil, err
	}
	return &DB{Client: client, Name: name}, nil
}

// Close terminates the underlying PostgreSQL connection
func (db *DB) Close() error {
	db.Pool.Close()
	return nil
}

// Health pings the pool.
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// InitializeDB ensures the required tables exist
func (db *DB) InitializeDB(ctx context.Context) error {
	db.Logger.Info("Initializing relayer database", zap.String("database", db.Name))

	db.Logger.Debug("Initialize rpc_endpoints table", zap.String("database", db.Name))
	if err := db.initRPCEndpoints(ctx); err != nil {
		return fmt.Errorf("init rpc_endpoints: %w", err)
	}

	db.Logger.Debug("Initialize nonce_tracking table", zap.String("database", db.Name))
	if err := db.initNonceTracking(ctx); err != nil {
		return fmt.Errorf("init nonce_tracking: %w", err)
	}

	db.Logger.Debug("Initialize transactions table", zap.String("database", db.Name))
	if err := db.initTransactions(ctx); err != nil {
		return fmt.Errorf("init transactions: %w", err)
	}

	return nil
}
