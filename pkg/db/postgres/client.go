package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/txrelay/pkg/retry"
	"github.com/canopy-network/txrelay/pkg/utils"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Executor is satisfied by both *pgxpool.Pool and pgx.Tx.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Client wraps a pgx pool opened on one database.
type Client struct {
	Logger *zap.Logger
	Pool   *pgxpool.Pool
}

// PoolConfig sizes the pool of one component.
type PoolConfig struct {
	MinConns        int32
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	Component       string
}

// New connects to dbName on the server in POSTGRES_URL, retrying with backoff for up
// to five minutes. An empty dbName keeps the database named in the URL.
func New(ctx context.Context, logger *zap.Logger, dbName string, poolConfig *PoolConfig) (Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	config, err := pgxpool.ParseConfig(utils.Env("POSTGRES_URL", "postgres://localhost:5432/postgres"))
	if err != nil {
		return Client{}, fmt.Errorf("failed to parse POSTGRES_URL: %w", err)
	}
	if dbName != "" {
		config.ConnConfig.Database = dbName
	}
	if poolConfig == nil {
		poolConfig = GetPoolConfigForComponent("")
	}
	config.MinConns = poolConfig.MinConns
	config.MaxConns = poolConfig.MaxConns
	config.MaxConnLifetime = poolConfig.ConnMaxLifetime
	config.MaxConnIdleTime = poolConfig.ConnMaxIdleTime

	var pool *pgxpool.Pool
	err = retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "postgres_connection", func() error {
		p, err := pgxpool.NewWithConfig(connCtx, config)
		if err != nil {
			return fmt.Errorf("failed to create postgres connection pool: %w", err)
		}
		if err := p.Ping(connCtx); err != nil {
			p.Close()
			return fmt.Errorf("failed to ping postgres: %w", err)
		}
		pool = p
		return nil
	})
	if err != nil {
		return Client{}, err
	}

	logger.Info("PostgreSQL pool ready",
		zap.String("database", config.ConnConfig.Database),
		zap.String("component", poolConfig.Component),
		zap.Int32("min_conns", poolConfig.MinConns),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)
	return Client{Logger: logger, Pool: pool}, nil
}

// CreateDbIfNotExists creates dbName. The client must be connected to another database.
func (c *Client) CreateDbIfNotExists(ctx context.Context, dbName string) error {
	var exists bool
	if err := c.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`, dbName).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}
	if exists {
		return nil
	}
	// CREATE DATABASE takes no parameters.
	c.Logger.Info("Creating database", zap.String("database", dbName))
	if _, err := c.Pool.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{dbName}.Sanitize()); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	return nil
}

// Exec runs a statement that returns no rows.
func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.GetExecutor(ctx).Exec(ctx, query, args...)
	return err
}

// Query runs a query returning rows. The caller must close them.
func (c *Client) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return c.GetExecutor(ctx).Query(ctx, query, args...)
}

// BeginFunc runs fn in a transaction, committing when it returns nil.
func (c *Client) BeginFunc(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, c.Pool, fn)
}

func (c *Client) Close() {
	c.Pool.Close()
}

type ctxKey struct{}

// WithTx returns a context whose GetExecutor resolves to tx.
func (c *Client) WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, ctxKey{}, tx)
}

// GetExecutor returns the transaction carried by ctx, or the pool.
func (c *Client) GetExecutor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(ctxKey{}).(pgx.Tx); ok {
		return tx
	}
	return c.Pool
}

func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsUniqueViolation reports whether err is a unique constraint violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// GetPoolConfigForComponent returns the pool sizing of a relayer component.
func GetPoolConfigForComponent(component string) *PoolConfig {
	conf := &PoolConfig{
		MinConns:        2,
		MaxConns:        20,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		Component:       component,
	}
	switch component {
	case "relayer":
		conf.MinConns, conf.MaxConns = 4, 30
	case "nonce_lock":
		// Session advisory locks pin one connection per held key.
		conf.MaxConns = 50
	}
	return conf
}
