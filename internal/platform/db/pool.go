package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool connects to databaseURL. A non-empty schema becomes the search_path
// of every pooled connection.
func NewPool(ctx context.Context, databaseURL, schema string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(databaseURL, schema, maxConns, minConns)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

func poolConfig(databaseURL, schema string, maxConns, minConns int32) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.HealthCheckPeriod = 30 * time.Second
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	return cfg, nil
}
