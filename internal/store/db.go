package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PoolConfig tunes the database/sql connection pool. Zero values fall back
// to the defaults below.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func Open(ctx context.Context, databaseURL string, pools ...PoolConfig) (*sql.DB, error) {
	pool := PoolConfig{MaxOpenConns: 20, MaxIdleConns: 10, ConnMaxLifetime: 30 * time.Minute}
	if len(pools) > 0 {
		if pools[0].MaxOpenConns > 0 {
			pool.MaxOpenConns = pools[0].MaxOpenConns
		}
		if pools[0].MaxIdleConns > 0 {
			pool.MaxIdleConns = pools[0].MaxIdleConns
		}
		if pools[0].ConnMaxLifetime > 0 {
			pool.ConnMaxLifetime = pools[0].ConnMaxLifetime
		}
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetMaxOpenConns(pool.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
