package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/byteengine/taskgraph/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const defaultPingTimeout = 5 * time.Second

// DB is the trace database: a small pgx pool that only the flusher and the
// trace CLI use.
type DB struct {
	Pool *pgxpool.Pool
	log  *zap.Logger
}

// poolConfig builds the pool settings from [trace]. Connecting and pinging
// share one timeout so a missing database fails startup quickly.
func poolConfig(cfg config.TraceConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = min(int32(cfg.MaxIdleConns), poolCfg.MaxConns)
	}
	if cfg.PingTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.PingTimeout
	}
	if cfg.AppName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.AppName
	}
	return poolCfg, nil
}

func NewDB(ctx context.Context, cfg config.TraceConfig, log *zap.Logger) (*DB, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to trace db: %w", err)
	}

	timeout := poolCfg.ConnConfig.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping trace db %s/%s: %w", poolCfg.ConnConfig.Host, poolCfg.ConnConfig.Database, err)
	}

	log.Info("trace database connected",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.String("database", poolCfg.ConnConfig.Database),
		zap.Int32("max_conns", poolCfg.MaxConns))
	return &DB{Pool: pool, log: log}, nil
}

func (db *DB) Close() {
	stat := db.Pool.Stat()
	db.log.Debug("trace database closing", zap.Int64("acquires", stat.AcquireCount()))
	db.Pool.Close()
}
