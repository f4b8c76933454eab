package notifications

import (
	"context"
	"fmt"
	"time"

	pgxzero "github.com/jackc/pgx-zerolog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/rs/zerolog"

	"github.com/justinndidit/notify-pipeline/internal/config"
	"github.com/justinndidit/notify-pipeline/internal/logging"
)

// pingTimeout bounds the initial connectivity check at pool open.
const pingTimeout = 10 * time.Second

// OpenPool dials a connection pool for cfg, wiring pgx's query tracer
// through the shared zerolog sink so slow or failing queries show up in
// the same structured log stream as everything else.
func OpenPool(ctx context.Context, cfg config.Database, logger zerolog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	poolConfig.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   pgxzero.NewLogger(logging.NewPgxLogger()),
		LogLevel: tracelog.LogLevelWarn,
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info().Msg("connected to notification database")
	return pool, nil
}
