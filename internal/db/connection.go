package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type PoolOptions struct {
	MaxConns int32
	MinConns int32
	// ConnectTimeout bounds the whole connect-with-retry phase. Zero means a single attempt.
	ConnectTimeout time.Duration
}

// Connect opens the pool and pings it, retrying with exponential backoff until
// ConnectTimeout elapses. The returned error is classified as ErrStoreUnavailable.
func Connect(ctx context.Context, dsn string, opts PoolOptions, log *zap.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 && opts.MinConns <= cfg.MaxConns {
		cfg.MinConns = opts.MinConns
	}
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.MaxConnLifetime = 5 * time.Minute

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = opts.ConnectTimeout
	var policy backoff.BackOff = bo
	if opts.ConnectTimeout <= 0 {
		policy = &backoff.StopBackOff{}
	}

	var pool *pgxpool.Pool
	attempt := 0
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		p, err := pgxpool.NewWithConfig(attemptCtx, cfg)
		if err != nil {
			return fmt.Errorf("create pool: %w", err)
		}
		if err := p.Ping(attemptCtx); err != nil {
			p.Close()
			return fmt.Errorf("ping: %w", err)
		}
		pool = p
		return nil
	}
	notify := func(err error, delay time.Duration) {
		log.Warn("database not reachable, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, Classify("connect", err)
	}
	return pool, nil
}

func TestConnection(ctx context.Context, p *pgxpool.Pool, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var now time.Time
	err := p.QueryRow(ctx, "SELECT NOW()").Scan(&now)
	if err != nil {
		return Classify("test query", err)
	}
	log.Info("database connection successful", zap.Time("server_time", now))
	return nil
}
