// Package database provides unified database management for the pool.
// It coordinates operations across PostgreSQL, Redis, and InfluxDB.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/tunapool/internal/database/influx"
	"github.com/bardlex/tunapool/internal/database/postgres"
	"github.com/bardlex/tunapool/internal/database/redis"
	"github.com/bardlex/tunapool/internal/validation"
	"github.com/bardlex/tunapool/pkg/circuit"
	"github.com/bardlex/tunapool/pkg/errors"
	"github.com/bardlex/tunapool/pkg/log"
	"github.com/bardlex/tunapool/pkg/retry"
)

type shareStore interface {
	InsertShares(ctx context.Context, shares []postgres.Share) ([]postgres.Share, error)
}

type seriesWriter interface {
	WriteShareBatch(minerID, blockNumber int64, submitted, accepted int, at time.Time)
	WriteWinningShare(minerID, blockNumber int64, leadingZeroes int, difficultyNumber int64, at time.Time)
}

type shareCounters interface {
	IncrementMinerShares(ctx context.Context, minerID int64, accepted int, at time.Time) (int64, error)
}

type hashrateCache interface {
	CachedHashrate(ctx context.Context, key string) (float64, error)
	CacheHashrate(ctx context.Context, key string, hashrate float64, ttl time.Duration) error
}

// Manager coordinates all database operations across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories
	Miners  *postgres.MinerRepository
	Shares  *postgres.ShareRepository
	Datums  *postgres.DatumRepository
	Payouts *postgres.PayoutRepository

	shares   shareStore
	series   seriesWriter
	counters shareCounters
	cache    hashrateCache

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger
}

// Config holds configuration for all database systems
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager creates a new database manager with all connections
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database")
		if closeErr := pgClient.Close(); closeErr != nil {
			return nil, origErr.WithContext("postgres_cleanup_error", closeErr.Error())
		}
		return nil, origErr
	}

	influxClient, err := influx.NewClient(cfg.Influx)
	if err != nil {
		var closeErrs []error
		if closeErr := pgClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}
		if closeErr := redisClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}

		origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB database")
		if len(closeErrs) > 0 {
			return nil, origErr.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
		}
		return nil, origErr
	}

	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	shares := postgres.NewShareRepository(pgClient.DB())

	return &Manager{
		Postgres:       pgClient,
		Redis:          redisClient,
		Influx:         influxClient,
		Miners:         postgres.NewMinerRepository(pgClient.DB()),
		Shares:         shares,
		Datums:         postgres.NewDatumRepository(pgClient.DB()),
		Payouts:        postgres.NewPayoutRepository(pgClient.DB()),
		shares:         shares,
		series:         influxClient,
		counters:       redisClient,
		cache:          redisClient,
		circuitBreaker: circuit.New("postgres", cbConfig),
		retryConfig:    retry.DatabaseConfig(),
		logger:         logger.WithComponent("database"),
	}, nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}

	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	m.Influx.Close()

	return errors.Join(errs...)
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	if err := m.Influx.Health(ctx); err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}

	return nil
}

// Migrate applies the PostgreSQL schema.
func (m *Manager) Migrate(ctx context.Context) error {
	if err := m.Postgres.Migrate(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "migrate", "failed to apply schema")
	}
	return nil
}

// High-level operations that coordinate across multiple databases

// InsertShares stores one miner's submission batch in PostgreSQL and returns the rows that were
// new. The batch outcome is then recorded in InfluxDB and the miner's Redis share counter; those
// writes are best effort and never fail the batch.
func (m *Manager) InsertShares(ctx context.Context, shares []postgres.Share) ([]postgres.Share, error) {
	if len(shares) == 0 {
		return nil, nil
	}
	first := shares[0]

	stored, err := circuit.ExecuteWithResult(ctx, m.circuitBreaker, func(ctx context.Context) ([]postgres.Share, error) {
		return retry.DoWithResult(ctx, m.retryConfig, func(ctx context.Context) ([]postgres.Share, error) {
			stored, err := m.shares.InsertShares(ctx, shares)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "record_shares",
					"failed to store shares in PostgreSQL").
					WithContext("miner_id", first.MinerID).
					WithContext("block_number", first.BlockNumber).
					WithContext("shares", len(shares))
			}
			return stored, nil
		})
	})
	if err != nil {
		return nil, err
	}

	m.series.WriteShareBatch(first.MinerID, first.BlockNumber, len(shares), len(stored), first.CreatedAt)

	if len(stored) > 0 {
		if _, err := m.counters.IncrementMinerShares(ctx, first.MinerID, len(stored), first.CreatedAt); err != nil {
			m.logger.WithError(err).Warn("failed to update share counter (non-critical)", "miner_id", first.MinerID)
		}
	}

	return stored, nil
}

// CachedHashrate returns the estimate cached under key, computing and caching it for ttl on a
// miss. A Redis failure falls back to computing the value.
func (m *Manager) CachedHashrate(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (float64, error)) (float64, error) {
	if v, err := m.cache.CachedHashrate(ctx, key); err == nil {
		return v, nil
	} else if !errors.Is(err, redis.ErrCacheMiss) {
		m.logger.WithError(err).Warn("hashrate cache unavailable", "key", key)
	}

	v, err := compute(ctx)
	if err != nil {
		return 0, err
	}
	if err := m.cache.CacheHashrate(ctx, key, v, ttl); err != nil {
		m.logger.WithError(err).Warn("failed to cache hashrate (non-critical)", "key", key)
	}
	return v, nil
}

// RecordWinners wraps next so every winning share is also written to InfluxDB before it is
// handed on.
func (m *Manager) RecordWinners(next validation.WinnerHandler) validation.WinnerHandler {
	return winnerRecorder{series: m.series, next: next}
}

type winnerRecorder struct {
	series seriesWriter
	next   validation.WinnerHandler
}

func (r winnerRecorder) SubmitWinner(ctx context.Context, w validation.Winner) error {
	r.series.WriteWinningShare(w.Miner.ID, w.Block.BlockNumber,
		w.Difficulty.LeadingZeroes, w.Difficulty.DifficultyNumber, w.Share.CreatedAt)
	if r.next == nil {
		return nil
	}
	return r.next.SubmitWinner(ctx, w)
}

// StartPeriodicTasks starts background tasks for database maintenance
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	// Flush InfluxDB writes every 10 seconds
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()

	// Asynchronous write failures must be drained or the write API blocks
	go func() {
		errs := m.Influx.Errors()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					return
				}
				m.logger.WithError(err).Warn("InfluxDB write failed")
			}
		}
	}()
}
