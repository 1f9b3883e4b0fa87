// Package main implements poolapi, the miner-facing service of the TUNA mining pool.
// It follows the puzzle state, hands out work, validates submitted proofs and relays
// winning shares.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/tunapool/internal/api"
	"github.com/bardlex/tunapool/internal/chain"
	"github.com/bardlex/tunapool/internal/config"
	"github.com/bardlex/tunapool/internal/database"
	"github.com/bardlex/tunapool/internal/database/influx"
	"github.com/bardlex/tunapool/internal/database/postgres"
	"github.com/bardlex/tunapool/internal/database/redis"
	"github.com/bardlex/tunapool/internal/indexer"
	"github.com/bardlex/tunapool/internal/messaging"
	"github.com/bardlex/tunapool/internal/metrics"
	"github.com/bardlex/tunapool/internal/ratelimit"
	"github.com/bardlex/tunapool/internal/relay"
	"github.com/bardlex/tunapool/internal/settlement"
	"github.com/bardlex/tunapool/internal/validation"
	"github.com/bardlex/tunapool/internal/work"
	"github.com/bardlex/tunapool/pkg/log"
)

const indexerTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting poolapi",
		"version", cfg.Version,
		"network", cfg.Network,
		"http_addr", cfg.HTTPAddr,
		"pool_id", cfg.PoolID,
	)

	dbManager, err := database.NewManager(databaseConfig(cfg), logger)
	if err != nil {
		logger.WithError(err).Error("failed to create database manager")
		os.Exit(1)
	}

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = dbManager.Migrate(migrateCtx)
	migrateCancel()
	if err != nil {
		logger.WithError(err).Error("failed to migrate database")
		os.Exit(1)
	}

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)

	pool := NewPoolAPI(cfg, logger, dbManager, kafkaClient)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := pool.Start(ctx); err != nil {
			logger.WithError(err).Error("poolapi failed")
			cancel()
		}
	}()

	// Wait for a shutdown signal or a failed start
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("poolapi stopped")
}

func databaseConfig(cfg *config.Config) *database.Config {
	return &database.Config{
		Postgres: postgres.DefaultConfig(cfg.PostgresURL),
		Redis: &redis.Config{
			URL:          cfg.RedisURL,
			PoolSize:     20,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
	}
}

// PoolAPI wires the chain follower, the proof pipeline and the HTTP server.
type PoolAPI struct {
	cfg         *config.Config
	logger      *log.Logger
	dbManager   *database.Manager
	kafkaClient *messaging.KafkaClient

	blocks    *chain.BlockCache
	updater   *chain.Updater
	issuer    *work.Issuer
	validator *validation.ProofValidator
	submitter *settlement.Submitter
	server    *api.Server

	wg sync.WaitGroup
}

// NewPoolAPI builds every component from cfg. Nothing is started.
func NewPoolAPI(cfg *config.Config, logger *log.Logger, dbManager *database.Manager, kafkaClient *messaging.KafkaClient) *PoolAPI {
	blocks := chain.NewBlockCache(cfg.BlockHistorySize)
	updater := chain.NewUpdater(blocks, indexer.NewClient(cfg.KupoURL, indexerTimeout), chain.UpdaterConfig{
		ContractAddress: cfg.ContractAddress,
		ContractAsset:   cfg.ContractAsset,
		Interval:        cfg.DatumUpdateInterval,
		Mirror:          dbManager.Redis,
		OnBlock: func(b chain.Block) {
			metrics.BlockNumber.Set(float64(b.BlockNumber))
		},
	}, logger)

	poolID := uint8(cfg.PoolID)
	issuer := work.NewIssuer(blocks, poolID, cfg.SamplingDifficulty)

	calc := settlement.NewCalculator(dbManager.Shares, dbManager.Datums)
	submitter := settlement.NewSubmitter(
		calc,
		relay.NewClient(cfg.RelayURL, cfg.RelayTimeout),
		dbManager.Datums,
		settlement.Rewards{
			PerDatum:   cfg.TunaPerDatum,
			PoolFee:    cfg.PoolFixedFee,
			FindersFee: cfg.PoolFindersFee,
		},
		settlement.Sinks{Publisher: kafkaClient, Recorder: dbManager.Influx},
		logger,
	)

	validator := validation.NewProofValidator(
		blocks,
		dbManager,
		dbManager.RecordWinners(submitter),
		validation.Config{
			PoolID:           poolID,
			MinWinningZeroes: cfg.NetworkMinWinningZeroes,
			WinnerTimeout:    cfg.WinnerTimeout(),
		},
		logger,
	)

	server := api.NewServer(api.Config{
		Addr:         cfg.HTTPAddr,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxEntries:   cfg.MaxEntries,
		Whitelist:    cfg.MinerWhitelist,
	}, api.Deps{
		Blocks:    blocks,
		Miners:    dbManager.Miners,
		Issuer:    issuer,
		Validator: validator,
		Limiter:   ratelimit.New(cfg.MaxSubmitPerMin),
		Shares:    dbManager.Shares,
		Hashrates: dbManager,
		Counters:  dbManager.Redis,
		Mirror:    dbManager.Redis,
		Checks: map[string]api.HealthCheck{
			"postgres": func(ctx context.Context) error { return dbManager.Postgres.Health(ctx) },
			"redis":    func(ctx context.Context) error { return dbManager.Redis.Health(ctx) },
			"influx":   func(ctx context.Context) error { return dbManager.Influx.Health(ctx) },
		},
	}, logger)

	return &PoolAPI{
		cfg:         cfg,
		logger:      logger.WithComponent("poolapi"),
		dbManager:   dbManager,
		kafkaClient: kafkaClient,
		blocks:      blocks,
		updater:     updater,
		issuer:      issuer,
		validator:   validator,
		submitter:   submitter,
		server:      server,
	}
}

// Start follows the chain in the background and serves HTTP until Shutdown.
func (p *PoolAPI) Start(ctx context.Context) error {
	p.logger.Info("poolapi starting")

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.dbManager.StartPeriodicTasks(ctx)
	}()
	go func() {
		defer p.wg.Done()
		p.updater.Run(ctx)
	}()

	return p.server.Start()
}

// Shutdown stops the HTTP server, waits for the background loops and closes every client.
// The context passed to Start must already be cancelled.
func (p *PoolAPI) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down poolapi")

	var errs []error
	if err := p.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("background tasks: %w", ctx.Err()))
	}

	if err := p.kafkaClient.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kafka: %w", err))
	}
	if err := p.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("databases: %w", err))
	}
	return errors.Join(errs...)
}
