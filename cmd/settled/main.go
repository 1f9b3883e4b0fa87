// Package main implements settled, the settlement daemon of the TUNA mining pool.
// It confirms datum submissions, splits confirmed rewards into payouts and sends payments.
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

	"github.com/bardlex/tunapool/internal/config"
	"github.com/bardlex/tunapool/internal/database"
	"github.com/bardlex/tunapool/internal/database/influx"
	"github.com/bardlex/tunapool/internal/database/postgres"
	"github.com/bardlex/tunapool/internal/database/redis"
	"github.com/bardlex/tunapool/internal/indexer"
	"github.com/bardlex/tunapool/internal/messaging"
	"github.com/bardlex/tunapool/internal/relay"
	"github.com/bardlex/tunapool/internal/settlement"
	"github.com/bardlex/tunapool/pkg/log"
)

const (
	indexerTimeout = 30 * time.Second
	consumerGroup  = "settled"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting settled",
		"version", cfg.Version,
		"network", cfg.Network,
		"payout_interval", cfg.PayoutUpdateInterval.String(),
	)

	dbManager, err := database.NewManager(&database.Config{
		Postgres: postgres.DefaultConfig(cfg.PostgresURL),
		Redis:    &redis.Config{URL: cfg.RedisURL, PoolSize: 5},
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
	}, logger)
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

	settler := NewSettler(cfg, logger, dbManager, kafkaClient)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go settler.Start(ctx)

	<-sigChan
	logger.Info("shutdown signal received")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := settler.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("settled stopped")
}

// Settler runs the settlement loops side by side. They share nothing but the store.
type Settler struct {
	cfg         *config.Config
	logger      *log.Logger
	dbManager   *database.Manager
	kafkaClient *messaging.KafkaClient

	reconciler *settlement.DatumReconciler
	payouts    *settlement.PayoutUpdater
	payments   *settlement.PaymentManager

	wg sync.WaitGroup
}

// NewSettler builds the settlement loops from cfg. Nothing is started.
func NewSettler(cfg *config.Config, logger *log.Logger, dbManager *database.Manager, kafkaClient *messaging.KafkaClient) *Settler {
	lookup := indexer.NewClient(cfg.KupoURL, indexerTimeout)
	relayClient := relay.NewClient(cfg.RelayURL, cfg.RelayTimeout)
	sinks := settlement.Sinks{Publisher: kafkaClient, Recorder: dbManager.Influx}
	calc := settlement.NewCalculator(dbManager.Shares, dbManager.Datums)

	reconciler := settlement.NewDatumReconciler(dbManager.Datums, dbManager.Shares, lookup, calc,
		settlement.ReconcilerConfig{
			Interval:        cfg.SubmissionUpdateInterval,
			RejectAfter:     cfg.DatumRejectAfter,
			RetentionDatums: cfg.ProofRetentionDatums,
		}, sinks, logger)

	payouts := settlement.NewPayoutUpdater(dbManager.Datums, dbManager.Payouts, calc,
		settlement.PayoutUpdaterConfig{
			Interval:  cfg.PayoutUpdateInterval,
			MinWindow: cfg.PayoutMinWindow,
			Rewards: settlement.Rewards{
				PerDatum:   cfg.TunaPerDatum,
				PoolFee:    cfg.PoolFixedFee,
				FindersFee: cfg.PoolFindersFee,
			},
		}, sinks, logger)

	payments := settlement.NewPaymentManager(dbManager.Payouts, relayClient, lookup,
		settlement.PaymentConfig{
			CreateInterval: cfg.PaymentUpdateInterval,
			VerifyInterval: cfg.PaymentVerifyInterval,
			ResetAfter:     cfg.PaymentResetAfter,
		}, sinks, logger)

	return &Settler{
		cfg:         cfg,
		logger:      logger.WithComponent("settled"),
		dbManager:   dbManager,
		kafkaClient: kafkaClient,
		reconciler:  reconciler,
		payouts:     payouts,
		payments:    payments,
	}
}

// Start launches every loop and returns once they have all stopped.
func (s *Settler) Start(ctx context.Context) {
	s.logger.Info("settler starting")

	loops := []func(context.Context){
		s.dbManager.StartPeriodicTasks,
		s.reconciler.Run,
		s.payouts.Run,
		s.payments.RunCreator,
		s.payments.RunVerifier,
		s.consumeDatums,
	}
	s.wg.Add(len(loops))
	for _, loop := range loops {
		go func() {
			defer s.wg.Done()
			loop(ctx)
		}()
	}
	s.wg.Wait()
}

// consumeDatums wakes the reconciler whenever poolapi announces a new datum submission.
func (s *Settler) consumeDatums(ctx context.Context) {
	err := s.kafkaClient.Consume(ctx, messaging.TopicDatums, consumerGroup, s.reconciler.HandleEvent)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WithError(err).Error("datum consumer stopped")
	}
}

// Shutdown waits for the loops started by Start and closes every client. The context passed
// to Start must already be cancelled.
func (s *Settler) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down settler")

	var errs []error
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("settlement loops: %w", ctx.Err()))
	}

	if err := s.kafkaClient.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kafka: %w", err))
	}
	if err := s.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("databases: %w", err))
	}
	return errors.Join(errs...)
}
