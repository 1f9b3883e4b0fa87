package main

import (
	"testing"
	"time"

	"github.com/bardlex/tunapool/internal/config"
	"github.com/bardlex/tunapool/internal/database"
	"github.com/bardlex/tunapool/internal/messaging"
	"github.com/bardlex/tunapool/pkg/log"
)

func TestNewSettler(t *testing.T) {
	cfg := &config.Config{
		ServiceName:              "test-settled",
		Version:                  "test",
		LogLevel:                 "error",
		LogFormat:                "json",
		KupoURL:                  "http://localhost:1442",
		RelayURL:                 "http://localhost:22123",
		RelayTimeout:             time.Minute,
		SubmissionUpdateInterval: time.Minute,
		DatumRejectAfter:         2 * time.Minute,
		ProofRetentionDatums:     10,
		PayoutUpdateInterval:     5 * time.Minute,
		PayoutMinWindow:          2 * time.Minute,
		PaymentUpdateInterval:    time.Minute,
		PaymentVerifyInterval:    5 * time.Second,
		PaymentResetAfter:        5 * time.Minute,
		TunaPerDatum:             5_000_000_000,
		PoolFixedFee:             25_000_000,
		PoolFindersFee:           20_000_000,
		KafkaBrokers:             []string{"localhost:9092"},
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	dbManager := &database.Manager{}

	settler := NewSettler(cfg, logger, dbManager, kafkaClient)

	if settler == nil {
		t.Fatal("NewSettler() returned nil")
	}
	if settler.cfg != cfg {
		t.Error("NewSettler() did not set config correctly")
	}
	if settler.logger == nil {
		t.Error("NewSettler() did not set logger correctly")
	}
	if settler.dbManager != dbManager || settler.kafkaClient != kafkaClient {
		t.Error("NewSettler() did not keep its clients")
	}
	if settler.reconciler == nil {
		t.Error("NewSettler() did not create the datum reconciler")
	}
	if settler.payouts == nil {
		t.Error("NewSettler() did not create the payout updater")
	}
	if settler.payments == nil {
		t.Error("NewSettler() did not create the payment manager")
	}
}
