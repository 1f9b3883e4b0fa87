// Package settlement turns accepted shares into on-chain rounds and miner payments.
//
// A Submitter relays winning shares and records the resulting datum submission. The
// DatumReconciler confirms or rejects those submissions against the indexer and prunes old
// shares. The PayoutUpdater splits each confirmed datum's reward across miners in proportion to
// their windowed hashrate, and the PaymentManager sends owed amounts through the relay and
// tracks each payment until it lands on chain or times out.
//
// Every loop coordinates only through the store: a failed step is logged and retried on the
// next tick.
package settlement

import (
	"context"
	"time"

	"github.com/bardlex/tunapool/internal/database/postgres"
	"github.com/bardlex/tunapool/internal/indexer"
	"github.com/bardlex/tunapool/internal/messaging"
	"github.com/bardlex/tunapool/internal/relay"
	"github.com/bardlex/tunapool/pkg/log"
)

// ShareCounter reads share aggregates for payout windows.
type ShareCounter interface {
	CountByMiner(ctx context.Context, start, end time.Time) ([]postgres.MinerShareCount, error)
	OldestCreatedAt(ctx context.Context) (*time.Time, error)
}

// SharePruner deletes old shares.
type SharePruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DatumStore persists datum submissions and their state.
type DatumStore interface {
	Create(ctx context.Context, d *postgres.DatumSubmission) error
	Pending(ctx context.Context) ([]postgres.DatumSubmission, error)
	ConfirmedUnpaid(ctx context.Context) ([]postgres.DatumSubmission, error)
	NewestPaid(ctx context.Context) (*postgres.DatumSubmission, error)
	OldestUnpaid(ctx context.Context) (*postgres.DatumSubmission, error)
	NthNewestConfirmedAt(ctx context.Context, n int) (*time.Time, error)
	Confirm(ctx context.Context, txHash string, slot int64, at time.Time) error
	Reject(ctx context.Context, txHash string) error
}

// PayoutStore persists payout rows and payment batches.
type PayoutStore interface {
	CreateForDatums(ctx context.Context, datumHashes []string, payouts []postgres.Payout, paidAt time.Time) error
	Due(ctx context.Context) ([]postgres.Payout, error)
	HasTentative(ctx context.Context) (bool, error)
	MarkTentative(ctx context.Context, ids []int64, txHash string, at time.Time) error
	TentativeBatches(ctx context.Context) ([]postgres.PaymentBatch, error)
	MarkPaid(ctx context.Context, txHash string) (int64, error)
	Reset(ctx context.Context, txHash string) (int64, error)
}

// TransactionLookup finds the outputs of a transaction. No outputs means the transaction is
// not on chain (yet).
type TransactionLookup interface {
	TransactionOutputs(ctx context.Context, txHash string) ([]indexer.Match, error)
}

// DatumRelay submits winning shares.
type DatumRelay interface {
	SubmitDatum(ctx context.Context, req relay.SubmitRequest) (string, error)
}

// PaymentRelay submits payment batches.
type PaymentRelay interface {
	SubmitPayment(ctx context.Context, req relay.PaymentRequest) (string, error)
}

// EventPublisher announces state transitions.
type EventPublisher interface {
	Publish(ctx context.Context, e messaging.Event) error
}

// Recorder writes settlement time series.
type Recorder interface {
	WriteDatumTransition(txHash, state string, blockNumber int64, at time.Time)
	WritePaymentTransition(txHash, state string, rows int, amount int64, at time.Time)
	WritePoolHashrate(hashrate float64, miners int, at time.Time)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, messaging.Event) error { return nil }

type nopRecorder struct{}

func (nopRecorder) WriteDatumTransition(string, string, int64, time.Time)        {}
func (nopRecorder) WritePaymentTransition(string, string, int, int64, time.Time) {}
func (nopRecorder) WritePoolHashrate(float64, int, time.Time)                    {}

// Sinks carries the optional observers shared by every settlement component.
type Sinks struct {
	Publisher EventPublisher
	Recorder  Recorder
}

func (s Sinks) withDefaults() Sinks {
	if s.Publisher == nil {
		s.Publisher = nopPublisher{}
	}
	if s.Recorder == nil {
		s.Recorder = nopRecorder{}
	}
	return s
}

func (s Sinks) publish(ctx context.Context, logger *log.Logger, e messaging.Event) {
	if err := s.Publisher.Publish(ctx, e); err != nil {
		logger.WithError(err).Warn("failed to publish event", "type", e.Type, "tx", e.TransactionHash)
	}
}

// runEvery calls fn immediately and then on every tick until ctx is done. A wake signal runs
// fn early without resetting the schedule.
func runEvery(ctx context.Context, interval time.Duration, wake <-chan struct{}, fn func(context.Context)) {
	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		case <-wake:
			fn(ctx)
		}
	}
}
