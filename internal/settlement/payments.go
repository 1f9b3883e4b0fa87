package settlement

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bardlex/tunapool/internal/database/postgres"
	"github.com/bardlex/tunapool/internal/messaging"
	"github.com/bardlex/tunapool/internal/metrics"
	"github.com/bardlex/tunapool/internal/relay"
	"github.com/bardlex/tunapool/pkg/errors"
	"github.com/bardlex/tunapool/pkg/log"
	"github.com/bardlex/tunapool/pkg/retry"
)

// PaymentConfig holds PaymentManager parameters.
type PaymentConfig struct {
	CreateInterval time.Duration
	VerifyInterval time.Duration
	// ResetAfter is how long a payment may stay unseen by the indexer before its rows are DUE again.
	ResetAfter time.Duration
}

// PaymentManager sends owed payouts through the relay and follows each payment batch until it
// is on chain. At most one batch is in flight at any time.
type PaymentManager struct {
	payouts     PayoutStore
	relay       PaymentRelay
	lookup      TransactionLookup
	config      PaymentConfig
	sinks       Sinks
	retryConfig *retry.Config
	logger      *log.Logger
	now         func() time.Time

	// unrecorded is a batch the relay accepted but the store has not marked TENTATIVE yet.
	// No new batch is sent while it is set.
	mu         sync.Mutex
	unrecorded *sentBatch
}

type sentBatch struct {
	txHash   string
	ids      []int64
	total    int64
	payments map[string]int64
	sentAt   time.Time
}

// NewPaymentManager creates a PaymentManager.
func NewPaymentManager(payouts PayoutStore, r PaymentRelay, lookup TransactionLookup, cfg PaymentConfig, sinks Sinks, logger *log.Logger) *PaymentManager {
	if cfg.CreateInterval <= 0 {
		cfg.CreateInterval = time.Minute
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = 5 * time.Second
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = 5 * time.Minute
	}
	return &PaymentManager{
		payouts:     payouts,
		relay:       r,
		lookup:      lookup,
		config:      cfg,
		sinks:       sinks.withDefaults(),
		retryConfig: retry.DatabaseConfig(),
		logger:      logger.WithComponent("payment_manager"),
		now:         time.Now,
	}
}

// RunCreator creates payment batches on every interval until ctx is done.
func (m *PaymentManager) RunCreator(ctx context.Context) {
	m.logger.Info("payment creator started", "interval", m.config.CreateInterval.String())
	runEvery(ctx, m.config.CreateInterval, nil, func(ctx context.Context) {
		if _, err := m.CreatePayment(ctx); err != nil {
			m.logger.WithError(err).Error("payment creation failed")
		}
	})
}

// RunVerifier verifies in-flight payments on every interval until ctx is done.
func (m *PaymentManager) RunVerifier(ctx context.Context) {
	m.logger.Info("payment verifier started", "interval", m.config.VerifyInterval.String())
	runEvery(ctx, m.config.VerifyInterval, nil, func(ctx context.Context) {
		if err := m.Verify(ctx); err != nil {
			m.logger.WithError(err).Error("payment verification failed")
		}
	})
}

// CreatePayment sends every DUE row as one payment batch, grouped by address, and marks the
// rows TENTATIVE under the relay's transaction hash. Nothing is sent while another batch is
// TENTATIVE. It returns the transaction hash, or "" when no batch was sent.
//
// A batch the relay accepted but the store failed to record is kept in memory and recorded on
// the next call before anything else is sent.
func (m *PaymentManager) CreatePayment(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unrecorded != nil {
		b := m.unrecorded
		m.logger.Warn("recording previously sent payment", "payment_tx", b.txHash)
		if err := m.record(ctx, b); err != nil {
			return "", err
		}
		return b.txHash, nil
	}

	inFlight, err := m.payouts.HasTentative(ctx)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeDatabase, "create_payment", "failed to check in-flight payments")
	}
	if inFlight {
		m.logger.Info("not creating payment, previous payment not yet verified")
		return "", nil
	}

	due, err := m.payouts.Due(ctx)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeDatabase, "create_payment", "failed to load due payouts")
	}
	if len(due) == 0 {
		m.logger.Debug("no payouts are due")
		return "", nil
	}

	req := relay.PaymentRequest{Payments: make(map[string]int64)}
	ids := make([]int64, 0, len(due))
	var total int64
	for _, p := range due {
		req.Payments[p.Address] += p.Amount
		ids = append(ids, p.ID)
		total += p.Amount
		if !slices.Contains(req.DatumTransactionHashes, p.DatumTransactionHash) {
			req.DatumTransactionHashes = append(req.DatumTransactionHashes, p.DatumTransactionHash)
		}
	}

	txHash, err := m.relay.SubmitPayment(ctx, req)
	if err != nil {
		metrics.PaymentBatches.WithLabelValues("failed").Inc()
		return "", errors.Wrap(err, errors.ErrorTypeRelay, "create_payment", "relay did not accept payment").
			WithContext("rows", len(ids)).
			WithContext("amount", total)
	}

	b := &sentBatch{txHash: txHash, ids: ids, total: total, payments: req.Payments, sentAt: m.now().UTC()}
	if err := m.record(ctx, b); err != nil {
		m.unrecorded = b
		return "", err
	}
	return txHash, nil
}

// record marks the rows of a sent batch TENTATIVE, retrying transient store failures.
func (m *PaymentManager) record(ctx context.Context, b *sentBatch) error {
	err := retry.Do(ctx, m.retryConfig, func(ctx context.Context) error {
		return m.payouts.MarkTentative(ctx, b.ids, b.txHash, b.sentAt)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "create_payment", "failed to record payment transaction").
			WithContext("tx_hash", b.txHash).
			WithContext("rows", len(b.ids))
	}
	m.unrecorded = nil
	m.transition(ctx, b.txHash, postgres.PayoutDue, postgres.PayoutTentative, messaging.EventPaymentSent, len(b.ids), b.total, b.payments, b.sentAt)
	return nil
}

// Verify checks every TENTATIVE batch against the indexer. A batch found on chain becomes
// PAID; one still missing after ResetAfter returns to DUE. Lookup failures leave the batch
// untouched until the next pass.
func (m *PaymentManager) Verify(ctx context.Context) error {
	batches, err := m.payouts.TentativeBatches(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "verify_payments", "failed to load tentative payments")
	}

	for _, b := range batches {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger := m.logger.WithFields("payment_tx", b.TransactionHash)

		outputs, err := m.lookup.TransactionOutputs(ctx, b.TransactionHash)
		if err != nil {
			logger.WithError(err).Warn("failed to look up payment transaction")
			continue
		}

		now := m.now().UTC()
		switch {
		case len(outputs) > 0:
			n, err := m.payouts.MarkPaid(ctx, b.TransactionHash)
			if err != nil {
				logger.WithError(err).Error("failed to mark payment paid")
				continue
			}
			m.transition(ctx, b.TransactionHash, postgres.PayoutTentative, postgres.PayoutPaid, messaging.EventPaymentPaid, int(n), 0, nil, now)

		case now.Sub(b.TransactionTime) > m.config.ResetAfter:
			n, err := m.payouts.Reset(ctx, b.TransactionHash)
			if err != nil {
				logger.WithError(err).Error("failed to reset payment")
				continue
			}
			m.transition(ctx, b.TransactionHash, postgres.PayoutTentative, postgres.PayoutDue, messaging.EventPaymentReset, int(n), 0, nil, now)
		}
	}
	return nil
}

func (m *PaymentManager) transition(ctx context.Context, txHash, from, to string, event messaging.EventType, rows int, amount int64, payments map[string]int64, now time.Time) {
	m.logger.LogPaymentTransition(txHash, from, to, rows)
	metrics.PaymentBatches.WithLabelValues(to).Inc()
	m.sinks.Recorder.WritePaymentTransition(txHash, to, rows, amount, now)
	m.sinks.publish(ctx, m.logger, messaging.Event{
		Type:            event,
		TransactionHash: txHash,
		Rows:            rows,
		Payments:        payments,
		OccurredAt:      now,
	})
}
