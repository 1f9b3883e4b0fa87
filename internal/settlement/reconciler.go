package settlement

import (
	"context"
	"time"

	"github.com/bardlex/tunapool/internal/database/postgres"
	"github.com/bardlex/tunapool/internal/messaging"
	"github.com/bardlex/tunapool/internal/metrics"
	"github.com/bardlex/tunapool/pkg/errors"
	"github.com/bardlex/tunapool/pkg/log"
)

// ReconcilerConfig holds DatumReconciler parameters.
type ReconcilerConfig struct {
	Interval time.Duration
	// RejectAfter is how long a datum may stay unseen by the indexer before it is rejected.
	RejectAfter time.Duration
	// RetentionDatums is how many confirmed datums must exist before older shares are pruned.
	RetentionDatums int
}

// DatumReconciler drives PENDING datum submissions to CONFIRMED or REJECTED and prunes shares
// no open payout window needs.
type DatumReconciler struct {
	datums DatumStore
	shares SharePruner
	lookup TransactionLookup
	calc   *Calculator
	config ReconcilerConfig
	sinks  Sinks
	logger *log.Logger
	now    func() time.Time
	wake   chan struct{}
}

// NewDatumReconciler creates a DatumReconciler.
func NewDatumReconciler(datums DatumStore, shares SharePruner, lookup TransactionLookup, calc *Calculator, cfg ReconcilerConfig, sinks Sinks, logger *log.Logger) *DatumReconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RejectAfter <= 0 {
		cfg.RejectAfter = 2 * time.Minute
	}
	return &DatumReconciler{
		datums: datums,
		shares: shares,
		lookup: lookup,
		calc:   calc,
		config: cfg,
		sinks:  sinks.withDefaults(),
		logger: logger.WithComponent("datum_reconciler"),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// Run reconciles on every interval until ctx is done.
func (r *DatumReconciler) Run(ctx context.Context) {
	r.logger.Info("datum reconciler started", "interval", r.config.Interval.String())
	runEvery(ctx, r.config.Interval, r.wake, func(ctx context.Context) {
		if err := r.Reconcile(ctx); err != nil {
			r.logger.WithError(err).Error("datum reconciliation failed")
		}
		if err := r.Housekeep(ctx); err != nil {
			r.logger.WithError(err).Error("share pruning failed")
		}
	})
}

// Trigger asks Run to reconcile now. It never blocks.
func (r *DatumReconciler) Trigger() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// HandleEvent triggers a reconciliation when a new datum submission is announced.
func (r *DatumReconciler) HandleEvent(_ context.Context, e messaging.Event) error {
	if e.Type == messaging.EventDatumSubmitted {
		r.Trigger()
	}
	return nil
}

// Reconcile checks every PENDING datum against the indexer once. Lookup failures skip that
// datum until the next pass; it is never rejected on a failed lookup.
func (r *DatumReconciler) Reconcile(ctx context.Context) error {
	pending, err := r.datums.Pending(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "reconcile_datums", "failed to load pending datums")
	}

	for _, d := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger := r.logger.WithDatum(d.TransactionHash)

		outputs, err := r.lookup.TransactionOutputs(ctx, d.TransactionHash)
		if err != nil {
			logger.WithError(err).Warn("failed to look up datum transaction")
			continue
		}

		now := r.now().UTC()
		switch {
		case len(outputs) > 0:
			slot := outputs[0].CreatedAt.SlotNo
			if err := r.datums.Confirm(ctx, d.TransactionHash, slot, now); err != nil {
				logger.WithError(err).Error("failed to confirm datum")
				continue
			}
			r.transition(ctx, logger, d, postgres.DatumConfirmed, messaging.EventDatumConfirmed, slot, now)

		case now.Sub(d.CreatedAt) > r.config.RejectAfter:
			if err := r.datums.Reject(ctx, d.TransactionHash); err != nil {
				logger.WithError(err).Error("failed to reject datum")
				continue
			}
			r.transition(ctx, logger, d, postgres.DatumRejected, messaging.EventDatumRejected, 0, now)
		}
	}
	return nil
}

func (r *DatumReconciler) transition(ctx context.Context, logger *log.Logger, d postgres.DatumSubmission, state string, event messaging.EventType, slot int64, now time.Time) {
	logger.LogDatumTransition(d.TransactionHash, postgres.DatumPending, state)
	metrics.DatumSubmissions.WithLabelValues(state).Inc()
	r.sinks.Recorder.WriteDatumTransition(d.TransactionHash, state, d.BlockNumber, now)
	r.sinks.publish(ctx, logger, messaging.Event{
		Type:            event,
		TransactionHash: d.TransactionHash,
		BlockNumber:     d.BlockNumber,
		MinerID:         d.MinerID,
		Slot:            slot,
		OccurredAt:      now,
	})
}

// Housekeep prunes shares older than the RetentionDatums-th newest confirmed datum. Shares
// inside the open payout window and shares referenced by a datum submission are kept.
func (r *DatumReconciler) Housekeep(ctx context.Context) error {
	if r.config.RetentionDatums <= 0 {
		return nil
	}

	cutoff, err := r.datums.NthNewestConfirmedAt(ctx, r.config.RetentionDatums)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "prune_shares", "failed to find retention cutoff")
	}
	if cutoff == nil {
		return nil
	}

	limit := *cutoff
	windowStart, err := r.calc.WindowStart(ctx)
	switch {
	case err == nil:
		if windowStart.Before(limit) {
			limit = windowStart
		}
	case errors.Is(err, ErrNoShares):
		return nil
	default:
		return err
	}

	pruned, err := r.shares.PruneBefore(ctx, limit)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "prune_shares", "failed to prune shares")
	}
	if pruned > 0 {
		r.logger.Info("pruned old shares", "count", pruned, "before", limit)
	}
	return nil
}
