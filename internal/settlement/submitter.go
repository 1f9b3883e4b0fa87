package settlement

import (
	"context"
	"time"

	"github.com/bardlex/tunapool/internal/database/postgres"
	"github.com/bardlex/tunapool/internal/messaging"
	"github.com/bardlex/tunapool/internal/metrics"
	"github.com/bardlex/tunapool/internal/relay"
	"github.com/bardlex/tunapool/internal/validation"
	"github.com/bardlex/tunapool/pkg/errors"
	"github.com/bardlex/tunapool/pkg/log"
)

// Submitter relays winning shares and records the resulting datum submissions.
type Submitter struct {
	calc    *Calculator
	relay   DatumRelay
	datums  DatumStore
	rewards Rewards
	sinks   Sinks
	logger  *log.Logger
	now     func() time.Time
}

// NewSubmitter creates a Submitter.
func NewSubmitter(calc *Calculator, r DatumRelay, datums DatumStore, rewards Rewards, sinks Sinks, logger *log.Logger) *Submitter {
	return &Submitter{
		calc:    calc,
		relay:   r,
		datums:  datums,
		rewards: rewards,
		sinks:   sinks.withDefaults(),
		logger:  logger.WithComponent("datum_submitter"),
		now:     time.Now,
	}
}

// SubmitWinner sends w to the relay with the projected miner payments for the current window
// and records a PENDING datum under the returned transaction hash. A relay failure ends the
// round; the share stays stored and nothing is retried.
func (s *Submitter) SubmitWinner(ctx context.Context, w validation.Winner) error {
	now := s.now().UTC()
	logger := s.logger.WithBlock(w.Block.BlockNumber).WithMiner(w.Miner.PKH, w.Miner.ID)

	payments := map[string]int64{}
	var poolHashrate float64
	dist, err := s.calc.Distribution(ctx, now)
	switch {
	case err == nil:
		payouts := WithFinder(dist.Split(s.rewards.Pool()), w.Miner.ID, w.Miner.Address, s.rewards.FindersFee)
		payments = ByAddress(payouts)
		poolHashrate = dist.PoolHashrate
	case errors.Is(err, ErrNoShares):
		payments = ByAddress(WithFinder(nil, w.Miner.ID, w.Miner.Address, s.rewards.FindersFee))
	default:
		return errors.Wrap(err, errors.ErrorTypeDatabase, "submit_winner", "failed to compute miner payments")
	}

	req := relay.SubmitRequest{
		Nonce:            w.Share.Nonce,
		SHA:              w.Share.SHA,
		CurrentBlock:     relay.NewBlock(w.Block),
		NewLeadingZeroes: w.Difficulty.LeadingZeroes,
		NewDifficulty:    w.Difficulty.DifficultyNumber,
		MinerPayments:    payments,
		PoolHashrate:     poolHashrate,
	}

	txHash, err := s.relay.SubmitDatum(ctx, req)
	if err != nil {
		metrics.DatumSubmissions.WithLabelValues("failed").Inc()
		return errors.Wrap(err, errors.ErrorTypeRelay, "submit_winner", "relay did not accept datum").
			WithContext("sha", w.Share.SHA).
			WithContext("block_number", w.Block.BlockNumber)
	}

	datum := &postgres.DatumSubmission{
		TransactionHash: txHash,
		SHA:             w.Share.SHA,
		BlockNumber:     w.Block.BlockNumber,
		MinerID:         w.Miner.ID,
		CreatedAt:       now,
	}
	if err := s.datums.Create(ctx, datum); err != nil && !postgres.IsUniqueViolation(err) {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "submit_winner", "failed to record datum submission").
			WithContext("tx_hash", txHash)
	}

	metrics.DatumSubmissions.WithLabelValues(postgres.DatumPending).Inc()
	metrics.PoolHashrate.Set(poolHashrate)
	logger.WithDatum(txHash).Info("datum submitted", "miners_paid", len(payments), "pool_hashrate", poolHashrate)
	s.sinks.Recorder.WriteDatumTransition(txHash, postgres.DatumPending, w.Block.BlockNumber, now)
	s.sinks.publish(ctx, logger, messaging.Event{
		Type:            messaging.EventDatumSubmitted,
		TransactionHash: txHash,
		BlockNumber:     w.Block.BlockNumber,
		MinerID:         w.Miner.ID,
		Payments:        payments,
		PoolHashrate:    poolHashrate,
		OccurredAt:      now,
	})
	return nil
}
