package settlement

import (
	"context"
	"time"

	"github.com/bardlex/tunapool/internal/database/postgres"
	"github.com/bardlex/tunapool/pkg/errors"
	"github.com/bardlex/tunapool/pkg/log"
)

// PayoutUpdaterConfig holds PayoutUpdater parameters.
type PayoutUpdaterConfig struct {
	Interval time.Duration
	// MinWindow is the shortest window that is settled; shorter windows wait for the next tick.
	MinWindow time.Duration
	Rewards   Rewards
}

// PayoutUpdater turns confirmed, unpaid datums into per-miner payout rows.
type PayoutUpdater struct {
	datums  DatumStore
	payouts PayoutStore
	calc    *Calculator
	config  PayoutUpdaterConfig
	sinks   Sinks
	logger  *log.Logger
	now     func() time.Time
}

// NewPayoutUpdater creates a PayoutUpdater.
func NewPayoutUpdater(datums DatumStore, payouts PayoutStore, calc *Calculator, cfg PayoutUpdaterConfig, sinks Sinks, logger *log.Logger) *PayoutUpdater {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &PayoutUpdater{
		datums:  datums,
		payouts: payouts,
		calc:    calc,
		config:  cfg,
		sinks:   sinks.withDefaults(),
		logger:  logger.WithComponent("payout_updater"),
		now:     time.Now,
	}
}

// Run updates payouts on every interval until ctx is done.
func (u *PayoutUpdater) Run(ctx context.Context) {
	u.logger.Info("payout updater started", "interval", u.config.Interval.String())
	runEvery(ctx, u.config.Interval, nil, func(ctx context.Context) {
		if _, err := u.Update(ctx); err != nil {
			u.logger.WithError(err).Error("payout update failed")
		}
	})
}

// Update settles every confirmed, unpaid datum over the current window. Each datum's reward
// pool is split by hashrate and its finder receives the finder's bonus. All rows are written and
// the datums marked paid in one transaction. It returns the number of rows written.
func (u *PayoutUpdater) Update(ctx context.Context) (int, error) {
	unpaid, err := u.datums.ConfirmedUnpaid(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "update_payouts", "failed to load unpaid datums")
	}
	if len(unpaid) == 0 {
		u.logger.Debug("no payouts need to be created")
		return 0, nil
	}

	now := u.now().UTC()
	dist, err := u.calc.Distribution(ctx, now)
	if err != nil {
		return 0, err
	}
	if dist.Window() < u.config.MinWindow {
		u.logger.Info("payout window too short", "window", dist.Window().String())
		return 0, nil
	}

	minerAddresses := make(map[int64]string, len(dist.Miners))
	for _, m := range dist.Miners {
		minerAddresses[m.MinerID] = m.Address
	}

	var rows []postgres.Payout
	hashes := make([]string, 0, len(unpaid))
	for _, d := range unpaid {
		hashes = append(hashes, d.TransactionHash)

		// An empty address is filled in from the miner registry on insert.
		split := WithFinder(dist.Split(u.config.Rewards.Pool()),
			d.MinerID, minerAddresses[d.MinerID], u.config.Rewards.FindersFee)

		for _, p := range split {
			if p.Amount <= 0 {
				continue
			}
			rows = append(rows, postgres.Payout{
				DatumTransactionHash: d.TransactionHash,
				MinerID:              p.MinerID,
				Address:              p.Address,
				Amount:               p.Amount,
			})
		}
	}

	if err := u.payouts.CreateForDatums(ctx, hashes, rows, now); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "update_payouts", "failed to write payouts").
			WithContext("datums", len(hashes))
	}

	u.sinks.Recorder.WritePoolHashrate(dist.PoolHashrate, len(dist.Miners), now)
	u.logger.Info("payouts created",
		"datums", len(hashes),
		"rows", len(rows),
		"miners", len(dist.Miners),
		"pool_hashrate", dist.PoolHashrate,
		"window", dist.Window().String(),
	)
	return len(rows), nil
}
