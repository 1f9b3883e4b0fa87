package settlement

import (
	"context"
	"math"
	"slices"
	"time"

	"github.com/bardlex/tunapool/internal/database/postgres"
	"github.com/bardlex/tunapool/pkg/errors"
)

// Rewards are the token amounts involved in one datum.
type Rewards struct {
	PerDatum   int64
	PoolFee    int64
	FindersFee int64
}

// Pool is the amount split across miners for one datum, after the pool fee and the finder's
// bonus are set aside.
func (r Rewards) Pool() int64 {
	return max(r.PerDatum-r.PoolFee-r.FindersFee, 0)
}

// EstimateHashrate converts a share count at one sampling difficulty into hashes per second.
// Each share at difficulty d stands for 16^d hash attempts on average.
func EstimateHashrate(count int64, samplingDifficulty int, window time.Duration) float64 {
	seconds := window.Seconds()
	if seconds <= 0 || count <= 0 {
		return 0
	}
	return float64(count) * math.Pow(16, float64(samplingDifficulty)) / seconds
}

// MinerHashrate is one miner's estimated hashrate over a window.
type MinerHashrate struct {
	MinerID  int64
	Address  string
	Hashrate float64
}

// MinerPayout is an amount owed to one miner.
type MinerPayout struct {
	MinerID int64
	Address string
	Amount  int64
}

// Distribution is the hashrate breakdown of a payout window.
type Distribution struct {
	Start        time.Time
	End          time.Time
	Miners       []MinerHashrate
	PoolHashrate float64
}

// NewDistribution aggregates share counts into per-miner hashrates, ordered by miner id.
func NewDistribution(counts []postgres.MinerShareCount, start, end time.Time) Distribution {
	window := end.Sub(start)
	byMiner := make(map[int64]*MinerHashrate)
	for _, c := range counts {
		m, ok := byMiner[c.MinerID]
		if !ok {
			m = &MinerHashrate{MinerID: c.MinerID, Address: c.Address}
			byMiner[c.MinerID] = m
		}
		m.Hashrate += EstimateHashrate(c.Count, c.SamplingDifficulty, window)
	}

	d := Distribution{Start: start, End: end}
	for _, m := range byMiner {
		if m.Hashrate > 0 {
			d.Miners = append(d.Miners, *m)
			d.PoolHashrate += m.Hashrate
		}
	}
	slices.SortFunc(d.Miners, func(a, b MinerHashrate) int {
		switch {
		case a.MinerID < b.MinerID:
			return -1
		case a.MinerID > b.MinerID:
			return 1
		}
		return 0
	})
	return d
}

// Window is the length of the distribution window.
func (d Distribution) Window() time.Duration {
	return d.End.Sub(d.Start)
}

// Split divides rewardPool in proportion to hashrate. Each amount is truncated toward zero and
// the remainder stays with the pool, so the amounts never sum to more than rewardPool.
func (d Distribution) Split(rewardPool int64) []MinerPayout {
	if d.PoolHashrate <= 0 || rewardPool <= 0 {
		return nil
	}
	payouts := make([]MinerPayout, 0, len(d.Miners))
	var total int64
	for _, m := range d.Miners {
		amount := int64(math.Floor(float64(rewardPool) * (m.Hashrate / d.PoolHashrate)))
		// float rounding must never hand out more than the pool
		amount = min(amount, rewardPool-total)
		total += amount
		payouts = append(payouts, MinerPayout{MinerID: m.MinerID, Address: m.Address, Amount: amount})
	}
	return payouts
}

// WithFinder adds the finder's bonus to the finder's entry, appending one if the finder has no
// shares in the window.
func WithFinder(payouts []MinerPayout, finderID int64, finderAddress string, bonus int64) []MinerPayout {
	if bonus <= 0 {
		return payouts
	}
	for i := range payouts {
		if payouts[i].MinerID == finderID {
			payouts[i].Amount += bonus
			return payouts
		}
	}
	return append(payouts, MinerPayout{MinerID: finderID, Address: finderAddress, Amount: bonus})
}

// ByAddress sums payouts per payout address.
func ByAddress(payouts []MinerPayout) map[string]int64 {
	out := make(map[string]int64, len(payouts))
	for _, p := range payouts {
		if p.Amount > 0 {
			out[p.Address] += p.Amount
		}
	}
	return out
}

// Calculator derives payout windows from the store.
type Calculator struct {
	shares ShareCounter
	datums DatumStore
}

// NewCalculator creates a Calculator.
func NewCalculator(shares ShareCounter, datums DatumStore) *Calculator {
	return &Calculator{shares: shares, datums: datums}
}

// ErrNoShares is returned when no window can be formed because no share was ever recorded.
var ErrNoShares = errors.New(errors.ErrorTypeValidation, "payout_window", "no shares recorded")

// WindowStart returns where the current payout window begins: the later of the last paid
// datum's confirmation and the oldest unpaid datum's creation. Before any datum has been paid
// the window starts at the oldest recorded share.
func (c *Calculator) WindowStart(ctx context.Context) (time.Time, error) {
	lastPaid, err := c.datums.NewestPaid(ctx)
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrorTypeDatabase, "payout_window", "failed to read last paid datum")
	}

	if lastPaid == nil || lastPaid.ConfirmedAt == nil {
		oldest, err := c.shares.OldestCreatedAt(ctx)
		if err != nil {
			return time.Time{}, errors.Wrap(err, errors.ErrorTypeDatabase, "payout_window", "failed to read oldest share")
		}
		if oldest == nil {
			return time.Time{}, ErrNoShares
		}
		return *oldest, nil
	}

	start := *lastPaid.ConfirmedAt
	oldestUnpaid, err := c.datums.OldestUnpaid(ctx)
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrorTypeDatabase, "payout_window", "failed to read oldest unpaid datum")
	}
	if oldestUnpaid != nil && oldestUnpaid.CreatedAt.After(start) {
		start = oldestUnpaid.CreatedAt
	}
	return start, nil
}

// Distribution measures miner hashrates from the window start to end.
func (c *Calculator) Distribution(ctx context.Context, end time.Time) (Distribution, error) {
	start, err := c.WindowStart(ctx)
	if err != nil {
		return Distribution{}, err
	}
	if !end.After(start) {
		return Distribution{Start: start, End: end}, nil
	}

	counts, err := c.shares.CountByMiner(ctx, start, end)
	if err != nil {
		return Distribution{}, errors.Wrap(err, errors.ErrorTypeDatabase, "payout_window", "failed to count shares")
	}
	return NewDistribution(counts, start, end), nil
}
