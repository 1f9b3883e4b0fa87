package database

import (
	"context"
	"testing"
	"time"

	"github.com/bardlex/tunapool/internal/chain"
	"github.com/bardlex/tunapool/internal/database/postgres"
	"github.com/bardlex/tunapool/internal/database/redis"
	"github.com/bardlex/tunapool/internal/validation"
	"github.com/bardlex/tunapool/pkg/circuit"
	"github.com/bardlex/tunapool/pkg/errors"
	"github.com/bardlex/tunapool/pkg/log"
	"github.com/bardlex/tunapool/pkg/retry"
)

type fakeShareStore struct {
	calls  int
	failN  int
	err    error
	stored func([]postgres.Share) []postgres.Share
}

func (f *fakeShareStore) InsertShares(_ context.Context, shares []postgres.Share) ([]postgres.Share, error) {
	f.calls++
	if f.calls <= f.failN {
		return nil, f.err
	}
	if f.stored != nil {
		return f.stored(shares), nil
	}
	return shares, nil
}

type batchPoint struct {
	minerID, blockNumber int64
	submitted, accepted  int
}

type fakeSeries struct {
	batches []batchPoint
	winners []int64
}

func (f *fakeSeries) WriteShareBatch(minerID, blockNumber int64, submitted, accepted int, _ time.Time) {
	f.batches = append(f.batches, batchPoint{minerID, blockNumber, submitted, accepted})
}

func (f *fakeSeries) WriteWinningShare(minerID, _ int64, _ int, _ int64, _ time.Time) {
	f.winners = append(f.winners, minerID)
}

type fakeCounters struct {
	total map[int64]int
	err   error
}

func (f *fakeCounters) IncrementMinerShares(_ context.Context, minerID int64, accepted int, _ time.Time) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.total[minerID] += accepted
	return int64(f.total[minerID]), nil
}

type fakeCache struct {
	values map[string]float64
	getErr error
	ttl    time.Duration
}

func (f *fakeCache) CachedHashrate(_ context.Context, key string) (float64, error) {
	if f.getErr != nil {
		return 0, f.getErr
	}
	v, ok := f.values[key]
	if !ok {
		return 0, redis.ErrCacheMiss
	}
	return v, nil
}

func (f *fakeCache) CacheHashrate(_ context.Context, key string, v float64, ttl time.Duration) error {
	f.values[key] = v
	f.ttl = ttl
	return nil
}

func newTestManager(store *fakeShareStore) (*Manager, *fakeSeries, *fakeCounters, *fakeCache) {
	series := &fakeSeries{}
	counters := &fakeCounters{total: make(map[int64]int)}
	cache := &fakeCache{values: make(map[string]float64)}
	m := &Manager{
		shares:         store,
		series:         series,
		counters:       counters,
		cache:          cache,
		circuitBreaker: circuit.New("test", nil),
		retryConfig: &retry.Config{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
			Multiplier:  1,
		},
		logger: log.Nop(),
	}
	return m, series, counters, cache
}

func testShares(n int) []postgres.Share {
	shares := make([]postgres.Share, n)
	for i := range shares {
		shares[i] = postgres.Share{MinerID: 7, BlockNumber: 42, SHA: string(rune('a' + i)), CreatedAt: time.Unix(1700000000, 0)}
	}
	return shares
}

func TestInsertSharesRecordsBatch(t *testing.T) {
	store := &fakeShareStore{stored: func(s []postgres.Share) []postgres.Share { return s[:2] }}
	m, series, counters, _ := newTestManager(store)

	stored, err := m.InsertShares(context.Background(), testShares(3))
	if err != nil {
		t.Fatalf("InsertShares() error = %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("stored = %d, want 2", len(stored))
	}
	if len(series.batches) != 1 || series.batches[0] != (batchPoint{7, 42, 3, 2}) {
		t.Errorf("batches = %+v", series.batches)
	}
	if counters.total[7] != 2 {
		t.Errorf("counter = %d, want 2", counters.total[7])
	}
}

func TestInsertSharesEmpty(t *testing.T) {
	store := &fakeShareStore{}
	m, series, _, _ := newTestManager(store)

	stored, err := m.InsertShares(context.Background(), nil)
	if err != nil || stored != nil {
		t.Fatalf("InsertShares(nil) = %v, %v", stored, err)
	}
	if store.calls != 0 || len(series.batches) != 0 {
		t.Error("empty batch touched the stores")
	}
}

func TestInsertSharesRetriesRetryableFailures(t *testing.T) {
	store := &fakeShareStore{failN: 1, err: errors.New(errors.ErrorTypeNetwork, "insert", "connection reset")}
	m, _, _, _ := newTestManager(store)

	if _, err := m.InsertShares(context.Background(), testShares(1)); err != nil {
		t.Fatalf("InsertShares() error = %v", err)
	}
	if store.calls != 2 {
		t.Errorf("calls = %d, want 2", store.calls)
	}
}

func TestInsertSharesFailure(t *testing.T) {
	store := &fakeShareStore{failN: 10, err: errors.New(errors.ErrorTypeValidation, "insert", "bad batch")}
	m, series, counters, _ := newTestManager(store)

	_, err := m.InsertShares(context.Background(), testShares(2))
	if !errors.IsType(err, errors.ErrorTypeDatabase) {
		t.Fatalf("expected database error, got %v", err)
	}
	if store.calls != 1 {
		t.Errorf("non-retryable failure attempted %d times", store.calls)
	}
	if len(series.batches) != 0 || len(counters.total) != 0 {
		t.Error("failed batch was recorded")
	}
}

func TestInsertSharesCounterFailureIsIgnored(t *testing.T) {
	m, _, counters, _ := newTestManager(&fakeShareStore{})
	counters.err = errors.New(errors.ErrorTypeDatabase, "incr", "redis down")

	stored, err := m.InsertShares(context.Background(), testShares(2))
	if err != nil || len(stored) != 2 {
		t.Fatalf("InsertShares() = %d, %v", len(stored), err)
	}
}

func TestCachedHashrate(t *testing.T) {
	m, _, _, cache := newTestManager(&fakeShareStore{})
	calls := 0
	compute := func(context.Context) (float64, error) {
		calls++
		return 1234.5, nil
	}

	for i := 0; i < 2; i++ {
		v, err := m.CachedHashrate(context.Background(), "pool:1:2", 30*time.Second, compute)
		if err != nil || v != 1234.5 {
			t.Fatalf("CachedHashrate() = %v, %v", v, err)
		}
	}
	if calls != 1 {
		t.Errorf("computed %d times, want 1", calls)
	}
	if cache.ttl != 30*time.Second {
		t.Errorf("ttl = %v, want 30s", cache.ttl)
	}
}

func TestCachedHashrateWithoutRedis(t *testing.T) {
	m, _, _, cache := newTestManager(&fakeShareStore{})
	cache.getErr = errors.New(errors.ErrorTypeDatabase, "get", "redis down")

	v, err := m.CachedHashrate(context.Background(), "k", time.Second, func(context.Context) (float64, error) { return 9, nil })
	if err != nil || v != 9 {
		t.Fatalf("CachedHashrate() = %v, %v", v, err)
	}
}

type countingWinners struct{ n int }

func (c *countingWinners) SubmitWinner(context.Context, validation.Winner) error {
	c.n++
	return nil
}

func TestRecordWinners(t *testing.T) {
	m, series, _, _ := newTestManager(&fakeShareStore{})
	next := &countingWinners{}

	w := validation.Winner{Block: chain.Block{BlockNumber: 5}, Miner: postgres.Miner{ID: 3}}
	if err := m.RecordWinners(next).SubmitWinner(context.Background(), w); err != nil {
		t.Fatalf("SubmitWinner() error = %v", err)
	}
	if next.n != 1 || len(series.winners) != 1 || series.winners[0] != 3 {
		t.Errorf("next calls = %d, winners = %v", next.n, series.winners)
	}
	if err := m.RecordWinners(nil).SubmitWinner(context.Background(), w); err != nil {
		t.Errorf("nil next: %v", err)
	}
}
