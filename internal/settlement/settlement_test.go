package settlement

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bardlex/tunapool/internal/database/postgres"
	"github.com/bardlex/tunapool/internal/indexer"
	"github.com/bardlex/tunapool/internal/messaging"
	"github.com/bardlex/tunapool/internal/relay"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func timePtr(t time.Time) *time.Time { return &t }

type fakeShares struct {
	counts   []postgres.MinerShareCount
	oldest   *time.Time
	countErr error

	gotStart, gotEnd time.Time
	prunedBefore     []time.Time
}

func (f *fakeShares) CountByMiner(_ context.Context, start, end time.Time) ([]postgres.MinerShareCount, error) {
	f.gotStart, f.gotEnd = start, end
	return f.counts, f.countErr
}

func (f *fakeShares) OldestCreatedAt(context.Context) (*time.Time, error) {
	return f.oldest, nil
}

func (f *fakeShares) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.prunedBefore = append(f.prunedBefore, cutoff)
	return 1, nil
}

type fakeDatums struct {
	created   []postgres.DatumSubmission
	createErr error

	pending      []postgres.DatumSubmission
	unpaid       []postgres.DatumSubmission
	newestPaid   *postgres.DatumSubmission
	oldestUnpaid *postgres.DatumSubmission
	nthConfirmed *time.Time

	confirmed map[string]int64
	rejected  []string
}

func (f *fakeDatums) Create(_ context.Context, d *postgres.DatumSubmission) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, *d)
	return nil
}

func (f *fakeDatums) Pending(context.Context) ([]postgres.DatumSubmission, error) {
	return f.pending, nil
}

func (f *fakeDatums) ConfirmedUnpaid(context.Context) ([]postgres.DatumSubmission, error) {
	return f.unpaid, nil
}

func (f *fakeDatums) NewestPaid(context.Context) (*postgres.DatumSubmission, error) {
	return f.newestPaid, nil
}

func (f *fakeDatums) OldestUnpaid(context.Context) (*postgres.DatumSubmission, error) {
	return f.oldestUnpaid, nil
}

func (f *fakeDatums) NthNewestConfirmedAt(context.Context, int) (*time.Time, error) {
	return f.nthConfirmed, nil
}

func (f *fakeDatums) Confirm(_ context.Context, txHash string, slot int64, _ time.Time) error {
	if f.confirmed == nil {
		f.confirmed = make(map[string]int64)
	}
	f.confirmed[txHash] = slot
	return nil
}

func (f *fakeDatums) Reject(_ context.Context, txHash string) error {
	f.rejected = append(f.rejected, txHash)
	return nil
}

// memoryPayouts keeps payout rows in memory and derives their state the way the database does.
type memoryPayouts struct {
	rows       []postgres.Payout
	paidDatums []string
	paidAt     time.Time

	// markErrs fail the next MarkTentative calls, one error per call.
	markErrs  []error
	markCalls int
}

func (m *memoryPayouts) CreateForDatums(_ context.Context, hashes []string, payouts []postgres.Payout, paidAt time.Time) error {
	for _, p := range payouts {
		p.ID = int64(len(m.rows) + 1)
		m.rows = append(m.rows, p)
	}
	m.paidDatums = append(m.paidDatums, hashes...)
	m.paidAt = paidAt
	return nil
}

func (m *memoryPayouts) Due(context.Context) ([]postgres.Payout, error) {
	var due []postgres.Payout
	for _, p := range m.rows {
		if p.State() == postgres.PayoutDue {
			due = append(due, p)
		}
	}
	return due, nil
}

func (m *memoryPayouts) HasTentative(context.Context) (bool, error) {
	for _, p := range m.rows {
		if p.State() == postgres.PayoutTentative {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryPayouts) MarkTentative(_ context.Context, ids []int64, txHash string, at time.Time) error {
	m.markCalls++
	if len(m.markErrs) > 0 {
		err := m.markErrs[0]
		m.markErrs = m.markErrs[1:]
		return err
	}
	for i := range m.rows {
		if slices.Contains(ids, m.rows[i].ID) {
			m.rows[i].TransactionHash = &txHash
			m.rows[i].TransactionTime = timePtr(at)
		}
	}
	return nil
}

func (m *memoryPayouts) TentativeBatches(context.Context) ([]postgres.PaymentBatch, error) {
	var batches []postgres.PaymentBatch
	for _, p := range m.rows {
		if p.State() != postgres.PayoutTentative {
			continue
		}
		i := slices.IndexFunc(batches, func(b postgres.PaymentBatch) bool { return b.TransactionHash == *p.TransactionHash })
		if i < 0 {
			batches = append(batches, postgres.PaymentBatch{TransactionHash: *p.TransactionHash, TransactionTime: *p.TransactionTime})
			i = len(batches) - 1
		}
		batches[i].Rows++
	}
	return batches, nil
}

func (m *memoryPayouts) MarkPaid(_ context.Context, txHash string) (int64, error) {
	var n int64
	for i := range m.rows {
		if m.rows[i].State() == postgres.PayoutTentative && *m.rows[i].TransactionHash == txHash {
			m.rows[i].IsPaid = true
			n++
		}
	}
	return n, nil
}

func (m *memoryPayouts) Reset(_ context.Context, txHash string) (int64, error) {
	var n int64
	for i := range m.rows {
		if m.rows[i].State() == postgres.PayoutTentative && *m.rows[i].TransactionHash == txHash {
			m.rows[i].TransactionHash = nil
			m.rows[i].TransactionTime = nil
			n++
		}
	}
	return n, nil
}

func (m *memoryPayouts) states() map[string]int {
	out := make(map[string]int)
	for _, p := range m.rows {
		out[p.State()]++
	}
	return out
}

type fakeLookup struct {
	outputs map[string][]indexer.Match
	errs    map[string]error
}

func (f *fakeLookup) TransactionOutputs(_ context.Context, txHash string) ([]indexer.Match, error) {
	if err := f.errs[txHash]; err != nil {
		return nil, err
	}
	return f.outputs[txHash], nil
}

type fakeRelay struct {
	txHash string
	err    error

	datums   []relay.SubmitRequest
	payments []relay.PaymentRequest
}

func (f *fakeRelay) SubmitDatum(_ context.Context, req relay.SubmitRequest) (string, error) {
	f.datums = append(f.datums, req)
	if f.err != nil {
		return "", f.err
	}
	return f.txHash, nil
}

func (f *fakeRelay) SubmitPayment(_ context.Context, req relay.PaymentRequest) (string, error) {
	f.payments = append(f.payments, req)
	if f.err != nil {
		return "", f.err
	}
	return f.txHash, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []messaging.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e messaging.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []messaging.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]messaging.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
