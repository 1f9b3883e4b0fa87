package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/bardlex/tunapool/internal/database/postgres"
	"github.com/bardlex/tunapool/internal/indexer"
	"github.com/bardlex/tunapool/internal/messaging"
	"github.com/bardlex/tunapool/pkg/errors"
	"github.com/bardlex/tunapool/pkg/log"
	"github.com/bardlex/tunapool/pkg/retry"
)

func duePayouts() *memoryPayouts {
	return &memoryPayouts{rows: []postgres.Payout{
		{ID: 1, DatumTransactionHash: "d1", MinerID: 1, Address: "addr1", Amount: 100},
		{ID: 2, DatumTransactionHash: "d1", MinerID: 2, Address: "addr2", Amount: 50},
		{ID: 3, DatumTransactionHash: "d2", MinerID: 1, Address: "addr1", Amount: 70},
	}}
}

func newTestPaymentManager(payouts *memoryPayouts, r *fakeRelay, lookup *fakeLookup, pub *recordingPublisher) *PaymentManager {
	cfg := PaymentConfig{ResetAfter: 2 * time.Minute}
	m := NewPaymentManager(payouts, r, lookup, cfg, Sinks{Publisher: pub}, log.Nop())
	m.now = fixedClock(epoch)
	m.retryConfig = &retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return m
}

func connectionReset() error {
	return errors.New(errors.ErrorTypeNetwork, "mark_tentative", "connection reset")
}

func TestCreatePaymentGroupsByAddress(t *testing.T) {
	payouts := duePayouts()
	r := &fakeRelay{txHash: "pay1"}
	pub := &recordingPublisher{}

	tx, err := newTestPaymentManager(payouts, r, &fakeLookup{}, pub).CreatePayment(context.Background())
	if err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}
	if tx != "pay1" {
		t.Errorf("tx = %q, want pay1", tx)
	}

	if len(r.payments) != 1 {
		t.Fatalf("expected 1 relay call, got %d", len(r.payments))
	}
	req := r.payments[0]
	if len(req.Payments) != 2 || req.Payments["addr1"] != 170 || req.Payments["addr2"] != 50 {
		t.Errorf("payments = %v", req.Payments)
	}
	if len(req.DatumTransactionHashes) != 2 || req.DatumTransactionHashes[0] != "d1" || req.DatumTransactionHashes[1] != "d2" {
		t.Errorf("datum hashes = %v", req.DatumTransactionHashes)
	}

	if got := payouts.states(); got[postgres.PayoutTentative] != 3 {
		t.Errorf("states = %v, want 3 TENTATIVE", got)
	}
	for _, p := range payouts.rows {
		if *p.TransactionHash != "pay1" || !p.TransactionTime.Equal(epoch) {
			t.Errorf("row %d: tx %s at %v", p.ID, *p.TransactionHash, p.TransactionTime)
		}
	}
	if got := pub.types(); len(got) != 1 || got[0] != messaging.EventPaymentSent {
		t.Errorf("events = %v", got)
	}
}

func TestCreatePaymentWaitsForTentativeBatch(t *testing.T) {
	payouts := duePayouts()
	r := &fakeRelay{txHash: "pay1"}
	m := newTestPaymentManager(payouts, r, &fakeLookup{}, &recordingPublisher{})

	if _, err := m.CreatePayment(context.Background()); err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}
	payouts.rows = append(payouts.rows, postgres.Payout{ID: 4, DatumTransactionHash: "d3", MinerID: 2, Address: "addr2", Amount: 10})

	tx, err := m.CreatePayment(context.Background())
	if err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}
	if tx != "" {
		t.Errorf("second batch sent as %q while first is tentative", tx)
	}
	if len(r.payments) != 1 {
		t.Errorf("relay calls = %d, want 1", len(r.payments))
	}
	if got := payouts.states(); got[postgres.PayoutDue] != 1 {
		t.Errorf("states = %v, want new row still DUE", got)
	}
}

func TestCreatePaymentNothingDue(t *testing.T) {
	r := &fakeRelay{txHash: "pay1"}
	tx, err := newTestPaymentManager(&memoryPayouts{}, r, &fakeLookup{}, &recordingPublisher{}).CreatePayment(context.Background())
	if err != nil || tx != "" {
		t.Fatalf("CreatePayment() = %q, %v", tx, err)
	}
	if len(r.payments) != 0 {
		t.Errorf("relay called with nothing due")
	}
}

func TestCreatePaymentRelayFailureLeavesRowsDue(t *testing.T) {
	payouts := duePayouts()
	r := &fakeRelay{err: errors.New(errors.ErrorTypeRelay, "submit_payment", "relay returned 500")}

	_, err := newTestPaymentManager(payouts, r, &fakeLookup{}, &recordingPublisher{}).CreatePayment(context.Background())
	if !errors.IsType(err, errors.ErrorTypeRelay) {
		t.Fatalf("expected relay error, got %v", err)
	}
	if got := payouts.states(); got[postgres.PayoutDue] != 3 {
		t.Errorf("states = %v, want all DUE", got)
	}
}

func TestCreatePaymentRetriesRecording(t *testing.T) {
	payouts := duePayouts()
	payouts.markErrs = []error{connectionReset()}
	r := &fakeRelay{txHash: "pay1"}

	tx, err := newTestPaymentManager(payouts, r, &fakeLookup{}, &recordingPublisher{}).CreatePayment(context.Background())
	if err != nil || tx != "pay1" {
		t.Fatalf("CreatePayment() = %q, %v", tx, err)
	}
	if payouts.markCalls != 2 {
		t.Errorf("MarkTentative calls = %d, want 2", payouts.markCalls)
	}
	if got := payouts.states(); got[postgres.PayoutTentative] != 3 {
		t.Errorf("states = %v, want all TENTATIVE", got)
	}
}

func TestCreatePaymentUnrecordedBatchIsNotResent(t *testing.T) {
	payouts := duePayouts()
	payouts.markErrs = []error{connectionReset(), connectionReset(), connectionReset()}
	r := &fakeRelay{txHash: "pay1"}
	pub := &recordingPublisher{}
	m := newTestPaymentManager(payouts, r, &fakeLookup{}, pub)

	if _, err := m.CreatePayment(context.Background()); !errors.IsType(err, errors.ErrorTypeDatabase) {
		t.Fatalf("expected database error, got %v", err)
	}
	if got := payouts.states(); got[postgres.PayoutDue] != 3 {
		t.Fatalf("states = %v, want all DUE after failed recording", got)
	}
	if len(pub.types()) != 0 {
		t.Errorf("events published for unrecorded payment: %v", pub.types())
	}

	tx, err := m.CreatePayment(context.Background())
	if err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}
	if tx != "pay1" {
		t.Errorf("tx = %q, want the already sent pay1", tx)
	}
	if len(r.payments) != 1 {
		t.Errorf("relay calls = %d, want 1", len(r.payments))
	}
	if got := payouts.states(); got[postgres.PayoutTentative] != 3 {
		t.Errorf("states = %v, want all TENTATIVE", got)
	}
	if got := pub.types(); len(got) != 1 || got[0] != messaging.EventPaymentSent {
		t.Errorf("events = %v", got)
	}

	// recorded now, so the next tick waits for verification as usual
	if tx, err := m.CreatePayment(context.Background()); err != nil || tx != "" {
		t.Errorf("third CreatePayment() = %q, %v", tx, err)
	}
	if len(r.payments) != 1 {
		t.Errorf("relay calls = %d, want 1", len(r.payments))
	}
}

func TestVerifyPayment(t *testing.T) {
	tests := []struct {
		name      string
		age       time.Duration
		outputs   []indexer.Match
		lookupErr error
		wantState string
		wantEvent messaging.EventType
	}{
		{
			name:      "on chain",
			age:       30 * time.Second,
			outputs:   []indexer.Match{{TransactionID: "pay1"}},
			wantState: postgres.PayoutPaid,
			wantEvent: messaging.EventPaymentPaid,
		},
		{
			name:      "missing after reset window",
			age:       3 * time.Minute,
			wantState: postgres.PayoutDue,
			wantEvent: messaging.EventPaymentReset,
		},
		{
			name:      "missing within reset window",
			age:       time.Minute,
			wantState: postgres.PayoutTentative,
		},
		{
			name:      "indexer unreachable",
			age:       time.Hour,
			lookupErr: errors.New(errors.ErrorTypeIndexer, "matches", "connection refused"),
			wantState: postgres.PayoutTentative,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payouts := duePayouts()
			ids := []int64{1, 2, 3}
			if err := payouts.MarkTentative(context.Background(), ids, "pay1", epoch.Add(-tt.age)); err != nil {
				t.Fatal(err)
			}
			lookup := &fakeLookup{
				outputs: map[string][]indexer.Match{"pay1": tt.outputs},
				errs:    map[string]error{"pay1": tt.lookupErr},
			}
			pub := &recordingPublisher{}

			if err := newTestPaymentManager(payouts, &fakeRelay{}, lookup, pub).Verify(context.Background()); err != nil {
				t.Fatalf("Verify() error = %v", err)
			}

			if got := payouts.states(); got[tt.wantState] != len(ids) {
				t.Errorf("states = %v, want all %s", got, tt.wantState)
			}
			events := pub.types()
			if tt.wantEvent == "" {
				if len(events) != 0 {
					t.Errorf("events = %v, want none", events)
				}
				return
			}
			if len(events) != 1 || events[0] != tt.wantEvent {
				t.Errorf("events = %v, want %s", events, tt.wantEvent)
			}
			if pub.events[0].Rows != len(ids) {
				t.Errorf("event rows = %d, want %d", pub.events[0].Rows, len(ids))
			}
		})
	}
}

func TestResetPaymentIsSentAgain(t *testing.T) {
	payouts := duePayouts()
	r := &fakeRelay{txHash: "pay1"}
	m := newTestPaymentManager(payouts, r, &fakeLookup{}, &recordingPublisher{})

	if _, err := m.CreatePayment(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.now = fixedClock(epoch.Add(3 * time.Minute))
	if err := m.Verify(context.Background()); err != nil {
		t.Fatal(err)
	}

	r.txHash = "pay2"
	tx, err := m.CreatePayment(context.Background())
	if err != nil || tx != "pay2" {
		t.Fatalf("CreatePayment() = %q, %v", tx, err)
	}
	if len(r.payments) != 2 || r.payments[1].Payments["addr1"] != 170 {
		t.Errorf("payments = %+v", r.payments)
	}
}
