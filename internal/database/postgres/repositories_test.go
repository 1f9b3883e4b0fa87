package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMock(t *testing.T) (sqlmock.Sqlmock, *ShareRepository, *PayoutRepository) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return mock, NewShareRepository(db), NewPayoutRepository(db)
}

func testShares() []Share {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []Share{
		{MinerID: 1, BlockNumber: 10, SHA: "aa", Nonce: "01", SamplingDifficulty: 8, CreatedAt: at},
		{MinerID: 1, BlockNumber: 10, SHA: "bb", Nonce: "02", SamplingDifficulty: 8, CreatedAt: at},
		{MinerID: 1, BlockNumber: 10, SHA: "cc", Nonce: "03", SamplingDifficulty: 8, CreatedAt: at},
	}
}

var (
	savepoint = "^SAVEPOINT share_row$"
	release   = regexp.QuoteMeta("RELEASE SAVEPOINT share_row")
	rollback  = regexp.QuoteMeta("ROLLBACK TO SAVEPOINT share_row")
	insert    = "INSERT INTO shares"
)

func TestInsertShares_SkipsDuplicatesAndRowErrors(t *testing.T) {
	mock, shares, _ := newMock(t)
	batch := testShares()

	mock.ExpectBegin()
	// first row stored
	mock.ExpectExec(savepoint).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(insert).WithArgs(int64(1), int64(10), "aa", "01", 8, batch[0].CreatedAt).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(100)))
	mock.ExpectExec(release).WillReturnResult(sqlmock.NewResult(0, 0))
	// second row already present
	mock.ExpectExec(savepoint).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(insert).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(release).WillReturnResult(sqlmock.NewResult(0, 0))
	// third row rejected by the server
	mock.ExpectExec(savepoint).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(insert).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectExec(rollback).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	stored, err := shares.InsertShares(context.Background(), batch)
	if err != nil {
		t.Fatalf("InsertShares() error = %v", err)
	}
	if len(stored) != 1 || stored[0].ID != 100 || stored[0].SHA != "aa" {
		t.Errorf("stored = %+v, want only sha aa with id 100", stored)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInsertShares_ConnectionFailureAborts(t *testing.T) {
	mock, shares, _ := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(savepoint).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(insert).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if _, err := shares.InsertShares(context.Background(), testShares()); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInsertShares_Empty(t *testing.T) {
	mock, shares, _ := newMock(t)

	stored, err := shares.InsertShares(context.Background(), nil)
	if err != nil || stored != nil {
		t.Fatalf("InsertShares(nil) = %v, %v", stored, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPayoutRepository_MarkTentativeRequiresAllRows(t *testing.T) {
	mock, _, payouts := newMock(t)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payouts SET transaction_hash").
		WithArgs("tx1", at, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	if err := payouts.MarkTentative(context.Background(), []int64{1, 2}, "tx1", at); err == nil {
		t.Fatal("expected error when a row is no longer due")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPayoutRepository_Reset(t *testing.T) {
	mock, _, payouts := newMock(t)

	mock.ExpectExec("UPDATE payouts SET transaction_hash = NULL").
		WithArgs("tx1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := payouts.Reset(context.Background(), "tx1")
	if err != nil || n != 3 {
		t.Fatalf("Reset() = %d, %v; want 3", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestModelStates(t *testing.T) {
	slot := int64(5)
	tx := "tx"

	datums := []struct {
		d    DatumSubmission
		want string
	}{
		{DatumSubmission{}, DatumPending},
		{DatumSubmission{ConfirmedInSlot: &slot}, DatumConfirmed},
		{DatumSubmission{Rejected: true}, DatumRejected},
	}
	for _, tt := range datums {
		if got := tt.d.State(); got != tt.want {
			t.Errorf("DatumSubmission.State() = %s, want %s", got, tt.want)
		}
	}

	payouts := []struct {
		p    Payout
		want string
	}{
		{Payout{}, PayoutDue},
		{Payout{TransactionHash: &tx}, PayoutTentative},
		{Payout{TransactionHash: &tx, IsPaid: true}, PayoutPaid},
	}
	for _, tt := range payouts {
		if got := tt.p.State(); got != tt.want {
			t.Errorf("Payout.State() = %s, want %s", got, tt.want)
		}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(&pq.Error{Code: "23505"}) {
		t.Error("23505 should be a unique violation")
	}
	if IsUniqueViolation(&pq.Error{Code: "23503"}) || IsUniqueViolation(errors.New("x")) {
		t.Error("only 23505 is a unique violation")
	}
}
