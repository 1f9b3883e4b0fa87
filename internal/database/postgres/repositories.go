package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// MinerRepository handles miner-related database operations
type MinerRepository struct {
	db *sql.DB
}

// NewMinerRepository creates a new miner repository
func NewMinerRepository(db *sql.DB) *MinerRepository {
	return &MinerRepository{db: db}
}

// GetByPKH retrieves a miner by the key hash of its address. It returns ErrNotFound when no
// miner is registered under pkh.
func (r *MinerRepository) GetByPKH(ctx context.Context, pkh string) (*Miner, error) {
	query := `
		SELECT id, pkh, address, sampling_difficulty, created_at
		FROM miners WHERE pkh = $1`

	return r.scanOne(r.db.QueryRowContext(ctx, query, pkh))
}

// GetByID retrieves a miner by id.
func (r *MinerRepository) GetByID(ctx context.Context, id int64) (*Miner, error) {
	query := `
		SELECT id, pkh, address, sampling_difficulty, created_at
		FROM miners WHERE id = $1`

	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *MinerRepository) scanOne(row *sql.Row) (*Miner, error) {
	miner := &Miner{}
	err := row.Scan(&miner.ID, &miner.PKH, &miner.Address, &miner.SamplingDifficulty, &miner.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get miner: %w", err)
	}
	return miner, nil
}

// Create registers a miner. Concurrent first requests for the same pkh converge on one row:
// the existing row is returned instead of a conflict.
func (r *MinerRepository) Create(ctx context.Context, miner *Miner) error {
	query := `
		INSERT INTO miners (pkh, address, sampling_difficulty, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (pkh) DO UPDATE SET pkh = EXCLUDED.pkh
		RETURNING id, address, sampling_difficulty, created_at`

	now := time.Now().UTC()
	err := r.db.QueryRowContext(ctx, query,
		miner.PKH, miner.Address, miner.SamplingDifficulty, now,
	).Scan(&miner.ID, &miner.Address, &miner.SamplingDifficulty, &miner.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create miner: %w", err)
	}
	return nil
}

// UpdateSamplingDifficulty stores a new sampling difficulty for a miner.
func (r *MinerRepository) UpdateSamplingDifficulty(ctx context.Context, minerID int64, difficulty int) error {
	query := `UPDATE miners SET sampling_difficulty = $1 WHERE id = $2`

	res, err := r.db.ExecContext(ctx, query, difficulty, minerID)
	if err != nil {
		return fmt.Errorf("failed to update sampling difficulty: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ShareRepository handles share-related database operations
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// InsertShares stores a batch of shares in one transaction and returns the rows that were
// written, with their ids set.
//
// Each row runs under its own savepoint. A row whose sha already exists, or that the server
// rejects on its own (constraint or data error), is rolled back to the savepoint and skipped
// without aborting the batch. Connection failures abort the whole transaction.
func (r *ShareRepository) InsertShares(ctx context.Context, shares []Share) ([]Share, error) {
	if len(shares) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin share batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO shares (miner_id, block_number, sha, nonce, sampling_difficulty, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sha) DO NOTHING
		RETURNING id`

	stored := make([]Share, 0, len(shares))
	for _, share := range shares {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT share_row"); err != nil {
			return nil, fmt.Errorf("failed to create savepoint: %w", err)
		}

		err := tx.QueryRowContext(ctx, query,
			share.MinerID, share.BlockNumber, share.SHA, share.Nonce,
			share.SamplingDifficulty, share.CreatedAt,
		).Scan(&share.ID)

		switch {
		case err == nil:
			stored = append(stored, share)
		case errors.Is(err, sql.ErrNoRows):
			// sha already stored
		case isRowError(err):
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT share_row"); err != nil {
				return nil, fmt.Errorf("failed to roll back share row: %w", err)
			}
			continue
		default:
			return nil, fmt.Errorf("failed to insert share: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT share_row"); err != nil {
			return nil, fmt.Errorf("failed to release savepoint: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit share batch: %w", err)
	}
	return stored, nil
}

// CountByMiner aggregates shares created in [start, end] per miner and sampling difficulty.
func (r *ShareRepository) CountByMiner(ctx context.Context, start, end time.Time) ([]MinerShareCount, error) {
	query := `
		SELECT s.miner_id, m.address, s.sampling_difficulty, COUNT(*)
		FROM shares s
		JOIN miners m ON m.id = s.miner_id
		WHERE s.created_at >= $1 AND s.created_at <= $2
		GROUP BY s.miner_id, m.address, s.sampling_difficulty
		ORDER BY s.miner_id, s.sampling_difficulty`

	return r.queryCounts(ctx, query, start, end)
}

// CountForMiner aggregates one miner's shares created in [start, end] per sampling difficulty.
func (r *ShareRepository) CountForMiner(ctx context.Context, minerID int64, start, end time.Time) ([]MinerShareCount, error) {
	query := `
		SELECT s.miner_id, m.address, s.sampling_difficulty, COUNT(*)
		FROM shares s
		JOIN miners m ON m.id = s.miner_id
		WHERE s.miner_id = $3 AND s.created_at >= $1 AND s.created_at <= $2
		GROUP BY s.miner_id, m.address, s.sampling_difficulty`

	return r.queryCounts(ctx, query, start, end, minerID)
}

func (r *ShareRepository) queryCounts(ctx context.Context, query string, args ...any) ([]MinerShareCount, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count shares: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts []MinerShareCount
	for rows.Next() {
		var c MinerShareCount
		if err := rows.Scan(&c.MinerID, &c.Address, &c.SamplingDifficulty, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan share count: %w", err)
		}
		counts = append(counts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating share counts: %w", err)
	}

	return counts, nil
}

// OldestCreatedAt returns the creation time of the oldest stored share, or nil if there is none.
func (r *ShareRepository) OldestCreatedAt(ctx context.Context) (*time.Time, error) {
	var oldest sql.NullTime
	if err := r.db.QueryRowContext(ctx, `SELECT MIN(created_at) FROM shares`).Scan(&oldest); err != nil {
		return nil, fmt.Errorf("failed to get oldest share: %w", err)
	}
	if !oldest.Valid {
		return nil, nil
	}
	return &oldest.Time, nil
}

// PruneBefore deletes shares created before cutoff, keeping any share a datum submission
// refers to by sha and block number. It returns the number of deleted rows.
func (r *ShareRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM shares s
		WHERE s.created_at < $1
		  AND NOT EXISTS (
		      SELECT 1 FROM datum_submissions d
		      WHERE d.sha = s.sha AND d.block_number = s.block_number
		  )`

	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune shares: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned shares: %w", err)
	}
	return n, nil
}

// DatumRepository handles datum submission operations
type DatumRepository struct {
	db *sql.DB
}

// NewDatumRepository creates a new datum repository
func NewDatumRepository(db *sql.DB) *DatumRepository {
	return &DatumRepository{db: db}
}

const datumColumns = `transaction_hash, sha, block_number, miner_id, created_at, rejected,
		       confirmed_in_slot, confirmed_at, paid_at`

// Create records a new PENDING datum submission.
func (r *DatumRepository) Create(ctx context.Context, d *DatumSubmission) error {
	query := `
		INSERT INTO datum_submissions (transaction_hash, sha, block_number, miner_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.db.ExecContext(ctx, query, d.TransactionHash, d.SHA, d.BlockNumber, d.MinerID, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create datum submission: %w", err)
	}
	return nil
}

// Pending returns datum submissions neither confirmed nor rejected, oldest first.
func (r *DatumRepository) Pending(ctx context.Context) ([]DatumSubmission, error) {
	return r.query(ctx, `
		SELECT `+datumColumns+`
		FROM datum_submissions
		WHERE NOT rejected AND confirmed_in_slot IS NULL
		ORDER BY created_at`)
}

// ConfirmedUnpaid returns confirmed datums without payout rows, oldest first.
func (r *DatumRepository) ConfirmedUnpaid(ctx context.Context) ([]DatumSubmission, error) {
	return r.query(ctx, `
		SELECT `+datumColumns+`
		FROM datum_submissions
		WHERE NOT rejected AND confirmed_in_slot IS NOT NULL AND paid_at IS NULL
		ORDER BY created_at`)
}

// NewestPaid returns the most recently confirmed datum that has been paid out, or nil.
func (r *DatumRepository) NewestPaid(ctx context.Context) (*DatumSubmission, error) {
	return r.first(r.query(ctx, `
		SELECT `+datumColumns+`
		FROM datum_submissions
		WHERE NOT rejected AND paid_at IS NOT NULL
		ORDER BY confirmed_at DESC
		LIMIT 1`))
}

// OldestUnpaid returns the oldest datum that is not rejected and not yet paid, or nil.
func (r *DatumRepository) OldestUnpaid(ctx context.Context) (*DatumSubmission, error) {
	return r.first(r.query(ctx, `
		SELECT `+datumColumns+`
		FROM datum_submissions
		WHERE NOT rejected AND paid_at IS NULL
		ORDER BY created_at
		LIMIT 1`))
}

// NthNewestConfirmedAt returns the confirmation time of the n-th newest confirmed datum
// (1-based), or nil when fewer than n datums are confirmed.
func (r *DatumRepository) NthNewestConfirmedAt(ctx context.Context, n int) (*time.Time, error) {
	query := `
		SELECT confirmed_at FROM datum_submissions
		WHERE NOT rejected AND confirmed_at IS NOT NULL
		ORDER BY confirmed_at DESC
		OFFSET $1 LIMIT 1`

	var at time.Time
	err := r.db.QueryRowContext(ctx, query, n-1).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get confirmed datum: %w", err)
	}
	return &at, nil
}

// Confirm moves a PENDING datum to CONFIRMED. Datums already settled are left unchanged.
func (r *DatumRepository) Confirm(ctx context.Context, txHash string, slot int64, at time.Time) error {
	query := `
		UPDATE datum_submissions SET confirmed_in_slot = $1, confirmed_at = $2
		WHERE transaction_hash = $3 AND NOT rejected AND confirmed_in_slot IS NULL`

	if _, err := r.db.ExecContext(ctx, query, slot, at, txHash); err != nil {
		return fmt.Errorf("failed to confirm datum: %w", err)
	}
	return nil
}

// Reject moves a PENDING datum to REJECTED.
func (r *DatumRepository) Reject(ctx context.Context, txHash string) error {
	query := `
		UPDATE datum_submissions SET rejected = TRUE
		WHERE transaction_hash = $1 AND confirmed_in_slot IS NULL`

	if _, err := r.db.ExecContext(ctx, query, txHash); err != nil {
		return fmt.Errorf("failed to reject datum: %w", err)
	}
	return nil
}

func (r *DatumRepository) query(ctx context.Context, query string, args ...any) ([]DatumSubmission, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query datum submissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var datums []DatumSubmission
	for rows.Next() {
		var d DatumSubmission
		var slot sql.NullInt64
		var confirmedAt, paidAt sql.NullTime
		err := rows.Scan(
			&d.TransactionHash, &d.SHA, &d.BlockNumber, &d.MinerID, &d.CreatedAt,
			&d.Rejected, &slot, &confirmedAt, &paidAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan datum submission: %w", err)
		}
		if slot.Valid {
			d.ConfirmedInSlot = &slot.Int64
		}
		if confirmedAt.Valid {
			d.ConfirmedAt = &confirmedAt.Time
		}
		if paidAt.Valid {
			d.PaidAt = &paidAt.Time
		}
		datums = append(datums, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating datum submissions: %w", err)
	}

	return datums, nil
}

func (r *DatumRepository) first(datums []DatumSubmission, err error) (*DatumSubmission, error) {
	if err != nil || len(datums) == 0 {
		return nil, err
	}
	return &datums[0], nil
}

// PayoutRepository handles payout and payment batch operations
type PayoutRepository struct {
	db *sql.DB
}

// NewPayoutRepository creates a new payout repository
func NewPayoutRepository(db *sql.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// CreateForDatums writes payout rows and marks every datum in datumHashes paid, all in one
// transaction. A row with an empty address is paid to the miner's registered address.
func (r *PayoutRepository) CreateForDatums(ctx context.Context, datumHashes []string, payouts []Payout, paidAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin payout transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := `
		INSERT INTO payouts (datum_transaction_hash, miner_id, address, amount, created_at)
		VALUES ($1, $2, COALESCE(NULLIF($3, ''), (SELECT address FROM miners WHERE id = $2)), $4, $5)`

	for _, p := range payouts {
		if _, err := tx.ExecContext(ctx, insert, p.DatumTransactionHash, p.MinerID, p.Address, p.Amount, paidAt); err != nil {
			return fmt.Errorf("failed to create payout: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE datum_submissions SET paid_at = $1
		WHERE transaction_hash = ANY($2) AND paid_at IS NULL`,
		paidAt, pq.Array(datumHashes))
	if err != nil {
		return fmt.Errorf("failed to mark datums paid: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n != int64(len(datumHashes)) {
		return fmt.Errorf("marked %d of %d datums paid", n, len(datumHashes))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payout transaction: %w", err)
	}
	return nil
}

// Due returns payout rows with no payment in flight.
func (r *PayoutRepository) Due(ctx context.Context) ([]Payout, error) {
	query := `
		SELECT id, datum_transaction_hash, miner_id, address, amount, is_paid,
		       transaction_hash, transaction_time, created_at
		FROM payouts
		WHERE NOT is_paid AND transaction_hash IS NULL
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query due payouts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var payouts []Payout
	for rows.Next() {
		var p Payout
		var txHash sql.NullString
		var txTime sql.NullTime
		err := rows.Scan(&p.ID, &p.DatumTransactionHash, &p.MinerID, &p.Address, &p.Amount,
			&p.IsPaid, &txHash, &txTime, &p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		if txHash.Valid {
			p.TransactionHash = &txHash.String
		}
		if txTime.Valid {
			p.TransactionTime = &txTime.Time
		}
		payouts = append(payouts, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payouts: %w", err)
	}

	return payouts, nil
}

// HasTentative reports whether any payment batch is in flight.
func (r *PayoutRepository) HasTentative(ctx context.Context) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payouts WHERE NOT is_paid AND transaction_hash IS NOT NULL)`,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check tentative payouts: %w", err)
	}
	return exists, nil
}

// MarkTentative assigns a payment transaction to the given DUE rows. Rows that are no longer
// DUE are left unchanged; the transaction fails if any id was not updated.
func (r *PayoutRepository) MarkTentative(ctx context.Context, ids []int64, txHash string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin payment transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE payouts SET transaction_hash = $1, transaction_time = $2
		WHERE id = ANY($3) AND NOT is_paid AND transaction_hash IS NULL`,
		txHash, at, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to mark payouts tentative: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n != int64(len(ids)) {
		return fmt.Errorf("marked %d of %d payouts tentative", n, len(ids))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payment transaction: %w", err)
	}
	return nil
}

// TentativeBatches lists in-flight payment transactions with their oldest assignment time.
func (r *PayoutRepository) TentativeBatches(ctx context.Context) ([]PaymentBatch, error) {
	query := `
		SELECT transaction_hash, MIN(transaction_time), COUNT(*)
		FROM payouts
		WHERE NOT is_paid AND transaction_hash IS NOT NULL
		GROUP BY transaction_hash
		ORDER BY MIN(transaction_time)`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var batches []PaymentBatch
	for rows.Next() {
		var b PaymentBatch
		if err := rows.Scan(&b.TransactionHash, &b.TransactionTime, &b.Rows); err != nil {
			return nil, fmt.Errorf("failed to scan payment batch: %w", err)
		}
		batches = append(batches, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payment batches: %w", err)
	}

	return batches, nil
}

// MarkPaid marks every row of a payment transaction PAID and returns how many rows changed.
func (r *PayoutRepository) MarkPaid(ctx context.Context, txHash string) (int64, error) {
	return r.exec(ctx, "mark payouts paid",
		`UPDATE payouts SET is_paid = TRUE WHERE transaction_hash = $1 AND NOT is_paid`, txHash)
}

// Reset returns the rows of a payment transaction to DUE.
func (r *PayoutRepository) Reset(ctx context.Context, txHash string) (int64, error) {
	return r.exec(ctx, "reset payouts",
		`UPDATE payouts SET transaction_hash = NULL, transaction_time = NULL
		 WHERE transaction_hash = $1 AND NOT is_paid`, txHash)
}

func (r *PayoutRepository) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", op, err)
	}
	return n, nil
}
