package postgres

import (
	"time"
)

// Miner is a pool participant identified by the key hash of its wallet address.
type Miner struct {
	ID                 int64     `db:"id"`
	PKH                string    `db:"pkh"`
	Address            string    `db:"address"`
	SamplingDifficulty int       `db:"sampling_difficulty"`
	CreatedAt          time.Time `db:"created_at"`
}

// Share is an accepted proof of work. Rows are append-only.
type Share struct {
	ID                 int64     `db:"id"`
	MinerID            int64     `db:"miner_id"`
	BlockNumber        int64     `db:"block_number"`
	SHA                string    `db:"sha"`
	Nonce              string    `db:"nonce"`
	SamplingDifficulty int       `db:"sampling_difficulty"`
	CreatedAt          time.Time `db:"created_at"`
}

// Datum submission states.
const (
	DatumPending   = "PENDING"
	DatumConfirmed = "CONFIRMED"
	DatumRejected  = "REJECTED"
)

// DatumSubmission is a winning share relayed on chain.
type DatumSubmission struct {
	TransactionHash string     `db:"transaction_hash"`
	SHA             string     `db:"sha"`
	BlockNumber     int64      `db:"block_number"`
	MinerID         int64      `db:"miner_id"`
	CreatedAt       time.Time  `db:"created_at"`
	Rejected        bool       `db:"rejected"`
	ConfirmedInSlot *int64     `db:"confirmed_in_slot"`
	ConfirmedAt     *time.Time `db:"confirmed_at"`
	PaidAt          *time.Time `db:"paid_at"`
}

// State derives PENDING, CONFIRMED or REJECTED from the row.
func (d DatumSubmission) State() string {
	switch {
	case d.Rejected:
		return DatumRejected
	case d.ConfirmedInSlot != nil:
		return DatumConfirmed
	default:
		return DatumPending
	}
}

// Payout states.
const (
	PayoutDue       = "DUE"
	PayoutTentative = "TENTATIVE"
	PayoutPaid      = "PAID"
)

// Payout is the amount owed to one miner for one confirmed datum.
type Payout struct {
	ID                   int64      `db:"id"`
	DatumTransactionHash string     `db:"datum_transaction_hash"`
	MinerID              int64      `db:"miner_id"`
	Address              string     `db:"address"`
	Amount               int64      `db:"amount"`
	IsPaid               bool       `db:"is_paid"`
	TransactionHash      *string    `db:"transaction_hash"`
	TransactionTime      *time.Time `db:"transaction_time"`
	CreatedAt            time.Time  `db:"created_at"`
}

// State derives DUE, TENTATIVE or PAID from the row.
func (p Payout) State() string {
	switch {
	case p.IsPaid:
		return PayoutPaid
	case p.TransactionHash != nil:
		return PayoutTentative
	default:
		return PayoutDue
	}
}

// MinerShareCount aggregates a miner's shares in a time window at one sampling difficulty.
type MinerShareCount struct {
	MinerID            int64  `db:"miner_id"`
	Address            string `db:"address"`
	SamplingDifficulty int    `db:"sampling_difficulty"`
	Count              int64  `db:"count"`
}

// PaymentBatch is the set of TENTATIVE payout rows sharing one payment transaction.
type PaymentBatch struct {
	TransactionHash string    `db:"transaction_hash"`
	TransactionTime time.Time `db:"transaction_time"`
	Rows            int       `db:"rows"`
}
