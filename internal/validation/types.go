package validation

import (
	"context"

	"github.com/bardlex/tunapool/internal/chain"
	"github.com/bardlex/tunapool/internal/database/postgres"
)

// BlockSource returns the current puzzle block without blocking.
type BlockSource interface {
	Latest() chain.Block
}

// ShareStore persists accepted shares. InsertShares writes the batch in one transaction,
// skipping rows that fail individually (duplicate sha), and returns the rows that were stored.
type ShareStore interface {
	InsertShares(ctx context.Context, shares []postgres.Share) ([]postgres.Share, error)
}

// Winner is an accepted share that also meets the puzzle target.
type Winner struct {
	Block      chain.Block
	Miner      postgres.Miner
	Share      postgres.Share
	Difficulty Difficulty
}

// WinnerHandler takes a winning share to settlement.
type WinnerHandler interface {
	SubmitWinner(ctx context.Context, w Winner) error
}

// Result is the outcome of validating one submission batch.
type Result struct {
	Block     chain.Block
	Submitted int
	Verified  int
	Accepted  int
	Rejected  map[string]int
	Winner    *Winner
}

// Rejection reasons reported in Result.Rejected and the shares_rejected_total metric.
const (
	RejectMalformed  = "malformed"
	RejectProvenance = "provenance"
	RejectDuplicate  = "duplicate"
	RejectLowWork    = "below_sampling_difficulty"
	RejectStored     = "already_stored"
)
