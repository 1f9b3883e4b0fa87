// Package validation verifies submitted proofs of work.
// It rebuilds the target state for each nonce, recomputes the double SHA-256, scores the
// result by leading zero nibbles and separates sampling shares from winning solutions.
package validation

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/bardlex/tunapool/internal/chain"
	"github.com/bardlex/tunapool/internal/database/postgres"
	"github.com/bardlex/tunapool/internal/metrics"
	"github.com/bardlex/tunapool/internal/work"
	"github.com/bardlex/tunapool/pkg/errors"
	"github.com/bardlex/tunapool/pkg/log"
)

// Config holds validator parameters.
type Config struct {
	PoolID uint8
	// MinWinningZeroes is an absolute floor a winning share must reach regardless of the
	// on-chain target.
	MinWinningZeroes int
	// WinnerTimeout bounds the synchronous hand-off of a winning share.
	WinnerTimeout time.Duration
}

// ProofValidator validates submission batches from miners.
type ProofValidator struct {
	blocks  BlockSource
	shares  ShareStore
	winners WinnerHandler
	config  Config
	logger  *log.Logger

	hash func([]byte) []byte
	now  func() time.Time
}

// NewProofValidator creates a validator. winners may be nil, in which case winning shares are
// recorded and logged but not submitted.
func NewProofValidator(blocks BlockSource, shares ShareStore, winners WinnerHandler, config Config, logger *log.Logger) *ProofValidator {
	if config.WinnerTimeout <= 0 {
		config.WinnerTimeout = 90 * time.Second
	}
	return &ProofValidator{
		blocks:  blocks,
		shares:  shares,
		winners: winners,
		config:  config,
		logger:  logger.WithComponent("proof_validator"),
		hash:    DoubleSHA256,
		now:     time.Now,
	}
}

type candidate struct {
	share      postgres.Share
	difficulty Difficulty
}

// Validate checks every hex nonce in entries against the current block for miner and
// persists the ones that meet the miner's sampling difficulty. Malformed or foreign entries
// are skipped; only a storage failure fails the whole call.
func (v *ProofValidator) Validate(ctx context.Context, miner postgres.Miner, entries []string) (*Result, error) {
	block := v.blocks.Latest()
	result := &Result{
		Block:     block,
		Submitted: len(entries),
		Rejected:  make(map[string]int),
	}
	if block.IsZero() {
		return nil, errors.New(errors.ErrorTypeValidation, "validate_proofs", "no puzzle state available yet")
	}

	// Built once; each nonce is spliced into the same buffer.
	state, err := chain.TargetState(block, make([]byte, chain.NonceSize))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "validate_proofs", "failed to encode target state")
	}

	now := v.now().UTC()
	seen := make(map[string]struct{}, len(entries))
	candidates := make([]candidate, 0, len(entries))

	for _, entry := range entries {
		nonce, err := hex.DecodeString(entry)
		if err != nil || len(nonce) != chain.NonceSize {
			result.Rejected[RejectMalformed]++
			continue
		}
		if !work.VerifyNonce(nonce, miner.ID, v.config.PoolID) {
			result.Rejected[RejectProvenance]++
			continue
		}
		key := hex.EncodeToString(nonce)
		if _, dup := seen[key]; dup {
			result.Rejected[RejectDuplicate]++
			continue
		}
		seen[key] = struct{}{}
		result.Verified++

		chain.SpliceNonce(state, nonce)
		hash := v.hash(state)
		d := Score(hash)
		if d.LeadingZeroes < miner.SamplingDifficulty {
			result.Rejected[RejectLowWork]++
			continue
		}

		candidates = append(candidates, candidate{
			share: postgres.Share{
				MinerID:            miner.ID,
				BlockNumber:        block.BlockNumber,
				SHA:                hex.EncodeToString(hash),
				Nonce:              key,
				SamplingDifficulty: miner.SamplingDifficulty,
				CreatedAt:          now,
			},
			difficulty: d,
		})
	}

	stored, err := v.store(ctx, candidates)
	if err != nil {
		return nil, err
	}
	result.Accepted = len(stored)
	result.Rejected[RejectStored] += len(candidates) - len(stored)
	v.record(result)

	// Only newly stored shares can win, so a replayed winner is never submitted twice.
	storedSHA := make(map[string]postgres.Share, len(stored))
	for _, s := range stored {
		storedSHA[s.SHA] = s
	}
	for _, c := range candidates {
		share, ok := storedSHA[c.share.SHA]
		if !ok || !v.isWinner(c.difficulty, block) {
			continue
		}
		result.Winner = &Winner{Block: block, Miner: miner, Share: share, Difficulty: c.difficulty}
		break
	}

	if result.Winner != nil {
		v.submitWinner(ctx, *result.Winner)
	}

	v.logger.WithMiner(miner.PKH, miner.ID).
		LogShareBatch(miner.ID, block.BlockNumber, result.Submitted, result.Verified, result.Accepted)
	return result, nil
}

func (v *ProofValidator) store(ctx context.Context, candidates []candidate) ([]postgres.Share, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	shares := make([]postgres.Share, len(candidates))
	for i, c := range candidates {
		shares[i] = c.share
	}
	stored, err := v.shares.InsertShares(ctx, shares)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "validate_proofs", "failed to store shares").
			WithContext("shares", len(shares))
	}
	return stored, nil
}

func (v *ProofValidator) isWinner(d Difficulty, block chain.Block) bool {
	return d.LeadingZeroes >= v.config.MinWinningZeroes &&
		d.Beats(block.LeadingZeroes, block.DifficultyNumber)
}

func (v *ProofValidator) submitWinner(ctx context.Context, w Winner) {
	metrics.WinningShares.Inc()
	v.logger.LogWinningShare(w.Share.SHA, w.Block.BlockNumber, w.Miner.ID,
		w.Difficulty.LeadingZeroes, w.Difficulty.DifficultyNumber)

	if v.winners == nil {
		return
	}

	// The miner's request may be cancelled; the submission must still complete.
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.config.WinnerTimeout)
	defer cancel()
	if err := v.winners.SubmitWinner(submitCtx, w); err != nil {
		v.logger.WithError(err).Error("winning share submission failed", "sha", w.Share.SHA)
	}
}

func (v *ProofValidator) record(r *Result) {
	metrics.SharesSubmitted.Add(float64(r.Submitted))
	metrics.SharesAccepted.Add(float64(r.Accepted))
	for reason, n := range r.Rejected {
		if n > 0 {
			metrics.SharesRejected.WithLabelValues(reason).Add(float64(n))
		}
	}
}
