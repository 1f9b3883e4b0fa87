package chain

import (
	"context"
	"time"

	"github.com/bardlex/tunapool/internal/indexer"
	"github.com/bardlex/tunapool/pkg/errors"
	"github.com/bardlex/tunapool/pkg/log"
)

// Indexer is the part of the chain indexer the updater reads from.
type Indexer interface {
	UnspentAt(ctx context.Context, address string) ([]indexer.Match, error)
	Datum(ctx context.Context, hash string) ([]byte, error)
}

// Mirror receives every block that becomes the new head, e.g. to publish it to a shared cache.
type Mirror interface {
	PublishBlock(ctx context.Context, b Block) error
}

// Updater polls the indexer and feeds new puzzle states into a BlockCache.
type Updater struct {
	cache    *BlockCache
	indexer  Indexer
	address  string
	asset    string
	interval time.Duration
	mirror   Mirror
	onBlock  func(Block)
	logger   *log.Logger
}

// UpdaterConfig configures an Updater.
type UpdaterConfig struct {
	ContractAddress string
	ContractAsset   string
	Interval        time.Duration
	// Mirror and OnBlock are optional.
	Mirror  Mirror
	OnBlock func(Block)
}

// NewUpdater creates an updater writing into cache.
func NewUpdater(cache *BlockCache, idx Indexer, cfg UpdaterConfig, logger *log.Logger) *Updater {
	return &Updater{
		cache:    cache,
		indexer:  idx,
		address:  cfg.ContractAddress,
		asset:    cfg.ContractAsset,
		interval: cfg.Interval,
		mirror:   cfg.Mirror,
		onBlock:  cfg.OnBlock,
		logger:   logger.WithComponent("chain_updater"),
	}
}

// Update fetches the current puzzle datum once. It reports whether the cache head changed.
// A block that does not supersede the cached head leaves the cache untouched.
func (u *Updater) Update(ctx context.Context) (bool, error) {
	matches, err := u.indexer.UnspentAt(ctx, u.address)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeIndexer, "update_block", "failed to list contract outputs")
	}

	var state *indexer.Match
	for i := range matches {
		if matches[i].HasAsset(u.asset, 1) {
			state = &matches[i]
			break
		}
	}
	if state == nil {
		return false, errors.New(errors.ErrorTypeIndexer, "update_block", "no contract output carries the state token").
			WithContext("address", u.address).
			WithContext("asset", u.asset)
	}
	if state.DatumHash == "" {
		return false, errors.New(errors.ErrorTypeValidation, "update_block", "state output has no datum").
			WithContext("transaction_id", state.TransactionID)
	}

	raw, err := u.indexer.Datum(ctx, state.DatumHash)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeIndexer, "update_block", "failed to fetch datum")
	}

	block, err := DecodeDatum(raw)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeValidation, "update_block", "failed to decode datum").
			WithContext("datum_hash", state.DatumHash)
	}
	block.TransactionID = state.TransactionID
	block.OutputIndex = state.OutputIndex

	if !u.cache.Offer(block) {
		return false, nil
	}

	u.logger.WithBlock(block.BlockNumber).Info("new puzzle block",
		"transaction_id", block.TransactionID,
		"leading_zeroes", block.LeadingZeroes,
		"difficulty_number", block.DifficultyNumber,
	)
	if u.onBlock != nil {
		u.onBlock(block)
	}
	if u.mirror != nil {
		if err := u.mirror.PublishBlock(ctx, block); err != nil {
			u.logger.WithError(err).Warn("failed to mirror block")
		}
	}
	return true, nil
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (u *Updater) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		if _, err := u.Update(ctx); err != nil && ctx.Err() == nil {
			u.logger.WithError(err).Error("block update failed, keeping cached state")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
