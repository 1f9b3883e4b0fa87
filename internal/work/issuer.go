package work

import (
	"encoding/hex"

	"github.com/bardlex/tunapool/internal/chain"
)

// maxSamplingDifficulty is the number of nibbles in a 32-byte hash.
const maxSamplingDifficulty = 64

// BlockSource returns the current puzzle block without blocking.
type BlockSource interface {
	Latest() chain.Block
}

// Work is one unit of work handed to a miner.
type Work struct {
	Nonce     [chain.NonceSize]byte
	MinZeroes int
	Block     chain.Block
}

// NonceHex returns the nonce as lowercase hex.
func (w Work) NonceHex() string {
	return hex.EncodeToString(w.Nonce[:])
}

// Issuer builds Work for miners of one pool.
type Issuer struct {
	blocks BlockSource
	poolID uint8
	floor  int
}

// NewIssuer creates an issuer. floor is the lowest sampling difficulty any miner may use.
func NewIssuer(blocks BlockSource, poolID uint8, floor int) *Issuer {
	return &Issuer{blocks: blocks, poolID: poolID, floor: floor}
}

// PoolID returns the identity byte stamped into every nonce.
func (i *Issuer) PoolID() uint8 {
	return i.poolID
}

// SamplingDifficulty clamps a requested sampling difficulty to [floor, 64].
func (i *Issuer) SamplingDifficulty(requested int) int {
	return min(max(requested, i.floor), maxSamplingDifficulty)
}

// Issue builds work for minerID at the given sampling difficulty.
func (i *Issuer) Issue(minerID int64, samplingDifficulty int) (Work, error) {
	nonce, err := GenerateNonce(minerID, i.poolID)
	if err != nil {
		return Work{}, err
	}
	return Work{
		Nonce:     nonce,
		MinZeroes: i.SamplingDifficulty(samplingDifficulty),
		Block:     i.blocks.Latest(),
	}, nil
}
