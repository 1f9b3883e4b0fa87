// Package work hands out mining work: nonce templates bound to a miner and pool, packaged
// with the current puzzle state.
package work

import (
	"crypto/rand"
	"fmt"

	"github.com/bardlex/tunapool/internal/chain"
)

const (
	// randomBytes is the miner-controlled prefix of a nonce.
	randomBytes = 12
	// MaxMinerID is the largest miner id that fits the 3-byte identity field.
	MaxMinerID = 1<<24 - 1
)

// GenerateNonce returns a 16-byte nonce: 12 random bytes, the low 3 bytes of minerID in
// big-endian order, then poolID.
func GenerateNonce(minerID int64, poolID uint8) ([chain.NonceSize]byte, error) {
	var nonce [chain.NonceSize]byte
	if minerID < 0 || minerID > MaxMinerID {
		return nonce, fmt.Errorf("miner id %d does not fit in 3 bytes", minerID)
	}
	if _, err := rand.Read(nonce[:randomBytes]); err != nil {
		return nonce, fmt.Errorf("failed to read random bytes: %w", err)
	}
	putIdentity(nonce[:], minerID, poolID)
	return nonce, nil
}

// VerifyNonce reports whether nonce is 16 bytes long and carries exactly minerID and poolID
// in its last 4 bytes.
func VerifyNonce(nonce []byte, minerID int64, poolID uint8) bool {
	if len(nonce) != chain.NonceSize || minerID < 0 || minerID > MaxMinerID {
		return false
	}
	var want [4]byte
	want[0] = byte(minerID >> 16)
	want[1] = byte(minerID >> 8)
	want[2] = byte(minerID)
	want[3] = poolID
	return [4]byte(nonce[randomBytes:]) == want
}

func putIdentity(nonce []byte, minerID int64, poolID uint8) {
	nonce[12] = byte(minerID >> 16)
	nonce[13] = byte(minerID >> 8)
	nonce[14] = byte(minerID)
	nonce[15] = poolID
}
