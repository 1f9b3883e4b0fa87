// Package chain tracks the on-chain TUNA puzzle state.
//
// The authoritative state lives in the inline datum of the contract output that carries the
// lord tuna NFT. The package decodes that datum into a Block, rebuilds the target state that
// miners hash, and keeps a small history of recently observed blocks behind a snapshot cache.
package chain

import (
	"encoding/hex"
	"slices"
)

// Block is one observed puzzle state plus the output it was read from.
type Block struct {
	BlockNumber      int64
	CurrentHash      []byte
	LeadingZeroes    int
	DifficultyNumber int64
	EpochTime        int64
	CurrentTime      int64
	// Extra is the raw CBOR of the datum's extra field, kept verbatim. The integer 0 the
	// contract uses for "no message" is held as nil.
	Extra     []byte
	Interlink [][]byte

	TransactionID string
	OutputIndex   int
}

// IsZero reports whether b is the default value returned before any block was observed.
func (b Block) IsZero() bool {
	return b.BlockNumber == 0 && len(b.CurrentHash) == 0 && b.TransactionID == ""
}

// Clone returns a deep copy so callers can hold it without sharing slices with the cache.
func (b Block) Clone() Block {
	c := b
	c.CurrentHash = slices.Clone(b.CurrentHash)
	c.Extra = slices.Clone(b.Extra)
	if b.Interlink != nil {
		c.Interlink = make([][]byte, len(b.Interlink))
		for i, link := range b.Interlink {
			c.Interlink[i] = slices.Clone(link)
		}
	}
	return c
}

// ReadableBlock is the JSON form handed to miners, with byte fields hex encoded.
type ReadableBlock struct {
	BlockNumber      int64    `json:"block_number"`
	CurrentHash      string   `json:"current_hash"`
	LeadingZeroes    int      `json:"leading_zeroes"`
	DifficultyNumber int64    `json:"difficulty_number"`
	EpochTime        int64    `json:"epoch_time"`
	CurrentTime      int64    `json:"current_time"`
	Extra            string   `json:"extra"`
	Interlink        []string `json:"interlink"`
	TransactionID    string   `json:"transaction_id,omitempty"`
	OutputIndex      int      `json:"output_index"`
}

// Readable converts b for JSON responses.
func (b Block) Readable() ReadableBlock {
	links := make([]string, len(b.Interlink))
	for i, link := range b.Interlink {
		links[i] = hex.EncodeToString(link)
	}
	return ReadableBlock{
		BlockNumber:      b.BlockNumber,
		CurrentHash:      hex.EncodeToString(b.CurrentHash),
		LeadingZeroes:    b.LeadingZeroes,
		DifficultyNumber: b.DifficultyNumber,
		EpochTime:        b.EpochTime,
		CurrentTime:      b.CurrentTime,
		Extra:            hex.EncodeToString(b.Extra),
		Interlink:        links,
		TransactionID:    b.TransactionID,
		OutputIndex:      b.OutputIndex,
	}
}
