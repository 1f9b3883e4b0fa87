package relay

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bardlex/tunapool/internal/chain"
)

// SubmitRequest asks the relay to build and submit the next datum.
type SubmitRequest struct {
	Nonce            string           `json:"nonce"`
	SHA              string           `json:"sha"`
	CurrentBlock     Block            `json:"current_block"`
	NewLeadingZeroes int              `json:"new_zeroes"`
	NewDifficulty    int64            `json:"new_difficulty"`
	MinerPayments    map[string]int64 `json:"miner_payments"`
	PoolHashrate     float64          `json:"hash_rate"`
}

// PaymentRequest asks the relay to pay out owed amounts.
type PaymentRequest struct {
	DatumTransactionHashes []string         `json:"datum_transaction_hashes"`
	Payments               map[string]int64 `json:"payments"`
}

// Response is returned by both relay endpoints.
type Response struct {
	TxHash  string `json:"tx_hash"`
	Message string `json:"message,omitempty"`
}

// Block is the relay's view of the puzzle state. Byte fields travel as arrays of numbers.
type Block struct {
	BlockNumber      int64       `json:"block_number"`
	CurrentHash      byteArray   `json:"current_hash"`
	LeadingZeroes    int         `json:"leading_zeroes"`
	DifficultyNumber int64       `json:"difficulty_number"`
	EpochTime        int64       `json:"epoch_time"`
	CurrentTime      int64       `json:"current_time"`
	Extra            byteArray   `json:"extra"`
	Interlink        []byteArray `json:"interlink"`
	OutputIndex      int         `json:"output_index"`
	TransactionID    string      `json:"transaction_id"`
}

// NewBlock converts a cached block for the relay.
func NewBlock(b chain.Block) Block {
	links := make([]byteArray, len(b.Interlink))
	for i, link := range b.Interlink {
		links[i] = byteArray(link)
	}
	return Block{
		BlockNumber:      b.BlockNumber,
		CurrentHash:      byteArray(b.CurrentHash),
		LeadingZeroes:    b.LeadingZeroes,
		DifficultyNumber: b.DifficultyNumber,
		EpochTime:        b.EpochTime,
		CurrentTime:      b.CurrentTime,
		Extra:            byteArray(b.Extra),
		Interlink:        links,
		OutputIndex:      b.OutputIndex,
		TransactionID:    b.TransactionID,
	}
}

// byteArray marshals as a JSON array of numbers instead of base64.
type byteArray []byte

func (a byteArray) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	sb.Grow(len(a)*4 + 2)
	sb.WriteByte('[')
	for i, v := range a {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(v)))
	}
	sb.WriteByte(']')
	return []byte(sb.String()), nil
}

func (a *byteArray) UnmarshalJSON(data []byte) error {
	var values []uint16
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v > 0xff {
			return fmt.Errorf("byte value %d out of range", v)
		}
		out[i] = byte(v)
	}
	*a = out
	return nil
}
