// Package indexer provides a client for the Kupo chain indexer.
// Kupo answers pattern queries over transaction outputs and serves datums by hash; the pool
// uses it to read the puzzle state and to confirm that relayed transactions reached the chain.
package indexer

// Match is one transaction output returned by a matches query.
type Match struct {
	TransactionIndex int    `json:"transaction_index"`
	TransactionID    string `json:"transaction_id"`
	OutputIndex      int    `json:"output_index"`
	Address          string `json:"address"`
	Value            Value  `json:"value"`
	DatumHash        string `json:"datum_hash,omitempty"`
	DatumType        string `json:"datum_type,omitempty"`
	CreatedAt        Point  `json:"created_at"`
	SpentAt          *Point `json:"spent_at,omitempty"`
}

// Value is the coin and asset content of an output. Asset keys are "policy.assetname" in hex.
type Value struct {
	Coins  int64            `json:"coins"`
	Assets map[string]int64 `json:"assets"`
}

// Point identifies a slot on chain.
type Point struct {
	SlotNo     int64  `json:"slot_no"`
	HeaderHash string `json:"header_hash"`
}

// HasAsset reports whether the output holds exactly amount units of asset.
func (m Match) HasAsset(asset string, amount int64) bool {
	return m.Value.Assets[asset] == amount
}

type datumResponse struct {
	Datum string `json:"datum"`
}
