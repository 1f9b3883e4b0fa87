package api

import "github.com/bardlex/tunapool/internal/chain"

type messageResponse struct {
	Message string `json:"message"`
}

type workResponse struct {
	Nonce        string              `json:"nonce"`
	MinZeroes    int                 `json:"min_zeroes"`
	CurrentBlock chain.ReadableBlock `json:"current_block"`
}

type submitEntry struct {
	Nonce string `json:"nonce"`
}

type submitRequest struct {
	Address string        `json:"address" binding:"required"`
	Entries []submitEntry `json:"entries"`
}

type submitResponse struct {
	NumAccepted  int                 `json:"num_accepted"`
	Nonce        string              `json:"nonce"`
	WorkingBlock chain.ReadableBlock `json:"working_block"`
}

type rawSubmitResponse struct {
	NumAccepted    int    `json:"num_accepted"`
	Nonce          string `json:"nonce"`
	RawTargetState string `json:"raw_target_state"`
}

type hashrateResponse struct {
	EstimatedHashRate float64 `json:"estimated_hash_rate"`
}

type minerResponse struct {
	MinerID            int64  `json:"miner_id"`
	PKH                string `json:"pkh"`
	Address            string `json:"address"`
	SamplingDifficulty int    `json:"sampling_difficulty"`
	SharesThisHour     *int64 `json:"shares_this_hour,omitempty"`
}

type healthResponse struct {
	Status      string            `json:"status"`
	Checks      map[string]string `json:"checks"`
	BlockNumber int64             `json:"block_number"`
	MirrorBlock *int64            `json:"mirror_block_number,omitempty"`
}
