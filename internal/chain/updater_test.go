package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/bardlex/tunapool/internal/indexer"
	"github.com/bardlex/tunapool/pkg/log"
)

const testAsset = "502fbfbdafc7ddada9c335bd1440781e5445d08bada77dc2032866a6.6c6f72642074756e61"

type mockIndexer struct {
	matches  []indexer.Match
	datums   map[string][]byte
	matchErr error
}

func (m *mockIndexer) UnspentAt(_ context.Context, _ string) ([]indexer.Match, error) {
	return m.matches, m.matchErr
}

func (m *mockIndexer) Datum(_ context.Context, hash string) ([]byte, error) {
	raw, ok := m.datums[hash]
	if !ok {
		return nil, errors.New("datum not found")
	}
	return raw, nil
}

type recordingMirror struct {
	blocks []int64
}

func (m *recordingMirror) PublishBlock(_ context.Context, b Block) error {
	m.blocks = append(m.blocks, b.BlockNumber)
	return nil
}

func stateOutput(txID, datumHash string) indexer.Match {
	return indexer.Match{
		TransactionID: txID,
		OutputIndex:   0,
		DatumHash:     datumHash,
		Value:         indexer.Value{Coins: 2_000_000, Assets: map[string]int64{testAsset: 1}},
	}
}

func encodeNumber(t *testing.T, n int64) []byte {
	t.Helper()
	b := sampleBlock()
	b.BlockNumber = n
	raw, err := EncodeDatum(b)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func newTestUpdater(idx Indexer, mirror Mirror) (*Updater, *BlockCache) {
	cache := NewBlockCache(10)
	u := NewUpdater(cache, idx, UpdaterConfig{
		ContractAddress: "addr_test1",
		ContractAsset:   testAsset,
		Mirror:          mirror,
	}, log.Nop())
	return u, cache
}

func TestUpdater_Update(t *testing.T) {
	idx := &mockIndexer{
		matches: []indexer.Match{
			{TransactionID: "other", DatumHash: "x", Value: indexer.Value{Assets: map[string]int64{}}},
			stateOutput("tx1", "d1"),
		},
		datums: map[string][]byte{"d1": encodeNumber(t, 100)},
	}
	mirror := &recordingMirror{}
	u, cache := newTestUpdater(idx, mirror)

	changed, err := u.Update(context.Background())
	if err != nil || !changed {
		t.Fatalf("Update() = %v, %v; want true, nil", changed, err)
	}

	head := cache.Latest()
	if head.BlockNumber != 100 || head.TransactionID != "tx1" {
		t.Errorf("head = %d/%s, want 100/tx1", head.BlockNumber, head.TransactionID)
	}
	if len(mirror.blocks) != 1 || mirror.blocks[0] != 100 {
		t.Errorf("mirror saw %v", mirror.blocks)
	}

	// same datum again is a no-op
	changed, err = u.Update(context.Background())
	if err != nil || changed {
		t.Errorf("repeat Update() = %v, %v; want false, nil", changed, err)
	}
	if len(mirror.blocks) != 1 {
		t.Error("stale update must not be mirrored")
	}
}

func TestUpdater_FailuresKeepCachedState(t *testing.T) {
	idx := &mockIndexer{
		matches: []indexer.Match{stateOutput("tx1", "d1")},
		datums:  map[string][]byte{"d1": encodeNumber(t, 7)},
	}
	u, cache := newTestUpdater(idx, nil)
	if _, err := u.Update(context.Background()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		setup func()
	}{
		{"indexer down", func() { idx.matchErr = errors.New("connection refused") }},
		{"no state output", func() {
			idx.matchErr = nil
			idx.matches = []indexer.Match{{TransactionID: "tx9", DatumHash: "d9"}}
		}},
		{"undecodable datum", func() {
			idx.matches = []indexer.Match{stateOutput("tx2", "d2")}
			idx.datums["d2"] = []byte{0xd8, 0x79, 0x80}
		}},
		{"missing datum", func() {
			idx.matches = []indexer.Match{stateOutput("tx3", "d3")}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			if _, err := u.Update(context.Background()); err == nil {
				t.Error("expected error")
			}
			if head := cache.Latest(); head.BlockNumber != 7 || head.TransactionID != "tx1" {
				t.Errorf("cached head changed to %d/%s", head.BlockNumber, head.TransactionID)
			}
		})
	}
}
