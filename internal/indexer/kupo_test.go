package indexer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/tunapool/pkg/errors"
	"github.com/bardlex/tunapool/pkg/retry"
)

const lordTuna = "279f842c33eed9054b9e3c70cd6a3b32298259c24b78b895cb41d91a.6c6f72642074756e61"

func newTestClient(url string) *Client {
	c := NewClient(url, time.Second)
	c.retryConfig = &retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return c
}

func TestClient_UnspentAt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/matches/addr1xyz" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if _, ok := r.URL.Query()["unspent"]; !ok {
			t.Errorf("missing unspent flag in %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`[
			{"transaction_id":"aa","output_index":0,"address":"addr1xyz","value":{"coins":2000000,"assets":{}},"datum_hash":"d0","created_at":{"slot_no":10,"header_hash":"h"}},
			{"transaction_id":"bb","output_index":1,"address":"addr1xyz","value":{"coins":2000000,"assets":{"` + lordTuna + `":1}},"datum_hash":"d1","created_at":{"slot_no":11,"header_hash":"h"}}
		]`))
	}))
	defer srv.Close()

	matches, err := newTestClient(srv.URL).UnspentAt(context.Background(), "addr1xyz")
	if err != nil {
		t.Fatalf("UnspentAt() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].HasAsset(lordTuna, 1) {
		t.Error("first output should not hold the NFT")
	}
	if !matches[1].HasAsset(lordTuna, 1) || matches[1].DatumHash != "d1" || matches[1].CreatedAt.SlotNo != 11 {
		t.Errorf("unexpected second match: %+v", matches[1])
	}
}

func TestClient_TransactionOutputs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/matches/*@abcd" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	matches, err := newTestClient(srv.URL).TransactionOutputs(context.Background(), "abcd")
	if err != nil {
		t.Fatalf("TransactionOutputs() error = %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("got %d matches, want none", len(matches))
	}
}

func TestClient_Datum(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"found", `{"datum":"d8799f01ff"}`, "\xd8\x79\x9f\x01\xff", false},
		{"unknown", `null`, "", true},
		{"bad hex", `{"datum":"zz"}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, err := newTestClient(srv.URL).Datum(context.Background(), "d1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Datum() error = %v, wantErr %v", err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Errorf("Datum() = %x, want %x", got, tt.want)
			}
		})
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).TransactionOutputs(context.Background(), "ff"); err != nil {
		t.Fatalf("expected recovery after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad pattern", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).UnspentAt(context.Background(), "nope")
	if !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}
