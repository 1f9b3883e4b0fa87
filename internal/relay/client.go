// Package relay submits winning shares and payment batches to the transaction relay.
//
// The relay owns transaction construction and signing. Requests are never retried: a repeated
// datum submission could race the first one for the same contract output, so a failed round
// waits for the next winning share.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bardlex/tunapool/pkg/circuit"
	"github.com/bardlex/tunapool/pkg/errors"
)

// Client posts requests to the relay.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	circuitBreaker *circuit.Breaker
}

// NewClient creates a relay client for baseURL, e.g. http://localhost:22123.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		circuitBreaker: circuit.New("relay", &circuit.Config{
			MaxFailures:     3,
			SuccessRequired: 1,
			Timeout:         30 * time.Second,
			ResetTimeout:    5 * time.Minute,
		}),
	}
}

// SubmitDatum sends a winning share and returns the datum transaction hash.
func (c *Client) SubmitDatum(ctx context.Context, req SubmitRequest) (string, error) {
	return c.post(ctx, "submit_datum", "/submit", req)
}

// SubmitPayment sends a payment batch and returns the payment transaction hash.
func (c *Client) SubmitPayment(ctx context.Context, req PaymentRequest) (string, error) {
	return c.post(ctx, "submit_payment", "/payment", req)
}

func (c *Client) post(ctx context.Context, op, path string, body any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, op, "failed to encode relay request")
	}

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeInternal, op, "failed to build request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeRelay, op, "relay request failed")
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return "", errors.New(errors.ErrorTypeRelay, op, fmt.Sprintf("relay returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
		}

		var out Response
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeRelay, op, "failed to decode relay response")
		}
		if out.TxHash == "" {
			return "", errors.New(errors.ErrorTypeRelay, op, "relay response has no transaction hash").
				WithContext("message", out.Message)
		}
		return out.TxHash, nil
	})
}
