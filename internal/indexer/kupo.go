package indexer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bardlex/tunapool/pkg/circuit"
	"github.com/bardlex/tunapool/pkg/errors"
	"github.com/bardlex/tunapool/pkg/retry"
)

// Client talks to a Kupo instance over HTTP. Reads are retried with backoff and guarded by
// a circuit breaker so a down indexer fails fast for every polling loop.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewClient creates a Kupo client.
//
// Parameters:
//   - baseURL: Kupo root URL without trailing slash, e.g. http://localhost:1442
//   - timeout: per-request timeout
//
// Returns:
//   - *Client: client ready for use
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		circuitBreaker: circuit.New("kupo", &circuit.Config{
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
		}),
		retryConfig: retry.IndexerConfig(),
	}
}

// UnspentAt returns the unspent outputs sitting at address.
//
// Parameters:
//   - ctx: context for cancellation
//   - address: bech32 address to query
//
// Returns:
//   - []Match: unspent outputs, possibly empty
//   - error: transport or decode failure
func (c *Client) UnspentAt(ctx context.Context, address string) ([]Match, error) {
	return c.matches(ctx, "unspent_at", url.PathEscape(address), url.Values{"unspent": {""}})
}

// TransactionOutputs returns the outputs created by txHash. An empty result means the
// indexer has not seen the transaction.
//
// Parameters:
//   - ctx: context for cancellation
//   - txHash: hex transaction id
//
// Returns:
//   - []Match: outputs of the transaction, empty if unknown
//   - error: transport or decode failure
func (c *Client) TransactionOutputs(ctx context.Context, txHash string) ([]Match, error) {
	return c.matches(ctx, "transaction_outputs", "*@"+url.PathEscape(txHash), nil)
}

// Datum fetches the datum bytes stored under hash.
//
// Parameters:
//   - ctx: context for cancellation
//   - hash: datum hash from a Match
//
// Returns:
//   - []byte: raw CBOR of the datum
//   - error: transport failure, unknown datum, or malformed hex
func (c *Client) Datum(ctx context.Context, hash string) ([]byte, error) {
	var resp *datumResponse
	if err := c.get(ctx, "datum", "/datums/"+url.PathEscape(hash), nil, &resp); err != nil {
		return nil, err
	}
	if resp == nil || resp.Datum == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "datum", "datum not found").
			WithContext("datum_hash", hash)
	}
	raw, err := hex.DecodeString(resp.Datum)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "datum", "datum is not valid hex").
			WithContext("datum_hash", hash)
	}
	return raw, nil
}

// Health checks that the indexer answers.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeIndexer, "health", "indexer unreachable")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return errors.New(errors.ErrorTypeIndexer, "health", fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) matches(ctx context.Context, op, pattern string, query url.Values) ([]Match, error) {
	var out []Match
	if err := c.get(ctx, op, "/matches/"+pattern, query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		// Kupo flags such as ?unspent carry no value
		target += "?" + encodeFlags(query)
	}

	return c.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retryConfig, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeInternal, op, "failed to build request")
			}
			req.Header.Set("Accept", "application/json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeIndexer, op, "request failed").
					WithContext("url", target)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode >= 500 {
				return errors.New(errors.ErrorTypeIndexer, op, fmt.Sprintf("indexer returned %d", resp.StatusCode)).
					WithContext("url", target)
			}
			if resp.StatusCode >= 300 {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				return errors.New(errors.ErrorTypeValidation, op, fmt.Sprintf("indexer returned %d: %s", resp.StatusCode, body)).
					WithContext("url", target)
			}

			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return errors.Wrap(err, errors.ErrorTypeValidation, op, "failed to decode indexer response").
					WithContext("url", target)
			}
			return nil
		})
	})
}

func encodeFlags(query url.Values) string {
	var s string
	for key, values := range query {
		for _, v := range values {
			if s != "" {
				s += "&"
			}
			s += url.QueryEscape(key)
			if v != "" {
				s += "=" + url.QueryEscape(v)
			}
		}
	}
	return s
}
