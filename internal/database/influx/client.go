// Package influx provides the InfluxDB client for pool time-series data.
// It records share batches, winning shares, datum and payment transitions and pool hashrate.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}
	if err := c.Health(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

// Close flushes pending points and closes the client
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Errors exposes asynchronous write failures.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// WriteShareBatch records the outcome of one submission batch.
func (c *Client) WriteShareBatch(minerID, blockNumber int64, submitted, accepted int, at time.Time) {
	c.writeAPI.WritePoint(shareBatchPoint(minerID, blockNumber, submitted, accepted, at))
}

// WriteWinningShare records a share that met the on-chain target.
func (c *Client) WriteWinningShare(minerID, blockNumber int64, leadingZeroes int, difficultyNumber int64, at time.Time) {
	c.writeAPI.WritePoint(winningSharePoint(minerID, blockNumber, leadingZeroes, difficultyNumber, at))
}

// WriteDatumTransition records a datum submission entering state.
func (c *Client) WriteDatumTransition(txHash, state string, blockNumber int64, at time.Time) {
	c.writeAPI.WritePoint(datumPoint(txHash, state, blockNumber, at))
}

// WritePaymentTransition records a payment batch entering state.
func (c *Client) WritePaymentTransition(txHash, state string, rows int, amount int64, at time.Time) {
	c.writeAPI.WritePoint(paymentPoint(txHash, state, rows, amount, at))
}

// WritePoolHashrate records the pool hashrate estimated over a settlement window.
func (c *Client) WritePoolHashrate(hashrate float64, miners int, at time.Time) {
	c.writeAPI.WritePoint(write.NewPoint("pool_hashrate", map[string]string{},
		map[string]interface{}{"hashrate": hashrate, "miners": miners}, at))
}

func shareBatchPoint(minerID, blockNumber int64, submitted, accepted int, at time.Time) *write.Point {
	tags := map[string]string{
		"miner_id": strconv.FormatInt(minerID, 10),
	}

	fields := map[string]interface{}{
		"block_number": blockNumber,
		"submitted":    submitted,
		"accepted":     accepted,
		"rejected":     submitted - accepted,
	}

	return write.NewPoint("shares", tags, fields, at)
}

func winningSharePoint(minerID, blockNumber int64, leadingZeroes int, difficultyNumber int64, at time.Time) *write.Point {
	tags := map[string]string{
		"miner_id": strconv.FormatInt(minerID, 10),
	}

	fields := map[string]interface{}{
		"block_number":      blockNumber,
		"leading_zeroes":    leadingZeroes,
		"difficulty_number": difficultyNumber,
		"count":             1,
	}

	return write.NewPoint("winning_shares", tags, fields, at)
}

func datumPoint(txHash, state string, blockNumber int64, at time.Time) *write.Point {
	tags := map[string]string{
		"state": state,
	}

	fields := map[string]interface{}{
		"transaction_hash": txHash,
		"block_number":     blockNumber,
		"count":            1,
	}

	return write.NewPoint("datum_submissions", tags, fields, at)
}

func paymentPoint(txHash, state string, rows int, amount int64, at time.Time) *write.Point {
	tags := map[string]string{
		"state": state,
	}

	fields := map[string]interface{}{
		"transaction_hash": txHash,
		"rows":             rows,
		"amount":           amount,
	}

	return write.NewPoint("payments", tags, fields, at)
}
