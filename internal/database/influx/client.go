// Package influx provides the InfluxDB client for powreward.
// It records reward and batch time series for dashboards.
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

const (
	measurementRewards = "rewards"
	measurementBatches = "reward_batches"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
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

	if err := checkHealth(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// Errors returns asynchronous write failures
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// RewardSample is one participant's result as written to the rewards measurement
type RewardSample struct {
	ParticipantID string
	PeriodEnd     time.Time
	Amount        float64
	Slashed       bool
	Phase         int64
	WindowCount   int
	TotalHashRate float64
	PriorBalance  float64
}

func rewardPoint(s RewardSample) *write.Point {
	tags := map[string]string{
		"participant_id": s.ParticipantID,
		"slashed":        strconv.FormatBool(s.Slashed),
	}

	fields := map[string]any{
		"amount":          s.Amount,
		"phase":           s.Phase,
		"window_count":    int64(s.WindowCount),
		"total_hash_rate": s.TotalHashRate,
		"prior_balance":   s.PriorBalance,
	}

	return write.NewPoint(measurementRewards, tags, fields, s.PeriodEnd)
}

// WriteRewardMetric queues a rewards point. Writes are asynchronous; failures surface on Errors.
func (c *Client) WriteRewardMetric(s RewardSample) {
	c.writeAPI.WritePoint(rewardPoint(s))
}

// BatchSample summarises one batch run
type BatchSample struct {
	PeriodEnd time.Time
	Rewarded  int
	Slashed   int
	Skipped   int
	Failed    int
	Duration  time.Duration
}

func batchPoint(s BatchSample) *write.Point {
	fields := map[string]any{
		"rewarded":    int64(s.Rewarded),
		"slashed":     int64(s.Slashed),
		"skipped":     int64(s.Skipped),
		"failed":      int64(s.Failed),
		"duration_ms": s.Duration.Milliseconds(),
	}

	return write.NewPoint(measurementBatches, map[string]string{}, fields, s.PeriodEnd)
}

// WriteBatchMetric queues a reward_batches point
func (c *Client) WriteBatchMetric(s BatchSample) {
	c.writeAPI.WritePoint(batchPoint(s))
}

// Query methods

// RewardPoint is one stored reward amount
type RewardPoint struct {
	Time    time.Time `json:"time"`
	Amount  float64   `json:"amount"`
	Slashed bool      `json:"slashed"`
}

// GetRewardHistory returns the participant's reward amounts over the last duration, oldest first
func (c *Client) GetRewardHistory(ctx context.Context, participantID string, duration time.Duration) ([]RewardPoint, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "%s")
		|> filter(fn: (r) => r.participant_id == "%s")
		|> filter(fn: (r) => r._field == "amount")
		|> sort(columns: ["_time"])
	`, c.bucket, duration.String(), measurementRewards, participantID)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query reward history: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	var points []RewardPoint
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, RewardPoint{
				Time:    record.Time(),
				Amount:  value,
				Slashed: record.ValueByKey("slashed") == "true",
			})
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return points, nil
}
