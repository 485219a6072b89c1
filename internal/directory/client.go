// Package directory lists network participants from the metrics dashboard API.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bardlex/powreward/internal/reward"
	"github.com/bardlex/powreward/pkg/circuit"
	"github.com/bardlex/powreward/pkg/errors"
	"github.com/bardlex/powreward/pkg/log"
	"github.com/bardlex/powreward/pkg/retry"
)

const (
	nodesPath    = "/metrics-dashboard/nodes"
	maxBodyBytes = 16 << 20
)

// Node is one entry of the dashboard node listing. ID is the node's wallet address.
type Node struct {
	ID string `json:"ID"`
}

// Client reads the participant list from the dashboard
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuit.Breaker
	retry   *retry.Config
	logger  *log.Logger
}

var _ reward.ParticipantDirectory = (*Client)(nil)

// New creates a dashboard client. A nil httpClient gets a client with timeout.
func New(baseURL string, httpClient *http.Client, timeout time.Duration, logger *log.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = log.Nop()
	}

	breakerConfig := circuit.DefaultConfig()
	breakerConfig.Name = "dashboard"

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		breaker: circuit.New(breakerConfig),
		retry:   retry.HTTPConfig(),
		logger:  logger.WithComponent("directory"),
	}
}

// ListParticipants returns the wallet address of every listed node, in listing order.
// Entries without an ID are skipped.
func (c *Client) ListParticipants(ctx context.Context) ([]string, error) {
	nodes, err := c.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		id := strings.TrimSpace(node.ID)
		if id == "" {
			continue
		}
		ids = append(ids, id)
	}

	if skipped := len(nodes) - len(ids); skipped > 0 {
		c.logger.Warn("dashboard entries without ID skipped", "skipped", skipped)
	}

	return ids, nil
}

// ListNodes fetches the raw node listing
func (c *Client) ListNodes(ctx context.Context) ([]Node, error) {
	url := c.baseURL + nodesPath

	body, err := circuit.ExecuteWithResult(ctx, c.breaker, func() ([]byte, error) {
		return retry.DoWithResult(ctx, c.retry, func() ([]byte, error) {
			return c.httpGET(ctx, url)
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFetch, "list_participants", "unable to retrieve node listing").
			WithContext("url", url)
	}

	var nodes []Node
	if err := json.Unmarshal(body, &nodes); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFetch, "list_participants", "unable to unmarshal node listing").
			WithContext("url", url)
	}

	return nodes, nil
}

func (c *Client) httpGET(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "http_get", "invalid request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		se := errors.Wrap(err, errors.ErrorTypeNetwork, "http_get", "request failed")
		se.Retryable = ctx.Err() == nil
		return nil, se
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "http_get", "unable to read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := errors.New(errors.ErrorTypeFetch, "http_get", fmt.Sprintf("unexpected status %d", resp.StatusCode)).
			WithContext("status", resp.StatusCode)
		se.Retryable = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, se
	}

	return body, nil
}
