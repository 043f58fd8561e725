// Package controller implements the outbound HTTP client the agent uses
// to report to the central controller: enrollment, periodic stats, and
// incident notification on self-destruct.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/qudata/agent/internal/metrics"
)

// Client is a thin authenticated HTTP client over the controller's JSON
// API, retried with exponential backoff the way the fleet's own
// reconnection logic backs off session attempts.
type Client struct {
	BaseURL    string
	Secret     string
	HTTPClient *http.Client
	Backoff    Backoff
}

// New returns a Client. httpClient may be nil to use a sane default.
func New(baseURL, secret string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		BaseURL:    baseURL,
		Secret:     secret,
		HTTPClient: httpClient,
		Backoff:    Backoff{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 5, MaxElapsed: 60 * time.Second},
	}
}

// HostCreateRequest registers this host with the controller.
type HostCreateRequest struct {
	Fingerprint string `json:"fingerprint"`
}

// StatsReport is periodic telemetry about the managed instance.
type StatsReport struct {
	InstanceID string  `json:"instance_id"`
	CPUPercent float64 `json:"cpu_percent"`
	RAMPercent float64 `json:"ram_percent"`
}

// IncidentReport notifies the controller that self-destruct ran.
type IncidentReport struct {
	Fingerprint string `json:"fingerprint"`
	Reason      string `json:"reason"`
}

// CreateHost registers the host by fingerprint.
func (c *Client) CreateHost(ctx context.Context, fingerprint string) error {
	return c.postWithRetry(ctx, "host", HostCreateRequest{Fingerprint: fingerprint})
}

// SendStats reports instance utilization.
func (c *Client) SendStats(ctx context.Context, stats StatsReport) error {
	return c.postWithRetry(ctx, "stats", stats)
}

// SendIncident notifies the controller that the instance was destroyed.
// Self-destruct calls this best-effort and does not abort its sequence
// if it fails.
func (c *Client) SendIncident(ctx context.Context, incident IncidentReport) error {
	return c.postWithRetry(ctx, "incident", incident)
}

func (c *Client) postWithRetry(ctx context.Context, endpoint string, body any) error {
	attempt := 0
	deadline := time.Now().Add(c.Backoff.MaxElapsed)

	var lastErr error
	for {
		attempt++
		err := c.post(ctx, endpoint, body)
		if err == nil {
			metrics.ControllerRequestsTotal.WithLabelValues(endpoint, "ok").Inc()
			return nil
		}
		lastErr = err
		metrics.ControllerRequestsTotal.WithLabelValues(endpoint, "error").Inc()

		if attempt >= c.Backoff.MaxAttempts || time.Now().After(deadline) {
			return fmt.Errorf("%s: giving up after %d attempts: %w", endpoint, attempt, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Backoff.Delay(attempt)):
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := c.BaseURL + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-Secret", c.Secret)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
