// Package runner is the HTTP client for the external runner service that
// actually executes agent tasks. The control plane dispatches work here and
// the runner reports progress back through the webhook.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Backoff constants for dispatch retries
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for a given attempt number using exponential backoff
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// maxDispatchAttempts bounds retries so thread creation fails fast enough
// for the caller to see a useful error
const maxDispatchAttempts = 3

// DispatchRequest asks the runner to start executing a thread
type DispatchRequest struct {
	ThreadID    string `json:"threadId"`
	RepoURL     string `json:"repoUrl"`
	Branch      string `json:"branch"`
	BaseBranch  string `json:"baseBranch"`
	Description string `json:"description"`
	RiskTier    string `json:"riskTier"`
	Engine      string `json:"engine,omitempty"`
	Model       string `json:"model,omitempty"`
	// CallbackURL is where the runner posts progress webhooks
	CallbackURL string `json:"callbackUrl"`
}

// Client talks to the runner service
type Client struct {
	baseURL string
	secret  string
	client  *http.Client
}

// New creates a runner client. The secret authenticates this control plane
// to the runner; it is the same shared secret the runner presents back on
// webhook deliveries.
func New(baseURL, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
	}
}

// Dispatch hands a thread to the runner, retrying transient failures with
// exponential backoff. A non-2xx, non-retryable response fails immediately.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < maxDispatchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(calculateBackoff(attempt - 1)):
			}
		}

		retryable, err := c.post(ctx, c.baseURL+"/tasks", payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return fmt.Errorf("dispatch failed after %d attempts: %w", maxDispatchAttempts, lastErr)
}

// Cancel asks the runner to stop a thread. Best effort: the authoritative
// cancelled status still arrives via webhook once the runner winds down.
func (c *Client) Cancel(ctx context.Context, threadID string) error {
	_, err := c.post(ctx, fmt.Sprintf("%s/tasks/%s/cancel", c.baseURL, threadID), nil)
	return err
}

// post returns whether a failure is retryable alongside the error
func (c *Client) post(ctx context.Context, url string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	err = fmt.Errorf("runner returned %d", resp.StatusCode)
	return resp.StatusCode >= 500, err
}
