package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/justinsiek/Maker-Safe/config"
	"github.com/justinsiek/Maker-Safe/internal/state"
)

// ErrResetUnavailable is returned by Reset when no reset endpoint is configured.
var ErrResetUnavailable = errors.New("source: reset endpoint not configured")

// ResetResult is the body returned by the reset endpoint.
type ResetResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ResetError reports a reset the upstream refused or failed.
type ResetError struct {
	StatusCode int
	Message    string
}

func (e *ResetError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("reset failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("reset failed with status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the upstream makerspace server.
type Client struct {
	cfg    config.SourceConfig
	client *http.Client
	stream *http.Client
	log    *zap.Logger
}

// NewClient builds a Client. Snapshot and reset requests use the configured timeout;
// the event stream is bounded only by its context.
func NewClient(cfg config.SourceConfig, log *zap.Logger) *Client {
	transport := &http.Transport{}
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			log.Warn("invalid proxy URL, connecting directly",
				zap.String("proxy", cfg.HTTPProxy), zap.Error(err))
		} else {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &Client{
		cfg:    cfg,
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		stream: &http.Client{Transport: transport},
		log:    log,
	}
}

// FetchSnapshot retrieves the full makers/stations/violations state.
func (c *Client) FetchSnapshot(ctx context.Context) (*state.Snapshot, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.cfg.SnapshotURL)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot: received non-200 status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot body: %w", err)
	}

	var snap state.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Reset asks the upstream to clear all makers, stations and violations.
func (c *Client) Reset(ctx context.Context) (*ResetResult, error) {
	if c.cfg.ResetURL == "" {
		return nil, ErrResetUnavailable
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.cfg.ResetURL)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reset request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read reset body: %w", err)
	}

	var result ResetResult
	if jsonErr := json.Unmarshal(body, &result); jsonErr != nil {
		if resp.StatusCode/100 != 2 {
			return nil, &ResetError{StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("failed to unmarshal reset response: %w", jsonErr)
	}

	if resp.StatusCode/100 != 2 || !result.Success {
		msg := result.Error
		if msg == "" {
			msg = result.Message
		}
		return nil, &ResetError{StatusCode: resp.StatusCode, Message: msg}
	}
	return &result, nil
}

func (c *Client) newRequest(ctx context.Context, method, target string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range c.cfg.Headers {
		req.Header.Set(key, value)
	}
	return req, nil
}
