package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidelake/compute-plane/internal/ds"
)

// Status is the state a compute process reports on its control port.
type Status string

const (
	StatusEmpty                       Status = "empty"
	StatusInit                        Status = "init"
	StatusRunning                     Status = "running"
	StatusFailed                      Status = "failed"
	StatusConfigurationPending        Status = "configuration_pending"
	StatusConfiguration               Status = "configuration"
	StatusTerminationPendingFast      Status = "termination_pending_fast"
	StatusTerminationPendingImmediate Status = "termination_pending_immediate"
	StatusTerminated                  Status = "terminated"
	StatusRefreshConfigurationPending Status = "refresh_configuration_pending"
	StatusRefreshConfiguration        Status = "refresh_configuration"
)

// unexpectedAfterStart are statuses that are never valid to observe right
// after a fresh start: mid-configuration and termination states belong to a
// process that has already been operated on.
var unexpectedAfterStart = ds.NewSet(
	StatusEmpty,
	StatusConfigurationPending,
	StatusConfiguration,
	StatusTerminationPendingFast,
	StatusTerminationPendingImmediate,
	StatusTerminated,
	StatusRefreshConfigurationPending,
	StatusRefreshConfiguration,
)

// UnexpectedAfterStart reports whether observing this status immediately
// after a fresh start indicates a broken startup sequence.
func (s Status) UnexpectedAfterStart() bool {
	return unexpectedAfterStart.Has(s)
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status Status  `json:"status"`
	Error  *string `json:"error,omitempty"`
}

// TerminateResponse is the body of POST /terminate: the final durable write
// position the compute reached before shutting down, when known.
type TerminateResponse struct {
	LSN *string `json:"lsn,omitempty"`
}

// TerminateMode selects how abruptly /terminate stops the engine.
type TerminateMode string

const (
	TerminateModeImmediate TerminateMode = "immediate"
)

var (
	// ErrConfigureRejected indicates the compute refused a pushed
	// configuration; the wrapped message carries the response body.
	ErrConfigureRejected = errors.New("compute rejected configuration")
	// ErrRefreshFailed indicates the compute failed to re-read its dynamic
	// configuration.
	ErrRefreshFailed = errors.New("configuration refresh failed")
)

const (
	configureTimeout = 120 * time.Second
	refreshTimeout   = 30 * time.Second
)

// Client talks to one compute process's control protocol. Authenticated
// calls go to the external control port; refresh goes to the internal one.
type Client struct {
	externalURL *url.URL
	internalURL *url.URL
	client      *http.Client
}

// NewClient builds a client for the compute listening on the given external
// and internal control addresses (host:port).
func NewClient(externalAddr, internalAddr string, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		externalURL: &url.URL{Scheme: "http", Host: externalAddr},
		internalURL: &url.URL{Scheme: "http", Host: internalAddr},
		client:      client,
	}
}

func (c *Client) endpoint(base *url.URL, path string) string {
	endpoint := &url.URL{
		Scheme: base.Scheme,
		Host:   base.Host,
		Path:   path,
	}
	return endpoint.String()
}

// Status calls GET /status with the given bearer token.
func (c *Client) Status(ctx context.Context, token string) (*StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.externalURL, "status"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create GET /status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get compute status: %w", err)
	}
	defer resp.Body.Close()
	if !successful(resp) {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("failed to get compute status: %d %s", resp.StatusCode, body)
	}
	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode compute status: %w", err)
	}
	return &status, nil
}

// Configure pushes a full configuration document to the live compute. A
// non-2xx response surfaces as ErrConfigureRejected carrying the response
// body, or an HTTP-status-derived message when the body cannot be read.
func (c *Client) Configure(ctx context.Context, token string, config *Config) error {
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal configure request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, configureTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.externalURL, "configure"), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create POST /configure request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to push configuration: %w", err)
	}
	defer resp.Body.Close()
	if !successful(resp) {
		return fmt.Errorf("%w: %s", ErrConfigureRejected, responseMessage(resp))
	}
	return nil
}

// Terminate calls POST /terminate and returns the final durable write
// position. The response is read without a client-side timeout; termination
// may legitimately take as long as the engine's shutdown does.
func (c *Client) Terminate(ctx context.Context, token string, mode TerminateMode) (*TerminateResponse, error) {
	endpoint := c.endpoint(c.externalURL, "terminate") + "?mode=" + url.QueryEscape(string(mode))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create POST /terminate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to terminate compute: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read terminate response: %w", err)
	}
	if !successful(resp) {
		return nil, fmt.Errorf("failed to terminate compute: %d %s", resp.StatusCode, body)
	}
	var terminated TerminateResponse
	if err := json.Unmarshal(body, &terminated); err != nil {
		return nil, fmt.Errorf("failed to decode terminate response %q: %w", body, err)
	}
	return &terminated, nil
}

// RefreshConfiguration tells the compute to re-read its dynamic
// configuration. Goes to the internal control port and carries no
// authentication.
func (c *Client) RefreshConfiguration(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.internalURL, "refresh_configuration"), nil)
	if err != nil {
		return fmt.Errorf("failed to create POST /refresh_configuration request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to refresh configuration: %w", err)
	}
	defer resp.Body.Close()
	if !successful(resp) {
		return fmt.Errorf("%w: %s", ErrRefreshFailed, responseMessage(resp))
	}
	return nil
}

func successful(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func responseMessage(resp *http.Response) string {
	body, err := io.ReadAll(resp.Body)
	if err != nil || len(body) == 0 {
		return fmt.Sprintf("http status %d", resp.StatusCode)
	}
	return string(body)
}
