// Package upload posts batches of pending scans to the ingest server
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/Guizzs26/go-scan-sync/internal/models"
)

const maxErrorBody = 512

// ErrUploadDisabled is returned when no server URL is configured
var ErrUploadDisabled = errors.New("upload disabled: no server url configured")

// StatusError is a non-200 answer from the server
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server answered HTTP %d: %s", e.Code, e.Body)
}

// Client sends one batch per call; it never retries on its own
type Client struct {
	url    string
	apiKey string
	http   *http.Client
}

// NewHTTPClient builds the transport used for uploads
func NewHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			MaxIdleConns:        4,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

func NewClient(url, apiKey string, httpClient *http.Client) *Client {
	return &Client{url: url, apiKey: apiKey, http: httpClient}
}

// Upload posts records as a JSON array and decodes the per-record outcome
func (c *Client) Upload(ctx context.Context, records []models.WireRecord) (*models.UploadResponse, error) {
	if c.url == "" {
		return nil, ErrUploadDisabled
	}

	body, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}

	var out models.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode server response: %w", err)
	}
	if out.SuccessIDs == nil {
		out.SuccessIDs = []string{}
	}
	if out.FailedRecords == nil {
		out.FailedRecords = []models.FailedRecord{}
	}

	return &out, nil
}
