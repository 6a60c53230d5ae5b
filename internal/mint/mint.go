// Package mint calls the badge-issuing authority. The authority is the final
// arbiter of duplicate mints; callers pre-check the ledger to avoid wasted calls.
package mint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrAlreadyMinted is returned when the authority already issued the badge
	// for this (event, requester). Callers treat it as already granted.
	ErrAlreadyMinted = errors.New("mint: already minted")
	// ErrUnavailable wraps network, timeout and 5xx failures. Safe to retry.
	ErrUnavailable = errors.New("mint: authority unavailable")
)

type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{BaseURL: baseURL, APIKey: apiKey, Timeout: timeout, HTTPClient: &http.Client{Timeout: timeout}}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

type mintRequest struct {
	EventID     string `json:"event_id"`
	Address     string `json:"address"`
	RequesterID string `json:"requester_id"`
}

type mintResponse struct {
	TxHash string `json:"tx_hash"`
	QRHash string `json:"qr_hash"`
}

// Mint asks the authority to issue eventID's badge to destination and returns
// the transaction reference when one is reported.
func (c *Client) Mint(ctx context.Context, eventID, destination, requesterID string) (*string, error) {
	body, err := json.Marshal(mintRequest{EventID: eventID, Address: destination, RequesterID: requesterID})
	if err != nil {
		return nil, err
	}
	u := strings.TrimRight(c.BaseURL, "/") + "/actions/mint"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil, ErrAlreadyMinted
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("mint: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("mint: decode response: %w", err)
	}
	switch {
	case out.TxHash != "":
		return &out.TxHash, nil
	case out.QRHash != "":
		return &out.QRHash, nil
	}
	return nil, nil
}
