package droplinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Dropline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Snapshot is the per-campaign stats view.
type Snapshot struct {
	CampaignID          string `json:"campaign_id"`
	Platform            string `json:"platform"`
	Claims              int    `json:"claims"`
	EventDeliveries     int    `json:"event_deliveries"`
	MessagingDeliveries int    `json:"messaging_deliveries"`
	Interactions        int    `json:"interactions"`
	TotalGuests         int    `json:"total_guests"`
	CheckedIn           int    `json:"checked_in"`
	ComputedAt          string `json:"computed_at"`
}

// Claim is a recorded redemption.
type Claim struct {
	EventID     string  `json:"event_id"`
	RequesterID string  `json:"requester_id"`
	CampaignID  string  `json:"campaign_id"`
	Destination string  `json:"destination"`
	TxRef       *string `json:"tx_ref,omitempty"`
	ClaimedAt   string  `json:"claimed_at"`
}

// ClaimResult reports whether the claim minted now or earlier.
type ClaimResult struct {
	Status string `json:"status"`
	Claim  Claim  `json:"claim"`
}

// ClaimCheck answers whether a requester already claimed a campaign.
type ClaimCheck struct {
	CampaignID  string `json:"campaign_id"`
	RequesterID string `json:"requester_id"`
	Claimed     bool   `json:"claimed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Code extracts the error envelope code, or "" when the body is not one.
func (e *APIError) Code() string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(e.Body), &env) != nil {
		return ""
	}
	return env.Error.Code
}

// Stats fetches current snapshots for the given campaigns.
func (c *Client) Stats(ctx context.Context, campaignIDs ...string) ([]Snapshot, error) {
	var resp struct {
		Snapshots []Snapshot `json:"snapshots"`
	}
	err := c.do(ctx, http.MethodGet, statsQuery("v0/stats", campaignIDs), nil, &resp)
	return resp.Snapshots, err
}

// CheckClaim reports whether requesterID already claimed campaignID.
func (c *Client) CheckClaim(ctx context.Context, campaignID, requesterID string) (bool, error) {
	body := map[string]any{
		"campaign_id":  campaignID,
		"requester_id": requesterID,
	}
	var resp ClaimCheck
	err := c.do(ctx, http.MethodPost, "v0/claims/check", body, &resp)
	return resp.Claimed, err
}

// Claim redeems a campaign for requesterID, minting to destination.
func (c *Client) Claim(ctx context.Context, campaignID, requesterID, destination string) (ClaimResult, error) {
	body := map[string]any{
		"requester_id": requesterID,
		"destination":  destination,
	}
	var resp ClaimResult
	endpoint := fmt.Sprintf("v0/campaigns/%s/claims", url.PathEscape(campaignID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// PollStats fetches snapshots every interval and hands them to fn until ctx
// is done. Fetch errors are passed to fn with nil snapshots; polling goes on.
func (c *Client) PollStats(ctx context.Context, interval time.Duration, campaignIDs []string, fn func([]Snapshot, error)) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		snaps, err := c.Stats(ctx, campaignIDs...)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fn(snaps, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
}

func statsQuery(endpoint string, campaignIDs []string) string {
	if len(campaignIDs) == 0 {
		return endpoint
	}
	return endpoint + "?campaign_ids=" + url.QueryEscape(strings.Join(campaignIDs, ","))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
