// Package luma is a client for the events platform's cookie-authenticated admin API.
package luma

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// CookieName is the session cookie the admin API authenticates with.
const CookieName = "luma.auth-session-key"

var (
	// ErrUnauthorized means the session artifact is missing, expired or revoked.
	ErrUnauthorized = errors.New("luma: session unauthorized")
	ErrNotFound     = errors.New("luma: not found")
)

// TransientError is a network, timeout, rate-limit or server failure that is
// safe to retry with backoff.
type TransientError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("luma: transient failure (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("luma: transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable upstream failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Guest is one entry in the admin guest list.
type Guest struct {
	APIID           string        `json:"api_id"`
	Name            Field[string] `json:"name"`
	Email           Field[string] `json:"email"`
	PhoneNumber     Field[string] `json:"phone_number"`
	ApprovalStatus  Field[string] `json:"approval_status"`
	RegisteredAt    Field[string] `json:"registered_at"`
	CheckedInAt     Field[string] `json:"checked_in_at"`
	TwitterHandle   Field[string] `json:"twitter_handle"`
	InstagramHandle Field[string] `json:"instagram_handle"`
	LinkedinHandle  Field[string] `json:"linkedin_handle"`
	Website         Field[string] `json:"website"`
	EthAddress      Field[string] `json:"eth_address"`
}

// Page is one page of the guest list.
type Page struct {
	Entries    []Guest `json:"entries"`
	HasMore    bool    `json:"has_more"`
	NextCursor string  `json:"next_cursor"`
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{BaseURL: baseURL, Timeout: timeout, HTTPClient: &http.Client{Timeout: timeout}}
}

// httpClient never writes back: one Client is shared by concurrent syncs.
func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

// ListGuests fetches one page of guests for eventID.
func (c *Client) ListGuests(ctx context.Context, cookie, eventID, cursor string, limit int) (Page, error) {
	q := url.Values{}
	q.Set("event_api_id", eventID)
	q.Set("pagination_limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("pagination_cursor", cursor)
	}
	var page Page
	err := c.get(ctx, cookie, "event/admin/get-guests?"+q.Encode(), &page)
	return page, err
}

// Probe performs a cheap authenticated request to check cookie validity.
func (c *Client) Probe(ctx context.Context, cookie string) error {
	return c.get(ctx, cookie, "user", nil)
}

func (c *Client) get(ctx context.Context, cookie, endpoint string, out any) error {
	if strings.TrimSpace(cookie) == "" {
		return ErrUnauthorized
	}
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.AddCookie(&http.Cookie{Name: CookieName, Value: cookie})
	resp, err := c.httpClient().Do(req)
	if err != nil {
		if ctx.Err() != nil && !isTimeout(err) {
			return ctx.Err()
		}
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &TransientError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("luma: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
