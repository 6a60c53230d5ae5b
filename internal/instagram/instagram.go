// Package instagram speaks the messaging platform's Graph API: it parses
// inbound DM webhooks and sends the reply that carries the claim link.
package instagram

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/correlator"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
)

var ErrBadSignature = errors.New("instagram: webhook signature mismatch")

// Webhook is the envelope the platform posts for the "messages" field.
type Webhook struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID        string      `json:"id"`
	Time      int64       `json:"time"`
	Messaging []Messaging `json:"messaging"`
}

type Messaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		MID     string `json:"mid"`
		Text    string `json:"text"`
		IsEcho  bool   `json:"is_echo"`
		ReplyTo *struct {
			Story *struct {
				ID  string `json:"id"`
				URL string `json:"url"`
			} `json:"story"`
		} `json:"reply_to"`
	} `json:"message"`
}

// Messages flattens a webhook into correlator messages. Echoes of our own
// replies and non-message events are dropped.
func (w Webhook) Messages() []correlator.Message {
	var out []correlator.Message
	for _, e := range w.Entry {
		for _, m := range e.Messaging {
			if m.Message == nil || m.Message.IsEcho {
				continue
			}
			msg := correlator.Message{
				MessageID:   m.Message.MID,
				Text:        m.Message.Text,
				SenderID:    m.Sender.ID,
				RecipientID: m.Recipient.ID,
				Timestamp:   time.UnixMilli(m.Timestamp).UTC(),
			}
			if m.Message.ReplyTo != nil && m.Message.ReplyTo.Story != nil {
				story := m.Message.ReplyTo.Story
				if story.ID != "" {
					id := story.ID
					msg.StoryID = &id
				}
				if story.URL != "" {
					u := story.URL
					msg.StoryURL = &u
				}
			}
			out = append(out, msg)
		}
	}
	return out
}

// VerifySignature checks the X-Hub-Signature-256 header against body.
func VerifySignature(appSecret string, body []byte, header string) error {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrBadSignature
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the header value VerifySignature accepts for body.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Client sends direct messages through the Graph API.
type Client struct {
	GraphURL     string
	AccessToken  string
	ClaimBaseURL string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

func New(graphURL, accessToken, claimBaseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		GraphURL:     graphURL,
		AccessToken:  accessToken,
		ClaimBaseURL: claimBaseURL,
		HTTPClient:   &http.Client{Timeout: timeout},
		Timeout:      timeout,
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

// Grant replies to recipientID with the campaign's message and claim link.
func (c *Client) Grant(ctx context.Context, campaign domain.Campaign, recipientID string) error {
	text := "Claim your POAP:"
	if campaign.ReplyMessage != nil && *campaign.ReplyMessage != "" {
		text = *campaign.ReplyMessage
	}
	return c.Send(ctx, recipientID, text+" "+c.ClaimURL(campaign.ID, recipientID))
}

func (c *Client) ClaimURL(campaignID, recipientID string) string {
	q := url.Values{}
	q.Set("r", recipientID)
	return strings.TrimRight(c.ClaimBaseURL, "/") + "/" + url.PathEscape(campaignID) + "?" + q.Encode()
}

// Send posts a text message to recipientID.
func (c *Client) Send(ctx context.Context, recipientID, text string) error {
	payload := map[string]any{
		"recipient": map[string]string{"id": recipientID},
		"message":   map[string]string{"text": text},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	u := strings.TrimRight(c.GraphURL, "/") + "/me/messages?access_token=" + url.QueryEscape(c.AccessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("instagram: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("instagram: send status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}
