package server

import (
	"strings"
	"time"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/guestsync"
)

// Request payloads

type CheckClaimRequest struct {
	CampaignID  string `json:"campaign_id" minLength:"1"`
	RequesterID string `json:"requester_id" minLength:"1"`
}

type ClaimRequest struct {
	RequesterID string `json:"requester_id" minLength:"1" doc:"Social identity of the claimer"`
	Destination string `json:"destination" minLength:"1" doc:"Wallet address or ENS name"`
}

type SetCampaignActiveRequest struct {
	Active bool `json:"active"`
}

type SubmitCookieRequest struct {
	Cookie    string     `json:"cookie" minLength:"1"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type DevLoginRequest struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
}

// StatsInput is shared by the poll and stream routes.
type StatsInput struct {
	CampaignIDs []string `query:"campaign_ids" doc:"Comma-separated campaign ids"`
}

// IDs returns the trimmed, non-empty ids. Repeated and comma-joined forms
// are both accepted.
func (in StatsInput) IDs() []string {
	var out []string
	for _, raw := range in.CampaignIDs {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}

// Responses

type HealthResponse struct {
	Status   string `json:"status" enum:"ok,degraded"`
	Database string `json:"database"`
}

type CampaignListResponse struct {
	Items []domain.Campaign `json:"items"`
}

type GuestListResponse struct {
	Items []domain.Guest `json:"items"`
}

type DeliveryListResponse struct {
	Items []domain.Delivery `json:"items"`
}

type EventListResponse struct {
	Items        []domain.Event `json:"items"`
	NextBeforeID *int64         `json:"next_before_id,omitempty"`
}

type SyncResponse struct {
	CampaignID string `json:"campaign_id"`
	guestsync.Result
}

type StatsResponse struct {
	Snapshots []domain.Snapshot `json:"snapshots"`
}

type WebhookAck struct {
	Received int `json:"received"`
	Granted  int `json:"granted"`
}

type WhoAmIResponse struct {
	Subject     string   `json:"subject"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Stream events

// SnapshotEvent is sent on connect and after every change.
type SnapshotEvent struct {
	Snapshots []domain.Snapshot `json:"snapshots"`
}

// PingEvent keeps idle connections open through proxies.
type PingEvent struct {
	TS string `json:"ts" format:"date-time"`
}

// StreamErrorEvent ends a stream that cannot be served.
type StreamErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
