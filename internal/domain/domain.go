package domain

// Platform is the channel a campaign distributes on.
type Platform string

const (
	PlatformSocial    Platform = "social"
	PlatformEvents    Platform = "events"
	PlatformMessaging Platform = "messaging"
)

// Valid reports whether p is one of the known channels.
func (p Platform) Valid() bool {
	switch p {
	case PlatformSocial, PlatformEvents, PlatformMessaging:
		return true
	}
	return false
}

type Campaign struct {
	ID             string   `json:"id" db:"id"`
	Platform       Platform `json:"platform" db:"platform" enum:"social,events,messaging"`
	Name           string   `json:"name" db:"name"`
	Active         bool     `json:"active" db:"active"`
	PoapEventID    string   `json:"poap_event_id" db:"poap_event_id"`
	LumaEventID    *string  `json:"luma_event_id,omitempty" db:"luma_event_id"`
	StoryID        *string  `json:"story_id,omitempty" db:"story_id"`
	AccountID      *string  `json:"account_id,omitempty" db:"account_id"`
	TriggerKeyword *string  `json:"trigger_keyword,omitempty" db:"trigger_keyword"`
	ReplyMessage   *string  `json:"reply_message,omitempty" db:"reply_message"`
	BrandingJSON   *string  `json:"branding_json,omitempty" db:"branding_json"`
	CreatedAt      string   `json:"created_at" db:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" db:"updated_at" format:"date-time"`
}

// ClaimRecord is the durable fact that a requester redeemed an event.
type ClaimRecord struct {
	EventID     string  `json:"event_id" db:"event_id"`
	RequesterID string  `json:"requester_id" db:"requester_id"`
	CampaignID  string  `json:"campaign_id" db:"campaign_id"`
	Destination string  `json:"destination" db:"destination"`
	TxRef       *string `json:"tx_ref,omitempty" db:"tx_ref"`
	ClaimedAt   string  `json:"claimed_at" db:"claimed_at" format:"date-time"`
}

type ExternalSession struct {
	Cookie    string  `json:"-" db:"cookie"`
	ExpiresAt *string `json:"expires_at,omitempty" db:"expires_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" db:"updated_at" format:"date-time"`
}

type Guest struct {
	CampaignID      string  `json:"campaign_id" db:"campaign_id"`
	ExternalGuestID string  `json:"external_guest_id" db:"external_guest_id"`
	Name            *string `json:"name,omitempty" db:"name"`
	Email           *string `json:"email,omitempty" db:"email"`
	Phone           *string `json:"phone,omitempty" db:"phone"`
	ApprovalStatus  *string `json:"approval_status,omitempty" db:"approval_status"`
	RegisteredAt    *string `json:"registered_at,omitempty" db:"registered_at" format:"date-time"`
	CheckedInAt     *string `json:"checked_in_at,omitempty" db:"checked_in_at" format:"date-time"`
	ProfileJSON     *string `json:"profile_json,omitempty" db:"profile_json"`
	LastSyncedAt    string  `json:"last_synced_at" db:"last_synced_at" format:"date-time"`
}

// InboundMessage is an append-only copy of a direct message received from the messaging platform.
type InboundMessage struct {
	MessageID   string  `json:"message_id" db:"message_id"`
	Text        string  `json:"text" db:"text"`
	SenderID    string  `json:"sender_id" db:"sender_id"`
	RecipientID string  `json:"recipient_id" db:"recipient_id"`
	Timestamp   string  `json:"timestamp" db:"ts" format:"date-time"`
	StoryID     *string `json:"story_id,omitempty" db:"story_id"`
	StoryURL    *string `json:"story_url,omitempty" db:"story_url"`
	ReceivedAt  string  `json:"received_at" db:"received_at" format:"date-time"`
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

type Delivery struct {
	ID          string         `json:"id" db:"id"`
	CampaignID  string         `json:"campaign_id" db:"campaign_id"`
	RecipientID string         `json:"recipient_id" db:"recipient_id"`
	Channel     Platform       `json:"channel" db:"channel"`
	Status      DeliveryStatus `json:"status" db:"status" enum:"pending,delivered,failed"`
	Error       *string        `json:"error,omitempty" db:"error"`
	MessageID   *string        `json:"message_id,omitempty" db:"message_id"`
	CreatedAt   string         `json:"created_at" db:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" db:"updated_at" format:"date-time"`
	DeliveredAt *string        `json:"delivered_at,omitempty" db:"delivered_at" format:"date-time"`
}

// Snapshot is the computed view of a campaign's counts. It is never stored.
type Snapshot struct {
	CampaignID          string   `json:"campaign_id"`
	Platform            Platform `json:"platform"`
	Claims              int      `json:"claims"`
	EventDeliveries     int      `json:"event_deliveries"`
	MessagingDeliveries int      `json:"messaging_deliveries"`
	Interactions        int      `json:"interactions"`
	TotalGuests         int      `json:"total_guests"`
	CheckedIn           int      `json:"checked_in"`
	ComputedAt          string   `json:"computed_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id" db:"id"`
	TS         string `json:"ts" db:"ts" format:"date-time"`
	Type       string `json:"type" db:"type"`
	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`
	EntityKind string `json:"entity_kind" db:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty" db:"entity_id"`
	ActorID    string `json:"actor_id" db:"actor_id"`
	Payload    string `json:"payload_json" db:"payload_json"`
}
