// Package correlator matches inbound direct messages to story-reply campaigns
// and drives each (campaign, recipient) delivery through
// none -> pending -> delivered | failed.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/metrics"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/repo"
)

var ErrMalformed = errors.New("correlator: malformed message")

// FailedPolicy decides whether a failed delivery may be attempted again.
type FailedPolicy string

const (
	FailedBlock FailedPolicy = "block"
	FailedRetry FailedPolicy = "retry"
)

// Action is what Handle or Deliver did for a message.
type Action string

const (
	ActionGranted        Action = "granted"
	ActionAlreadyGranted Action = "already_granted"
	ActionFailed         Action = "failed"
	ActionBlocked        Action = "blocked"
	ActionIgnored        Action = "ignored"
)

// Message is an inbound direct message as delivered by the messaging webhook.
type Message struct {
	MessageID   string    `json:"messageId" validate:"required"`
	Text        string    `json:"text"`
	SenderID    string    `json:"senderId" validate:"required"`
	RecipientID string    `json:"recipientId" validate:"required"`
	Timestamp   time.Time `json:"timestamp" validate:"required"`
	StoryID     *string   `json:"storyId,omitempty"`
	StoryURL    *string   `json:"storyUrl,omitempty"`
}

type Outcome struct {
	Action     Action           `json:"action"`
	Stored     bool             `json:"stored"`
	CampaignID string           `json:"campaign_id,omitempty"`
	Delivery   *domain.Delivery `json:"delivery,omitempty"`
	// Watching lists campaigns whose interaction counts the message affects.
	Watching []string `json:"-"`
}

type Store interface {
	InsertMessage(ctx context.Context, m domain.InboundMessage) (bool, error)
	MessagingCampaignsFor(ctx context.Context, accountID, storyID string) ([]domain.Campaign, error)
	GetDelivery(ctx context.Context, campaignID, recipientID string) (domain.Delivery, error)
	CreatePendingDelivery(ctx context.Context, d domain.Delivery) (domain.Delivery, bool, error)
	ReopenFailedDelivery(ctx context.Context, campaignID, recipientID string, messageID *string) (bool, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// Granter hands the badge to a recipient on a channel.
type Granter interface {
	Grant(ctx context.Context, campaign domain.Campaign, recipientID string) error
}

// DefaultPendingTimeout is how long a delivery may stay pending before it is
// treated as failed. A grant attempt that outlives it was abandoned.
const DefaultPendingTimeout = 10 * time.Minute

type Correlator struct {
	store          Store
	granter        Granter
	policy         FailedPolicy
	pendingTimeout time.Duration
	validate       *validator.Validate
	logger         *log.Logger
	now            func() time.Time
}

type Option func(*Correlator)

// WithPendingTimeout sets how old a pending delivery must be before it is
// failed and handed to the failed policy. Zero or less never expires it.
func WithPendingTimeout(d time.Duration) Option {
	return func(c *Correlator) { c.pendingTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

func New(store Store, granter Granter, policy FailedPolicy, logger *log.Logger, opts ...Option) *Correlator {
	if policy == "" {
		policy = FailedRetry
	}
	if logger == nil {
		logger = log.Default()
	}
	c := &Correlator{
		store:          store,
		granter:        granter,
		policy:         policy,
		pendingTimeout: DefaultPendingTimeout,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		logger:         logger,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle stores m and, when it answers a configured story, grants the
// campaign to the sender. Replayed webhooks store nothing and grant nothing new.
func (c *Correlator) Handle(ctx context.Context, m Message) (Outcome, error) {
	if err := c.validate.Struct(m); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	stored, err := c.store.InsertMessage(ctx, domain.InboundMessage{
		MessageID:   m.MessageID,
		Text:        m.Text,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Timestamp:   m.Timestamp.UTC().Format(time.RFC3339),
		StoryID:     m.StoryID,
		StoryURL:    m.StoryURL,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("store message: %w", err)
	}
	if stored {
		metrics.MessagesTotal.WithLabelValues("stored").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("replayed").Inc()
	}
	out := Outcome{Action: ActionIgnored, Stored: stored}
	if m.StoryID == nil || *m.StoryID == "" {
		return out, nil
	}

	campaigns, err := c.store.MessagingCampaignsFor(ctx, m.RecipientID, *m.StoryID)
	if err != nil {
		return out, fmt.Errorf("match campaign: %w", err)
	}
	var match *domain.Campaign
	for i := range campaigns {
		out.Watching = append(out.Watching, campaigns[i].ID)
		if match == nil && triggers(campaigns[i], m.Text) {
			match = &campaigns[i]
		}
	}
	if match == nil {
		return out, nil
	}

	res, err := c.Deliver(ctx, *match, m.SenderID, &m.MessageID, c.granter)
	res.Stored = stored
	res.Watching = out.Watching
	return res, err
}

func triggers(c domain.Campaign, text string) bool {
	if c.TriggerKeyword == nil || strings.TrimSpace(*c.TriggerKeyword) == "" {
		return true
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(strings.TrimSpace(*c.TriggerKeyword)))
}

// Deliver grants campaign to recipientID through g unless a non-failed record
// already exists. ref is the message or guest that triggered the grant.
func (c *Correlator) Deliver(ctx context.Context, campaign domain.Campaign, recipientID string, ref *string, g Granter) (Outcome, error) {
	out := Outcome{CampaignID: campaign.ID}

	d, created, err := c.store.CreatePendingDelivery(ctx, domain.Delivery{
		CampaignID:  campaign.ID,
		RecipientID: recipientID,
		Channel:     campaign.Platform,
		MessageID:   ref,
	})
	if err != nil {
		return out, err
	}
	if !created {
		existing, err := c.store.GetDelivery(ctx, campaign.ID, recipientID)
		if err != nil {
			return out, fmt.Errorf("load delivery: %w", err)
		}
		if c.abandoned(existing) {
			if existing, err = c.expirePending(ctx, existing); err != nil {
				return out, err
			}
		}
		out.Delivery = &existing
		if existing.Status != domain.DeliveryFailed {
			out.Action = ActionAlreadyGranted
			return out, nil
		}
		if c.policy == FailedBlock {
			out.Action = ActionBlocked
			return out, nil
		}
		reopened, err := c.store.ReopenFailedDelivery(ctx, campaign.ID, recipientID, ref)
		if err != nil {
			return out, err
		}
		if !reopened {
			// another attempt reopened it first
			out.Action = ActionAlreadyGranted
			return out, nil
		}
		d = existing
	}

	action := ActionGranted
	if gerr := g.Grant(ctx, campaign, recipientID); gerr != nil {
		c.logger.Printf("correlator: grant %s to %s failed: %v", campaign.ID, recipientID, gerr)
		if err := c.store.MarkFailed(ctx, d.ID, gerr.Error()); err != nil {
			return out, err
		}
		action = ActionFailed
		metrics.DeliveriesTotal.WithLabelValues(string(campaign.Platform), string(domain.DeliveryFailed)).Inc()
	} else {
		if err := c.store.MarkDelivered(ctx, d.ID); err != nil {
			return out, err
		}
		metrics.DeliveriesTotal.WithLabelValues(string(campaign.Platform), string(domain.DeliveryDelivered)).Inc()
	}
	final, err := c.store.GetDelivery(ctx, campaign.ID, recipientID)
	if err != nil {
		return out, fmt.Errorf("reload delivery: %w", err)
	}
	out.Action = action
	out.Delivery = &final
	return out, nil
}

// abandoned reports whether d has been pending longer than any grant attempt
// could take.
func (c *Correlator) abandoned(d domain.Delivery) bool {
	if d.Status != domain.DeliveryPending || c.pendingTimeout <= 0 {
		return false
	}
	updated, err := time.Parse(time.RFC3339, d.UpdatedAt)
	if err != nil {
		return false
	}
	return c.now().Sub(updated) >= c.pendingTimeout
}

// expirePending fails an abandoned pending delivery and returns the row as
// stored. A concurrent attempt that finished it first wins.
func (c *Correlator) expirePending(ctx context.Context, d domain.Delivery) (domain.Delivery, error) {
	c.logger.Printf("correlator: delivery %s pending since %s, marking failed", d.ID, d.UpdatedAt)
	err := c.store.MarkFailed(ctx, d.ID, "grant abandoned while pending")
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return d, err
	}
	if err == nil {
		metrics.DeliveriesTotal.WithLabelValues(string(d.Channel), string(domain.DeliveryFailed)).Inc()
	}
	reloaded, err := c.store.GetDelivery(ctx, d.CampaignID, d.RecipientID)
	if err != nil {
		return d, fmt.Errorf("reload delivery: %w", err)
	}
	return reloaded, nil
}

// LogGranter records grants without contacting any channel. It stands in when
// no messaging credentials are configured.
type LogGranter struct {
	Logger *log.Logger
}

func (g LogGranter) Grant(_ context.Context, campaign domain.Campaign, recipientID string) error {
	logger := g.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("grant: campaign=%s channel=%s recipient=%s", campaign.ID, campaign.Platform, recipientID)
	return nil
}

var _ Store = repo.Repo{}
