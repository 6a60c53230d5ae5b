// Package notify tells dashboards that a campaign changed. Notifications are
// triggers only: receivers always recompute the snapshot from the counts.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/metrics"
)

// Notifier signals that the given campaigns changed.
type Notifier interface {
	Notify(ctx context.Context, campaignIDs ...string) error
}

const (
	ModePoll   = "poll"
	ModePubSub = "pubsub"
	ModeStream = "stream"
)

// New selects the transport for mode. Stream subscribers are served from hub
// in every mode; pubsub reaches them through Relay.
func New(mode string, rdb *redis.Client, topic string, hub *Hub) (Notifier, error) {
	switch mode {
	case ModePoll:
		return Poll{}, nil
	case ModePubSub:
		if rdb == nil {
			return nil, errors.New("notify: pubsub mode requires redis")
		}
		return PubSub{Client: rdb, Topic: topic}, nil
	case ModeStream, "":
		return hub, nil
	}
	return nil, fmt.Errorf("notify: unknown mode %q", mode)
}

// Poll does nothing; clients re-request the snapshot on an interval.
type Poll struct{}

func (Poll) Notify(context.Context, ...string) error {
	metrics.NotificationsTotal.WithLabelValues(ModePoll).Inc()
	return nil
}

// Event is the pub/sub payload.
type Event struct {
	CampaignID string    `json:"campaign_id"`
	TS         time.Time `json:"ts"`
}

// PubSub publishes one event per campaign on a Redis channel.
type PubSub struct {
	Client *redis.Client
	Topic  string
}

func (p PubSub) Notify(ctx context.Context, campaignIDs ...string) error {
	for _, id := range campaignIDs {
		data, err := json.Marshal(Event{CampaignID: id, TS: time.Now().UTC()})
		if err != nil {
			return err
		}
		if err := p.Client.Publish(ctx, p.Topic, data).Err(); err != nil {
			return fmt.Errorf("publish %s: %w", id, err)
		}
		metrics.NotificationsTotal.WithLabelValues(ModePubSub).Inc()
	}
	return nil
}

// Relay forwards pub/sub events into hub until ctx is done, so stream
// subscribers on every instance see changes made by any instance.
func Relay(ctx context.Context, rdb *redis.Client, topic string, hub *Hub, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	ps := rdb.Subscribe(ctx, topic)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil || evt.CampaignID == "" {
				logger.Printf("notify: dropping malformed event on %s: %q", topic, msg.Payload)
				continue
			}
			_ = hub.Notify(ctx, evt.CampaignID)
		}
	}
}

// Hub fans change triggers out to in-process stream subscriptions.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscription receives a trigger whenever one of its campaigns changes.
// Triggers coalesce: a slow reader sees at most one pending trigger.
type Subscription struct {
	hub *Hub
	ids map[string]struct{}
	ch  chan struct{}
}

func (h *Hub) Subscribe(campaignIDs ...string) *Subscription {
	s := &Subscription{hub: h, ids: make(map[string]struct{}, len(campaignIDs)), ch: make(chan struct{}, 1)}
	for _, id := range campaignIDs {
		s.ids[id] = struct{}{}
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	metrics.StreamSubscribers.Inc()
	return s
}

func (s *Subscription) C() <-chan struct{} { return s.ch }

// Close removes the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	_, ok := s.hub.subs[s]
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	if ok {
		metrics.StreamSubscribers.Dec()
	}
}

// Len reports the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Notify(_ context.Context, campaignIDs ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		for _, id := range campaignIDs {
			if _, ok := s.ids[id]; !ok {
				continue
			}
			select {
			case s.ch <- struct{}{}:
			default:
			}
			break
		}
	}
	metrics.NotificationsTotal.WithLabelValues(ModeStream).Inc()
	return nil
}
