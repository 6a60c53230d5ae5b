// Package ledger is the Redis-backed claim dedup cache. It guards against
// wasted mint calls; the badge authority and the durable claims table remain
// the sources of truth.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/metrics"
)

// DefaultTTL is how long entries are retained (one year). Expiry is garbage
// collection, not a revoked claim.
const DefaultTTL = 31536000 * time.Second

var ErrNotFound = errors.New("ledger entry not found")

// Entry is the JSON value stored under each claim key.
type Entry struct {
	RequesterID string    `json:"requesterId"`
	EventID     string    `json:"eventId"`
	Destination string    `json:"destination"`
	ClaimedAt   time.Time `json:"claimedAt"`
	TxRef       *string   `json:"txRef"`
}

type Ledger struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *log.Logger
	now    func() time.Time
}

type Option func(*Ledger)

func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(rdb redis.Cmdable, opts ...Option) *Ledger {
	l := &Ledger{rdb: rdb, ttl: DefaultTTL, logger: log.Default(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the Redis key for a claim.
func Key(eventID, requesterID string) string {
	return fmt.Sprintf("claimed:%s:%s", eventID, requesterID)
}

// HasClaimed reports whether requesterID already redeemed eventID. When Redis is
// unreachable it fails open and returns false.
func (l *Ledger) HasClaimed(ctx context.Context, requesterID, eventID string) bool {
	n, err := l.rdb.Exists(ctx, Key(eventID, requesterID)).Result()
	if err != nil {
		metrics.LedgerErrors.WithLabelValues("exists").Inc()
		l.logger.Printf("ledger: exists %s failed, allowing claim: %v", Key(eventID, requesterID), err)
		return false
	}
	return n > 0
}

// RecordClaim stores the claim with a single SET NX. It returns false without
// error when an entry already exists; the first destination is kept.
func (l *Ledger) RecordClaim(ctx context.Context, requesterID, eventID, destination string, txRef *string) (bool, error) {
	if requesterID == "" || eventID == "" {
		return false, errors.New("requester id and event id required")
	}
	entry := Entry{
		RequesterID: requesterID,
		EventID:     eventID,
		Destination: destination,
		ClaimedAt:   l.now().UTC(),
		TxRef:       txRef,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("marshal ledger entry: %w", err)
	}
	ok, err := l.rdb.SetNX(ctx, Key(eventID, requesterID), data, l.ttl).Result()
	if err != nil {
		metrics.LedgerErrors.WithLabelValues("setnx").Inc()
		return false, fmt.Errorf("ledger record %s: %w", Key(eventID, requesterID), err)
	}
	return ok, nil
}

// Lookup returns the stored entry for a claim.
func (l *Ledger) Lookup(ctx context.Context, requesterID, eventID string) (Entry, error) {
	raw, err := l.rdb.Get(ctx, Key(eventID, requesterID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("ledger get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("decode ledger entry: %w", err)
	}
	return e, nil
}
