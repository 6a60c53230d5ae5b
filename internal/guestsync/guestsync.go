// Package guestsync mirrors an events-platform guest list into the local guest
// cache. Runs are idempotent: repeating a sync converges on the same rows.
package guestsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/luma"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/metrics"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/repo"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/session"
)

// ErrAuthentication means the session cookie is missing or rejected upstream.
// Callers should ask for a rotation instead of retrying.
var ErrAuthentication = errors.New("guestsync: events platform session invalid")

const (
	defaultPageSize = 100
	maxPages        = 1000
)

type Upstream interface {
	ListGuests(ctx context.Context, cookie, eventID, cursor string, limit int) (luma.Page, error)
}

// Sessions hands out the current cookie. Artifact fails with
// session.ErrInvalid while the cookie is known to be rejected.
type Sessions interface {
	Artifact(ctx context.Context) (session.Artifact, error)
	Invalidate(cookie string)
}

type Store interface {
	UpsertGuest(ctx context.Context, g repo.GuestUpsert) error
	GuestCounts(ctx context.Context, campaignID string) (total, checkedIn int, err error)
}

// Result summarizes one run.
type Result struct {
	Success     bool   `json:"success"`
	TotalGuests int    `json:"total_guests"`
	CheckedIn   int    `json:"checked_in"`
	Upserted    int    `json:"upserted"`
	Pages       int    `json:"pages"`
	Error       string `json:"error,omitempty"`
}

type call struct {
	done chan struct{}
	res  Result
	err  error
}

type Synchronizer struct {
	upstream Upstream
	sessions Sessions
	store    Store
	limiter  *rate.Limiter
	pageSize int
	logger   *log.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]*call
}

type Option func(*Synchronizer)

func WithPageSize(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithRate caps upstream page requests per second across every campaign.
func WithRate(perSec float64) Option {
	return func(s *Synchronizer) {
		if perSec > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

func New(upstream Upstream, sessions Sessions, store Store, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		upstream: upstream,
		sessions: sessions,
		store:    store,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		pageSize: defaultPageSize,
		logger:   log.Default(),
		now:      time.Now,
		inflight: make(map[string]*call),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync pages through eventID's guest list and upserts every guest under
// campaignID. Concurrent calls for the same campaign share one run. On failure
// guests already written are kept and the returned error carries the cause.
func (s *Synchronizer) Sync(ctx context.Context, campaignID, eventID string) (Result, error) {
	s.mu.Lock()
	if c, ok := s.inflight[campaignID]; ok {
		s.mu.Unlock()
		select {
		case <-c.done:
			return c.res, c.err
		case <-ctx.Done():
			return Result{Error: ctx.Err().Error()}, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	s.inflight[campaignID] = c
	s.mu.Unlock()

	start := time.Now()
	c.res, c.err = s.run(ctx, campaignID, eventID)
	label := "success"
	switch {
	case errors.Is(c.err, ErrAuthentication):
		label = "auth_error"
	case c.err != nil:
		label = "error"
	}
	metrics.RecordSyncDuration(label, time.Since(start).Seconds())

	s.mu.Lock()
	delete(s.inflight, campaignID)
	s.mu.Unlock()
	close(c.done)
	return c.res, c.err
}

func (s *Synchronizer) run(ctx context.Context, campaignID, eventID string) (Result, error) {
	var res Result
	fail := func(err error) (Result, error) {
		res.Success = false
		res.Error = err.Error()
		return res, err
	}
	if campaignID == "" || eventID == "" {
		return fail(errors.New("campaign id and event id required"))
	}

	cursor := ""
	for {
		if res.Pages >= maxPages {
			return fail(fmt.Errorf("guest list for %s exceeded %d pages", eventID, maxPages))
		}
		// Re-read the artifact per page so a rotation is picked up by the next request.
		art, err := s.sessions.Artifact(ctx)
		if err != nil {
			if errors.Is(err, session.ErrNotConfigured) || errors.Is(err, session.ErrInvalid) {
				return fail(fmt.Errorf("%w: %w", ErrAuthentication, err))
			}
			return fail(fmt.Errorf("load session: %w", err))
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return fail(err)
		}
		page, err := s.upstream.ListGuests(ctx, art.Cookie, eventID, cursor, s.pageSize)
		if err != nil {
			if errors.Is(err, luma.ErrUnauthorized) {
				s.sessions.Invalidate(art.Cookie)
				return fail(fmt.Errorf("%w: %w", ErrAuthentication, err))
			}
			return fail(fmt.Errorf("fetch guests page %d: %w", res.Pages+1, err))
		}
		res.Pages++

		syncedAt := s.now().UTC().Format(time.RFC3339)
		for _, g := range page.Entries {
			if g.APIID == "" {
				s.logger.Printf("guestsync: %s: skipping guest without api_id", campaignID)
				continue
			}
			if err := s.store.UpsertGuest(ctx, toUpsert(campaignID, g, syncedAt)); err != nil {
				return fail(err)
			}
			res.Upserted++
			metrics.GuestsSynced.Inc()
		}

		if len(page.Entries) < s.pageSize || !page.HasMore || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	total, checkedIn, err := s.store.GuestCounts(ctx, campaignID)
	if err != nil {
		return fail(fmt.Errorf("count guests: %w", err))
	}
	res.Success = true
	res.TotalGuests = total
	res.CheckedIn = checkedIn
	return res, nil
}

func toUpsert(campaignID string, g luma.Guest, syncedAt string) repo.GuestUpsert {
	return repo.GuestUpsert{
		CampaignID:      campaignID,
		ExternalGuestID: g.APIID,
		Name:            field(g.Name),
		Email:           field(g.Email),
		Phone:           field(g.PhoneNumber),
		ApprovalStatus:  field(g.ApprovalStatus),
		RegisteredAt:    timestamp(g.RegisteredAt),
		CheckedInAt:     timestamp(g.CheckedInAt),
		ProfileJSON:     profile(g),
		SyncedAt:        syncedAt,
	}
}

func field(f luma.Field[string]) repo.Field {
	return repo.Field{Value: f.Value, Set: f.Set}
}

// timestamp normalizes to RFC3339 UTC; unparseable values are stored verbatim.
func timestamp(f luma.Field[string]) repo.Field {
	out := field(f)
	if out.Value == nil {
		return out
	}
	if t, err := time.Parse(time.RFC3339Nano, *out.Value); err == nil {
		v := t.UTC().Format(time.RFC3339)
		out.Value = &v
	}
	return out
}

// profile collapses the social fields into one JSON object. It counts as sent
// when any of its keys was sent.
func profile(g luma.Guest) repo.Field {
	fields := map[string]luma.Field[string]{
		"twitter":     g.TwitterHandle,
		"instagram":   g.InstagramHandle,
		"linkedin":    g.LinkedinHandle,
		"website":     g.Website,
		"eth_address": g.EthAddress,
	}
	var set bool
	values := map[string]string{}
	for k, f := range fields {
		if !f.Set {
			continue
		}
		set = true
		if f.Value != nil && *f.Value != "" {
			values[k] = *f.Value
		}
	}
	if !set {
		return repo.Field{}
	}
	if len(values) == 0 {
		return repo.Field{Set: true}
	}
	b, _ := json.Marshal(values)
	v := string(b)
	return repo.Field{Value: &v, Set: true}
}
