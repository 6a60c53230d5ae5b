package guestsync_test

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/config"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/db"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/guestsync"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/luma"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/migrate"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/repo"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/session"
)

type fakeUpstream struct {
	mu      sync.Mutex
	pages   map[string]luma.Page
	errAt   map[string]error
	calls   int
	cookies []string
}

func (f *fakeUpstream) ListGuests(_ context.Context, cookie, eventID, cursor string, limit int) (luma.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cookies = append(f.cookies, cookie)
	if err := f.errAt[cursor]; err != nil {
		return luma.Page{}, err
	}
	return f.pages[cursor], nil
}

func (f *fakeUpstream) Probe(context.Context, string) error { return nil }

type fakeSessions struct {
	mu          sync.Mutex
	cookies     []string
	n           int
	err         error
	invalidated []string
}

func (f *fakeSessions) Artifact(context.Context) (session.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return session.Artifact{}, f.err
	}
	i := f.n
	if i >= len(f.cookies) {
		i = len(f.cookies) - 1
	}
	f.n++
	return session.Artifact{Cookie: f.cookies[i]}, nil
}

func (f *fakeSessions) Invalidate(cookie string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, cookie)
}

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	evt := "evt-1"
	_, err = r.UpsertCampaign(context.Background(), domain.Campaign{
		ID: "c-events", Platform: domain.PlatformEvents, Active: true, PoapEventID: "100", LumaEventID: &evt,
	})
	require.NoError(t, err)
	return r
}

func guest(id string) luma.Guest {
	return luma.Guest{
		APIID:        id,
		Name:         luma.Present("Guest " + id),
		Email:        luma.Present(id + "@example.com"),
		RegisteredAt: luma.Present("2024-05-01T10:00:00Z"),
		CheckedInAt:  luma.Field[string]{Set: true},
	}
}

func newSync(up guestsync.Upstream, sess guestsync.Sessions, r repo.Repo) *guestsync.Synchronizer {
	clock := func() time.Time { return time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC) }
	return guestsync.New(up, sess, r,
		guestsync.WithPageSize(2),
		guestsync.WithClock(clock),
		guestsync.WithLogger(log.New(io.Discard, "", 0)),
	)
}

func TestSyncPaginatesAndIsIdempotent(t *testing.T) {
	r := newRepo(t)
	up := &fakeUpstream{pages: map[string]luma.Page{
		"":   {Entries: []luma.Guest{guest("g1"), guest("g2")}, HasMore: true, NextCursor: "p2"},
		"p2": {Entries: []luma.Guest{guest("g3")}},
	}}
	s := newSync(up, &fakeSessions{cookies: []string{"cookie"}}, r)
	ctx := context.Background()

	res, err := s.Sync(ctx, "c-events", "evt-1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 3, res.TotalGuests)
	require.Equal(t, 0, res.CheckedIn)
	require.Equal(t, 2, res.Pages)
	first, err := r.ListGuests(ctx, "c-events", false)
	require.NoError(t, err)

	res, err = s.Sync(ctx, "c-events", "evt-1")
	require.NoError(t, err)
	require.Equal(t, 3, res.TotalGuests)
	second, err := r.ListGuests(ctx, "c-events", false)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 4, up.calls)
}

func TestCheckInIsMonotonic(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	up := &fakeUpstream{pages: map[string]luma.Page{"": {Entries: []luma.Guest{guest("g1")}}}}
	s := newSync(up, &fakeSessions{cookies: []string{"cookie"}}, r)

	_, err := s.Sync(ctx, "c-events", "evt-1")
	require.NoError(t, err)
	g, err := r.GetGuest(ctx, "c-events", "g1")
	require.NoError(t, err)
	require.Nil(t, g.CheckedInAt)

	checked := guest("g1")
	checked.CheckedInAt = luma.Present("2024-05-03T18:30:00.000Z")
	up.pages[""] = luma.Page{Entries: []luma.Guest{checked}}
	res, err := s.Sync(ctx, "c-events", "evt-1")
	require.NoError(t, err)
	require.Equal(t, 1, res.CheckedIn)
	g, err = r.GetGuest(ctx, "c-events", "g1")
	require.NoError(t, err)
	require.NotNil(t, g.CheckedInAt)
	require.Equal(t, "2024-05-03T18:30:00Z", *g.CheckedInAt)

	// field omitted by a partial response
	missing := guest("g1")
	missing.CheckedInAt = luma.Field[string]{}
	up.pages[""] = luma.Page{Entries: []luma.Guest{missing}}
	_, err = s.Sync(ctx, "c-events", "evt-1")
	require.NoError(t, err)
	g, err = r.GetGuest(ctx, "c-events", "g1")
	require.NoError(t, err)
	require.NotNil(t, g.CheckedInAt)

	// explicit null never clears a check-in either
	up.pages[""] = luma.Page{Entries: []luma.Guest{guest("g1")}}
	_, err = s.Sync(ctx, "c-events", "evt-1")
	require.NoError(t, err)
	g, err = r.GetGuest(ctx, "c-events", "g1")
	require.NoError(t, err)
	require.NotNil(t, g.CheckedInAt)
	require.Equal(t, "2024-05-03T18:30:00Z", *g.CheckedInAt)
}

func TestPresentFieldsWinMissingFieldsKeep(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	withProfile := guest("g1")
	withProfile.TwitterHandle = luma.Present("ada")
	up := &fakeUpstream{pages: map[string]luma.Page{"": {Entries: []luma.Guest{withProfile}}}}
	s := newSync(up, &fakeSessions{cookies: []string{"cookie"}}, r)
	_, err := s.Sync(ctx, "c-events", "evt-1")
	require.NoError(t, err)

	sparse := luma.Guest{APIID: "g1", Name: luma.Field[string]{Set: true}, Email: luma.Present("new@example.com")}
	up.pages[""] = luma.Page{Entries: []luma.Guest{sparse}}
	_, err = s.Sync(ctx, "c-events", "evt-1")
	require.NoError(t, err)

	g, err := r.GetGuest(ctx, "c-events", "g1")
	require.NoError(t, err)
	require.Nil(t, g.Name, "present null overwrites")
	require.Equal(t, "new@example.com", *g.Email)
	require.NotNil(t, g.RegisteredAt, "missing field keeps local value")
	require.JSONEq(t, `{"twitter":"ada"}`, *g.ProfileJSON)
}

func TestSyncWithoutArtifactIsAuthError(t *testing.T) {
	r := newRepo(t)
	up := &fakeUpstream{}
	s := newSync(up, &fakeSessions{err: session.ErrNotConfigured}, r)

	res, err := s.Sync(context.Background(), "c-events", "evt-1")
	require.ErrorIs(t, err, guestsync.ErrAuthentication)
	require.ErrorIs(t, err, session.ErrNotConfigured)
	require.False(t, res.Success)
	require.Zero(t, up.calls, "pagination must not start")
}

func TestUnauthorizedPageInvalidatesCookie(t *testing.T) {
	r := newRepo(t)
	up := &fakeUpstream{errAt: map[string]error{"": luma.ErrUnauthorized}}
	sess := &fakeSessions{cookies: []string{"stale"}}
	s := newSync(up, sess, r)

	_, err := s.Sync(context.Background(), "c-events", "evt-1")
	require.ErrorIs(t, err, guestsync.ErrAuthentication)
	require.Equal(t, []string{"stale"}, sess.invalidated)
	require.Equal(t, 1, up.calls, "auth failures are not retried")
}

func TestKnownInvalidCookieIsNotRetried(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	up := &fakeUpstream{errAt: map[string]error{"": luma.ErrUnauthorized}}
	sess := session.NewManager(r, up, "s3cret", session.WithLogger(log.New(io.Discard, "", 0)))
	require.NoError(t, sess.Set(ctx, "stale", nil))
	s := newSync(up, sess, r)

	_, err := s.Sync(ctx, "c-events", "evt-1")
	require.ErrorIs(t, err, guestsync.ErrAuthentication)
	require.Equal(t, 1, up.calls)

	res, err := s.Sync(ctx, "c-events", "evt-1")
	require.ErrorIs(t, err, guestsync.ErrAuthentication)
	require.ErrorIs(t, err, session.ErrInvalid)
	require.False(t, res.Success)
	require.Equal(t, 1, up.calls, "rejected cookie sent upstream again")

	delete(up.errAt, "")
	up.pages = map[string]luma.Page{"": {Entries: []luma.Guest{guest("g1")}}}
	require.NoError(t, sess.Set(ctx, "fresh", nil))
	res, err = s.Sync(ctx, "c-events", "evt-1")
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalGuests)
	require.Equal(t, []string{"stale", "fresh"}, up.cookies)
}

func TestPartialFailureKeepsWrittenGuests(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	transient := &luma.TransientError{StatusCode: 429, Err: errors.New("slow down")}
	up := &fakeUpstream{
		pages: map[string]luma.Page{"": {Entries: []luma.Guest{guest("g1"), guest("g2")}, HasMore: true, NextCursor: "p2"}},
		errAt: map[string]error{"p2": transient},
	}
	s := newSync(up, &fakeSessions{cookies: []string{"cookie"}}, r)

	res, err := s.Sync(ctx, "c-events", "evt-1")
	require.Error(t, err)
	require.True(t, luma.IsTransient(err))
	require.False(t, res.Success)
	require.NotEmpty(t, res.Error)

	total, _, err := r.GuestCounts(ctx, "c-events")
	require.NoError(t, err)
	require.Equal(t, 2, total)

	delete(up.errAt, "p2")
	up.pages["p2"] = luma.Page{Entries: []luma.Guest{guest("g3")}}
	res, err = s.Sync(ctx, "c-events", "evt-1")
	require.NoError(t, err)
	require.Equal(t, 3, res.TotalGuests)
}

func TestRotationObservedByNextPage(t *testing.T) {
	r := newRepo(t)
	up := &fakeUpstream{pages: map[string]luma.Page{
		"":   {Entries: []luma.Guest{guest("g1"), guest("g2")}, HasMore: true, NextCursor: "p2"},
		"p2": {Entries: []luma.Guest{}},
	}}
	s := newSync(up, &fakeSessions{cookies: []string{"old", "new"}}, r)

	_, err := s.Sync(context.Background(), "c-events", "evt-1")
	require.NoError(t, err)
	require.Equal(t, []string{"old", "new"}, up.cookies)
}

func TestSchedulerSyncsActiveEventsCampaigns(t *testing.T) {
	evt := "evt-1"
	var mu sync.Mutex
	var synced []string
	s := guestsync.Scheduler{
		Campaigns: func(context.Context) ([]domain.Campaign, error) {
			return []domain.Campaign{
				{ID: "a", Platform: domain.PlatformEvents, Active: true, LumaEventID: &evt},
				{ID: "b", Platform: domain.PlatformEvents, Active: false, LumaEventID: &evt},
				{ID: "c", Platform: domain.PlatformSocial, Active: true},
			}, nil
		},
		Sync: func(_ context.Context, id string) (guestsync.Result, error) {
			mu.Lock()
			synced = append(synced, id)
			mu.Unlock()
			return guestsync.Result{Success: true}, nil
		},
	}
	s.Tick(context.Background(), log.New(io.Discard, "", 0))
	require.Equal(t, []string{"a"}, synced)
}
