package correlator_test

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/config"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/correlator"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/db"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/migrate"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/repo"
)

type countingGranter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (g *countingGranter) Grant(_ context.Context, c domain.Campaign, recipientID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, c.ID+"/"+recipientID)
	return g.err
}

func strp(s string) *string { return &s }

func setup(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	_, err = r.UpsertCampaign(context.Background(), domain.Campaign{
		ID: "C1", Platform: domain.PlatformMessaging, Active: true, PoapEventID: "300",
		AccountID: strp("acct-1"), StoryID: strp("S1"),
	})
	require.NoError(t, err)
	return r
}

func message(id, sender string) correlator.Message {
	return correlator.Message{
		MessageID:   id,
		Text:        "hi",
		SenderID:    sender,
		RecipientID: "acct-1",
		Timestamp:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		StoryID:     strp("S1"),
	}
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestStoryReplyGrantsOnceUnderReplay(t *testing.T) {
	r := setup(t)
	g := &countingGranter{}
	c := correlator.New(r, g, correlator.FailedRetry, quiet())
	ctx := context.Background()

	out, err := c.Handle(ctx, message("m1", "u1"))
	require.NoError(t, err)
	require.Equal(t, correlator.ActionGranted, out.Action)
	require.True(t, out.Stored)
	require.Equal(t, "C1", out.CampaignID)
	require.Equal(t, domain.DeliveryDelivered, out.Delivery.Status)
	require.Equal(t, []string{"C1"}, out.Watching)

	out, err = c.Handle(ctx, message("m1", "u1"))
	require.NoError(t, err)
	require.False(t, out.Stored, "replayed message must not be stored twice")
	require.Equal(t, correlator.ActionAlreadyGranted, out.Action)

	deliveries, err := r.ListDeliveries(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	n, err := r.CountMessages(ctx, "acct-1", nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, g.calls, 1)
}

func TestExistingDeliveredRecordIsReturned(t *testing.T) {
	r := setup(t)
	g := &countingGranter{}
	c := correlator.New(r, g, correlator.FailedRetry, quiet())
	ctx := context.Background()

	first, err := c.Handle(ctx, message("m1", "u1"))
	require.NoError(t, err)
	second, err := c.Handle(ctx, message("m2", "u1"))
	require.NoError(t, err)
	require.True(t, second.Stored)
	require.Equal(t, correlator.ActionAlreadyGranted, second.Action)
	require.Equal(t, first.Delivery.ID, second.Delivery.ID)
	require.Len(t, g.calls, 1)
}

func TestNonMatchingMessagesAreStoredOnly(t *testing.T) {
	r := setup(t)
	g := &countingGranter{}
	c := correlator.New(r, g, correlator.FailedRetry, quiet())
	ctx := context.Background()

	plain := message("m1", "u1")
	plain.StoryID = nil
	out, err := c.Handle(ctx, plain)
	require.NoError(t, err)
	require.Equal(t, correlator.ActionIgnored, out.Action)
	require.True(t, out.Stored)

	other := message("m2", "u1")
	other.StoryID = strp("S2")
	out, err = c.Handle(ctx, other)
	require.NoError(t, err)
	require.Equal(t, correlator.ActionIgnored, out.Action)
	require.Empty(t, g.calls)
}

func TestTriggerKeyword(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	_, err := r.UpsertCampaign(ctx, domain.Campaign{
		ID: "C1", Platform: domain.PlatformMessaging, Active: true, PoapEventID: "300",
		AccountID: strp("acct-1"), StoryID: strp("S1"), TriggerKeyword: strp("POAP"),
	})
	require.NoError(t, err)
	g := &countingGranter{}
	c := correlator.New(r, g, correlator.FailedRetry, quiet())

	out, err := c.Handle(ctx, message("m1", "u1"))
	require.NoError(t, err)
	require.Equal(t, correlator.ActionIgnored, out.Action)
	require.Equal(t, []string{"C1"}, out.Watching)

	m := message("m2", "u1")
	m.Text = "send me the poap please"
	out, err = c.Handle(ctx, m)
	require.NoError(t, err)
	require.Equal(t, correlator.ActionGranted, out.Action)
}

func TestFailedPolicy(t *testing.T) {
	for _, tc := range []struct {
		policy correlator.FailedPolicy
		want   correlator.Action
		grants int
	}{
		{correlator.FailedBlock, correlator.ActionBlocked, 1},
		{correlator.FailedRetry, correlator.ActionGranted, 2},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			r := setup(t)
			g := &countingGranter{err: errors.New("send window closed")}
			c := correlator.New(r, g, tc.policy, quiet())
			ctx := context.Background()

			out, err := c.Handle(ctx, message("m1", "u1"))
			require.NoError(t, err)
			require.Equal(t, correlator.ActionFailed, out.Action)
			require.Equal(t, domain.DeliveryFailed, out.Delivery.Status)
			require.NotNil(t, out.Delivery.Error)

			g.err = nil
			out, err = c.Handle(ctx, message("m2", "u1"))
			require.NoError(t, err)
			require.Equal(t, tc.want, out.Action)
			require.Len(t, g.calls, tc.grants)

			deliveries, err := r.ListDeliveries(ctx, "C1")
			require.NoError(t, err)
			require.Len(t, deliveries, 1)
		})
	}
}

func TestAbandonedPendingDeliveryFallsToFailedPolicy(t *testing.T) {
	for _, tc := range []struct {
		policy correlator.FailedPolicy
		want   correlator.Action
		status domain.DeliveryStatus
		grants int
	}{
		{correlator.FailedBlock, correlator.ActionBlocked, domain.DeliveryFailed, 0},
		{correlator.FailedRetry, correlator.ActionGranted, domain.DeliveryDelivered, 1},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			r := setup(t)
			ctx := context.Background()
			crashed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			before := r
			before.Now = func() time.Time { return crashed }
			// a grant that never finished
			_, created, err := before.CreatePendingDelivery(ctx, domain.Delivery{
				CampaignID: "C1", RecipientID: "u1", Channel: domain.PlatformMessaging,
			})
			require.NoError(t, err)
			require.True(t, created)

			now := crashed.Add(5 * time.Minute)
			g := &countingGranter{}
			c := correlator.New(r, g, tc.policy, quiet(), correlator.WithClock(func() time.Time { return now }))

			out, err := c.Handle(ctx, message("m1", "u1"))
			require.NoError(t, err)
			require.Equal(t, correlator.ActionAlreadyGranted, out.Action, "still within the timeout")
			require.Equal(t, domain.DeliveryPending, out.Delivery.Status)

			now = crashed.Add(correlator.DefaultPendingTimeout + time.Minute)
			out, err = c.Handle(ctx, message("m2", "u1"))
			require.NoError(t, err)
			require.Equal(t, tc.want, out.Action)
			require.Len(t, g.calls, tc.grants)

			stored, err := r.GetDelivery(ctx, "C1", "u1")
			require.NoError(t, err)
			require.Equal(t, tc.status, stored.Status)
		})
	}
}

func TestMalformedMessageHasNoSideEffects(t *testing.T) {
	r := setup(t)
	c := correlator.New(r, &countingGranter{}, correlator.FailedRetry, quiet())
	ctx := context.Background()

	bad := message("", "u1")
	_, err := c.Handle(ctx, bad)
	require.ErrorIs(t, err, correlator.ErrMalformed)

	noTime := message("m9", "u1")
	noTime.Timestamp = time.Time{}
	_, err = c.Handle(ctx, noTime)
	require.ErrorIs(t, err, correlator.ErrMalformed)

	n, err := r.CountMessages(ctx, "acct-1", nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestConcurrentDuplicatesGrantOnce(t *testing.T) {
	r := setup(t)
	g := &countingGranter{}
	c := correlator.New(r, g, correlator.FailedRetry, quiet())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Handle(ctx, message("m1", "u1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Len(t, g.calls, 1)
}
