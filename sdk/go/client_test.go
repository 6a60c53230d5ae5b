package droplinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimAndCheck(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/v0/campaigns/farcaster-demo/claims":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(ClaimResult{
				Status: "granted",
				Claim:  Claim{CampaignID: "farcaster-demo", RequesterID: body["requester_id"], Destination: body["destination"]},
			})
		case "/v0/claims/check":
			_ = json.NewEncoder(w).Encode(ClaimCheck{Claimed: true})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"campaign not found"}}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok")
	res, err := c.Claim(context.Background(), "farcaster-demo", "fid:42", "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "granted", res.Status)
	assert.Equal(t, "0xabc", res.Claim.Destination)
	assert.Equal(t, "Bearer tok", gotAuth)

	claimed, err := c.CheckClaim(context.Background(), "farcaster-demo", "fid:42")
	require.NoError(t, err)
	assert.True(t, claimed)

	_, err = c.Stats(context.Background(), "x")
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusNotFound, ae.StatusCode)
	assert.Equal(t, "not_found", ae.Code())
}

func TestPollStats(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a,b", r.URL.Query().Get("campaign_ids"))
		n := calls.Add(1)
		fmt.Fprintf(w, `{"snapshots":[{"campaign_id":"a","claims":%d}]}`, n)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var seen []int
	err := New(srv.URL, "").PollStats(ctx, 10*time.Millisecond, []string{"a", "b"}, func(s []Snapshot, err error) {
		assert.NoError(t, err)
		seen = append(seen, s[0].Claims)
		if len(seen) == 3 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestReadEvents(t *testing.T) {
	body := ": comment\nevent: snapshot\ndata: {\"a\":1}\n\ndata: line1\ndata: line2\n\nevent: ping\n\n"
	var got [][2]string
	err := readEvents(strings.NewReader(body), func(event, data string) error {
		got = append(got, [2]string{event, data})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][2]string{
		{"snapshot", `{"a":1}`},
		{"message", "line1\nline2"},
	}, got)
}

func TestBackoffIsCapped(t *testing.T) {
	o := StreamOptions{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	assert.Equal(t, 100*time.Millisecond, o.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, o.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, o.Backoff(4))
	assert.Equal(t, time.Second, o.Backoff(5))
	assert.Equal(t, time.Second, o.Backoff(50))
}

// flakyStream drops the first `drops` connections before writing anything,
// then serves one snapshot per connection and hangs up.
func flakyStream(drops int32) (*httptest.Server, *atomic.Int32) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		if n <= drops {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: snapshot\ndata: {\"snapshots\":[{\"campaign_id\":\"c\",\"claims\":%d}]}\n\n", n)
		w.(http.Flusher).Flush()
	}))
	return srv, &conns
}

func TestStreamStatsReconnects(t *testing.T) {
	srv, conns := flakyStream(2)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var waits []time.Duration
	var got []int
	err := New(srv.URL, "").StreamStats(ctx, []string{"c"}, StreamOptions{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		OnReconnect:    func(_ int, d time.Duration) { waits = append(waits, d) },
		OnSnapshot: func(s []Snapshot) {
			got = append(got, s[0].Claims)
			if len(got) == 2 {
				cancel()
			}
		},
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{3, 4}, got)
	assert.Equal(t, int32(4), conns.Load())
	// two 503s double the delay; a delivered snapshot resets it
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, time.Millisecond}, waits)
}

func TestStreamStatsGivesUp(t *testing.T) {
	srv, conns := flakyStream(100)
	defer srv.Close()

	err := New(srv.URL, "").StreamStats(context.Background(), []string{"c"}, StreamOptions{
		InitialBackoff: time.Millisecond,
		MaxRetries:     3,
	})
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(4), conns.Load())
}

func TestStreamStatsStopsOnServerError(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: error\ndata: {\"code\":\"unauthorized\",\"message\":\"missing bearer token\"}\n\n"))
	}))
	defer srv.Close()

	err := New(srv.URL, "").StreamStats(context.Background(), []string{"c"}, StreamOptions{InitialBackoff: time.Millisecond})
	var se *StreamError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "unauthorized", se.Code)
	assert.Equal(t, int32(1), conns.Load())
}

func TestWatcherFollowsVisibility(t *testing.T) {
	var mu sync.Mutex
	open := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		open++
		mu.Unlock()
		defer func() {
			mu.Lock()
			open--
			mu.Unlock()
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: snapshot\ndata: {\"snapshots\":[]}\n\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()
	openConns := func() int {
		mu.Lock()
		defer mu.Unlock()
		return open
	}

	snaps := make(chan struct{}, 8)
	w := &Watcher{
		Client:      New(srv.URL, ""),
		CampaignIDs: []string{"c"},
		Options:     StreamOptions{OnSnapshot: func([]Snapshot) { snaps <- struct{}{} }},
	}
	w.SetVisible(true)
	w.SetVisible(true)
	<-snaps
	assert.True(t, w.Connected())
	assert.Equal(t, 1, openConns())

	w.SetVisible(false)
	assert.False(t, w.Connected())
	assert.Eventually(t, func() bool { return openConns() == 0 }, time.Second, 5*time.Millisecond)

	w.SetVisible(true)
	<-snaps
	assert.True(t, w.Connected())

	w.Close()
	w.SetVisible(true)
	assert.False(t, w.Connected())
}
