package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/engine/auth"
)

const defaultHeartbeat = 25 * time.Second

// registerStream serves GET /stats/stream: a snapshot on connect, a fresh
// snapshot after each change trigger or poll tick, and pings while idle.
func registerStream(api huma.API, cfg Config) {
	e := cfg.Engine
	sse.Register(api, huma.Operation{
		OperationID: "stats-stream",
		Method:      http.MethodGet,
		Path:        "/stats/stream",
		Summary:     "Live campaign snapshots",
		Errors:      []int{http.StatusUnauthorized},
	}, map[string]any{
		"snapshot": SnapshotEvent{},
		"ping":     PingEvent{},
		"error":    StreamErrorEvent{},
	}, func(ctx context.Context, input *StatsInput, send sse.Sender) {
		if err := requirePermission(ctx, auth.PermStatsRead); err != nil {
			sendStreamError(send, err)
			return
		}
		ids := input.IDs()
		if len(ids) == 0 {
			_ = send.Data(StreamErrorEvent{Code: "bad_request", Message: "campaign_ids required"})
			return
		}

		push := func() bool {
			snaps, err := e.Stats(ctx, ids)
			if err != nil {
				if ctx.Err() == nil {
					sendStreamError(send, err)
				}
				return false
			}
			return send.Data(SnapshotEvent{Snapshots: snaps}) == nil
		}

		var changed <-chan struct{}
		if cfg.Hub != nil {
			sub := cfg.Hub.Subscribe(ids...)
			defer sub.Close()
			changed = sub.C()
		}
		if !push() {
			return
		}

		heartbeat := cfg.Heartbeat
		if heartbeat <= 0 {
			heartbeat = defaultHeartbeat
		}
		ping := time.NewTicker(heartbeat)
		defer ping.Stop()
		var poll <-chan time.Time
		if cfg.PollInterval > 0 {
			t := time.NewTicker(cfg.PollInterval)
			defer t.Stop()
			poll = t.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				if !push() {
					return
				}
			case <-poll:
				if !push() {
					return
				}
			case now := <-ping.C:
				if err := send.Data(PingEvent{TS: now.UTC().Format(time.RFC3339)}); err != nil {
					return
				}
			}
		}
	})
}

func sendStreamError(send sse.Sender, err error) {
	se := handleError(err)
	var ae *apiError
	if errors.As(se, &ae) {
		_ = send.Data(StreamErrorEvent{Code: ae.Body.Code, Message: ae.Body.Message})
		return
	}
	_ = send.Data(StreamErrorEvent{Code: "internal_error", Message: se.Error()})
}
