package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/correlator"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/engine"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/instagram"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/session"
)

// WebhookConfig holds the shared secrets inbound webhooks are checked against.
type WebhookConfig struct {
	// InstagramVerifyToken answers the subscription challenge.
	InstagramVerifyToken string
	// InstagramAppSecret signs message deliveries. Empty skips the check.
	InstagramAppSecret string
}

func registerWebhooks(api huma.API, e engine.Engine, cfg WebhookConfig, logger *log.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "luma-cookie-push",
		Method:      http.MethodPost,
		Path:        "/webhooks/luma-cookie",
		Summary:     "Cookie scraper rotation push",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body session.Push `json:"body"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		if err := e.HandleCookiePush(ctx, input.Body); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"ok": true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "instagram-verify",
		Method:      http.MethodGet,
		Path:        "/webhooks/instagram",
		Summary:     "Messaging webhook subscription challenge",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Mode        string `query:"hub.mode"`
		VerifyToken string `query:"hub.verify_token"`
		Challenge   string `query:"hub.challenge"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		if input.Mode != "subscribe" || cfg.InstagramVerifyToken == "" ||
			subtle.ConstantTimeCompare([]byte(input.VerifyToken), []byte(cfg.InstagramVerifyToken)) != 1 {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "verify token mismatch", nil)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: "text/plain", Body: []byte(input.Challenge)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "instagram-messages",
		Method:      http.MethodPost,
		Path:        "/webhooks/instagram",
		Summary:     "Inbound direct messages",
		Description: "Every message is stored; story replies to a configured campaign are granted once per sender.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Signature string `header:"X-Hub-Signature-256"`
		RawBody   []byte
	}) (*struct {
		Body WebhookAck `json:"body"`
	}, error) {
		if cfg.InstagramAppSecret != "" {
			if err := instagram.VerifySignature(cfg.InstagramAppSecret, input.RawBody, input.Signature); err != nil {
				return nil, handleError(err)
			}
		}
		var hook instagram.Webhook
		if err := json.Unmarshal(input.RawBody, &hook); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid webhook payload", nil)
		}
		ack := WebhookAck{}
		for _, m := range hook.Messages() {
			ack.Received++
			out, err := e.HandleMessage(ctx, m)
			if errors.Is(err, correlator.ErrMalformed) {
				logger.Printf("webhook: skipping message %s: %v", m.MessageID, err)
				continue
			}
			if err != nil {
				// non-2xx makes the platform redeliver the whole batch;
				// messages already handled replay as no-ops
				logger.Printf("webhook: message %s: %v", m.MessageID, err)
				return nil, handleError(err)
			}
			if out.Action == correlator.ActionGranted {
				ack.Granted++
			}
		}
		return &struct {
			Body WebhookAck `json:"body"`
		}{Body: ack}, nil
	})
}
