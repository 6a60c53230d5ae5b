package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/correlator"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/engine"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/engine/auth"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/guestsync"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/instagram"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/luma"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/mint"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/notify"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/repo"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/session"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Webhooks WebhookConfig
	// Hub serves stats streams. Nil disables change triggers; streams then
	// refresh on PollInterval only.
	Hub          *notify.Hub
	PollInterval time.Duration
	Heartbeat    time.Duration
	Logger       *log.Logger
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"session_invalid"`
	Message string         `json:"message" example:"events platform session invalid"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Dropline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Dropline API", "0.2.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerClaims(group, cfg.Engine)
	registerCampaigns(group, cfg.Engine)
	registerAdmin(group, cfg.Engine)
	registerWebhooks(group, cfg.Engine, cfg.Webhooks, cfg.logger())
	registerStats(group, cfg.Engine)
	registerStream(group, cfg)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps domain errors onto the envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrMalformed),
		errors.Is(err, correlator.ErrMalformed),
		errors.Is(err, session.ErrMalformed),
		errors.Is(err, engine.ErrWrongPlatform):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, session.ErrUnauthorized),
		errors.Is(err, instagram.ErrBadSignature):
		return newAPIError(http.StatusUnauthorized, "unauthorized", msg, nil)
	case errors.Is(err, guestsync.ErrAuthentication),
		errors.Is(err, session.ErrRejected),
		errors.Is(err, luma.ErrUnauthorized):
		return newAPIError(http.StatusFailedDependency, "session_invalid", msg, nil)
	case errors.Is(err, session.ErrNotConfigured):
		return newAPIError(http.StatusServiceUnavailable, "not_configured", msg, nil)
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, luma.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrCampaignInactive):
		return newAPIError(http.StatusConflict, "campaign_inactive", msg, nil)
	case luma.IsTransient(err), errors.Is(err, mint.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "upstream_unavailable", msg, nil)
	case errors.Is(err, engine.ErrBackendUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "backend_unavailable", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			method := http.MethodGet
			switch op {
			case item.Put:
				method = http.MethodPut
			case item.Post:
				method = http.MethodPost
			case item.Delete:
				method = http.MethodDelete
			case item.Patch:
				method = http.MethodPatch
			}
			if isPublic(basePath, method, route) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Dropline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Operator routes take Authorization: Bearer &lt;token&gt;. Webhooks authenticate with their shared secret.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		out := HealthResponse{Status: "ok", Database: "ok"}
		if err := e.Repo.Ping(ctx); err != nil {
			out.Status = "degraded"
			out.Database = err.Error()
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-claim",
		Method:      http.MethodPost,
		Path:        "/claims/check",
		Summary:     "Check whether a requester already claimed a campaign",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CheckClaimRequest `json:"body"`
	}) (*struct {
		Body engine.ClaimCheck `json:"body"`
	}, error) {
		res, err := e.CheckClaim(ctx, input.Body.CampaignID, input.Body.RequesterID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ClaimCheck `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim",
		Method:      http.MethodPost,
		Path:        "/campaigns/{campaign_id}/claims",
		Summary:     "Redeem a campaign",
		Description: "Repeated claims by the same requester report already_granted and never mint twice.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		CampaignID string       `path:"campaign_id"`
		Body       ClaimRequest `json:"body"`
	}) (*struct {
		Body engine.ClaimResult `json:"body"`
	}, error) {
		res, err := e.Claim(ctx, engine.ClaimRequest{
			CampaignID:  input.CampaignID,
			RequesterID: strings.TrimSpace(input.Body.RequesterID),
			Destination: strings.TrimSpace(input.Body.Destination),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ClaimResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerCampaigns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-campaigns",
		Method:      http.MethodGet,
		Path:        "/campaigns",
		Summary:     "List campaigns",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Platform   string `query:"platform" doc:"social, events or messaging"`
		ActiveOnly bool   `query:"active"`
	}) (*struct {
		Body CampaignListResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermCampaignRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListCampaigns(ctx, repo.CampaignFilter{Platform: domain.Platform(input.Platform), ActiveOnly: input.ActiveOnly})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CampaignListResponse `json:"body"`
		}{Body: CampaignListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-campaign-active",
		Method:      http.MethodPatch,
		Path:        "/campaigns/{campaign_id}",
		Summary:     "Enable or disable a campaign",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CampaignID string                   `path:"campaign_id"`
		Body       SetCampaignActiveRequest `json:"body"`
	}) (*struct {
		Body domain.Campaign `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx, auth.PermCampaignWrite)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.SetCampaignActive(ctx, input.CampaignID, input.Body.Active, p.Subject)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Campaign `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-guests",
		Method:      http.MethodPost,
		Path:        "/campaigns/{campaign_id}/guests/sync",
		Summary:     "Refresh an events campaign's guest cache",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusFailedDependency,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id"`
	}) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx, auth.PermCampaignSync)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.SyncGuests(ctx, input.CampaignID, p.Subject)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: SyncResponse{CampaignID: input.CampaignID, Result: res}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-guests",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}/guests",
		Summary:     "List cached guests",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CampaignID    string `path:"campaign_id"`
		CheckedInOnly bool   `query:"checked_in"`
	}) (*struct {
		Body GuestListResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermCampaignRead); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetCampaign(ctx, input.CampaignID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListGuests(ctx, input.CampaignID, input.CheckedInOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GuestListResponse `json:"body"`
		}{Body: GuestListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deliver-checked-in",
		Method:      http.MethodPost,
		Path:        "/campaigns/{campaign_id}/deliveries",
		Summary:     "Grant the campaign to every checked-in guest",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id"`
	}) (*struct {
		Body engine.DeliveryReport `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx, auth.PermCampaignDeliver)
		if err != nil {
			return nil, handleError(err)
		}
		report, err := e.DeliverCheckedIn(ctx, input.CampaignID, p.Subject)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DeliveryReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deliveries",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}/deliveries",
		Summary:     "List delivery records",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id"`
	}) (*struct {
		Body DeliveryListResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermCampaignRead); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetCampaign(ctx, input.CampaignID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListDeliveries(ctx, input.CampaignID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliveryListResponse `json:"body"`
		}{Body: DeliveryListResponse{Items: items}}, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-luma-cookie",
		Method:      http.MethodGet,
		Path:        "/admin/luma-cookie",
		Summary:     "Events platform session status",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Probe bool `query:"probe" doc:"Probe upstream when validity is unknown"`
	}) (*struct {
		Body session.Status `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermSessionRead); err != nil {
			return nil, handleError(err)
		}
		st, err := e.CookieStatus(ctx, input.Probe)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body session.Status `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-luma-cookie",
		Method:      http.MethodPut,
		Path:        "/admin/luma-cookie",
		Summary:     "Replace the events platform session cookie",
		Description: "The cookie is validated upstream first; a rejected cookie leaves the current one in place.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusFailedDependency,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitCookieRequest `json:"body"`
	}) (*struct {
		Body session.Status `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx, auth.PermSessionWrite)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := e.SubmitCookie(ctx, input.Body.Cookie, input.Body.ExpiresAt, p.Subject)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body session.Status `json:"body"`
		}{Body: st}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Current snapshots for campaigns",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *StatsInput) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermStatsRead); err != nil {
			return nil, handleError(err)
		}
		snaps, err := e.Stats(ctx, input.IDs())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: StatsResponse{Snapshots: snaps}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log, newest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" minimum:"0" maximum:"200"`
		BeforeID   int64  `query:"before_id"`
		CampaignID string `query:"campaign_id"`
		Type       string `query:"type"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermEventsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.BeforeID, input.CampaignID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{Items: items}
		if len(items) > 0 && len(items) == normalizeLimit(input.Limit) {
			last := items[len(items)-1].ID
			resp.NextBeforeID = &last
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		perms := append(auth.Permissions(p.Roles), p.Permissions...)
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			Subject:     p.Subject,
			Roles:       nonNilSlice(p.Roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	if !authCfg.AllowDevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		subject := strings.TrimSpace(input.Body.Subject)
		if subject == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject is required", nil)
		}
		token, err := auth.SignToken(authCfg.JWTSecret, subject, input.Body.Roles, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
