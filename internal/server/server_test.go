package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/app"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/config"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/engine"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/engine/auth"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/instagram"
)

const (
	jwtSecret    = "test-secret"
	cookieSecret = "rotate-me"
	appSecret    = "ig-app-secret"
	verifyToken  = "ig-verify"
)

type stubMinter struct{ calls int }

func (m *stubMinter) Mint(_ context.Context, eventID, _, requesterID string) (*string, error) {
	m.calls++
	ref := fmt.Sprintf("tx-%s-%s", eventID, requesterID)
	return &ref, nil
}

type testServer struct {
	URL    string
	client *http.Client
	app    *app.App
	minter *stubMinter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg, err := config.LoadFrom(ctx, map[string]string{
		"DB_WORKSPACE":         t.TempDir(),
		"REDIS_ADDR":           mr.Addr(),
		"LUMA_COOKIE_SECRET":   cookieSecret,
		"NOTIFY_MODE":          "stream",
		"NOTIFY_HEARTBEAT":     "50ms",
		"AUTH_JWT_SECRET":      jwtSecret,
		"INSTAGRAM_APP_SECRET": appSecret,
	})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	quiet := log.New(io.Discard, "", 0)
	a, err := app.Open(ctx, cfg, quiet)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	minter := &stubMinter{}
	a.Engine.Minter = minter

	f, err := config.CampaignsFromYAML([]byte(config.ExampleCampaigns))
	if err != nil {
		t.Fatalf("parse campaigns: %v", err)
	}
	if _, err := a.Engine.ImportCampaigns(ctx, f, "tester"); err != nil {
		t.Fatalf("import campaigns: %v", err)
	}

	handler, err := New(Config{
		Engine:    a.Engine,
		BasePath:  "/v0",
		Auth:      AuthConfig{JWTSecret: jwtSecret, AllowDevLogin: true},
		Webhooks:  WebhookConfig{InstagramVerifyToken: verifyToken, InstagramAppSecret: appSecret},
		Hub:       a.Hub,
		Heartbeat: 50 * time.Millisecond,
		Logger:    quiet,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		a.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), client: &http.Client{}, app: a, minter: minter}
}

func token(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := auth.SignToken(jwtSecret, "tester", roles, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %T: %v: %s", v, err, string(data))
	}
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	decode(t, data, &env)
	return env.Error.Code
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), `"status":"ok"`) {
		t.Fatalf("health body: %s", string(data))
	}
}

func TestClaimFlow(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/v0/campaigns/farcaster-frame/claims"
	body := map[string]string{"requester_id": "fid-7", "destination": "0xabc"}

	res, data := doJSON(t, srv.client, http.MethodPost, url, body, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	var out engine.ClaimResult
	decode(t, data, &out)
	if out.Status != engine.StatusGranted {
		t.Fatalf("expected granted, got %s", out.Status)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, url, body, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("repeat claim status %d: %s", res.StatusCode, string(data))
	}
	decode(t, data, &out)
	if out.Status != engine.StatusAlreadyGranted {
		t.Fatalf("expected already_granted, got %s", out.Status)
	}
	if srv.minter.calls != 1 {
		t.Fatalf("expected one mint, got %d", srv.minter.calls)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/claims/check",
		map[string]string{"campaign_id": "farcaster-frame", "requester_id": "fid-7"}, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"claimed":true`) {
		t.Fatalf("check claim: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/campaigns/missing/claims", body, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("missing campaign: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, url, map[string]string{"requester_id": "fid-8"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d %s", res.StatusCode, string(data))
	}
}

func TestOperatorRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t)
	statsURL := srv.URL + "/v0/stats?campaign_ids=farcaster-frame,devcon-meetup"

	res, data := doJSON(t, srv.client, http.MethodGet, statsURL, nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("anonymous stats: %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.client, http.MethodGet, statsURL, nil, bearer("garbage"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: expected 401, got %d", res.StatusCode)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, statsURL, nil, bearer(token(t, "viewer")))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("viewer stats status %d: %s", res.StatusCode, string(data))
	}
	var stats StatsResponse
	decode(t, data, &stats)
	if len(stats.Snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(stats.Snapshots))
	}
	if stats.Snapshots[1].Platform != domain.PlatformEvents {
		t.Fatalf("expected events snapshot second, got %s", stats.Snapshots[1].Platform)
	}

	syncURL := srv.URL + "/v0/campaigns/devcon-meetup/guests/sync"
	res, data = doJSON(t, srv.client, http.MethodPost, syncURL, nil, bearer(token(t, "viewer")))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("viewer sync: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, syncURL, nil, bearer(token(t, "operator")))
	if res.StatusCode != http.StatusFailedDependency || errorCode(t, data) != "session_invalid" {
		t.Fatalf("sync without cookie: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/campaigns/farcaster-frame/guests/sync", nil, bearer(token(t, "operator")))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("sync of social campaign: expected 400, got %d %s", res.StatusCode, string(data))
	}
}

func TestCookiePushWebhook(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/v0/webhooks/luma-cookie"
	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)

	res, data := doJSON(t, srv.client, http.MethodPost, url, map[string]any{
		"secret": "nope", "status": "success", "cookie": "abc",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret: expected 401, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, url, map[string]any{
		"secret": cookieSecret, "status": "success", "cookie": "abc", "expiresAt": expires,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("push status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/admin/luma-cookie", nil, bearer(token(t, "operator")))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cookie status %d: %s", res.StatusCode, string(data))
	}
	var st struct {
		Configured bool       `json:"configured"`
		ExpiresAt  *time.Time `json:"expires_at"`
	}
	decode(t, data, &st)
	if !st.Configured || st.ExpiresAt == nil || !expires.Equal(*st.ExpiresAt) {
		t.Fatalf("unexpected cookie status: %s", string(data))
	}

	res, _ = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v0/admin/luma-cookie",
		map[string]any{"cookie": "xyz"}, bearer(token(t, "operator")))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("operator cookie write: expected 403, got %d", res.StatusCode)
	}
}

func instagramPayload(mid string) []byte {
	return []byte(fmt.Sprintf(`{"object":"instagram","entry":[{"id":"17841400000000000","time":1714560000000,"messaging":[
{"sender":{"id":"u1"},"recipient":{"id":"17841400000000000"},"timestamp":1714560000000,
 "message":{"mid":%q,"text":"poap please","reply_to":{"story":{"id":"18000000000000000","url":"https://example.com/s"}}}}]}]}`, mid))
}

func TestInstagramWebhook(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/v0/webhooks/instagram"

	res, data := doJSON(t, srv.client, http.MethodGet, url+"?hub.mode=subscribe&hub.verify_token="+verifyToken+"&hub.challenge=42", nil, nil)
	if res.StatusCode != http.StatusOK || string(data) != "42" {
		t.Fatalf("challenge: %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.client, http.MethodGet, url+"?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", nil, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong verify token: expected 403, got %d", res.StatusCode)
	}

	body := instagramPayload("m-1")
	res, _ = doJSON(t, srv.client, http.MethodPost, url, body, map[string]string{"X-Hub-Signature-256": "sha256=00"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad signature: expected 401, got %d", res.StatusCode)
	}

	signed := map[string]string{"X-Hub-Signature-256": instagram.Sign(appSecret, body)}
	res, data = doJSON(t, srv.client, http.MethodPost, url, body, signed)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d: %s", res.StatusCode, string(data))
	}
	var ack WebhookAck
	decode(t, data, &ack)
	if ack != (WebhookAck{Received: 1, Granted: 1}) {
		t.Fatalf("unexpected ack %+v", ack)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, url, body, signed)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replay status %d: %s", res.StatusCode, string(data))
	}
	decode(t, data, &ack)
	if ack.Granted != 0 {
		t.Fatalf("replayed webhook granted %d", ack.Granted)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/campaigns/story-reply/deliveries", nil, bearer(token(t, "viewer")))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deliveries status %d: %s", res.StatusCode, string(data))
	}
	var list DeliveryListResponse
	decode(t, data, &list)
	if len(list.Items) != 1 || list.Items[0].Status != domain.DeliveryDelivered {
		t.Fatalf("unexpected deliveries: %s", string(data))
	}
}

func TestInstagramWebhookFailsClosedWhenStorageIsDown(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.app.DB.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	body := instagramPayload("m-down")
	signed := map[string]string{"X-Hub-Signature-256": instagram.Sign(appSecret, body)}
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/webhooks/instagram", body, signed)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 so the batch is redelivered, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "backend_unavailable" {
		t.Fatalf("expected backend_unavailable, got %s", code)
	}
}

func TestInstagramWebhookSkipsMalformedMessages(t *testing.T) {
	srv := newTestServer(t)
	// a message without mid is dropped; redelivery would not fix it
	body := []byte(`{"object":"instagram","entry":[{"id":"17841400000000000","time":1714560000000,"messaging":[
{"sender":{"id":"u1"},"recipient":{"id":"17841400000000000"},"timestamp":1714560000000,"message":{"text":"poap"}}]}]}`)
	signed := map[string]string{"X-Hub-Signature-256": instagram.Sign(appSecret, body)}
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/webhooks/instagram", body, signed)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d: %s", res.StatusCode, string(data))
	}
	var ack WebhookAck
	decode(t, data, &ack)
	if ack != (WebhookAck{Received: 1}) {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

// readEvent returns the next SSE event name and data payload.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data != "" {
				return name, data
			}
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func TestStatsStream(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/stats/stream?campaign_ids=farcaster-frame", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token(t, "viewer"))
	res, err := srv.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", res.StatusCode)
	}
	r := bufio.NewReader(res.Body)

	name, data := readEvent(t, r)
	if name != "snapshot" {
		t.Fatalf("expected initial snapshot, got %s", name)
	}
	var snap SnapshotEvent
	decode(t, []byte(data), &snap)
	if len(snap.Snapshots) != 1 || snap.Snapshots[0].Claims != 0 {
		t.Fatalf("unexpected initial snapshot: %s", data)
	}

	if name, _ = readEvent(t, r); name != "ping" {
		t.Fatalf("expected ping, got %s", name)
	}

	_, err = srv.app.Engine.Claim(context.Background(), engine.ClaimRequest{
		CampaignID: "farcaster-frame", RequesterID: "fid-1", Destination: "0xabc",
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	for {
		name, data = readEvent(t, r)
		if name == "snapshot" {
			break
		}
	}
	decode(t, []byte(data), &snap)
	if snap.Snapshots[0].Claims != 1 {
		t.Fatalf("expected 1 claim after notify, got %d", snap.Snapshots[0].Claims)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for srv.app.Hub.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber not released, %d left", srv.app.Hub.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/auth/dev/login",
		map[string]any{"subject": "ops", "roles": []string{"admin"}}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	decode(t, data, &login)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, bearer(login.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	decode(t, data, &me)
	if me.Subject != "ops" {
		t.Fatalf("expected subject ops, got %s", me.Subject)
	}
	if !slices.Contains(me.Permissions, auth.PermSessionWrite) {
		t.Fatalf("admin lacks %s: %v", auth.PermSessionWrite, me.Permissions)
	}

	res, data = doJSON(t, srv.client, http.MethodPatch, srv.URL+"/v0/campaigns/farcaster-frame",
		map[string]bool{"active": false}, bearer(login.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deactivate status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/campaigns/farcaster-frame/claims",
		map[string]string{"requester_id": "fid-1", "destination": "0xabc"}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "campaign_inactive" {
		t.Fatalf("claim on inactive campaign: %d %s", res.StatusCode, string(data))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "go_goroutines") {
		t.Fatalf("metrics: %d", res.StatusCode)
	}
}
