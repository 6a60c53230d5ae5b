package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/config"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/correlator"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/events"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/guestsync"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/ledger"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/metrics"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/mint"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/notify"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/repo"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/session"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/stats"
)

var (
	ErrMalformed          = errors.New("malformed request")
	ErrCampaignInactive   = errors.New("campaign is not active")
	ErrWrongPlatform      = errors.New("operation not supported for campaign platform")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Ledger is the claim dedup cache.
type Ledger interface {
	HasClaimed(ctx context.Context, requesterID, eventID string) bool
	RecordClaim(ctx context.Context, requesterID, eventID, destination string, txRef *string) (bool, error)
}

// Minter issues badges through the issuing authority.
type Minter interface {
	Mint(ctx context.Context, eventID, destination, requesterID string) (*string, error)
}

// Engine wires the reconciliation components together. Every mutation ends
// with a Notify so dashboards converge.
type Engine struct {
	DB           *sqlx.DB
	Repo         repo.Repo
	Events       events.Writer
	Config       *config.Config
	Ledger       Ledger
	Minter       Minter
	Sessions     *session.Manager
	Sync         *guestsync.Synchronizer
	Correlator   *correlator.Correlator
	EventGranter correlator.Granter
	Aggregator   stats.Aggregator
	Notifier     notify.Notifier
	Logger       *log.Logger
	Now          func() time.Time

	validate *validator.Validate
}

func New(db *sqlx.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:         db,
		Repo:       r,
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Aggregator: stats.Aggregator{Store: r},
		Notifier:   notify.Poll{},
		Logger:     log.Default(),
		Now:        time.Now,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) notify(ctx context.Context, campaignIDs ...string) {
	if e.Notifier == nil || len(campaignIDs) == 0 {
		return
	}
	if err := e.Notifier.Notify(ctx, campaignIDs...); err != nil {
		e.logger().Printf("notify %v failed: %v", campaignIDs, err)
	}
}

func (e Engine) check(v any) error {
	val := e.validate
	if val == nil {
		val = validator.New()
	}
	if err := val.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// ClaimStatus values reported to callers.
const (
	StatusGranted        = "granted"
	StatusAlreadyGranted = "already_granted"
)

type ClaimRequest struct {
	CampaignID  string `json:"campaign_id" validate:"required"`
	RequesterID string `json:"requester_id" validate:"required"`
	Destination string `json:"destination" validate:"required"`
	ActorID     string `json:"-"`
}

type ClaimResult struct {
	Status string             `json:"status" enum:"granted,already_granted"`
	Claim  domain.ClaimRecord `json:"claim"`
}

type ClaimCheck struct {
	CampaignID  string `json:"campaign_id"`
	RequesterID string `json:"requester_id"`
	Claimed     bool   `json:"claimed"`
}

// CheckClaim reports whether requesterID already redeemed the campaign. The
// ledger is consulted first; its misses fall through to the durable table.
func (e Engine) CheckClaim(ctx context.Context, campaignID, requesterID string) (ClaimCheck, error) {
	if campaignID == "" || requesterID == "" {
		return ClaimCheck{}, fmt.Errorf("%w: campaign_id and requester_id required", ErrMalformed)
	}
	c, err := e.Repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return ClaimCheck{}, err
	}
	out := ClaimCheck{CampaignID: campaignID, RequesterID: requesterID}
	if e.Ledger != nil && e.Ledger.HasClaimed(ctx, requesterID, c.PoapEventID) {
		out.Claimed = true
		return out, nil
	}
	claimed, err := e.Repo.HasClaim(ctx, c.PoapEventID, requesterID)
	if err != nil {
		return ClaimCheck{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	out.Claimed = claimed
	return out, nil
}

// Claim redeems a campaign for a requester. Duplicates are reported as
// already granted, never as errors.
func (e Engine) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	if err := e.check(req); err != nil {
		return ClaimResult{}, err
	}
	if e.Minter == nil {
		return ClaimResult{}, errors.New("minter not configured")
	}
	c, err := e.Repo.GetCampaign(ctx, req.CampaignID)
	if err != nil {
		return ClaimResult{}, err
	}
	if !c.Active {
		return ClaimResult{}, ErrCampaignInactive
	}
	eventID := c.PoapEventID

	// The ledger fails open: an unreachable cache reports false.
	if e.Ledger != nil && e.Ledger.HasClaimed(ctx, req.RequesterID, eventID) {
		metrics.ClaimsTotal.WithLabelValues("already_claimed").Inc()
		return e.alreadyGranted(ctx, c, req)
	}
	existing, err := e.Repo.GetClaim(ctx, eventID, req.RequesterID)
	switch {
	case err == nil:
		metrics.ClaimsTotal.WithLabelValues("already_claimed").Inc()
		e.recordLedger(ctx, existing.RequesterID, eventID, existing.Destination, existing.TxRef)
		return ClaimResult{Status: StatusAlreadyGranted, Claim: existing}, nil
	case !errors.Is(err, repo.ErrNotFound):
		metrics.ClaimsTotal.WithLabelValues("error").Inc()
		return ClaimResult{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	txRef, err := e.Minter.Mint(ctx, eventID, req.Destination, req.RequesterID)
	if errors.Is(err, mint.ErrAlreadyMinted) {
		// the authority is the final arbiter; remember its answer
		metrics.ClaimsTotal.WithLabelValues("already_claimed").Inc()
		rec, perr := e.persistClaim(ctx, c, req, nil, "claim.duplicate")
		if perr != nil {
			return ClaimResult{}, perr
		}
		return ClaimResult{Status: StatusAlreadyGranted, Claim: rec}, nil
	}
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues("mint_failed").Inc()
		return ClaimResult{}, err
	}

	rec, err := e.persistClaim(ctx, c, req, txRef, "claim.granted")
	if err != nil {
		return ClaimResult{}, err
	}
	metrics.ClaimsTotal.WithLabelValues("granted").Inc()
	e.notify(ctx, c.ID)
	return ClaimResult{Status: StatusGranted, Claim: rec}, nil
}

func (e Engine) alreadyGranted(ctx context.Context, c domain.Campaign, req ClaimRequest) (ClaimResult, error) {
	rec, err := e.Repo.GetClaim(ctx, c.PoapEventID, req.RequesterID)
	if err == nil {
		return ClaimResult{Status: StatusAlreadyGranted, Claim: rec}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		e.logger().Printf("claim: load durable claim %s/%s: %v", c.PoapEventID, req.RequesterID, err)
	}
	entry := domain.ClaimRecord{EventID: c.PoapEventID, RequesterID: req.RequesterID, CampaignID: c.ID}
	if l, ok := e.Ledger.(*ledger.Ledger); ok {
		if le, err := l.Lookup(ctx, req.RequesterID, c.PoapEventID); err == nil {
			entry.Destination = le.Destination
			entry.TxRef = le.TxRef
			entry.ClaimedAt = le.ClaimedAt.UTC().Format(time.RFC3339)
		}
	}
	return ClaimResult{Status: StatusAlreadyGranted, Claim: entry}, nil
}

// persistClaim writes the ledger entry first, straight after the mint, then
// the durable row and its event in one transaction.
func (e Engine) persistClaim(ctx context.Context, c domain.Campaign, req ClaimRequest, txRef *string, evtType string) (domain.ClaimRecord, error) {
	e.recordLedger(ctx, req.RequesterID, c.PoapEventID, req.Destination, txRef)
	rec := domain.ClaimRecord{
		EventID:     c.PoapEventID,
		RequesterID: req.RequesterID,
		CampaignID:  c.ID,
		Destination: req.Destination,
		TxRef:       txRef,
		ClaimedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return rec, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer tx.Rollback()
	inserted, err := e.Repo.InsertClaim(ctx, tx, rec)
	if err != nil {
		return rec, err
	}
	if inserted {
		if err := e.Events.Append(ctx, tx, evtType, c.ID, "claim", c.PoapEventID+":"+req.RequesterID, actorOr(req.ActorID, req.RequesterID), events.EventPayload{
			"destination": req.Destination,
			"tx_ref":      txRef,
		}); err != nil {
			return rec, err
		}
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	if !inserted {
		// a concurrent claim won the durable write; report its row
		if stored, err := e.Repo.GetClaim(ctx, c.PoapEventID, req.RequesterID); err == nil {
			return stored, nil
		}
	}
	return rec, nil
}

func (e Engine) recordLedger(ctx context.Context, requesterID, eventID, destination string, txRef *string) {
	if e.Ledger == nil {
		return
	}
	if _, err := e.Ledger.RecordClaim(ctx, requesterID, eventID, destination, txRef); err != nil {
		e.logger().Printf("claim: ledger record %s/%s failed: %v", eventID, requesterID, err)
	}
}

// HandleCookiePush applies a rotation pushed by the cookie scraper.
func (e Engine) HandleCookiePush(ctx context.Context, p session.Push) error {
	if err := e.Sessions.Rotate(ctx, p); err != nil {
		return err
	}
	evtType := "session.rotated"
	if p.Status == "error" {
		evtType = "session.scrape_failed"
	}
	payload := events.EventPayload{"status": p.Status}
	if p.ExpiresAt != nil {
		payload["expires_at"] = p.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if p.Error != "" {
		payload["error"] = p.Error
	}
	if err := e.Events.Append(ctx, nil, evtType, "", "session", "luma", "cookie-scraper", payload); err != nil {
		e.logger().Printf("session: append event: %v", err)
	}
	return nil
}

// SubmitCookie validates and stores an operator-supplied cookie.
func (e Engine) SubmitCookie(ctx context.Context, cookie string, expiresAt *time.Time, actorID string) (session.Status, error) {
	if err := e.Sessions.Submit(ctx, cookie, expiresAt); err != nil {
		return session.Status{}, err
	}
	if err := e.Events.Append(ctx, nil, "session.submitted", "", "session", "luma", actorOr(actorID, "operator"), nil); err != nil {
		e.logger().Printf("session: append event: %v", err)
	}
	return e.Sessions.Status(ctx)
}

// CookieStatus reports the session state, probing upstream when the cached
// validity is unknown.
func (e Engine) CookieStatus(ctx context.Context, probe bool) (session.Status, error) {
	if probe {
		e.Sessions.Validate(ctx)
	}
	return e.Sessions.Status(ctx)
}

// SyncGuests refreshes an events campaign's guest cache.
func (e Engine) SyncGuests(ctx context.Context, campaignID, actorID string) (guestsync.Result, error) {
	c, err := e.Repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return guestsync.Result{}, err
	}
	if c.Platform != domain.PlatformEvents || c.LumaEventID == nil {
		return guestsync.Result{}, fmt.Errorf("%w: %s is a %s campaign", ErrWrongPlatform, c.ID, c.Platform)
	}
	res, err := e.Sync.Sync(ctx, c.ID, *c.LumaEventID)
	payload := events.EventPayload{
		"success":      res.Success,
		"total_guests": res.TotalGuests,
		"checked_in":   res.CheckedIn,
		"pages":        res.Pages,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	if aerr := e.Events.Append(ctx, nil, "guests.synced", c.ID, "campaign", c.ID, actorOr(actorID, "scheduler"), payload); aerr != nil {
		e.logger().Printf("sync: append event: %v", aerr)
	}
	if res.Upserted > 0 {
		e.notify(ctx, c.ID)
	}
	return res, err
}

// HandleMessage correlates an inbound direct message. Anything but a
// malformed message is reported as ErrBackendUnavailable so the sender
// redelivers it.
func (e Engine) HandleMessage(ctx context.Context, m correlator.Message) (correlator.Outcome, error) {
	out, err := e.Correlator.Handle(ctx, m)
	if err != nil {
		if errors.Is(err, correlator.ErrMalformed) {
			return out, err
		}
		return out, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if out.Action == correlator.ActionGranted || out.Action == correlator.ActionFailed {
		if aerr := e.Events.Append(ctx, nil, "delivery."+string(out.Delivery.Status), out.CampaignID, "delivery", out.Delivery.ID, m.SenderID, events.EventPayload{
			"channel":    out.Delivery.Channel,
			"message_id": m.MessageID,
		}); aerr != nil {
			e.logger().Printf("message: append event: %v", aerr)
		}
	}
	if out.Stored || out.Action == correlator.ActionGranted || out.Action == correlator.ActionFailed {
		e.notify(ctx, out.Watching...)
	}
	return out, nil
}

// DeliveryReport summarizes a batch grant to checked-in guests.
type DeliveryReport struct {
	CampaignID     string `json:"campaign_id"`
	Granted        int    `json:"granted"`
	AlreadyGranted int    `json:"already_granted"`
	Failed         int    `json:"failed"`
	Blocked        int    `json:"blocked"`
}

// DeliverCheckedIn grants an events campaign to every checked-in guest that
// has no delivered record yet.
func (e Engine) DeliverCheckedIn(ctx context.Context, campaignID, actorID string) (DeliveryReport, error) {
	c, err := e.Repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return DeliveryReport{}, err
	}
	if c.Platform != domain.PlatformEvents {
		return DeliveryReport{}, fmt.Errorf("%w: %s is a %s campaign", ErrWrongPlatform, c.ID, c.Platform)
	}
	if !c.Active {
		return DeliveryReport{}, ErrCampaignInactive
	}
	guests, err := e.Repo.ListGuests(ctx, c.ID, true)
	if err != nil {
		return DeliveryReport{}, err
	}
	report := DeliveryReport{CampaignID: c.ID}
	for _, g := range guests {
		ref := g.ExternalGuestID
		out, err := e.Correlator.Deliver(ctx, c, g.ExternalGuestID, &ref, e.EventGranter)
		if err != nil {
			return report, err
		}
		switch out.Action {
		case correlator.ActionGranted:
			report.Granted++
		case correlator.ActionAlreadyGranted:
			report.AlreadyGranted++
		case correlator.ActionFailed:
			report.Failed++
		case correlator.ActionBlocked:
			report.Blocked++
		}
	}
	if report.Granted+report.Failed > 0 {
		if err := e.Events.Append(ctx, nil, "deliveries.batch", c.ID, "campaign", c.ID, actorOr(actorID, "operator"), events.EventPayload{
			"granted": report.Granted,
			"failed":  report.Failed,
		}); err != nil {
			e.logger().Printf("deliver: append event: %v", err)
		}
		e.notify(ctx, c.ID)
	}
	return report, nil
}

// Stats computes the current snapshot for each known campaign in campaignIDs.
func (e Engine) Stats(ctx context.Context, campaignIDs []string) ([]domain.Snapshot, error) {
	if len(campaignIDs) == 0 {
		return nil, fmt.Errorf("%w: campaign_ids required", ErrMalformed)
	}
	return e.Aggregator.Compute(ctx, campaignIDs)
}

// ImportCampaigns upserts every campaign in a seed file.
func (e Engine) ImportCampaigns(ctx context.Context, f *config.CampaignFile, actorID string) ([]domain.Campaign, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	out := make([]domain.Campaign, 0, len(f.Campaigns))
	for _, spec := range f.Campaigns {
		c, err := e.Repo.UpsertCampaign(ctx, spec.Domain())
		if err != nil {
			return out, err
		}
		if err := e.Events.Append(ctx, nil, "campaign.upserted", c.ID, "campaign", c.ID, actorOr(actorID, "operator"), events.EventPayload{
			"platform": c.Platform,
			"active":   c.Active,
		}); err != nil {
			return out, err
		}
		out = append(out, c)
	}
	return out, nil
}

// SetCampaignActive soft-enables or disables a campaign.
func (e Engine) SetCampaignActive(ctx context.Context, campaignID string, active bool, actorID string) (domain.Campaign, error) {
	if err := e.Repo.SetCampaignActive(ctx, campaignID, active); err != nil {
		return domain.Campaign{}, err
	}
	if err := e.Events.Append(ctx, nil, "campaign.active_changed", campaignID, "campaign", campaignID, actorOr(actorID, "operator"), events.EventPayload{"active": active}); err != nil {
		return domain.Campaign{}, err
	}
	e.notify(ctx, campaignID)
	return e.Repo.GetCampaign(ctx, campaignID)
}

func actorOr(actorID, fallback string) string {
	if strings.TrimSpace(actorID) == "" {
		return fallback
	}
	return actorID
}
