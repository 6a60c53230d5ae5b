package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
)

// Repo is the SQL store shared by every component. Queries are written with `?`
// placeholders and rebound for the connection's dialect.
type Repo struct {
	DB  *sqlx.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (r Repo) q(query string) string {
	return r.DB.Rebind(query)
}

// Ping reports whether the backend is reachable.
func (r Repo) Ping(ctx context.Context) error {
	return r.DB.PingContext(ctx)
}

const campaignColumns = `id,platform,name,active,poap_event_id,luma_event_id,story_id,account_id,trigger_keyword,reply_message,branding_json,created_at,updated_at`

// UpsertCampaign inserts or replaces the organizer-editable fields of a campaign.
// Identity (id, platform) never changes once created.
func (r Repo) UpsertCampaign(ctx context.Context, c domain.Campaign) (domain.Campaign, error) {
	if c.ID == "" {
		return domain.Campaign{}, errors.New("campaign id required")
	}
	if !c.Platform.Valid() {
		return domain.Campaign{}, fmt.Errorf("invalid platform %q", c.Platform)
	}
	now := r.now()
	if existing, err := r.GetCampaign(ctx, c.ID); err == nil {
		if existing.Platform != c.Platform {
			return domain.Campaign{}, fmt.Errorf("campaign %s platform is immutable (%s)", c.ID, existing.Platform)
		}
	} else if !errors.Is(err, ErrNotFound) {
		return domain.Campaign{}, err
	}
	_, err := r.DB.ExecContext(ctx, r.q(`
INSERT INTO campaigns(`+campaignColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
	name=excluded.name,
	active=excluded.active,
	poap_event_id=excluded.poap_event_id,
	luma_event_id=excluded.luma_event_id,
	story_id=excluded.story_id,
	account_id=excluded.account_id,
	trigger_keyword=excluded.trigger_keyword,
	reply_message=excluded.reply_message,
	branding_json=excluded.branding_json,
	updated_at=excluded.updated_at`),
		c.ID, c.Platform, c.Name, c.Active, c.PoapEventID, c.LumaEventID, c.StoryID, c.AccountID,
		c.TriggerKeyword, c.ReplyMessage, c.BrandingJSON, now, now)
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("upsert campaign: %w", err)
	}
	return r.GetCampaign(ctx, c.ID)
}

func (r Repo) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	var c domain.Campaign
	err := r.DB.GetContext(ctx, &c, r.q(`SELECT `+campaignColumns+` FROM campaigns WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

// SetCampaignActive toggles the soft-disable flag.
func (r Repo) SetCampaignActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE campaigns SET active=?, updated_at=? WHERE id=?`), active, r.now(), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CampaignFilter narrows ListCampaigns. Zero values match everything.
type CampaignFilter struct {
	Platform   domain.Platform
	ActiveOnly bool
}

func (r Repo) ListCampaigns(ctx context.Context, f CampaignFilter) ([]domain.Campaign, error) {
	var (
		where []string
		args  []any
	)
	if f.Platform != "" {
		where = append(where, "platform=?")
		args = append(args, f.Platform)
	}
	if f.ActiveOnly {
		where = append(where, "active=?")
		args = append(args, true)
	}
	query := `SELECT ` + campaignColumns + ` FROM campaigns`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	res := []domain.Campaign{}
	if err := r.DB.SelectContext(ctx, &res, r.q(query), args...); err != nil {
		return nil, err
	}
	return res, nil
}

// MessagingCampaignsFor returns active messaging campaigns configured on accountID for storyID.
func (r Repo) MessagingCampaignsFor(ctx context.Context, accountID, storyID string) ([]domain.Campaign, error) {
	res := []domain.Campaign{}
	err := r.DB.SelectContext(ctx, &res, r.q(`SELECT `+campaignColumns+` FROM campaigns
WHERE platform=? AND active=? AND account_id=? AND story_id=? ORDER BY created_at, id`),
		domain.PlatformMessaging, true, accountID, storyID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CampaignsByIDs loads the campaigns that exist among ids, in no particular order.
func (r Repo) CampaignsByIDs(ctx context.Context, ids []string) ([]domain.Campaign, error) {
	if len(ids) == 0 {
		return []domain.Campaign{}, nil
	}
	query, args, err := sqlx.In(`SELECT `+campaignColumns+` FROM campaigns WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	res := []domain.Campaign{}
	if err := r.DB.SelectContext(ctx, &res, r.q(query), args...); err != nil {
		return nil, err
	}
	return res, nil
}
