package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
)

// Field carries an upstream value together with whether upstream sent it at all.
// Set with a nil Value means the field was present as null.
type Field struct {
	Value *string
	Set   bool
}

func (f Field) flag() int {
	if f.Set {
		return 1
	}
	return 0
}

// GuestUpsert is one guest as seen upstream during a sync.
type GuestUpsert struct {
	CampaignID      string
	ExternalGuestID string
	Name            Field
	Email           Field
	Phone           Field
	ApprovalStatus  Field
	RegisteredAt    Field
	CheckedInAt     Field
	ProfileJSON     Field
	SyncedAt        string
}

// UpsertGuest writes a guest keyed by (campaign, external id). Present fields
// replace local values, missing fields keep them. checked_in_at only moves from
// null to a value or between values; it is never cleared.
func (r Repo) UpsertGuest(ctx context.Context, g GuestUpsert) error {
	if g.CampaignID == "" || g.ExternalGuestID == "" {
		return errors.New("campaign_id and external_guest_id required")
	}
	if g.SyncedAt == "" {
		g.SyncedAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx, r.q(`
INSERT INTO guests(campaign_id,external_guest_id,name,email,phone,approval_status,registered_at,checked_in_at,profile_json,last_synced_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(campaign_id,external_guest_id) DO UPDATE SET
	name=CASE WHEN ?=1 THEN excluded.name ELSE guests.name END,
	email=CASE WHEN ?=1 THEN excluded.email ELSE guests.email END,
	phone=CASE WHEN ?=1 THEN excluded.phone ELSE guests.phone END,
	approval_status=CASE WHEN ?=1 THEN excluded.approval_status ELSE guests.approval_status END,
	registered_at=CASE WHEN ?=1 THEN excluded.registered_at ELSE guests.registered_at END,
	checked_in_at=COALESCE(excluded.checked_in_at, guests.checked_in_at),
	profile_json=CASE WHEN ?=1 THEN excluded.profile_json ELSE guests.profile_json END,
	last_synced_at=excluded.last_synced_at`),
		g.CampaignID, g.ExternalGuestID, g.Name.Value, g.Email.Value, g.Phone.Value, g.ApprovalStatus.Value,
		g.RegisteredAt.Value, g.CheckedInAt.Value, g.ProfileJSON.Value, g.SyncedAt,
		g.Name.flag(), g.Email.flag(), g.Phone.flag(), g.ApprovalStatus.flag(), g.RegisteredAt.flag(), g.ProfileJSON.flag())
	if err != nil {
		return fmt.Errorf("upsert guest %s: %w", g.ExternalGuestID, err)
	}
	return nil
}

const guestColumns = `campaign_id,external_guest_id,name,email,phone,approval_status,registered_at,checked_in_at,profile_json,last_synced_at`

func (r Repo) GetGuest(ctx context.Context, campaignID, externalID string) (domain.Guest, error) {
	var g domain.Guest
	err := r.DB.GetContext(ctx, &g, r.q(`SELECT `+guestColumns+` FROM guests WHERE campaign_id=? AND external_guest_id=?`), campaignID, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return g, ErrNotFound
	}
	return g, err
}

func (r Repo) ListGuests(ctx context.Context, campaignID string, checkedInOnly bool) ([]domain.Guest, error) {
	query := `SELECT ` + guestColumns + ` FROM guests WHERE campaign_id=?`
	if checkedInOnly {
		query += ` AND checked_in_at IS NOT NULL`
	}
	query += ` ORDER BY external_guest_id`
	res := []domain.Guest{}
	if err := r.DB.SelectContext(ctx, &res, r.q(query), campaignID); err != nil {
		return nil, err
	}
	return res, nil
}

// GuestCounts returns the total and checked-in guest counts for a campaign.
func (r Repo) GuestCounts(ctx context.Context, campaignID string) (total, checkedIn int, err error) {
	row := r.DB.QueryRowxContext(ctx, r.q(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN checked_in_at IS NOT NULL THEN 1 ELSE 0 END),0)
FROM guests WHERE campaign_id=?`), campaignID)
	err = row.Scan(&total, &checkedIn)
	return total, checkedIn, err
}
