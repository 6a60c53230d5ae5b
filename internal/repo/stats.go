package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
)

// CampaignCounts are the raw counts a snapshot is derived from.
type CampaignCounts struct {
	Claims              int
	EventDeliveries     int
	MessagingDeliveries int
	Interactions        int
	TotalGuests         int
	CheckedIn           int
}

// CountsFor aggregates claim, delivery, guest and message counts for ids.
// Campaigns without rows get zero counts.
func (r Repo) CountsFor(ctx context.Context, ids []string) (map[string]*CampaignCounts, error) {
	out := make(map[string]*CampaignCounts, len(ids))
	for _, id := range ids {
		out[id] = &CampaignCounts{}
	}
	if len(ids) == 0 {
		return out, nil
	}

	type idCount struct {
		ID    string `db:"id"`
		Count int    `db:"n"`
	}
	var claims []idCount
	if err := r.selectIn(ctx, &claims, `SELECT campaign_id AS id, COUNT(*) AS n FROM claims WHERE campaign_id IN (?) GROUP BY campaign_id`, ids); err != nil {
		return nil, err
	}
	for _, c := range claims {
		out[c.ID].Claims = c.Count
	}

	var deliveries []struct {
		ID      string          `db:"id"`
		Channel domain.Platform `db:"channel"`
		Count   int             `db:"n"`
	}
	if err := r.selectIn(ctx, &deliveries, `SELECT campaign_id AS id, channel, COUNT(*) AS n FROM deliveries
WHERE status='delivered' AND campaign_id IN (?) GROUP BY campaign_id, channel`, ids); err != nil {
		return nil, err
	}
	for _, d := range deliveries {
		switch d.Channel {
		case domain.PlatformEvents:
			out[d.ID].EventDeliveries += d.Count
		case domain.PlatformMessaging:
			out[d.ID].MessagingDeliveries += d.Count
		}
	}

	var guests []struct {
		ID        string `db:"id"`
		Total     int    `db:"total"`
		CheckedIn int    `db:"checked_in"`
	}
	if err := r.selectIn(ctx, &guests, `SELECT campaign_id AS id, COUNT(*) AS total,
COALESCE(SUM(CASE WHEN checked_in_at IS NOT NULL THEN 1 ELSE 0 END),0) AS checked_in
FROM guests WHERE campaign_id IN (?) GROUP BY campaign_id`, ids); err != nil {
		return nil, err
	}
	for _, g := range guests {
		out[g.ID].TotalGuests = g.Total
		out[g.ID].CheckedIn = g.CheckedIn
	}

	var interactions []idCount
	if err := r.selectIn(ctx, &interactions, `SELECT c.id AS id, COUNT(m.message_id) AS n FROM campaigns c
JOIN inbound_messages m ON m.recipient_id=c.account_id AND m.story_id=c.story_id
WHERE c.platform='messaging' AND c.id IN (?) GROUP BY c.id`, ids); err != nil {
		return nil, err
	}
	for _, i := range interactions {
		out[i.ID].Interactions = i.Count
	}
	return out, nil
}

func (r Repo) selectIn(ctx context.Context, dest any, query string, ids []string) error {
	query, args, err := sqlx.In(query, ids)
	if err != nil {
		return err
	}
	return r.DB.SelectContext(ctx, dest, r.q(query), args...)
}
