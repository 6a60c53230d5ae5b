package repo

import (
	"context"
	"strings"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
)

// LatestEvents returns up to limit events, newest first, older than beforeID when set.
func (r Repo) LatestEvents(ctx context.Context, limit int, beforeID int64, campaignID, evtType string) ([]domain.Event, error) {
	var (
		where []string
		args  []any
	)
	if beforeID > 0 {
		where = append(where, "id<?")
		args = append(args, beforeID)
	}
	if campaignID != "" {
		where = append(where, "campaign_id=?")
		args = append(args, campaignID)
	}
	if evtType != "" {
		where = append(where, "type=?")
		args = append(args, evtType)
	}
	query := `SELECT id,ts,type,COALESCE(campaign_id,'') AS campaign_id,entity_kind,COALESCE(entity_id,'') AS entity_id,actor_id,payload_json FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	res := []domain.Event{}
	if err := r.DB.SelectContext(ctx, &res, r.q(query), args...); err != nil {
		return nil, err
	}
	return res, nil
}
