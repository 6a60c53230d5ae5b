// Package stats derives per-campaign snapshots from the underlying counts.
// Snapshots are never stored; every transport recomputes them here.
package stats

import (
	"context"
	"time"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/repo"
)

type Store interface {
	CampaignsByIDs(ctx context.Context, ids []string) ([]domain.Campaign, error)
	CountsFor(ctx context.Context, ids []string) (map[string]*repo.CampaignCounts, error)
}

type Aggregator struct {
	Store Store
	Now   func() time.Time
}

// Compute returns one snapshot per known campaign in ids, in request order.
// Unknown and duplicate ids are skipped.
func (a Aggregator) Compute(ctx context.Context, ids []string) ([]domain.Snapshot, error) {
	ids = dedupe(ids)
	campaigns, err := a.Store.CampaignsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Campaign, len(campaigns))
	known := make([]string, 0, len(campaigns))
	for _, c := range campaigns {
		byID[c.ID] = c
	}
	for _, id := range ids {
		if _, ok := byID[id]; ok {
			known = append(known, id)
		}
	}
	counts, err := a.Store.CountsFor(ctx, known)
	if err != nil {
		return nil, err
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	at := now().UTC().Format(time.RFC3339)
	out := make([]domain.Snapshot, 0, len(known))
	for _, id := range known {
		c := counts[id]
		out = append(out, domain.Snapshot{
			CampaignID:          id,
			Platform:            byID[id].Platform,
			Claims:              c.Claims,
			EventDeliveries:     c.EventDeliveries,
			MessagingDeliveries: c.MessagingDeliveries,
			Interactions:        c.Interactions,
			TotalGuests:         c.TotalGuests,
			CheckedIn:           c.CheckedIn,
			ComputedAt:          at,
		})
	}
	return out, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
