package guestsync

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
)

// Scheduler periodically syncs every active events campaign. Campaigns run
// concurrently; each run stays sequential and shares the rate limiter.
type Scheduler struct {
	Interval  time.Duration
	Campaigns func(ctx context.Context) ([]domain.Campaign, error)
	Sync      func(ctx context.Context, campaignID string) (Result, error)
	Logger    *log.Logger
}

// Run ticks until ctx is cancelled. A zero interval disables the loop.
func (s Scheduler) Run(ctx context.Context) {
	if s.Interval <= 0 {
		return
	}
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		s.Tick(ctx, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one round over all active events campaigns.
func (s Scheduler) Tick(ctx context.Context, logger *log.Logger) {
	campaigns, err := s.Campaigns(ctx)
	if err != nil {
		logger.Printf("guestsync: list campaigns failed: %v", err)
		return
	}
	var wg sync.WaitGroup
	for _, c := range campaigns {
		if c.Platform != domain.PlatformEvents || !c.Active || c.LumaEventID == nil {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := s.Sync(ctx, id)
			switch {
			case errors.Is(err, ErrAuthentication):
				logger.Printf("guestsync: %s: session needs rotation: %v", id, err)
			case err != nil:
				logger.Printf("guestsync: %s: %v", id, err)
			default:
				logger.Printf("guestsync: %s: %d guests (%d checked in) over %d pages", id, res.TotalGuests, res.CheckedIn, res.Pages)
			}
		}(c.ID)
	}
	wg.Wait()
}
