// Package app assembles the service from configuration. Commands and tests
// share it so every entry point wires the same components.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/config"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/correlator"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/db"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/engine"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/guestsync"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/instagram"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/ledger"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/luma"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/migrate"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/mint"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/notify"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/repo"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/session"
)

type App struct {
	Config *config.Config
	DB     *sqlx.DB
	Redis  *redis.Client
	Hub    *notify.Hub
	Engine engine.Engine
	Logger *log.Logger
}

// Open connects storage, applies migrations and builds the engine. Redis is
// dialed lazily; an unreachable server degrades the ledger, not startup.
func Open(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.Default()
	}
	conn, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	hub := notify.NewHub()
	notifier, err := notify.New(cfg.Notify.Mode, rdb, cfg.Notify.Topic, hub)
	if err != nil {
		rdb.Close()
		conn.Close()
		return nil, err
	}

	e := engine.New(conn, cfg)
	e.Logger = logger
	e.Notifier = notifier
	e.Ledger = ledger.New(rdb, ledger.WithTTL(cfg.Redis.LedgerTTL), ledger.WithLogger(logger))
	e.Minter = mint.New(cfg.Mint.BaseURL, cfg.Mint.APIKey, cfg.Mint.Timeout)

	upstream := luma.New(cfg.Luma.BaseURL, cfg.Luma.Timeout)
	e.Sessions = session.NewManager(e.Repo, upstream, cfg.Luma.CookieSecret, session.WithLogger(logger))
	e.Sync = guestsync.New(upstream, e.Sessions, e.Repo,
		guestsync.WithPageSize(cfg.Luma.PageSize),
		guestsync.WithRate(cfg.Luma.RatePerSec),
		guestsync.WithLogger(logger),
	)

	var granter correlator.Granter = correlator.LogGranter{Logger: logger}
	if cfg.Instagram.AccessToken != "" {
		granter = instagram.New(cfg.Instagram.GraphURL, cfg.Instagram.AccessToken, cfg.Instagram.ClaimBaseURL, cfg.Instagram.Timeout)
	} else {
		logger.Printf("app: INSTAGRAM_ACCESS_TOKEN not set; story-reply grants are logged only")
	}
	e.Correlator = correlator.New(e.Repo, granter, correlator.FailedPolicy(cfg.Instagram.FailedPolicy), logger,
		correlator.WithPendingTimeout(cfg.Instagram.PendingTimeout))
	e.EventGranter = correlator.LogGranter{Logger: logger}

	return &App{Config: cfg, DB: conn, Redis: rdb, Hub: hub, Engine: e, Logger: logger}, nil
}

// Background starts the pub/sub relay and the guest sync scheduler. Both stop
// when ctx is done.
func (a *App) Background(ctx context.Context) {
	if a.Config.Notify.Mode == notify.ModePubSub {
		go func() {
			for {
				err := notify.Relay(ctx, a.Redis, a.Config.Notify.Topic, a.Hub, a.Logger)
				if ctx.Err() != nil {
					return
				}
				a.Logger.Printf("app: relay stopped, retrying in 5s: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
			}
		}()
	}
	go a.Scheduler().Run(ctx)
}

// Scheduler returns the periodic guest sync over active events campaigns.
func (a *App) Scheduler() guestsync.Scheduler {
	return guestsync.Scheduler{
		Interval: a.Config.Luma.SyncInterval,
		Campaigns: func(ctx context.Context) ([]domain.Campaign, error) {
			return a.Engine.Repo.ListCampaigns(ctx, repo.CampaignFilter{Platform: domain.PlatformEvents, ActiveOnly: true})
		},
		Sync: func(ctx context.Context, campaignID string) (guestsync.Result, error) {
			return a.Engine.SyncGuests(ctx, campaignID, "scheduler")
		},
		Logger: a.Logger,
	}
}

// PollInterval is how often stats streams refresh without change triggers.
func (a *App) PollInterval() time.Duration {
	if a.Config.Notify.Mode == notify.ModePoll {
		return a.Config.Notify.PollInterval
	}
	return 0
}

func (a *App) Close() error {
	rerr := a.Redis.Close()
	if err := a.DB.Close(); err != nil {
		return err
	}
	return rerr
}
