package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/app"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/config"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/db"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/engine"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/engine/auth"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/migrate"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/repo"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dropline",
	Short: "Dropline CLI",
	Long: `Dropline reconciles POAP drop collectors across claim, events and messaging campaigns.
- Campaigns: one drop each, on the social (frame claim), events (guest list) or messaging (story reply) platform.
- Claims: one per requester and event; the ledger answers repeat checks without asking the minting API.
- Guests: a local copy of the events platform's guest list, refreshed with 'dropline sync'.
- Cookie: the events platform session; rotate it with 'dropline cookie set' when syncs report session_invalid.
- Stats: per-campaign counts, pushed live to dashboards by the server.
- Event log: everything that changed, view with 'dropline log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DROPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "sqlite workspace directory (overrides DB_WORKSPACE)")
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "cli", "actor recorded in the event log")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("env-file", rootCmd.PersistentFlags().Lookup("env-file"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(campaignCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(deliverCmd())
	rootCmd.AddCommand(cookieCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("AUTH_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.GetServerAddr()
			}
			logger := log.New(os.Stderr, "", log.LstdFlags)
			a, err := app.Open(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:     cfg.Auth.JWTSecret,
					AllowDevLogin: cfg.App.IsDevelopment(),
					Logger:        logger,
				},
				Webhooks: server.WebhookConfig{
					InstagramVerifyToken: cfg.Instagram.VerifyToken,
					InstagramAppSecret:   cfg.Instagram.AppSecret,
				},
				Hub:          a.Hub,
				PollInterval: a.PollInterval(),
				Heartbeat:    cfg.Notify.Heartbeat,
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			a.Background(ctx)

			srv := &http.Server{
				Addr:           addr,
				ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
				WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
				IdleTimeout:    120 * time.Second,
				MaxHeaderBytes: 1 << 20,
				// h2c lets dashboards multiplex stats streams without TLS
				Handler: h2c.NewHandler(handler, &http2.Server{
					MaxConcurrentStreams: 1000,
				}),
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Printf("serve: forced shutdown: %v", err)
				}
			}()
			fmt.Printf("Serving Dropline API on http://%s%s (notify=%s, OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				addr, cfg.Server.BasePath, cfg.Notify.Mode, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default SERVER_HOST:SERVER_PORT)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			conn, err := db.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Migrated %s database\n", cfg.Database.Driver)
			return nil
		},
	}
}

func campaignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Manage campaigns",
		Long:  "Campaigns are defined in YAML and imported explicitly; re-importing a file updates campaigns in place.",
	}
	cmd.AddCommand(campaignImportCmd())
	cmd.AddCommand(campaignListCmd())
	cmd.AddCommand(campaignExampleCmd())
	cmd.AddCommand(campaignActivateCmd(true))
	cmd.AddCommand(campaignActivateCmd(false))
	return cmd
}

func campaignImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import campaigns from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := config.CampaignsFromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ImportCampaigns(ctx, f, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printCampaigns(items)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "campaign YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func campaignListCmd() *cobra.Command {
	var platform string
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCampaigns(ctx, repo.CampaignFilter{Platform: domain.Platform(platform), ActiveOnly: activeOnly})
				if err != nil {
					return err
				}
				return printCampaigns(items)
			})
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "platform filter (social, events, messaging)")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active campaigns")
	return cmd
}

func campaignExampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "example",
		Short: "Print an example campaign file",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(config.ExampleCampaigns)
		},
	}
}

func campaignActivateCmd(active bool) *cobra.Command {
	use, short := "activate", "Reopen a campaign for claims"
	if !active {
		use, short = "deactivate", "Close a campaign to new claims"
	}
	return &cobra.Command{
		Use:   use + " <campaign-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SetCampaignActive(ctx, args[0], active, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printCampaigns([]domain.Campaign{c})
			})
		},
	}
}

func syncCmd() *cobra.Command {
	var campaignID string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize an events campaign's guest list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.SyncGuests(ctx, campaignID, viper.GetString("actor-id"))
				if err != nil {
					if !res.Success && res.Error != "" {
						fmt.Printf("sync failed after %d pages (%d guests kept)\n", res.Pages, res.Upserted)
					}
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign id")
	_ = cmd.MarkFlagRequired("campaign")
	return cmd
}

func deliverCmd() *cobra.Command {
	var campaignID string
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Deliver drops to checked-in guests of an events campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Engine.DeliverCheckedIn(ctx, campaignID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign id")
	_ = cmd.MarkFlagRequired("campaign")
	return cmd
}

func cookieCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cookie",
		Short: "Events platform session cookie",
	}
	cmd.AddCommand(cookieStatusCmd())
	cmd.AddCommand(cookieSetCmd())
	return cmd
}

func cookieStatusCmd() *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether a cookie is configured and still valid",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.CookieStatus(ctx, probe)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "check the cookie against the events platform")
	return cmd
}

func cookieSetCmd() *cobra.Command {
	var value string
	var expires string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a new cookie after validating it upstream",
		RunE: func(cmd *cobra.Command, args []string) error {
			var expiresAt *time.Time
			if expires != "" {
				t, err := time.Parse(time.RFC3339, expires)
				if err != nil {
					return fmt.Errorf("--expires-at: %w", err)
				}
				expiresAt = &t
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.SubmitCookie(ctx, value, expiresAt, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "cookie header value")
	cmd.Flags().StringVar(&expires, "expires-at", "", "RFC 3339 expiry, if known")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func statsCmd() *cobra.Command {
	var campaigns []string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show campaign counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snaps, err := e.Stats(ctx, campaigns)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snaps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Campaign", "Platform", "Claims", "Event Deliveries", "DM Deliveries", "Interactions", "Guests", "Checked In"})
				for _, s := range snaps {
					tw.AppendRow(table.Row{s.CampaignID, s.Platform, s.Claims, s.EventDeliveries, s.MessagingDeliveries, s.Interactions, s.TotalGuests, s.CheckedIn})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&campaigns, "campaign", nil, "campaign id (repeatable)")
	_ = cmd.MarkFlagRequired("campaign")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("AUTH_JWT_SECRET is required to sign tokens")
			}
			tok, err := auth.SignToken(cfg.Auth.JWTSecret, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", []string{"viewer"}, "role (viewer, operator, admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 never expires")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every claim, sync, cookie rotation and delivery outcome, newest first.",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, campaignID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, 0, campaignID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Campaign", "Entity", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.CampaignID, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign filter")
	return cmd
}

// --- helpers ---

// loadConfig reads the dotenv file, then the environment. The --workspace
// flag wins over DB_WORKSPACE.
func loadConfig(ctx context.Context) (*config.Config, error) {
	if path := viper.GetString("env-file"); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	if ws := viper.GetString("workspace"); ws != "" {
		env["DB_WORKSPACE"] = ws
	}
	return config.LoadFrom(ctx, env)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, log.New(os.Stderr, "", log.LstdFlags))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	conn, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printCampaigns(items []domain.Campaign) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Platform", "Name", "Active", "POAP Event", "Source"})
	for _, c := range items {
		source := ""
		switch {
		case c.LumaEventID != nil:
			source = *c.LumaEventID
		case c.StoryID != nil:
			source = *c.StoryID
		}
		tw.AppendRow(table.Row{c.ID, c.Platform, c.Name, c.Active, c.PoapEventID, source})
	}
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
