package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"calsync/internal/api"
	"calsync/internal/caldav"
	"calsync/internal/config"
	"calsync/internal/connectivity"
	"calsync/internal/connector"
	"calsync/internal/engine"
	"calsync/internal/google"
	"calsync/internal/models"
	"calsync/internal/queue"
	"calsync/internal/scheduler"
	"calsync/internal/state"
	"calsync/internal/store"
	"calsync/internal/syncer"
	"calsync/internal/tz"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "calsync",
		Usage: "Keep local calendars in two-way sync with Google Calendar and CalDAV servers.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: config.DefaultPath, EnvVars: []string{"CALSYNC_CONFIG"}, Usage: "Path to the YAML config file."},
		},
		Commands: []*cli.Command{
			authCommand(),
			linkCalDAVCommand(),
			accountsCommand(),
			unlinkCommand(),
			syncCommand(),
			statusCommand(),
			conflictsCommand(),
			resolveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// instance is the wired application.
type instance struct {
	cfg     *config.Config
	logger  *slog.Logger
	state   *state.Store
	engine  *engine.Engine
	monitor *connectivity.Monitor
	oauth   *oauth2.Config
}

func (r *instance) Close() {
	if err := r.state.Close(); err != nil {
		r.logger.Warn("Closing state backend failed", "error", err)
	}
}

// open loads the config and state and wires every component.
func open(c *cli.Context) (*instance, error) {
	cfg, err := config.Load(c.String("config"), os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.LogLevel)

	norm, err := tz.NewNormalizer(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	backend, err := state.OpenBackend(c.Context, cfg.StateOptions())
	if err != nil {
		return nil, fmt.Errorf("opening state backend: %w", err)
	}
	codec, err := state.NewCodec(cfg.State.Compress, cfg.State.Passphrase)
	if err != nil {
		backend.Close()
		return nil, err
	}
	st := state.NewStore(backend, codec, nil, logger)
	if err := st.Load(c.Context); err != nil {
		st.Close()
		return nil, fmt.Errorf("loading state: %w", err)
	}
	accounts := store.New(st, nil, logger)

	// Missing Google credentials only matter once a Google account syncs.
	oauthCfg, err := google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.CredentialsFile)
	if err != nil {
		logger.Debug("Google OAuth not configured", "error", err)
	}
	reg := connector.NewRegistry()
	google.Register(reg, oauthCfg, norm, logger)
	caldav.Register(reg, norm, logger)

	policy := cfg.Backoff()
	q := queue.New(accounts, policy, cfg.Sync.RetryCeiling, logger)
	sy := syncer.New(syncer.Options{
		Store:        accounts,
		Queue:        q,
		Factory:      reg,
		Backoff:      policy,
		CallTimeout:  cfg.Sync.CallTimeout,
		PullAttempts: cfg.Sync.PullAttempts,
		TieBreak:     cfg.TieBreak(),
		Logger:       logger,
	})
	mon := connectivity.New(connectivity.Options{
		ProbeURL:      cfg.Connectivity.ProbeURL,
		ProbeInterval: cfg.Connectivity.ProbeInterval,
		SettleDelay:   cfg.Connectivity.SettleDelay,
		Logger:        logger,
	})
	sched := scheduler.New(scheduler.Options{
		Store:       accounts,
		Runner:      sy,
		Online:      mon,
		Interval:    cfg.Sync.Interval,
		Schedule:    cfg.Sync.Schedule,
		MinInterval: cfg.Sync.MinInterval,
		Workers:     cfg.Sync.Workers,
		Logger:      logger,
	})
	eng := engine.New(engine.Options{
		Store:      accounts,
		Queue:      q,
		Syncer:     sy,
		Scheduler:  sched,
		Monitor:    mon,
		Normalizer: norm,
		Logger:     logger,
	})

	return &instance{cfg: cfg, logger: logger, state: st, engine: eng, monitor: mon, oauth: oauthCfg}, nil
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account and link one of its calendars.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "Display name for the account (e.g. 'personal', 'work')."},
			&cli.StringFlag{Name: "calendar", Value: "primary", Usage: "Google calendar ID to sync."},
			&cli.StringFlag{Name: "timezone", Usage: "IANA zone of the calendar; defaults to the configured zone."},
		},
		Action: func(c *cli.Context) error {
			rt, err := open(c)
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.oauth == nil {
				return errors.New("google oauth is not configured: set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET or provide a credentials file")
			}
			rt.logger.Info("Starting Google authentication flow.")

			authURL := rt.oauth.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			reader := bufio.NewReader(os.Stdin)
			authCode := prompt(reader, "Enter Authorization Code: ")
			creds, err := google.Exchange(c.Context, rt.oauth, authCode)
			if err != nil {
				return err
			}

			name := c.String("name")
			if name == "" {
				name = prompt(reader, "Enter a name for this account (e.g., 'personal', 'work'): ")
			}
			acc, err := rt.engine.LinkAccount(c.Context, models.CalendarAccount{
				Provider:    models.ProviderGoogle,
				Name:        name,
				CalendarID:  c.String("calendar"),
				TimeZone:    c.String("timezone"),
				Credentials: creds,
				SyncEnabled: true,
			})
			if err != nil {
				return fmt.Errorf("linking account: %w", err)
			}
			rt.logger.Info("Successfully authenticated and linked account.", "account", acc.ID, "name", acc.Name)
			return nil
		},
	}
}

func linkCalDAVCommand() *cli.Command {
	return &cli.Command{
		Name:  "link-caldav",
		Usage: "Link a calendar on a CalDAV server such as iCloud.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Required: true, Usage: "Display name for the account."},
			&cli.StringFlag{Name: "endpoint", Value: caldav.DefaultEndpoint, Usage: "CalDAV server URL."},
			&cli.StringFlag{Name: "username", Required: true, EnvVars: []string{"CALDAV_USERNAME", "ICLOUD_USERNAME"}},
			&cli.StringFlag{Name: "password", EnvVars: []string{"CALDAV_PASSWORD", "ICLOUD_APP_SPECIFIC_PASSWORD"}, Usage: "Password or app-specific password."},
			&cli.StringFlag{Name: "calendar", Required: true, EnvVars: []string{"CALDAV_CALENDAR_NAME", "ICLOUD_CALENDAR_NAME"}, Usage: "Calendar display name or path."},
			&cli.StringFlag{Name: "timezone", Usage: "IANA zone of the calendar; defaults to the configured zone."},
		},
		Action: func(c *cli.Context) error {
			rt, err := open(c)
			if err != nil {
				return err
			}
			defer rt.Close()

			password := c.String("password")
			if password == "" {
				password = prompt(bufio.NewReader(os.Stdin), "Enter password: ")
			}
			acc, err := rt.engine.LinkAccount(c.Context, models.CalendarAccount{
				Provider:    models.ProviderCalDAV,
				Name:        c.String("name"),
				Endpoint:    c.String("endpoint"),
				CalendarID:  c.String("calendar"),
				TimeZone:    c.String("timezone"),
				Credentials: models.Credentials{Username: c.String("username"), AccessToken: password},
				SyncEnabled: true,
			})
			if err != nil {
				return fmt.Errorf("linking account: %w", err)
			}
			rt.logger.Info("Linked CalDAV account.", "account", acc.ID, "name", acc.Name)
			return nil
		},
	}
}

func accountsCommand() *cli.Command {
	return &cli.Command{
		Name:  "accounts",
		Usage: "List linked accounts.",
		Action: func(c *cli.Context) error {
			rt, err := open(c)
			if err != nil {
				return err
			}
			defer rt.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tNAME\tCALENDAR\tSYNC\tLAST SYNC\tLAST ERROR")
			for _, a := range rt.engine.Accounts() {
				last := "never"
				if !a.LastSyncAt.IsZero() {
					last = a.LastSyncAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n", a.ID, a.Provider, a.Name, a.CalendarID, a.SyncEnabled, last, a.LastError)
			}
			return w.Flush()
		},
	}
}

func unlinkCommand() *cli.Command {
	return &cli.Command{
		Name:      "unlink",
		Usage:     "Forget an account and its local events.",
		ArgsUsage: "<account-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("expected exactly one account id")
			}
			rt, err := open(c)
			if err != nil {
				return err
			}
			defer rt.Close()
			return rt.engine.UnlinkAccount(c.Context, c.Args().First())
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the calendar synchronization process.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "once", Usage: "Run one pass per enabled account and exit."},
			&cli.StringFlag{Name: "account", Usage: "Limit --once to a single account."},
			&cli.BoolFlag{Name: "serve", Value: true, Usage: "Expose the local HTTP API while watching."},
		},
		Action: func(c *cli.Context) error {
			rt, err := open(c)
			if err != nil {
				return err
			}
			defer rt.Close()

			if c.Bool("once") {
				return syncOnce(c.Context, rt, c.String("account"))
			}
			return watch(c.Context, rt, c.Bool("serve"))
		},
	}
}

func syncOnce(ctx context.Context, rt *instance, only string) error {
	var failed int
	for _, acc := range rt.engine.Accounts() {
		if only != "" && acc.ID != only {
			continue
		}
		if only == "" && !acc.SyncEnabled {
			continue
		}
		res, err := rt.engine.SyncAccount(ctx, acc.ID)
		if err != nil {
			return err
		}
		if res.Err != nil {
			failed++
			rt.logger.Error("Sync pass failed", "account", acc.ID, "error", res.Err)
			continue
		}
		rt.logger.Info("Sync pass finished", "account", acc.ID, "full", res.Full)
	}
	if failed > 0 {
		return fmt.Errorf("%d account(s) failed to sync", failed)
	}
	return nil
}

// watch runs the scheduler, connectivity probe and API until interrupted.
func watch(parent context.Context, rt *instance, serve bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.engine.Start(ctx); err != nil {
		return err
	}
	defer rt.engine.Stop()
	rt.logger.Info("Starting watcher.", "interval", rt.cfg.Sync.Interval, "schedule", rt.cfg.Sync.Schedule)

	if !serve {
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:              rt.cfg.API.Listen,
		Handler:           api.NewServer(rt.engine, rt.logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("API listening", "addr", "http://"+srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show sync status for every account, or one.",
		ArgsUsage: "[account-id]",
		Action: func(c *cli.Context) error {
			rt, err := open(c)
			if err != nil {
				return err
			}
			defer rt.Close()

			ids := c.Args().Slice()
			if len(ids) == 0 {
				for _, a := range rt.engine.Accounts() {
					ids = append(ids, a.ID)
				}
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ACCOUNT\tBADGE\tNEXT SYNC\tQUEUED\tCONFLICTS\tATTENTION\tLAST ERROR")
			for _, id := range ids {
				st, err := rt.engine.SyncStatus(id)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", id, st.Badge, st.NextSyncIn.Round(time.Second),
					st.QueueDepth, st.PendingConflicts, st.NeedsAttention, st.LastError)
			}
			return w.Flush()
		},
	}
}

func conflictsCommand() *cli.Command {
	return &cli.Command{
		Name:      "conflicts",
		Usage:     "List unresolved conflicts for an account.",
		ArgsUsage: "<account-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("expected exactly one account id")
			}
			rt, err := open(c)
			if err != nil {
				return err
			}
			defer rt.Close()

			conflicts, err := rt.engine.ListConflicts(c.Args().First())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEVENT\tLOCAL\tREMOTE\tDETECTED")
			for _, cf := range conflicts {
				remote := cf.Remote.Title
				if cf.RemoteDeleted() {
					remote = "(deleted)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", cf.ID, cf.EventID, cf.Local.Title, remote, cf.DetectedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Settle a conflict with local, remote or merge.",
		ArgsUsage: "<conflict-id> <local|remote|merge>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return errors.New("expected a conflict id and a resolution")
			}
			res, err := models.ParseResolution(c.Args().Get(1))
			if err != nil {
				return err
			}
			rt, err := open(c)
			if err != nil {
				return err
			}
			defer rt.Close()

			cf, err := rt.engine.ResolveConflict(c.Context, c.Args().First(), res)
			if err != nil {
				return err
			}
			rt.logger.Info("Conflict resolved", "conflict", cf.ID, "event", cf.EventID, "resolution", res)
			return nil
		},
	}
}

func prompt(r *bufio.Reader, msg string) string {
	fmt.Print(msg)
	line, _ := r.ReadString('\n')
	return strings.TrimSpace(line)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}
