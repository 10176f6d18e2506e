package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"invitesync/internal/classifier"
	"invitesync/internal/config"
	"invitesync/internal/google"
	"invitesync/internal/icloud"
	"invitesync/internal/source"
	"invitesync/internal/state"
	"invitesync/internal/syncer"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

const (
	exitFatal   = 1
	exitPartial = 2
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := newApp()
	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(exitFatal)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "invitesync",
		Usage: "Mirror meeting invitations from a local calendar export to a remote calendar.",
		Flags: globalFlags(),
		// Exit codes are handled in main so the error is logged first.
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			authCommand(),
			setupCommand(),
			syncCommand(),
			monitorCommand(),
			statusCommand(),
			stopCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file.", EnvVars: []string{"INVITESYNC_CONFIG"}},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error.", EnvVars: []string{"LOG_LEVEL"}},
		&cli.StringFlag{Name: "state", Usage: "Sync state file.", EnvVars: []string{"INVITESYNC_STATE"}},
		&cli.StringFlag{Name: "source", Usage: "Local calendar export (.ics file or URL).", EnvVars: []string{"INVITESYNC_SOURCE"}},
		&cli.StringFlag{Name: "timezone", Usage: "Time zone for floating times and remote events.", EnvVars: []string{"PRIMARY_TIMEZONE"}},
		&cli.StringSliceFlag{Name: "local-user", Usage: "Your own organizer address; repeat for aliases.", EnvVars: []string{"INVITESYNC_LOCAL_USERS"}},
		&cli.DurationFlag{Name: "tolerance", Usage: "Start-time window for matching remote events.", EnvVars: []string{"INVITESYNC_TOLERANCE"}},
		&cli.StringFlag{Name: "remote", Usage: "Remote calendar service: google or caldav.", EnvVars: []string{"INVITESYNC_REMOTE"}},
		&cli.StringFlag{Name: "calendar", Usage: "Remote calendar name or id.", EnvVars: []string{"INVITESYNC_CALENDAR"}},
		&cli.StringFlag{Name: "google-client-id", EnvVars: []string{"GOOGLE_CLIENT_ID"}},
		&cli.StringFlag{Name: "google-client-secret", EnvVars: []string{"GOOGLE_CLIENT_SECRET"}},
		&cli.StringFlag{Name: "google-account", Usage: "Name of the saved Google token.", EnvVars: []string{"GOOGLE_ACCOUNT"}},
		&cli.StringFlag{Name: "caldav-username", EnvVars: []string{"ICLOUD_USERNAME"}},
		&cli.StringFlag{Name: "caldav-password", EnvVars: []string{"ICLOUD_APP_SPECIFIC_PASSWORD"}},
	}
}

// loadConfig layers flags and environment variables over the config file.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, cli.Exit(err.Error(), exitFatal)
	}

	setString := func(flag string, dst *string) {
		if c.IsSet(flag) {
			*dst = c.String(flag)
		}
	}
	setString("log-level", &cfg.LogLevel)
	setString("state", &cfg.StateFile)
	setString("source", &cfg.Source.Path)
	setString("timezone", &cfg.TimeZone)
	setString("remote", &cfg.Remote.Type)
	setString("calendar", &cfg.Remote.Calendar)
	setString("google-client-id", &cfg.Remote.Google.ClientID)
	setString("google-client-secret", &cfg.Remote.Google.ClientSecret)
	setString("google-account", &cfg.Remote.Google.Account)
	setString("caldav-username", &cfg.Remote.CalDAV.Username)
	setString("caldav-password", &cfg.Remote.CalDAV.Password)
	if c.IsSet("local-user") {
		cfg.Classifier.LocalUsers = c.StringSlice("local-user")
	}
	if c.IsSet("tolerance") {
		cfg.Tolerance = c.Duration("tolerance")
	}
	return cfg, nil
}

func authConfig(cfg *config.Config) google.AuthConfig {
	return google.AuthConfig{
		ClientID:        cfg.Remote.Google.ClientID,
		ClientSecret:    cfg.Remote.Google.ClientSecret,
		CredentialsFile: cfg.Remote.Google.CredentialsFile,
		TokenDir:        cfg.Remote.Google.TokenDir,
		Account:         cfg.Remote.Google.Account,
	}
}

// remoteClient builds the configured remote client and resolves the target calendar.
// When only the resolve fails the client is still returned so its calendars can be listed.
func remoteClient(ctx context.Context, logger *slog.Logger, cfg *config.Config) (syncer.RemoteClient, string, error) {
	switch cfg.Remote.Type {
	case config.RemoteCalDAV:
		client, err := icloud.NewClient(logger, icloud.Config{
			Endpoint:      cfg.Remote.CalDAV.Endpoint,
			Username:      cfg.Remote.CalDAV.Username,
			Password:      cfg.Remote.CalDAV.Password,
			SubjectPrefix: cfg.Remote.SubjectPrefix,
		})
		if err != nil {
			return nil, "", err
		}
		calendarID, err := client.ResolveCalendar(ctx, cfg.Remote.Calendar)
		if err != nil {
			return client, "", err
		}
		return client, calendarID, nil
	default:
		client, err := google.NewClient(ctx, logger, authConfig(cfg), google.Options{
			SubjectPrefix: cfg.Remote.SubjectPrefix,
			TimeZone:      cfg.TimeZone,
		})
		if err != nil {
			return nil, "", err
		}
		calendarID, err := client.ResolveCalendar(ctx, cfg.Remote.Calendar)
		if err != nil {
			return client, "", err
		}
		return client, calendarID, nil
	}
}

func newSourceReader(logger *slog.Logger, cfg *config.Config) (*source.ICSReader, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return source.NewICSReader(logger, source.Options{
		Location:  cfg.Source.Path,
		Calendar:  cfg.Source.Calendar,
		TimeZone:  loc,
		Lookback:  cfg.Source.Lookback,
		Lookahead: cfg.Source.Lookahead,
	}), nil
}

func newClassifier(cfg *config.Config) *classifier.Classifier {
	return classifier.New(cfg.Classifier.LocalUsers, cfg.Classifier.Keywords)
}

// buildSyncer wires source, classifier, store and remote into one cycle.
func buildSyncer(ctx context.Context, logger *slog.Logger, cfg *config.Config, dryRun bool) (*syncer.Syncer, error) {
	reader, err := newSourceReader(logger, cfg)
	if err != nil {
		return nil, err
	}
	remote, calendarID, err := remoteClient(ctx, logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote client: %w", err)
	}
	logger.Info("Initialized remote calendar.", "remote", cfg.Remote.Type, "calendarID", calendarID)

	store := state.NewStore(cfg.StateFile, logger)
	return syncer.NewSyncer(logger, reader, newClassifier(cfg), store, remote, syncer.ReconcilerOptions{
		CalendarID: calendarID,
		Tolerance:  cfg.Tolerance,
		Lookback:   cfg.Source.Lookback,
		DryRun:     dryRun,
	}), nil
}

// prepare loads and validates the config, sets up logging and takes the lock.
func prepare(c *cli.Context) (*config.Config, *slog.Logger, *state.Lock, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := setupLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, cli.Exit(fmt.Sprintf("invalid configuration: %v", err), exitFatal)
	}
	lock, err := state.AcquireLock(cfg.LockPath())
	if err != nil {
		return nil, nil, nil, cli.Exit(err.Error(), exitFatal)
	}
	return cfg, logger, lock, nil
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account and save its API token.",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)
			if cfg.Remote.Type != config.RemoteGoogle {
				fmt.Println("The CalDAV remote uses a username and app-specific password; no authorization step is needed.")
				return nil
			}
			logger.Info("Starting Google authentication flow.", "account", cfg.Remote.Google.Account)

			oauthConfig, err := google.GetOAuthConfig(authConfig(cfg))
			if err != nil {
				return cli.Exit(fmt.Sprintf("failed to get google oauth config: %v", err), exitFatal)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			token, err := google.Authorize(ctx, oauthConfig, os.Stdout)
			if err != nil {
				return cli.Exit(fmt.Sprintf("unable to retrieve token from web: %v", err), exitFatal)
			}

			tokenFile := authConfig(cfg).TokenFile()
			if err := google.SaveToken(tokenFile, token); err != nil {
				return cli.Exit(fmt.Sprintf("failed to save token: %v", err), exitFatal)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run a single synchronization cycle.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, lock, err := prepare(c)
			if err != nil {
				return err
			}
			defer lock.Release()

			if c.Bool("dry-run") {
				logger.Info("Performing a dry run. No changes will be made.")
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := buildSyncer(ctx, logger, cfg, c.Bool("dry-run"))
			if err != nil {
				return cli.Exit(err.Error(), exitFatal)
			}

			logger.Info("Running a single sync cycle.")
			report, err := s.Sync(ctx)
			return cycleExit(report, err)
		},
	}
}

// cycleExit maps the outcome of one cycle to the process exit status.
func cycleExit(report syncer.Report, err error) error {
	switch {
	case errors.Is(err, syncer.ErrCredentials):
		return cli.Exit(err.Error(), exitFatal)
	case err != nil:
		return cli.Exit(fmt.Sprintf("sync cycle failed: %v", err), exitPartial)
	case report.HasFailures():
		return cli.Exit(fmt.Sprintf("sync finished with %d failed operations", report.Failed), exitPartial)
	}
	return nil
}

func monitorCommand() *cli.Command {
	return &cli.Command{
		Name:  "monitor",
		Usage: "Synchronize continuously until interrupted.",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "interval", Usage: "Time between cycle starts.", EnvVars: []string{"INVITESYNC_INTERVAL"}},
			&cli.IntFlag{Name: "max-cycles", Usage: "Stop after N cycles; 0 runs until interrupted."},
			&cli.BoolFlag{Name: "watch-source", Usage: "Start a cycle early when the export file changes."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, lock, err := prepare(c)
			if err != nil {
				return err
			}
			defer lock.Release()

			interval := cfg.Interval
			if c.IsSet("interval") {
				interval = c.Duration("interval")
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := buildSyncer(ctx, logger, cfg, c.Bool("dry-run"))
			if err != nil {
				return cli.Exit(err.Error(), exitFatal)
			}

			var wake <-chan struct{}
			if (cfg.Source.Watch || c.Bool("watch-source")) && !strings.Contains(cfg.Source.Path, "://") {
				if wake, err = source.Watch(ctx, logger, cfg.Source.Path); err != nil {
					logger.Warn("Source watching disabled", "error", err)
				}
			}

			var last syncer.CycleResult
			m := syncer.NewMonitor(logger, s, syncer.MonitorOptions{
				Interval:     interval,
				MaxCycles:    c.Int("max-cycles"),
				CycleTimeout: cfg.CycleTimeout,
				Wake:         wake,
				OnCycle:      func(r syncer.CycleResult) { last = r },
			})

			err = m.Run(ctx)
			switch {
			case errors.Is(err, syncer.ErrCredentials):
				return cli.Exit(err.Error(), exitFatal)
			case errors.Is(err, context.Canceled):
				logger.Info("Monitor stopped.", "cycles", last.Number)
				return nil
			case err != nil:
				return cli.Exit(err.Error(), exitFatal)
			}
			return cycleExit(last.Report, last.Err)
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show whether a sync is running and summarize the sync state.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "List every record."},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)

			pid, held, err := state.LockOwner(cfg.LockPath())
			switch {
			case err != nil:
				fmt.Printf("Lock:    unknown (%v)\n", err)
			case held:
				fmt.Printf("Lock:    held by process %d\n", pid)
			default:
				fmt.Println("Lock:    not held, no sync is running")
			}

			st, err := state.NewStore(cfg.StateFile, logger).Peek()
			if err != nil {
				return cli.Exit(fmt.Sprintf("State:   %s is unreadable: %v", cfg.StateFile, err), exitFatal)
			}
			counts := st.CountByState()
			fmt.Printf("State:   %s\n", cfg.StateFile)
			fmt.Printf("Records: %d (synced %d, pending %d, orphaned %d)\n", st.Len(),
				counts[state.StateSynced], counts[state.StatePending], counts[state.StateOrphaned])

			if c.Bool("verbose") {
				for _, key := range st.Keys() {
					rec := st.Get(key)
					fmt.Printf("  %-9s %s  %q  %s  %s\n", rec.State, rec.StartSnapshot.Format(time.RFC3339),
						rec.SubjectSnapshot, key, rec.RemoteEventID)
				}
			}
			return nil
		},
	}
}

func stopCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "Ask a running monitor to shut down.",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if _, held, err := state.LockOwner(cfg.LockPath()); err == nil && !held {
				fmt.Println("No running monitor found.")
				return nil
			}
			pid, err := state.TerminateOwner(cfg.LockPath())
			if err != nil {
				return cli.Exit(fmt.Sprintf("failed to stop monitor: %v", err), exitFatal)
			}
			fmt.Printf("Sent termination signal to process %d.\n", pid)
			return nil
		},
	}
}

func setupCommand() *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Check configuration, source, remote calendar and state file.",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)
			ok := true
			check := func(name string, err error, detail string) {
				if err != nil {
					ok = false
					fmt.Printf("[FAIL] %s: %v\n", name, err)
					return
				}
				fmt.Printf("[ OK ] %s: %s\n", name, detail)
			}

			check("configuration", cfg.Validate(), fmt.Sprintf("remote %s, calendar %q, interval %s, local users %v",
				cfg.Remote.Type, cfg.Remote.Calendar, cfg.Interval, cfg.Classifier.LocalUsers))

			if reader, err := newSourceReader(logger, cfg); err != nil {
				check("source", err, "")
			} else {
				raws, err := reader.ReadInvitationCandidates(c.Context)
				invitations := 0
				cls := newClassifier(cfg)
				for _, raw := range raws {
					if ev, err := cls.Classify(raw); err == nil && ev.IsInvitation {
						invitations++
					}
				}
				check("source", err, fmt.Sprintf("%d events in window, %d invitations", len(raws), invitations))
			}

			switch cfg.Remote.Type {
			case config.RemoteGoogle:
				accounts, err := google.GetTokenAccounts(cfg.Remote.Google.TokenDir)
				sort.Strings(accounts)
				check("google tokens", err, fmt.Sprintf("accounts %v", accounts))
			}
			remote, calendarID, err := remoteClient(c.Context, logger, cfg)
			if err != nil {
				check("remote calendar", err, "")
			} else {
				check("remote calendar", nil, fmt.Sprintf("%s resolves to %s", cfg.Remote.Calendar, calendarID))
			}
			if remote != nil {
				listCalendars(c.Context, remote)
			}

			if st, err := state.NewStore(cfg.StateFile, logger).Peek(); err != nil {
				check("state file", err, "")
			} else {
				check("state file", nil, fmt.Sprintf("%s with %d records", cfg.StateFile, st.Len()))
			}

			pid, held, err := state.LockOwner(cfg.LockPath())
			detail := "free"
			if held {
				detail = fmt.Sprintf("held by process %d", pid)
			}
			check("lock", err, detail)

			if !ok {
				return cli.Exit("setup found problems", exitFatal)
			}
			return nil
		},
	}
}

func listCalendars(ctx context.Context, remote syncer.RemoteClient) {
	switch client := remote.(type) {
	case *google.CalendarClient:
		calendars, err := client.ListCalendars(ctx)
		if err != nil {
			return
		}
		for _, cal := range calendars {
			fmt.Printf("       - %s (%s, %s)\n", cal.Summary, cal.ID, cal.AccessRole)
		}
	case *icloud.CalDAVClient:
		calendars, err := client.ListCalendars(ctx)
		if err != nil {
			return
		}
		for _, cal := range calendars {
			fmt.Printf("       - %s (%s)\n", cal.Name, cal.Path)
		}
	}
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
