package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"switchboard/internal/clock"
	"switchboard/internal/config"
	"switchboard/internal/events"
	"switchboard/internal/feed"
	"switchboard/internal/ics"
	appLog "switchboard/internal/log"
	"switchboard/internal/session"
	"switchboard/internal/store"
	"switchboard/internal/web"
	"switchboard/internal/wire"
)

const defaultConfigPath = "./switchboard.yaml"

type flagConfig struct {
	configPath string
	listen     string
	envFile    string
	once       bool
}

func main() {
	flags := parseFlags()

	// .env is optional.
	if err := godotenv.Load(flags.envFile); err != nil {
		appLog.Debug("no .env file loaded", "path", flags.envFile)
	} else {
		appLog.Info("loaded .env file", "path", flags.envFile)
	}

	configPath := flags.configPath
	if configPath == "" {
		configPath = os.Getenv("SWITCHBOARD_CONFIG")
	}
	if configPath == "" {
		configPath = defaultConfigPath
	}

	conf, err := config.Load(configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	if err := conf.Validate(); err != nil {
		appLog.Warn("config has invalid entries; they will never ring", "err", err)
	}

	loc, err := conf.Location()
	if err != nil {
		appLog.Error("falling back to local timezone", err)
	}

	appLog.Info("switchboard starting",
		"config_path", configPath,
		"listen", conf.Listen,
		"timezone", loc.String(),
		"refresh", conf.RefreshCron,
		"lines", len(conf.Lines),
		"ics_count", len(conf.ICS),
		"vault", conf.VaultDir,
		"once", flags.once,
	)

	if err := run(conf, configPath, loc, flags.once); err != nil {
		appLog.Error("switchboard exited with error", err)
		os.Exit(1)
	}
	appLog.Info("switchboard exiting")
}

func run(conf *config.Config, configPath string, loc *time.Location, once bool) error {
	clk := clock.Real{Loc: loc}

	st, err := store.Open(conf.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := events.NewBus()
	defer bus.Close()

	sessions := session.New(session.Options{
		Clock:           clk,
		Store:           st,
		Lines:           conf.Lines,
		VaultDir:        conf.VaultDir,
		CallWaitingNote: conf.CallWaitingNote,
	})

	fd := feed.New(feed.Options{
		Fetcher:     ics.NewFetcher(conf.CacheDir),
		Sources:     icsSources(conf),
		VaultDir:    conf.VaultDir,
		Location:    loc,
		Clock:       clk,
		Publisher:   bus,
		HorizonDays: conf.HorizonDays,
	})

	board := web.NewBoard(clk)
	engine := wire.New(wire.Options{
		Host:                 sessions,
		Presenter:            board,
		Clock:                clk,
		Tasks:                fd,
		Notifier:             bus,
		Location:             loc,
		DefaultSnoozeMinutes: conf.DefaultSnoozeMinutes,
		TaskGrace:            time.Duration(conf.TaskGraceSeconds) * time.Second,
	})

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if once {
		return runOnce(ctx, fd, engine)
	}

	engine.Start(ctx)
	defer engine.Stop()

	if err := fd.Start(ctx, conf.RefreshCron); err != nil {
		return err
	}
	defer fd.Stop()

	go func() {
		err := config.Watch(ctx, configPath, func(c *config.Config) {
			appLog.SetLevel(appLog.ParseLevel(c.LogLevel))
			sessions.SetLines(c.Lines)
			bus.Publish(events.ScheduleChanged, map[string]any{"lines": len(c.Lines)})
			go func() {
				if _, err := fd.Reconfigure(ctx, icsSources(c), c.VaultDir); err != nil {
					appLog.Error("feed: sync after config reload had errors", err)
				}
			}()
		})
		if err != nil {
			appLog.Error("config watcher stopped", err)
		}
	}()

	srv := &http.Server{
		Addr: conf.Listen,
		Handler: web.NewServer(web.Deps{
			Engine:    engine,
			Board:     board,
			Sessions:  sessions,
			Feed:      fd,
			BasicAuth: conf.BasicAuth,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http shutdown failed", err)
	}
	return nil
}

// runOnce syncs the feed, arms the schedule and prints every upcoming call.
func runOnce(ctx context.Context, fd *feed.Feed, engine *wire.Engine) error {
	if _, err := fd.Sync(ctx); err != nil {
		appLog.Error("sync had errors", err)
	}
	engine.Start(ctx)
	defer engine.Stop()

	scheduled := engine.Scheduled()
	if len(scheduled) == 0 {
		fmt.Println("no upcoming calls")
		return nil
	}
	for _, sc := range scheduled {
		fmt.Printf("%s  %-20s  %s\n", sc.At.Format("Mon 2006-01-02 15:04"), sc.Occurrence.LineName, sc.Occurrence.Title)
	}
	return nil
}

// icsSources builds feed sources from config, skipping entries without a URL.
func icsSources(conf *config.Config) []ics.Source {
	sources := make([]ics.Source, 0, len(conf.ICS))
	for _, c := range conf.ICS {
		if c.URL == "" {
			continue
		}
		id := c.ID
		if id == "" {
			if c.Name != "" {
				id = c.Name
			} else {
				id = c.URL
			}
		}
		sources = append(sources, ics.Source{ID: id, URL: c.URL})
	}
	return sources
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "", "Path to config file (default $SWITCHBOARD_CONFIG or "+defaultConfigPath+")")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.envFile, "env", ".env", "Optional .env file to load")
	flag.BoolVar(&cfg.once, "once", false, "Sync once, print upcoming calls and exit")

	flag.Parse()

	return cfg
}
