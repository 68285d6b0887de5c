package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"backstage/internal/config"
	"backstage/internal/consolidate"
	"backstage/internal/ics"
	appLog "backstage/internal/log"
	"backstage/internal/refresh"
	"backstage/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	flags := parseFlags(os.Args[1:])

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, flags, os.Stdout); err != nil {
		appLog.Error("backstage exiting with error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) flagConfig {
	var cfg flagConfig

	fs := flag.NewFlagSet("backstage", flag.ExitOnError)
	fs.StringVar(&cfg.configPath, "config", "/etc/backstage/config.yaml", "Path to config file")
	fs.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	fs.BoolVar(&cfg.once, "once", false, "Refresh feeds once, print events as JSON and exit")
	_ = fs.Parse(args)

	return cfg
}

func run(ctx context.Context, flags flagConfig, stdout io.Writer) error {
	conf, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		return err
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("backstage starting",
		"version", version,
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"feeds", len(conf.Feeds),
		"consolidate", conf.ConsolidateEnabled(),
		"once", flags.once,
	)

	refresher, err := refresh.New(conf, ics.NewFetcher(conf.CacheDir))
	if err != nil {
		return err
	}

	if flags.once {
		return runOnce(ctx, conf, refresher, stdout)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Warm the snapshot; the API refreshes lazily if this fails.
	if _, err := refresher.Refresh(ctx); err != nil {
		appLog.Error("initial refresh failed", err)
	}

	done, err := refresher.Start(ctx)
	if err != nil {
		return err
	}

	srv, err := web.NewServer(conf, refresher)
	if err != nil {
		return err
	}
	err = srv.ListenAndServe(ctx)

	cancel()
	<-done
	appLog.Info("backstage exiting")
	return err
}

func runOnce(ctx context.Context, conf *config.Config, refresher *refresh.Refresher, stdout io.Writer) error {
	snap, err := refresher.Refresh(ctx)
	if err != nil {
		return err
	}

	events := snap.Events
	if conf.ConsolidateEnabled() {
		merger := consolidate.Consolidator{Location: refresher.Location()}
		if events, err = merger.Consolidate(events); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}
