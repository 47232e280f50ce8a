package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/stbridge/internal/app"
	"github.com/dokzlo13/stbridge/internal/capability"
	"github.com/dokzlo13/stbridge/internal/config"
	"github.com/dokzlo13/stbridge/internal/db"
	"github.com/dokzlo13/stbridge/internal/kv"
	"github.com/dokzlo13/stbridge/internal/ledger"
	"github.com/dokzlo13/stbridge/internal/samsung"
	"github.com/dokzlo13/stbridge/internal/smartthings"
	"github.com/dokzlo13/stbridge/internal/subscription"
)

const usage = `Usage: stbridge [-c config.yaml] [command]

Commands:
  (none)                          run the bridge
  resubscribe CAP[,CAP...]        recreate push subscriptions for the given capabilities
  tv NAME key KEY                 send a remote key click
  tv NAME hold KEY DURATION       hold a remote key, e.g. "hold KEY_POWER 3s"
  tv NAME artmode [on|off]        read or set art mode
`

func main() {
	// Support both -c and --config for config path
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Log.Level, cfg.Log.JSON, cfg.Log.Colors)

	args := flag.Args()
	if len(args) == 0 {
		runDaemon(cfg, configPath)
		return
	}

	ctx := app.SignalContext()
	switch args[0] {
	case "resubscribe":
		err = runResubscribe(ctx, cfg, args[1:])
	case "tv":
		err = runTV(ctx, cfg, args[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msg(args[0] + " failed")
	}
}

func runDaemon(cfg *config.Config, configPath string) {
	log.Info().Str("config", configPath).Msg("Starting stbridge")

	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	if err := application.Run(app.SignalContext()); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
}

func runResubscribe(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return errors.New("expected a comma separated capability list")
	}

	var selection []string
	for _, name := range strings.Split(args[0], ",") {
		if name = strings.TrimSpace(name); name != "" {
			selection = append(selection, name)
		}
	}

	artifact, err := capability.Load(capability.Path(cfg.Storage.Dir))
	if err != nil {
		return fmt.Errorf("capability list unavailable, run the bridge once to discover devices: %w", err)
	}
	if err := subscription.Validate(selection, artifact.Names(), cfg.Subscriptions.Limit); err != nil {
		return err
	}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	identity := smartthings.NewIdentityStore(
		kv.NewSQLiteBucket(database.DB, app.BucketSmartThings),
		smartthings.Identity{
			InstalledAppID: cfg.SmartThings.InstalledAppID,
			LocationID:     cfg.SmartThings.LocationID,
		},
	)
	api := smartthings.NewClient(cfg.SmartThings.BaseURL, cfg.SmartThings.Token, cfg.SmartThings.Timeout.Duration())

	res, err := app.RunSubscriptionPass(ctx, cfg, api, identity.Get(), selection, ledger.New(database.DB))
	if err != nil {
		return err
	}

	fmt.Printf("succeeded: %d\n", res.Succeeded)
	fmt.Printf("failed: %d\n", len(res.Failed))
	if len(res.Failed) > 0 {
		fmt.Printf("failed capabilities: %s\n", strings.Join(res.Failed, ", "))
	}
	if res.Aborted {
		fmt.Println("aborted: insufficient permissions")
	}
	return nil
}

func runTV(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) < 2 {
		return errors.New("expected: tv NAME key|hold|artmode ...")
	}

	tvs := app.NewTVService(cfg, kv.NewMemoryBucket(app.BucketTVState), nil)
	defer tvs.Close()

	conn, err := tvs.Conn(args[0])
	if err != nil {
		return err
	}

	switch op, rest := args[1], args[2:]; op {
	case "key":
		if len(rest) != 1 {
			return errors.New("expected: key KEY")
		}
		return conn.Click(ctx, rest[0])

	case "hold":
		if len(rest) != 2 {
			return errors.New("expected: hold KEY DURATION")
		}
		d, err := time.ParseDuration(rest[1])
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", rest[1], err)
		}
		return conn.Hold(ctx, rest[0], d)

	case "artmode":
		if len(rest) == 0 {
			fmt.Println(tvs.RefreshStatus(ctx, args[0]).ArtMode)
			if err := conn.LastStatusError(); err != nil {
				log.Warn().Err(err).Msg("Art mode could not be read, reporting off")
			}
			return nil
		}
		mode := samsung.ArtMode(rest[0])
		if mode != samsung.ArtModeOn && mode != samsung.ArtModeOff {
			return fmt.Errorf("art mode must be on or off, got %q", rest[0])
		}
		return conn.SetArtMode(ctx, mode)

	default:
		return fmt.Errorf("unknown tv command %q", op)
	}
}

func setupLogging(level string, useJSON bool, colors bool) {
	// ISO 8601 format with timezone
	zerolog.TimeFieldFormat = time.RFC3339

	if useJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !colors,
		})
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
