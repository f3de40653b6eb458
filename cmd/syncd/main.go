// syncd is the offline-first data synchronization daemon: it accepts queued
// client mutations, tracks per-user connectivity state, and replays the queue
// against the downstream domain services when connectivity returns.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/carlmjohnson/versioninfo"
	cli "github.com/urfave/cli/v2"

	"github.com/kisan-sahayak/syncd/conflict"
	"github.com/kisan-sahayak/syncd/replay"
	"github.com/kisan-sahayak/syncd/retry"
	"github.com/kisan-sahayak/syncd/server"
	"github.com/kisan-sahayak/syncd/status"
	"github.com/kisan-sahayak/syncd/syncer"
	"github.com/kisan-sahayak/syncd/syncqueue"
	"github.com/kisan-sahayak/syncd/util/cliutil"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "syncd",
		Usage:   "offline-first sync queue and replay service",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string (sqlite:// or postgres://)",
			Value:   "sqlite://data/syncd/syncd.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Value:   40,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the HTTP API",
			Value:   ":8200",
			EnvVars: []string{"SYNCD_BIND"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			EnvVars: []string{"SYNCD_DEBUG"},
		},
		&cli.IntFlag{
			Name:    "max-retry-attempts",
			Usage:   "attempts per queue item before it fails permanently",
			Value:   3,
			EnvVars: []string{"SYNCD_MAX_RETRY_ATTEMPTS"},
		},
		&cli.DurationFlag{
			Name:    "retry-initial-delay",
			Value:   time.Second,
			EnvVars: []string{"SYNCD_RETRY_INITIAL_DELAY"},
		},
		&cli.DurationFlag{
			Name:    "retry-max-delay",
			Value:   10 * time.Second,
			EnvVars: []string{"SYNCD_RETRY_MAX_DELAY"},
		},
		&cli.StringSliceFlag{
			Name:    "replay-endpoint",
			Usage:   "downstream service per entity type, as TYPE=url (repeatable)",
			EnvVars: []string{"SYNCD_REPLAY_ENDPOINTS"},
		},
		&cli.DurationFlag{
			Name:    "replay-timeout",
			Usage:   "bound on each downstream replay call",
			Value:   30 * time.Second,
			EnvVars: []string{"SYNCD_REPLAY_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:    "replay-requests-per-second",
			Value:   20,
			EnvVars: []string{"SYNCD_REPLAY_RPS"},
		},
		&cli.IntFlag{
			Name:    "parallel-users",
			Usage:   "number of users' sync runs to process in parallel",
			Value:   10,
			EnvVars: []string{"SYNCD_PARALLEL_USERS"},
		},
	}

	app.Action = Syncd

	return app.Run(args)
}

func Syncd(cctx *cli.Context) error {
	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
	if err != nil {
		return err
	}

	store, err := syncqueue.NewGormstore(db)
	if err != nil {
		return fmt.Errorf("failed to set up queue store: %w", err)
	}

	tracker, err := status.NewTracker(db, store)
	if err != nil {
		return fmt.Errorf("failed to set up status tracker: %w", err)
	}

	resolver, err := conflict.NewResolver(db)
	if err != nil {
		return fmt.Errorf("failed to set up conflict resolver: %w", err)
	}

	endpoints, err := parseEndpoints(cctx.StringSlice("replay-endpoint"))
	if err != nil {
		return err
	}

	replayOpts := replay.DefaultHTTPReplayerOptions()
	replayOpts.RequestTimeout = cctx.Duration("replay-timeout")
	replayOpts.RequestsPerSecond = cctx.Int("replay-requests-per-second")
	replayer := replay.NewHTTPReplayer(endpoints, replayOpts)

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cctx.Int("max-retry-attempts")
	policy.InitialDelay = cctx.Duration("retry-initial-delay")
	policy.MaxDelay = cctx.Duration("retry-max-delay")

	syncOpts := syncer.DefaultOptions()
	syncOpts.ParallelUsers = cctx.Int("parallel-users")
	sc := syncer.New(store, tracker, resolver, replayer, policy, syncOpts)

	go sc.Start()

	srv := server.NewServer(store, tracker, resolver, sc, server.Config{
		Bind: cctx.String("bind"),
	})

	go func() {
		if err := srv.RunAPI(); err != nil {
			slog.Error("HTTP server shutting down unexpectedly", "err", err)
		}
	}()

	quit := make(chan struct{})
	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-exitSignals
		slog.Info("received OS exit signal", "signal", sig)

		if err := srv.Shutdown(); err != nil {
			slog.Error("HTTP server shutdown error", "err", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sc.Stop(ctx); err != nil {
			slog.Error("sync processor shutdown error", "err", err)
		}

		close(quit)
	}()
	<-quit
	slog.Info("graceful shutdown complete")
	return nil
}

// parseEndpoints turns repeated TYPE=url flags into the replay endpoint map.
func parseEndpoints(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid replay endpoint %q, expected TYPE=url", pair)
		}
		out[strings.ToUpper(parts[0])] = strings.TrimRight(parts[1], "/")
	}
	return out, nil
}
