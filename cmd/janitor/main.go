// janitor runs the database sweeps (session expiry, idle reaping, attempt pruning) outside the
// API process, for deployments where several replicas share one database. Set
// JANITOR_ENABLED=false on the servers when running it.
//
//	go run ./cmd/janitor            # run on the configured intervals until SIGTERM
//	go run ./cmd/janitor -once      # run every sweep once and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"careerpilot/backend/internal/app"
	attemptservice "careerpilot/backend/internal/attempt/service"
	"careerpilot/backend/internal/config"
	"careerpilot/backend/internal/janitor"
	"careerpilot/backend/internal/logger"
	"careerpilot/backend/internal/platform/clock"
	"careerpilot/backend/internal/telemetry"
	telemetryotel "careerpilot/backend/internal/telemetry/otel"
)

func main() {
	once := flag.Bool("once", false, "Run each sweep a single time and exit")
	only := flag.String("sweep", "", "Run only the named sweep (expire_sessions, reap_idle_sessions, prune_attempts)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logger.New(logger.Options{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		Environment: cfg.Env,
		File:        cfg.LogFile,
		Service:     "janitor",
	})
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("janitor: DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "careerpilot-janitor",
		Environment: cfg.Env,
		Insecure:    cfg.OTLPInsecure,
		Log:         log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("janitor: telemetry")
	}
	defer func() { _ = providers.Shutdown(context.Background()) }()
	metrics, err := telemetry.NewMetrics(providers.MeterProvider)
	if err != nil {
		log.Fatal().Err(err).Msg("janitor: metrics")
	}

	// Counters live in Redis (native TTL) or in each server's memory, so only the
	// database sweeps run here.
	dbCfg := *cfg
	dbCfg.RedisURL = ""
	stores, err := app.OpenStores(ctx, &dbCfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("janitor: open stores")
	}
	defer stores.Close()

	clk := clock.System{}
	iv := cfg.Intervals()
	j := janitor.New(janitor.Deps{
		Sessions: stores.Sessions,
		Attempts: attemptservice.NewLedger(stores.Attempts, clk, log, metrics),
		Clock:    clk,
		Log:      log,
		Metrics:  metrics,
	}, janitor.Options{
		IdleTimeout: cfg.IdleTimeout(),
		Retention:   cfg.Retention(),
		Intervals: janitor.Intervals{
			Expire: iv.Expire,
			Idle:   iv.Idle,
			Prune:  iv.Prune,
		},
	})

	switch {
	case *only != "":
		if !slices.Contains(j.Sweeps(), *only) {
			log.Fatal().Str("sweep", *only).Strs("known", j.Sweeps()).Msg("janitor: unknown sweep")
		}
		res := j.RunSweep(ctx, *only)
		if res.Err != nil {
			log.Error().Err(res.Err).Str("sweep", res.Name).Msg("janitor: sweep failed")
			os.Exit(1)
		}
	case *once:
		failed := false
		for _, res := range j.RunOnce(ctx) {
			failed = failed || res.Err != nil
		}
		if failed {
			os.Exit(1)
		}
	default:
		j.Run(ctx)
	}
}
