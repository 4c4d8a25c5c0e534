// server runs the HTTP API and the gRPC health endpoint, with the janitor in-process
// unless JANITOR_ENABLED=false.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"careerpilot/backend/internal/app"
	attemptservice "careerpilot/backend/internal/attempt/service"
	"careerpilot/backend/internal/config"
	"careerpilot/backend/internal/credentials"
	"careerpilot/backend/internal/janitor"
	"careerpilot/backend/internal/logger"
	"careerpilot/backend/internal/platform/clock"
	"careerpilot/backend/internal/ratelimit/domain"
	ratelimitservice "careerpilot/backend/internal/ratelimit/service"
	"careerpilot/backend/internal/ratelimit/tiers"
	"careerpilot/backend/internal/security"
	"careerpilot/backend/internal/server"
	"careerpilot/backend/internal/server/httpapi"
	sessionservice "careerpilot/backend/internal/session/service"
	"careerpilot/backend/internal/telemetry"
	"careerpilot/backend/internal/telemetry/loki"
	telemetryotel "careerpilot/backend/internal/telemetry/otel"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
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
		Service:     "server",
	})
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	if err := cfg.ValidateAuth(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "careerpilot-auth",
		Version:     version,
		Environment: cfg.Env,
		Insecure:    cfg.OTLPInsecure,
		Log:         log,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	metrics, err := telemetry.NewMetrics(providers.MeterProvider)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	var emitter telemetry.EventEmitter = telemetryotel.NewEventEmitter(providers.LoggerProvider)
	if cfg.LokiURL != "" {
		lokiEmitter, err := loki.NewEmitter(loki.Options{URL: cfg.LokiURL})
		if err != nil {
			return fmt.Errorf("loki: %w", err)
		}
		emitter = telemetry.MultiEmitter{emitter, lokiEmitter}
		log.Info().Str("url", cfg.LokiURL).Msg("security events also pushed to loki")
	}

	stores, err := app.OpenStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stores.Close()

	clk := clock.System{}
	tokens, err := security.NewTokenProvider(security.TokenConfig{
		AccessSecret:  []byte(cfg.JWTAccessSecret),
		RefreshSecret: []byte(cfg.JWTRefreshSecret),
		Issuer:        cfg.JWTIssuer,
		AccessTTL:     cfg.AccessTTL(),
		RefreshTTL:    cfg.RefreshTTL(),
	}, clk)
	if err != nil {
		return fmt.Errorf("tokens: %w", err)
	}

	table, err := tiers.LoadTable(cfg.RateLimitTableFile)
	if err != nil {
		return fmt.Errorf("rate limit table: %w", err)
	}
	var resolver tiers.Resolver = table
	if cfg.RateLimitPolicyFile != "" {
		policy, err := tiers.LoadPolicyResolver(ctx, table, cfg.RateLimitPolicyFile, log)
		if err != nil {
			return fmt.Errorf("rate limit policy: %w", err)
		}
		resolver = policy
	}

	ledger := attemptservice.NewLedger(stores.Attempts, clk, log, metrics)
	failureMode := ratelimitservice.FailOpen
	if cfg.FailClosedOnStoreError() {
		failureMode = ratelimitservice.FailClosed
	}
	ipRule := domain.Rule{Limit: cfg.IPRateLimit, Window: cfg.IPWindow()}
	limiter := ratelimitservice.NewLimiter(ratelimitservice.Deps{
		Store:    stores.Counters,
		Resolver: resolver,
		Attempts: ledger,
		Clock:    clk,
		Log:      log,
		Metrics:  metrics,
		Emitter:  emitter,
	}, ratelimitservice.Options{
		FailureMode:  failureMode,
		StoreTimeout: cfg.StoreCallTimeout(),
		IPRule:       ipRule,
		LoginRule:    domain.Rule{Limit: cfg.LoginIPLimit, Window: cfg.LoginWindow()},
	})

	sessions := sessionservice.New(sessionservice.Deps{
		Repo:    stores.Sessions,
		Tokens:  tokens,
		Clock:   clk,
		Log:     log,
		Metrics: metrics,
		Emitter: emitter,
	}, sessionservice.Options{
		StrictRevocation: cfg.StrictRevocation,
		LookupTimeout:    cfg.StoreCallTimeout(),
		TouchTimeout:     cfg.StoreCallTimeout(),
	})

	var verifier credentials.Verifier
	if cfg.CredentialsVerifyURL != "" {
		rv, err := credentials.NewRemoteVerifier(credentials.Options{
			URL:     cfg.CredentialsVerifyURL,
			Timeout: cfg.VerifyTimeout(),
			Log:     log,
		})
		if err != nil {
			return err
		}
		verifier = rv
	} else {
		log.Warn().Msg("CREDENTIALS_VERIFY_URL not set; POST /v1/auth/login is disabled")
	}

	api := httpapi.New(httpapi.Deps{
		Sessions:    sessions,
		Limiter:     limiter,
		Attempts:    ledger,
		Credentials: verifier,
		Tiers:       stores.Tiers,
		Actions:     table.Actions(),
		Ready:       stores.Ping,
		Clock:       clk,
		Log:         log,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	healthServer := health.NewServer()
	grpcServer := server.NewGRPCServer(server.Deps{
		Auth:     sessions,
		Limiter:  limiter,
		IPRule:   ipRule,
		Clock:    clk,
		Health:   healthServer,
		Sessions: sessions,
		Quota:    limiter,
		Tiers:    stores.Tiers,
		Actions:  table.Actions(),
		Log:      log,
	})
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	if cfg.JanitorEnabled {
		j := newJanitor(cfg, stores, ledger, limiter, clk, log, metrics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.Run(janitorCtx)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("server failed, shutting down")
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	grpcServer.GracefulStop()
	stopJanitor()
	wg.Wait()
	sessions.Wait()

	// Let in-flight async event emits finish before the exporters close.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown")
	}
	log.Info().Msg("stopped")
	return runErr
}

func newJanitor(cfg *config.Config, stores *app.Stores, ledger *attemptservice.Ledger, limiter *ratelimitservice.Limiter,
	clk clock.Clock, log zerolog.Logger, metrics *telemetry.Metrics) *janitor.Janitor {
	iv := cfg.Intervals()
	return janitor.New(janitor.Deps{
		Sessions: stores.Sessions,
		Attempts: ledger,
		Counters: limiter,
		Clock:    clk,
		Log:      log,
		Metrics:  metrics,
	}, janitor.Options{
		IdleTimeout: cfg.IdleTimeout(),
		Retention:   cfg.Retention(),
		EvictGrace:  cfg.EvictGrace(),
		Intervals: janitor.Intervals{
			Expire: iv.Expire,
			Idle:   iv.Idle,
			Prune:  iv.Prune,
			Evict:  iv.Evict,
		},
	})
}
