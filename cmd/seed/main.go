// seed prepares local development data: publishes a subscription tier for each dev user to
// Redis (when REDIS_URL is set) and opens one session per user, printing the token pair so
// the quota endpoints can be exercised with curl. Safe to re-run; every run opens new sessions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"careerpilot/backend/internal/app"
	"careerpilot/backend/internal/config"
	"careerpilot/backend/internal/logger"
	"careerpilot/backend/internal/platform/clock"
	"careerpilot/backend/internal/ratelimit/domain"
	"careerpilot/backend/internal/security"
	sessionservice "careerpilot/backend/internal/session/service"
)

type devUser struct {
	ID   string
	Tier domain.Tier
}

var devUsers = []devUser{
	{ID: "dev-user-free", Tier: domain.TierFree},
	{ID: "dev-user-pro", Tier: domain.TierPro},
	{ID: "dev-user-enterprise", Tier: domain.TierEnterprise},
}

type seeded struct {
	UserID       string `json:"userId"`
	Tier         string `json:"tier"`
	SessionID    string `json:"sessionId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logger.New(logger.Options{Level: cfg.LogLevel, Format: "console", Service: "seed", Output: os.Stderr})
	if cfg.Env == "production" {
		log.Fatal().Msg("seed: refusing to run with APP_ENV=production")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("seed: DATABASE_URL is not set")
	}
	if err := cfg.ValidateAuth(); err != nil {
		log.Fatal().Err(err).Msg("seed")
	}

	ctx := context.Background()
	stores, err := app.OpenStores(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("seed: open stores")
	}
	defer stores.Close()

	tokens, err := security.NewTokenProvider(security.TokenConfig{
		AccessSecret:  []byte(cfg.JWTAccessSecret),
		RefreshSecret: []byte(cfg.JWTRefreshSecret),
		Issuer:        cfg.JWTIssuer,
		AccessTTL:     cfg.AccessTTL(),
		RefreshTTL:    cfg.RefreshTTL(),
	}, clock.System{})
	if err != nil {
		log.Fatal().Err(err).Msg("seed: tokens")
	}
	sessions := sessionservice.New(sessionservice.Deps{Repo: stores.Sessions, Tokens: tokens, Log: log}, sessionservice.Options{})

	out := make([]seeded, 0, len(devUsers))
	for _, u := range devUsers {
		if stores.Redis != nil {
			if err := stores.Redis.Set(ctx, cfg.TierKeyPrefix+u.ID, string(u.Tier), 0).Err(); err != nil {
				log.Fatal().Err(err).Str("user_id", u.ID).Msg("seed: publish tier")
			}
		}
		iss, err := sessions.CreateSession(ctx, u.ID, "127.0.0.1", "seed")
		if err != nil {
			log.Fatal().Err(err).Str("user_id", u.ID).Msg("seed: create session")
		}
		out = append(out, seeded{
			UserID:       u.ID,
			Tier:         string(u.Tier),
			SessionID:    iss.SessionID,
			AccessToken:  iss.AccessToken,
			RefreshToken: iss.RefreshToken,
		})
	}
	if stores.Redis == nil {
		log.Warn().Msg("seed: REDIS_URL not set; tiers not published, every user resolves to FREE")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatal().Err(err).Msg("seed: write output")
	}
}
