// Package app opens the backing stores shared by the server and janitor binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	attemptrepo "careerpilot/backend/internal/attempt/repository"
	"careerpilot/backend/internal/config"
	"careerpilot/backend/internal/db"
	"careerpilot/backend/internal/ratelimit/store"
	"careerpilot/backend/internal/ratelimit/tiers"
	sessionrepo "careerpilot/backend/internal/session/repository"
)

// Stores are the persistence backends selected by configuration. Without DATABASE_URL the
// session and attempt repositories are in memory; without REDIS_URL so are the counters,
// and every user is on the lowest tier.
type Stores struct {
	DB       *sql.DB
	Redis    redis.UniversalClient
	Sessions sessionrepo.Repository
	Attempts attemptrepo.Repository
	Counters store.Store
	Tiers    tiers.Source
}

// OpenStores connects to the configured backends.
func OpenStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Stores, error) {
	s := &Stores{}
	if cfg.DatabaseURL != "" {
		conn, err := db.Open(cfg.DatabaseURL, db.Options{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: 30 * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		s.DB = conn
		s.Sessions = sessionrepo.NewPostgresRepository(conn)
		s.Attempts = attemptrepo.NewPostgresRepository(conn)
	} else {
		log.Warn().Msg("DATABASE_URL not set; sessions and login attempts are kept in memory")
		s.Sessions = sessionrepo.NewMemoryRepository()
		s.Attempts = attemptrepo.NewMemoryRepository()
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			_ = s.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		s.Redis = client
		s.Counters = store.NewRedisStore(client, "rl", cfg.EvictGrace())
		s.Tiers = tiers.NewRedisSource(client, cfg.TierKeyPrefix, 0, 0)
	} else {
		log.Warn().Msg("REDIS_URL not set; rate-limit counters are per process and all users are on the lowest tier")
		s.Counters = store.NewMemoryStore(0)
		s.Tiers = tiers.StaticSource{}
	}
	return s, nil
}

// Ping checks the external backends. In-memory backends are always ready.
func (s *Stores) Ping(ctx context.Context) error {
	if s.DB != nil {
		if err := s.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases the connections.
func (s *Stores) Close() error {
	var errs []error
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	return errors.Join(errs...)
}
