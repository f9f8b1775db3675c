package tracker

import (
	"fmt"
	"io"

	"github.com/developingchet/ip-tracker/internal/config"
	"github.com/developingchet/ip-tracker/internal/geo"
	"github.com/developingchet/ip-tracker/internal/ratelimit"
	"github.com/developingchet/ip-tracker/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// OpenStore opens the backend selected by STORE_DRIVER.
func OpenStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return storage.NewGormStore(storage.OpenPostgres(cfg.DatabaseDSN))
	case "bbolt", "":
		return storage.NewBboltStore(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// NewResolver builds the geolocation resolver selected by GEO_PROVIDER. The
// returned closer releases provider resources and is never nil.
func NewResolver(cfg *config.Config, log zerolog.Logger) (*geo.Resolver, io.Closer, error) {
	cache := geo.NewCache(cfg.GeoCacheSize, cfg.GeoCacheTTL)
	switch cfg.GeoProvider {
	case "none":
		return geo.NewResolver(nil, nil, log), nopCloser{}, nil
	case "maxmind":
		p, err := geo.NewMaxMindProvider(cfg.GeoIPDatabasePath)
		if err != nil {
			return nil, nil, err
		}
		return geo.NewResolver(p, cache, log), p, nil
	default:
		p := geo.NewHTTPProvider(geo.HTTPConfig{
			URLTemplate:       cfg.GeoURLTemplate,
			Timeout:           cfg.GeoTimeout,
			RequestsPerMinute: cfg.GeoRequestsPerMinute,
		})
		return geo.NewResolver(p, cache, log), nopCloser{}, nil
	}
}

// NewLimiter builds the rate-limit backend selected by RATELIMIT_BACKEND.
func NewLimiter(cfg *config.Config) (ratelimit.Limiter, io.Closer) {
	if cfg.RateLimitBackend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return ratelimit.NewRedisStore(client), client
	}
	return ratelimit.NewMemoryStore(), nopCloser{}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
