// Package geo resolves client addresses to a coarse location. Lookups are
// best effort: any provider failure yields an unknown location, never an
// error to the caller.
package geo

import (
	"context"
	"errors"
	"time"

	"github.com/developingchet/ip-tracker/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrLookup wraps every provider failure.
var ErrLookup = errors.New("geo: lookup failed")

// Location is a resolved address. A nil field means unknown.
type Location struct {
	Country *string
	City    *string
}

// Provider performs an uncached lookup.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, addr string) (Location, error)
}

// Resolver fronts a Provider with a Cache. A nil provider disables
// geolocation entirely.
type Resolver struct {
	provider Provider
	cache    *Cache
	log      zerolog.Logger
}

// NewResolver returns a Resolver. cache may be nil to disable caching.
func NewResolver(provider Provider, cache *Cache, log zerolog.Logger) *Resolver {
	return &Resolver{provider: provider, cache: cache, log: log}
}

// Resolve returns the location for addr and whether it is known. Only
// successful lookups are cached; a failure is retried on the next request.
func (r *Resolver) Resolve(ctx context.Context, addr string) (Location, bool) {
	if r == nil || r.provider == nil {
		return Location{}, false
	}

	if r.cache != nil {
		if loc, ok := r.cache.Get(addr); ok {
			metrics.GeoCacheResults.WithLabelValues("hit").Inc()
			return loc, true
		}
		metrics.GeoCacheResults.WithLabelValues("miss").Inc()
	}

	name := r.provider.Name()
	start := time.Now()
	loc, err := r.provider.Lookup(ctx, addr)
	metrics.GeoLookupDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GeoLookups.WithLabelValues(name, "error").Inc()
		r.log.Debug().Err(err).Str("ip", addr).Str("provider", name).Msg("geolocation failed")
		return Location{}, false
	}
	metrics.GeoLookups.WithLabelValues(name, "success").Inc()

	if r.cache != nil {
		r.cache.Set(addr, loc)
	}
	return loc, true
}

func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
