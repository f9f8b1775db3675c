// Package gate is the HTTP middleware that sits in front of every request:
// it rejects denylisted clients, geolocates the rest and appends a request
// log entry before handing off to the application.
package gate

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/developingchet/ip-tracker/internal/decision"
	"github.com/developingchet/ip-tracker/internal/geo"
	"github.com/developingchet/ip-tracker/internal/metrics"
	"github.com/developingchet/ip-tracker/internal/storage"
	"github.com/rs/zerolog"
)

// BlockedBody is the response body sent to denylisted clients.
const BlockedBody = "Your IP address is blocked."

// Denylist is the read side of the denylist.
type Denylist interface {
	Contains(ctx context.Context, addr string) (bool, error)
}

// Resolver turns an address into a location.
type Resolver interface {
	Resolve(ctx context.Context, addr string) (geo.Location, bool)
}

// Recorder receives per-request outcomes for usage reporting.
type Recorder interface {
	RecordBlocked(origin string)
	RecordProcessed()
}

// Options tunes the gate.
type Options struct {
	// TrustForwarded selects the leftmost X-Forwarded-For element as the
	// client address when the header is present.
	TrustForwarded bool
	// Now is the clock used for log timestamps. Defaults to time.Now.
	Now func() time.Time
	// Recorder is optional.
	Recorder Recorder
}

// Gate holds the dependencies of the middleware.
type Gate struct {
	store    storage.Store
	denylist Denylist
	resolver Resolver
	opts     Options
	log      zerolog.Logger
}

// New returns a Gate.
func New(store storage.Store, denylist Denylist, resolver Resolver, opts Options, log zerolog.Logger) *Gate {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gate{store: store, denylist: denylist, resolver: resolver, opts: opts, log: log}
}

// ClientAddress extracts the client address from r. With trustForwarded it
// uses the first X-Forwarded-For element; when that element is empty the
// peer address is used instead. Addresses are returned in canonical form
// (IPv4-mapped IPv6 unmapped, IPv6 lowercased and compressed) so the
// denylist, geolocation and request log all see the same string. Returns ""
// when no address can be determined.
func ClientAddress(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return decision.Canonical(first)
			}
		}
	}
	if r.RemoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	return decision.Canonical(host)
}

// Middleware wraps next with the block check and request logging.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		addr := ClientAddress(r, g.opts.TrustForwarded)
		if addr == "" {
			metrics.RequestsGated.WithLabelValues("anonymous").Inc()
			next.ServeHTTP(w, r)
			return
		}

		blocked, err := g.denylist.Contains(ctx, addr)
		if err != nil {
			metrics.RequestsGated.WithLabelValues("error").Inc()
			g.log.Error().Err(err).Str("ip", addr).Msg("denylist check failed")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if blocked {
			metrics.RequestsGated.WithLabelValues("blocked").Inc()
			g.log.Debug().Str("ip", addr).Str("path", r.URL.Path).Msg("blocked request")
			if g.opts.Recorder != nil {
				g.opts.Recorder.RecordBlocked("ip-tracker")
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(BlockedBody))
			return
		}

		loc, _ := g.resolver.Resolve(ctx, addr)

		entry := storage.RequestLogEntry{
			Address:   addr,
			Path:      r.URL.Path,
			Timestamp: g.opts.Now().UTC(),
			Country:   loc.Country,
			City:      loc.City,
		}
		if err := g.store.AppendRequestLog(ctx, entry); err != nil {
			metrics.RequestsGated.WithLabelValues("error").Inc()
			metrics.StoreErrors.WithLabelValues("append_request_log").Inc()
			g.log.Error().Err(err).Str("ip", addr).Msg("request log write failed")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		metrics.RequestsGated.WithLabelValues("logged").Inc()
		if g.opts.Recorder != nil {
			g.opts.Recorder.RecordProcessed()
		}
		next.ServeHTTP(w, r)
	})
}
