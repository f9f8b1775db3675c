package ratelimit

import (
	"math"
	"net/http"
	"strconv"

	"github.com/developingchet/ip-tracker/internal/gate"
	"github.com/developingchet/ip-tracker/internal/metrics"
	"github.com/rs/zerolog"
)

// ExceededBody is the response body for throttled requests.
const ExceededBody = "Rate limit exceeded."

// Group names.
const (
	GroupAuthenticated = "authenticated"
	GroupAnonymous     = "anonymous"
)

// Options configures the middleware.
type Options struct {
	Authenticated  Rule
	Anonymous      Rule
	TrustForwarded bool
}

// DefaultOptions returns 10/min for authenticated callers and 5/min for
// anonymous ones.
func DefaultOptions() Options {
	auth, _ := ParseRule(GroupAuthenticated, "10/m")
	anon, _ := ParseRule(GroupAnonymous, "5/m")
	return Options{Authenticated: auth, Anonymous: anon, TrustForwarded: true}
}

// Middleware applies the authenticated or anonymous rule to each request.
type Middleware struct {
	limiter    Limiter
	classifier Classifier
	opts       Options
	log        zerolog.Logger
}

// NewMiddleware returns a Middleware.
func NewMiddleware(limiter Limiter, classifier Classifier, opts Options, log zerolog.Logger) *Middleware {
	if classifier == nil {
		classifier = AnonymousClassifier{}
	}
	opts.Authenticated.Group = GroupAuthenticated
	opts.Anonymous.Group = GroupAnonymous
	return &Middleware{limiter: limiter, classifier: classifier, opts: opts, log: log}
}

// Handler wraps next. Limiter errors let the request through.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var key string
		var rule Rule
		if id, ok := m.classifier.Classify(r); ok {
			key, rule = "user:"+id, m.opts.Authenticated
		} else {
			addr := gate.ClientAddress(r, m.opts.TrustForwarded)
			if addr == "" {
				next.ServeHTTP(w, r)
				return
			}
			key, rule = "ip:"+addr, m.opts.Anonymous
		}

		res, err := m.limiter.Allow(r.Context(), key, rule)
		if err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}
		if !res.Allowed {
			metrics.RateLimitRejections.WithLabelValues(rule.Group).Inc()
			secs := int(math.Ceil(res.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(ExceededBody))
			return
		}
		next.ServeHTTP(w, r)
	})
}
