// Package tracker wires the request gate, rate limiter, anomaly detector,
// denylist feed and housekeeping into one long-running service.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/developingchet/ip-tracker/internal/config"
	"github.com/developingchet/ip-tracker/internal/decision"
	"github.com/developingchet/ip-tracker/internal/denylist"
	"github.com/developingchet/ip-tracker/internal/detector"
	"github.com/developingchet/ip-tracker/internal/gate"
	"github.com/developingchet/ip-tracker/internal/pool"
	"github.com/developingchet/ip-tracker/internal/ratelimit"
	"github.com/developingchet/ip-tracker/internal/storage"
	"github.com/developingchet/ip-tracker/internal/usage"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// Response bodies of the bundled application routes.
const (
	LoginBody = "This is a sensitive view for logging in."
	IndexBody = "OK"
)

// Deps are the externally constructed collaborators.
type Deps struct {
	Store      storage.Store
	Resolver   gate.Resolver
	Limiter    ratelimit.Limiter
	Classifier ratelimit.Classifier
}

// Tracker owns every long-running component.
type Tracker struct {
	cfg       *config.Config
	store     storage.Store
	denylist  *denylist.Denylist
	gate      *gate.Gate
	limiter   *ratelimit.Middleware
	memLimit  *ratelimit.MemoryStore
	scheduler *detector.Scheduler
	janitor   *Janitor
	pool      *pool.Pool
	feed      *feed
	usage     *usage.Reporter
	log       zerolog.Logger
}

// New constructs a fully wired Tracker.
func New(cfg *config.Config, deps Deps, log zerolog.Logger) (*Tracker, error) {
	dl := denylist.New(deps.Store, log)

	rlOpts, err := cfg.RateLimitOptions()
	if err != nil {
		return nil, err
	}

	p, err := pool.New(pool.Config{
		Workers:    cfg.PoolWorkers,
		QueueDepth: cfg.PoolQueueDepth,
		MaxRetries: cfg.PoolMaxRetries,
		RetryBase:  cfg.PoolRetryBase,
	}, makeJobHandler(dl, log), log)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	det := detector.New(deps.Store, detector.Config{
		Window:          cfg.DetectorWindow,
		VolumeThreshold: cfg.DetectorVolumeThreshold,
		SensitivePaths:  cfg.DetectorSensitivePaths,
	}, log)

	gateOpts := gate.Options{TrustForwarded: cfg.TrustForwardedFor}
	var reporter *usage.Reporter
	if cfg.CrowdSecEnabled() && cfg.LAPIMetricsPushInterval > 0 {
		reporter = usage.NewReporter(cfg.CrowdSecLAPIURL, cfg.CrowdSecLAPIKey, BinaryVersion, cfg.LAPIMetricsPushInterval, log)
		gateOpts.Recorder = reporter
	}

	t := &Tracker{
		cfg:       cfg,
		store:     deps.Store,
		denylist:  dl,
		gate:      gate.New(deps.Store, dl, deps.Resolver, gateOpts, log),
		limiter:   ratelimit.NewMiddleware(deps.Limiter, deps.Classifier, rlOpts, log),
		scheduler: detector.NewScheduler(det, cfg.DetectorInterval, cfg.DetectorRunOnStart, log),
		janitor:   NewJanitor(deps.Store, p, cfg.JanitorInterval, cfg.RequestLogRetention, log),
		pool:      p,
		usage:     reporter,
		log:       log,
	}
	if m, ok := deps.Limiter.(*ratelimit.MemoryStore); ok {
		t.memLimit = m
	}

	if cfg.CrowdSecEnabled() {
		whitelist, err := decision.ParseWhitelist(cfg.BlockWhitelist)
		if err != nil {
			return nil, fmt.Errorf("parse whitelist: %w", err)
		}
		filterCfg := decision.NewFilterConfig()
		filterCfg.BlockScenarioExclude = cfg.BlockScenarioExclude
		filterCfg.AllowedOrigins = cfg.CrowdSecOrigins
		filterCfg.Whitelist = whitelist

		t.feed = &feed{
			bouncer: newStreamBouncer(cfg.CrowdSecLAPIURL, cfg.CrowdSecLAPIKey,
				cfg.CrowdSecPollInterval.String(), cfg.CrowdSecLAPIVerifyTLS),
			filterCfg: filterCfg,
			jobs:      p,
			log:       log,
		}
	}
	return t, nil
}

// Handler returns the application router. Every route sits behind the
// request gate; /login/ is additionally rate limited.
func (t *Tracker) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(t.gate.Middleware)
	r.Handle("/login/", t.limiter.Handler(http.HandlerFunc(loginView)))
	r.PathPrefix("/").HandlerFunc(indexView)
	return r
}

func loginView(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(LoginBody))
}

func indexView(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(IndexBody))
}

// Run starts all goroutines and blocks until ctx is cancelled or a fatal
// error occurs.
func (t *Tracker) Run(ctx context.Context) error {
	if t.feed != nil {
		if err := t.feed.bouncer.Init(); err != nil {
			return fmt.Errorf("init CrowdSec stream: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	t.pool.Start(gctx)

	g.Go(func() error {
		return serve(gctx, "application server", t.cfg.ListenAddr, t.Handler(), t.log)
	})

	g.Go(func() error { return t.scheduler.Run(gctx) })
	g.Go(func() error { return t.janitor.Run(gctx) })

	if t.memLimit != nil {
		g.Go(func() error { return t.memLimit.Run(gctx, 5*time.Minute, 10*time.Minute) })
	}

	if t.feed != nil {
		g.Go(func() error { return t.feed.run(gctx) })
	}

	if t.usage != nil {
		g.Go(func() error { return t.usage.Run(gctx) })
	}

	if t.cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		g.Go(func() error {
			return serve(gctx, "Prometheus metrics server", t.cfg.MetricsAddr, metricsMux, t.log)
		})
	}

	g.Go(func() error {
		return serve(gctx, "health server", t.cfg.HealthAddr, t.healthHandler(), t.log)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	t.pool.Stop()
	return nil
}

func (t *Tracker) healthHandler() http.Handler {
	hm := http.NewServeMux()
	hm.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	hm.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if _, err := t.store.SizeBytes(); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return hm
}

// serve runs an HTTP server until ctx is cancelled.
func serve(ctx context.Context, name, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg(name + " started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
