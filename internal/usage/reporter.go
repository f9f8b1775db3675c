// Package usage reports gate activity to the CrowdSec LAPI usage-metrics
// endpoint so the tracker is listed by `cscli metrics` next to other
// remediation components.
package usage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ComponentType identifies the tracker in the remediation_components list.
const ComponentType = "ip-tracker"

// MinInterval is the shortest push interval the LAPI accepts.
const MinInterval = 10 * time.Minute

// counters is one reporting window.
type counters struct {
	blocked   map[string]int64
	processed int64
}

func newCounters() counters {
	return counters{blocked: make(map[string]int64)}
}

// Reporter collects gate outcomes and pushes them once per interval.
type Reporter struct {
	endpoint string
	apiKey   string
	version  string
	interval time.Duration
	started  time.Time
	osName   string
	osVer    string
	client   *http.Client
	now      func() time.Time
	log      zerolog.Logger

	mu     sync.Mutex
	window counters
}

// NewReporter returns a Reporter for the LAPI at lapiURL. A positive
// interval below MinInterval is raised to MinInterval; zero disables Run.
func NewReporter(lapiURL, apiKey, version string, interval time.Duration, log zerolog.Logger) *Reporter {
	if interval > 0 && interval < MinInterval {
		log.Warn().Dur("requested", interval).Dur("enforced", MinInterval).
			Msg("usage-metrics interval below minimum, clamping")
		interval = MinInterval
	}
	osName, osVer := hostOS()
	return &Reporter{
		endpoint: strings.TrimRight(lapiURL, "/") + "/v1/usage-metrics",
		apiKey:   apiKey,
		version:  version,
		interval: interval,
		started:  time.Now(),
		osName:   osName,
		osVer:    osVer,
		client:   &http.Client{Timeout: 5 * time.Second},
		now:      time.Now,
		log:      log,
		window:   newCounters(),
	}
}

// RecordBlocked counts a denylisted request. origin labels the metric.
func (r *Reporter) RecordBlocked(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window.blocked[origin]++
	r.window.processed++
}

// RecordProcessed counts a request the gate let through.
func (r *Reporter) RecordProcessed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window.processed++
}

// take returns the current window and starts a new one.
func (r *Reporter) take() counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.window
	r.window = newCounters()
	return w
}

// Run pushes every interval until ctx is cancelled, then flushes the last
// window with a short deadline of its own.
func (r *Reporter) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.flush(flushCtx)
			cancel()
			return nil
		}
	}
}

func (r *Reporter) flush(ctx context.Context) {
	if err := r.push(ctx, r.take()); err != nil {
		r.log.Warn().Err(err).Msg("usage-metrics push failed")
	}
}

type usageMetric struct {
	Name   string            `json:"name"`
	Value  int64             `json:"value"`
	Unit   string            `json:"unit"`
	Labels map[string]string `json:"labels,omitempty"`
}

type remediationComponent struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Os      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"os"`
	Features []string `json:"features"`
	Meta     struct {
		WindowSizeSeconds   int64 `json:"window_size_seconds"`
		UtcStartupTimestamp int64 `json:"utc_startup_timestamp"`
		UtcNowTimestamp     int64 `json:"utc_now_timestamp"`
	} `json:"meta"`
	Metrics []usageMetric `json:"metrics"`
}

type usagePayload struct {
	RemediationComponents []remediationComponent `json:"remediation_components"`
}

// buildPayload renders one window as the LAPI expects it.
func (r *Reporter) buildPayload(w counters) usagePayload {
	c := remediationComponent{
		Type:     ComponentType,
		Version:  r.version,
		Features: []string{},
	}
	c.Os.Name, c.Os.Version = r.osName, r.osVer
	c.Meta.WindowSizeSeconds = int64(r.interval / time.Second)
	c.Meta.UtcStartupTimestamp = r.started.Unix()
	c.Meta.UtcNowTimestamp = r.now().Unix()

	for origin, n := range w.blocked {
		if n == 0 {
			continue
		}
		c.Metrics = append(c.Metrics, usageMetric{
			Name:   "blocked",
			Value:  n,
			Unit:   "request",
			Labels: map[string]string{"origin": origin, "remediation_type": "ban"},
		})
	}
	c.Metrics = append(c.Metrics, usageMetric{Name: "processed", Value: w.processed, Unit: "request"})

	return usagePayload{RemediationComponents: []remediationComponent{c}}
}

// push sends one window. A non-2xx answer is logged but not an error: the
// window is gone either way.
func (r *Reporter) push(ctx context.Context, w counters) error {
	body, err := json.Marshal(r.buildPayload(w))
	if err != nil {
		return fmt.Errorf("encode usage metrics: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build usage-metrics request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", r.apiKey)
	req.Header.Set("User-Agent", ComponentType+"/"+r.version)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post usage metrics: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		r.log.Warn().Int("status", resp.StatusCode).Str("url", r.endpoint).Msg("usage-metrics rejected")
	}
	return nil
}

// hostOS returns runtime.GOOS and, on Linux, VERSION_ID from os-release.
func hostOS() (string, string) {
	f, err := os.Open("/etc/os-release")
	if err != nil {
		return runtime.GOOS, ""
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "VERSION_ID="); ok {
			return runtime.GOOS, strings.Trim(v, `"'`)
		}
	}
	return runtime.GOOS, ""
}
