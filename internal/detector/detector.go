// Package detector scans recent request history and flags suspicious
// addresses. A pass is a snapshot read followed by idempotent upserts; it
// holds no locks on the store.
package detector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/developingchet/ip-tracker/internal/metrics"
	"github.com/developingchet/ip-tracker/internal/storage"
	"github.com/rs/zerolog"
)

// CompletedMessage is reported after every pass.
const CompletedMessage = "Anomaly detection task completed."

// Defaults for Config.
const (
	DefaultWindow          = time.Hour
	DefaultVolumeThreshold = 100
)

// DefaultSensitivePaths are checked in order; later prefixes win on overlap.
var DefaultSensitivePaths = []string{"/admin/", "/login/"}

// ErrRunning is returned when a pass is requested while one is in flight.
var ErrRunning = errors.New("detector: a pass is already running")

// Config tunes the rules.
type Config struct {
	Window          time.Duration
	VolumeThreshold int
	SensitivePaths  []string
	Now             func() time.Time
}

// Summary describes one pass.
type Summary struct {
	VolumeFlagged int
	PathFlagged   int
	Upserts       int
	Started       time.Time
	Elapsed       time.Duration
}

// Message returns the completion message.
func (s Summary) Message() string { return CompletedMessage }

// Detector applies the volume and sensitive-path rules.
type Detector struct {
	store storage.Store
	cfg   Config
	log   zerolog.Logger
	mu    sync.Mutex
}

// New returns a Detector. Zero Config fields select the defaults. A nil
// SensitivePaths selects the default prefixes; an empty non-nil slice turns
// the path rule off.
func New(store storage.Store, cfg Config, log zerolog.Logger) *Detector {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = DefaultVolumeThreshold
	}
	if cfg.SensitivePaths == nil {
		cfg.SensitivePaths = DefaultSensitivePaths
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Detector{store: store, cfg: cfg, log: log}
}

// VolumeReason is the reason recorded by the volume rule.
func VolumeReason(count int) string {
	return fmt.Sprintf("High request volume: %d requests in the last hour.", count)
}

// PathReason is the reason recorded by the sensitive-path rule.
func PathReason(prefix string) string {
	return fmt.Sprintf("Accessed sensitive path: %s.", prefix)
}

// Run performs one pass. A failure in one rule does not stop the other; all
// errors are joined and returned together with the partial summary.
func (d *Detector) Run(ctx context.Context) (Summary, error) {
	return d.run(ctx, "manual")
}

func (d *Detector) run(ctx context.Context, trigger string) (Summary, error) {
	if !d.mu.TryLock() {
		metrics.DetectorRuns.WithLabelValues(trigger, "skipped").Inc()
		return Summary{}, ErrRunning
	}
	defer d.mu.Unlock()

	sum := Summary{Started: d.cfg.Now().UTC()}
	since := sum.Started.Add(-d.cfg.Window)

	var errs []error
	if err := d.volumeRule(ctx, since, &sum); err != nil {
		errs = append(errs, err)
	}
	if err := d.pathRule(ctx, since, &sum); err != nil {
		errs = append(errs, err)
	}

	sum.Elapsed = time.Since(sum.Started)
	metrics.DetectorDuration.WithLabelValues(trigger).Observe(sum.Elapsed.Seconds())

	err := errors.Join(errs...)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DetectorRuns.WithLabelValues(trigger, status).Inc()

	d.log.Info().
		Str("trigger", trigger).
		Int("volume_flagged", sum.VolumeFlagged).
		Int("path_flagged", sum.PathFlagged).
		Dur("elapsed", sum.Elapsed).
		AnErr("error", err).
		Msg(CompletedMessage)
	return sum, err
}

func (d *Detector) volumeRule(ctx context.Context, since time.Time, sum *Summary) error {
	counts, err := d.store.CountRequestsByAddress(ctx, since)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("count_requests").Inc()
		return fmt.Errorf("volume rule: %w", err)
	}

	addrs := make([]string, 0, len(counts))
	for addr, n := range counts {
		if n > d.cfg.VolumeThreshold {
			addrs = append(addrs, addr)
		}
	}
	sort.Strings(addrs)

	var errs []error
	for _, addr := range addrs {
		if err := d.store.UpsertSuspicious(ctx, addr, VolumeReason(counts[addr])); err != nil {
			metrics.StoreErrors.WithLabelValues("upsert_suspicious").Inc()
			errs = append(errs, fmt.Errorf("volume rule: flag %s: %w", addr, err))
			continue
		}
		sum.VolumeFlagged++
		sum.Upserts++
		metrics.DetectorFlags.WithLabelValues("volume").Inc()
		d.log.Debug().Str("ip", addr).Int("count", counts[addr]).Msg("flagged high request volume")
	}
	return errors.Join(errs...)
}

func (d *Detector) pathRule(ctx context.Context, since time.Time, sum *Summary) error {
	var errs []error
	flagged := make(map[string]struct{})
	for _, prefix := range d.cfg.SensitivePaths {
		addrs, err := d.store.AddressesWithPathPrefix(ctx, since, prefix)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("path_prefix").Inc()
			errs = append(errs, fmt.Errorf("path rule %s: %w", prefix, err))
			continue
		}
		reason := PathReason(prefix)
		for _, addr := range addrs {
			if err := d.store.UpsertSuspicious(ctx, addr, reason); err != nil {
				metrics.StoreErrors.WithLabelValues("upsert_suspicious").Inc()
				errs = append(errs, fmt.Errorf("path rule %s: flag %s: %w", prefix, addr, err))
				continue
			}
			flagged[addr] = struct{}{}
			sum.Upserts++
			metrics.DetectorFlags.WithLabelValues("path").Inc()
			d.log.Debug().Str("ip", addr).Str("prefix", prefix).Msg("flagged sensitive path access")
		}
	}
	sum.PathFlagged = len(flagged)
	return errors.Join(errs...)
}
