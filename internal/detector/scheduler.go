package detector

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler runs the detector on a fixed cadence.
type Scheduler struct {
	detector   *Detector
	interval   time.Duration
	runOnStart bool
	log        zerolog.Logger
}

// NewScheduler returns a Scheduler. interval defaults to one hour.
func NewScheduler(d *Detector, interval time.Duration, runOnStart bool, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{detector: d, interval: interval, runOnStart: runOnStart, log: log}
}

// Run ticks until ctx is cancelled. Failures are logged and the next tick
// proceeds normally.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if s.runOnStart {
		s.tick(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.detector.run(ctx, "schedule")
	switch {
	case errors.Is(err, ErrRunning):
		s.log.Warn().Msg("detector: previous pass still running, skipping tick")
	case err != nil:
		s.log.Error().Err(err).Msg("detector: pass finished with errors")
	}
}
