package tracker

import (
	"context"
	"time"

	"github.com/developingchet/ip-tracker/internal/metrics"
	"github.com/developingchet/ip-tracker/internal/pool"
	"github.com/developingchet/ip-tracker/internal/storage"
	"github.com/rs/zerolog"
)

// Janitor performs periodic housekeeping: request log retention and gauges.
type Janitor struct {
	store      storage.Store
	workerPool *pool.Pool
	interval   time.Duration
	retention  time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// NewJanitor creates a Janitor. A zero retention keeps request logs forever.
func NewJanitor(store storage.Store, workerPool *pool.Pool, interval, retention time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:      store,
		workerPool: workerPool,
		interval:   interval,
		retention:  retention,
		now:        time.Now,
		log:        log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	if j.retention > 0 {
		pruned, err := j.store.PruneRequestLogs(ctx, j.now().Add(-j.retention))
		if err != nil {
			j.log.Warn().Err(err).Msg("janitor: prune request logs failed")
		} else if pruned > 0 {
			metrics.RequestLogsPruned.Add(float64(pruned))
			j.log.Info().Int("count", pruned).Msg("janitor: pruned request logs")
		}
	}

	if size, err := j.store.SizeBytes(); err != nil {
		j.log.Warn().Err(err).Msg("janitor: read db size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	if blocked, err := j.store.BlockList(ctx); err != nil {
		j.log.Warn().Err(err).Msg("janitor: count denylist failed")
	} else {
		metrics.DenylistSize.Set(float64(len(blocked)))
	}

	if j.workerPool != nil {
		metrics.WorkerQueueDepth.Set(float64(j.workerPool.Depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
}
