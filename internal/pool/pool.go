// Package pool applies denylist changes from the CrowdSec feed on a bounded
// set of workers.
package pool

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/developingchet/ip-tracker/internal/metrics"
	"github.com/rs/zerolog"
)

// Job actions.
const (
	ActionBlock   = "block"
	ActionUnblock = "unblock"
)

// Job is one denylist change.
type Job struct {
	Action   string
	Address  string
	Origin   string // CrowdSec decision origin, e.g. "crowdsec", "CAPI"
	Scenario string
}

// JobHandler applies a Job. A non-nil error schedules a retry.
type JobHandler func(ctx context.Context, job Job) error

// Config holds worker pool settings.
type Config struct {
	Workers    int
	QueueDepth int
	MaxRetries int
	RetryBase  time.Duration
}

// Pool is a fixed set of workers fed by a bounded queue.
type Pool struct {
	cfg      Config
	jobs     chan Job
	handler  JobHandler
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Pool.
func New(cfg Config, handler JobHandler, log zerolog.Logger) (*Pool, error) {
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return nil, fmt.Errorf("POOL_WORKERS must be 1-64, got %d", cfg.Workers)
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1024
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Second
	}
	return &Pool{
		cfg:     cfg,
		jobs:    make(chan Job, cfg.QueueDepth),
		handler: handler,
		log:     log,
	}, nil
}

// Start launches the workers. They exit when ctx is cancelled or Stop is
// called.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Enqueue is a non-blocking send; it returns false and drops the job when
// the queue is full.
func (p *Pool) Enqueue(job Job) bool {
	select {
	case p.jobs <- job:
		metrics.JobsEnqueued.WithLabelValues(job.Action).Inc()
		return true
	default:
		metrics.JobsDropped.WithLabelValues("queue_full").Inc()
		p.log.Warn().Str("ip", job.Address).Str("action", job.Action).Msg("job dropped: queue full")
		return false
	}
}

// Stop closes the queue and waits for the workers to finish. Only the
// first call has any effect.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}

// Depth returns the number of queued jobs.
func (p *Pool) Depth() int {
	return len(p.jobs)
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker_id", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
			p.process(ctx, job, log)
		}
	}
}

// process retries inline; jobs are never re-enqueued, so Stop cannot race a
// send on the closed channel.
func (p *Pool) process(ctx context.Context, job Job, log zerolog.Logger) {
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := p.backoff(attempt - 1)
			log.Warn().Str("ip", job.Address).Str("action", job.Action).
				Int("attempt", attempt).Dur("backoff", wait).Msg("retrying job")
			select {
			case <-ctx.Done():
				metrics.JobsProcessed.WithLabelValues(job.Action, "error").Inc()
				return
			case <-time.After(wait):
			}
		}

		err := p.handler(ctx, job)
		if err == nil {
			metrics.JobsProcessed.WithLabelValues(job.Action, "success").Inc()
			return
		}
		if attempt < p.cfg.MaxRetries {
			metrics.JobsProcessed.WithLabelValues(job.Action, "retried").Inc()
			continue
		}
		metrics.JobsProcessed.WithLabelValues(job.Action, "error").Inc()
		log.Error().Err(err).Str("ip", job.Address).Str("action", job.Action).
			Int("max_retries", p.cfg.MaxRetries).Msg("job failed: max retries exceeded")
	}
}

// backoff doubles RetryBase per retry, capped at one minute.
func (p *Pool) backoff(retries int) time.Duration {
	d := time.Duration(float64(p.cfg.RetryBase) * math.Pow(2, float64(retries)))
	if limit := time.Minute; d > limit {
		d = limit
	}
	return d
}
