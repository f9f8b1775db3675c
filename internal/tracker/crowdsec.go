package tracker

import (
	"context"
	"fmt"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	csbouncer "github.com/crowdsecurity/go-cs-bouncer"
	"github.com/developingchet/ip-tracker/internal/decision"
	"github.com/developingchet/ip-tracker/internal/pool"
	"github.com/rs/zerolog"
)

// enqueuer is the subset of *pool.Pool the feed needs.
type enqueuer interface {
	Enqueue(job pool.Job) bool
}

// feed turns CrowdSec LAPI stream batches into denylist jobs.
type feed struct {
	bouncer   *csbouncer.StreamBouncer
	filterCfg decision.FilterConfig
	jobs      enqueuer
	log       zerolog.Logger
}

func newStreamBouncer(url, key, pollInterval string, verifyTLS bool) *csbouncer.StreamBouncer {
	skipVerify := !verifyTLS
	return &csbouncer.StreamBouncer{
		APIKey:              key,
		APIUrl:              url,
		TickerInterval:      pollInterval,
		InsecureSkipVerify:  &skipVerify,
		UserAgent:           "ip-tracker/" + BinaryVersion,
		RetryInitialConnect: true,
	}
}

// run consumes the stream until ctx is cancelled.
func (f *feed) run(ctx context.Context) error {
	go f.bouncer.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-f.bouncer.Stream:
			if !ok {
				return fmt.Errorf("CrowdSec stream closed")
			}
			f.handle(batch)
		}
	}
}

func (f *feed) handle(batch *models.DecisionsStreamResponse) {
	if batch == nil {
		return
	}
	for _, d := range batch.New {
		res := decision.Filter(d, f.filterCfg, f.log)
		if !res.Passed {
			continue
		}
		f.jobs.Enqueue(pool.Job{
			Action:   pool.ActionBlock,
			Address:  res.Value,
			Origin:   res.Origin,
			Scenario: deref(d.Scenario),
		})
	}
	for _, d := range batch.Deleted {
		res := decision.Filter(d, f.filterCfg, f.log)
		if !res.Passed {
			continue
		}
		f.jobs.Enqueue(pool.Job{
			Action:  pool.ActionUnblock,
			Address: res.Value,
			Origin:  res.Origin,
		})
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
