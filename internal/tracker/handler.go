package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/developingchet/ip-tracker/internal/denylist"
	"github.com/developingchet/ip-tracker/internal/metrics"
	"github.com/developingchet/ip-tracker/internal/pool"
	"github.com/developingchet/ip-tracker/internal/storage"
	"github.com/rs/zerolog"
)

// makeJobHandler applies CrowdSec jobs to the denylist. Unblock only touches
// entries the feed itself created; operator blocks are left alone.
func makeJobHandler(dl *denylist.Denylist, log zerolog.Logger) pool.JobHandler {
	return func(ctx context.Context, job pool.Job) error {
		switch job.Action {
		case pool.ActionBlock:
			created, err := dl.Add(ctx, job.Address, denylist.SourceCrowdSec)
			var verr *denylist.ValidationError
			if errors.As(err, &verr) {
				metrics.JobsDropped.WithLabelValues("invalid_address").Inc()
				log.Warn().Str("ip", job.Address).Msg("skipping: invalid address")
				return nil
			}
			if err != nil {
				return err
			}
			if !created {
				metrics.JobsDropped.WithLabelValues("already_blocked").Inc()
				log.Debug().Str("ip", job.Address).Msg("skipping: already blocked")
				return nil
			}
			log.Info().Str("ip", job.Address).Str("origin", job.Origin).
				Str("scenario", job.Scenario).Msg("blocked from CrowdSec decision")
			return nil

		case pool.ActionUnblock:
			src, err := dl.Source(ctx, job.Address)
			if errors.Is(err, storage.ErrNotFound) {
				metrics.JobsDropped.WithLabelValues("not_found").Inc()
				log.Debug().Str("ip", job.Address).Msg("skipping: not in denylist")
				return nil
			}
			if err != nil {
				return fmt.Errorf("lookup %s: %w", job.Address, err)
			}
			if src != denylist.SourceCrowdSec {
				metrics.JobsDropped.WithLabelValues("not_owned").Inc()
				log.Debug().Str("ip", job.Address).Str("source", src).Msg("skipping: blocked by another source")
				return nil
			}
			if _, err := dl.Remove(ctx, job.Address); err != nil {
				return err
			}
			log.Info().Str("ip", job.Address).Msg("unblocked after CrowdSec decision expired")
			return nil

		default:
			metrics.JobsDropped.WithLabelValues("unknown_action").Inc()
			return nil
		}
	}
}
