package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	purgeBatch   = 200
	purgeTimeout = 2 * time.Minute
)

// Sweeper is the part of the message service the purge job drives.
type Sweeper interface {
	SweepFullyDeleted(ctx context.Context, batch int) (int, error)
}

// PurgeFullyDeleted removes messages every participant has deleted. It keeps
// going in batches until a short batch shows nothing is left.
func PurgeFullyDeleted(ctx context.Context, s Sweeper, log *zap.SugaredLogger) int {
	log.Debug("Running job: PurgeFullyDeleted...")
	total := 0
	for {
		n, err := s.SweepFullyDeleted(ctx, purgeBatch)
		total += n
		if err != nil {
			log.Errorw("purge fully deleted messages", "purged", total, "error", err)
			return total
		}
		if n < purgeBatch {
			break
		}
	}
	if total > 0 {
		log.Infow("purged fully deleted messages", "count", total)
	}
	return total
}

// SchedulePurge registers the sweep on c with the given cron spec.
func SchedulePurge(c *cron.Cron, spec string, s Sweeper, log *zap.SugaredLogger) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
		defer cancel()
		PurgeFullyDeleted(ctx, s, log)
	})
}
