package storage

import (
	"context"
	"time"
)

const day = 24 * time.Hour

// RunRetention deletes records older than the configured retention once at
// start and then every interval, until ctx is done. It returns immediately
// when retention is disabled.
func (s *Store) RunRetention(ctx context.Context, interval time.Duration) {
	if s.cfg.RetentionDays <= 0 || interval <= 0 {
		return
	}

	maxAge := time.Duration(s.cfg.RetentionDays) * day
	prune := func() {
		cutoff := time.Now().Add(-maxAge)
		n, err := s.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Retention sweep failed")
			}
			return
		}
		if n > 0 {
			s.logger.Info().
				Int64("deleted", n).
				Time("cutoff", cutoff).
				Msg("Deleted expired readings")
		}
	}

	prune()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
