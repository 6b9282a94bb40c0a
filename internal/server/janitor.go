package server

import (
	"context"
	"time"
)

// janitor periodically evicts stale rate-limit windows and purges claims
// that expired or were consumed past the retention window.  Connection
// liveness needs no sweeping here: each socket enforces its own read
// deadline.
type janitor struct {
	srv *Server
}

func (j *janitor) String() string { return "janitor" }

func (j *janitor) Serve(ctx context.Context) error {
	s := j.srv
	limiterTicker := s.clk.Ticker(s.cfg.HeartbeatCheckInterval)
	cleanupTicker := s.clk.Ticker(s.cfg.CleanupInterval)
	defer limiterTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-limiterTicker.C:
			s.limiter.Cleanup()
		case <-cleanupTicker.C:
			purgeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if _, err := s.svc.PurgeExpiredClaims(purgeCtx, s.cfg.ClaimRetention); err != nil {
				s.log.Error("claim purge failed", "err", err)
			}
			cancel()
		}
	}
}
