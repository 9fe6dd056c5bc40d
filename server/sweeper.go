package server

import (
	"context"
	"fmt"
	"time"
)

// sweepTimeout bounds a single sweep
const sweepTimeout = 30 * time.Second

func (s *Server) startSweeper(interval time.Duration) {
	s.stopSweeper = make(chan struct{})
	s.sweeperDone = make(chan struct{})

	go func() {
		defer close(s.sweeperDone)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopSweeper:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
				if _, _, err := s.Sweep(ctx, time.Now()); err != nil {
					s.Logger.Warn("Failed to sweep expired requests", "error", err)
				}
				cancel()
			}
		}
	}()
}

// Sweep removes pushed and backchannel requests that expired before now.
// Consumes are single conditional updates, so a sweep never races one into
// issuing a token for a removed request.
func (s *Server) Sweep(ctx context.Context, now time.Time) (pushed, backchannel int, err error) {
	pushed, err = s.stores.PushedRequests.DeleteExpiredPushedRequests(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sweep pushed requests: %w", err)
	}
	backchannel, err = s.stores.Backchannel.DeleteExpiredBackchannelRequests(ctx, now)
	if err != nil {
		return pushed, 0, fmt.Errorf("failed to sweep backchannel requests: %w", err)
	}
	if pushed > 0 || backchannel > 0 {
		s.Logger.Debug("Swept expired requests",
			"pushed_requests", pushed,
			"backchannel_requests", backchannel)
	}
	return pushed, backchannel, nil
}
