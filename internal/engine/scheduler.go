package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Run drives the controller on a fixed interval until ctx is done or a
// tick returns ErrHalted. An interval firing while the previous tick is
// still running is skipped, never queued, so a slow exchange cannot
// cause concurrent mutation of the same position rows.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	halt := make(chan error, 1)
	var mu sync.Mutex

	runTick := func() {
		if !mu.TryLock() {
			c.m.TicksSkipped.Inc()
			log.Warn().Msg("previous tick still running, skipping this interval")
			return
		}
		defer mu.Unlock()

		if err := c.Tick(ctx); err != nil {
			if errors.Is(err, ErrHalted) {
				select {
				case halt <- err:
				default:
				}
				return
			}
			log.Error().Err(err).Msg("tick failed")
			c.m.ErrorsTotal.Inc()
		}
	}

	// First tick runs immediately; crash recovery reconciles against
	// the live exchange inside the tick before trusting local state.
	runTick()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-halt:
			log.Error().Err(err).Msg("scheduler halted")
			return err
		case <-ticker.C:
			go runTick()
		}
	}
}
