package query

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Reaper periodically removes channels that are both drained and
// subscriber-less. Removal goes through the broker's atomic check-and-remove,
// so a sweep can never race a publish or an attaching subscriber.
type Reaper struct {
	broker *Broker
	logger zerolog.Logger

	// Interval controls how often the sweep runs.
	Interval time.Duration

	sweeps int64
	reaped int64
}

// NewReaper creates a Reaper over the given broker.
func NewReaper(broker *Broker, logger zerolog.Logger) *Reaper {
	return &Reaper{
		broker:   broker,
		logger:   logger,
		Interval: 30 * time.Second,
	}
}

// Start runs the sweep loop. It blocks until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepNow()
		}
	}
}

// SweepNow performs a single sweep and returns the number of channels reaped.
func (r *Reaper) SweepNow() int {
	n := r.broker.Sweep()
	atomic.AddInt64(&r.sweeps, 1)
	atomic.AddInt64(&r.reaped, int64(n))
	if n > 0 {
		r.logger.Debug().
			Int("reaped", n).
			Int("remaining", r.broker.ChannelCount()).
			Msg("reaped idle channels")
	}
	return n
}

// Reaped returns the total number of channels removed since start.
func (r *Reaper) Reaped() int64 {
	return atomic.LoadInt64(&r.reaped)
}

// Sweeps returns the total number of sweeps performed since start.
func (r *Reaper) Sweeps() int64 {
	return atomic.LoadInt64(&r.sweeps)
}
