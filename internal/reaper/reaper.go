// Package reaper periodically releases Pending bookings whose hold window has
// run out. It backs up the Redis expiry notifications, which are best effort.
package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ticket-reservation/internal/logger"
)

// Releaser releases every Pending booking whose hold ended before now.
type Releaser interface {
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)
}

type Reaper struct {
	releaser Releaser
	interval time.Duration
	logger   *logger.Logger
	now      func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func New(releaser Releaser, interval time.Duration, log *logger.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		releaser: releaser,
		interval: interval,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
		done:     make(chan struct{}),
	}
}

// Start sweeps once immediately and then on every tick until ctx is done or
// Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.logger.LogProcess("REAPER", fmt.Sprintf("Started with %v interval", r.interval))
		r.Sweep(ctx)

		for {
			select {
			case <-ticker.C:
				r.Sweep(ctx)
			case <-r.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
	r.logger.LogProcess("REAPER", "Stopped")
}

// Sweep runs one release pass and returns how many bookings it released.
func (r *Reaper) Sweep(ctx context.Context) int {
	released, err := r.releaser.ReleaseExpired(ctx, r.now())
	if err != nil {
		r.logger.Error("REAPER", fmt.Sprintf("Sweep failed after %d releases: %v", released, err))
		return released
	}
	if released > 0 {
		r.logger.LogProcess("REAPER", fmt.Sprintf("Released %d expired bookings", released))
	}
	return released
}
