package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper is the minimal interface the scheduler needs from the session
// manager: find sessions past the inactivity threshold and end them.
type Sweeper interface {
	// SweepIdle ends every idle session and returns how many were ended.
	SweepIdle(ctx context.Context) (int, error)
}

// Scheduler periodically runs a Sweeper. It is owned by whoever starts
// it and stopped explicitly on shutdown; the loop is never detached
// without a cancellation path.
type Scheduler struct {
	interval time.Duration
	sweeper  Sweeper
	log      *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler constructs a scheduler that runs sweeper.SweepIdle every
// interval. If interval <= 0 it defaults to 1 minute.
func NewScheduler(interval time.Duration, sweeper Sweeper, logger *zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		interval: interval,
		sweeper:  sweeper,
		log:      logger,
		done:     make(chan struct{}),
	}
}

// Start begins the loop in a background goroutine. Calling Start twice
// has no effect.
func (s *Scheduler) Start(parentCtx context.Context) {
	if s.ctx != nil {
		return
	}
	ctx, cancel := context.WithCancel(parentCtx)
	s.ctx = ctx
	s.cancel = cancel

	go s.loop()
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(s.done)
	}()

	s.log.Info().Dur("interval", s.interval).Msg("idle sweep started")
	for {
		select {
		case <-s.ctx.Done():
			s.log.Info().Msg("idle sweep stopping")
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
			func() {
				defer cancel()
				ended, err := s.sweeper.SweepIdle(runCtx)
				if err != nil {
					s.log.Warn().Err(err).Msg("idle sweep error")
					return
				}
				if ended > 0 {
					s.log.Info().Int("ended", ended).Msg("idle sessions ended")
				}
			}()
		}
	}
}

// Stop cancels the scheduler and waits for the loop to finish. It is
// idempotent.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.ctx = nil
	s.cancel = nil
	s.done = make(chan struct{})
}
