package controller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler drives the controller on a fixed interval. Overlapping
// ticks are skipped rather than queued, so a slow exchange can never
// build a backlog of cycles.
type Scheduler struct {
	controller *Controller
	interval   time.Duration
	heartbeat  time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler for the given tick interval.
// heartbeat of zero disables the liveness log.
func NewScheduler(controller *Controller, interval, heartbeat time.Duration) *Scheduler {
	return &Scheduler{
		controller: controller,
		interval:   interval,
		heartbeat:  heartbeat,
		stopCh:     make(chan struct{}),
	}
}

// Start runs an immediate first cycle and then ticks on the interval
// until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	log.Info().Dur("interval", s.interval).Msg("⏰ Scheduler started")
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

// RunOnce executes a single cycle outside the schedule.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.controller.Tick(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var heartbeatCh <-chan time.Time
	if s.heartbeat > 0 {
		heartbeat := time.NewTicker(s.heartbeat)
		defer heartbeat.Stop()
		heartbeatCh = heartbeat.C
	}

	cycles := 0
	s.tick(ctx, &cycles)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, &cycles)
		case <-heartbeatCh:
			log.Info().Int("cycles", cycles).Msg("💓 Heartbeat")
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, cycles *int) {
	ran, err := s.controller.TryTick(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Cycle failed")
		return
	}
	if ran {
		*cycles++
	}
}
