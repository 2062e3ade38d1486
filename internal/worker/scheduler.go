package worker

import (
	"context"
	"sync"
	"time"

	"circulation-service/internal/service"
	"circulation-service/internal/util"

	"go.uber.org/zap"
)

// Sweeper runs one penalty sweep pass
type Sweeper interface {
	RunSweepOnce(ctx context.Context, now time.Time) (service.SweepReport, error)
}

// SweepScheduler runs the penalty sweep on a fixed interval
type SweepScheduler struct {
	sweeper    Sweeper
	interval   time.Duration
	runOnStart bool
	now        func() time.Time
	newTicker  func(time.Duration) (<-chan time.Time, func())
	logger     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweepScheduler creates a scheduler
func NewSweepScheduler(sweeper Sweeper, interval time.Duration, runOnStart bool) *SweepScheduler {
	return &SweepScheduler{
		sweeper:    sweeper,
		interval:   interval,
		runOnStart: runOnStart,
		now:        time.Now,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
		logger: util.GetLogger(),
	}
}

// Start runs sweeps until ctx is cancelled or Stop is called
func (s *SweepScheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()
	defer close(done)

	s.logger.Info("Starting penalty sweep scheduler",
		zap.Duration("interval", s.interval),
		zap.Bool("run_on_start", s.runOnStart))

	if s.runOnStart {
		s.runOnce(ctx)
	}

	ticks, stop := s.newTicker(s.interval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Penalty sweep scheduler stopped")
			return nil
		case <-ticks:
			s.runOnce(ctx)
		}
	}
}

// Stop cancels the scheduler and waits for a running sweep to finish
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *SweepScheduler) runOnce(ctx context.Context) {
	report, err := s.sweeper.RunSweepOnce(ctx, s.now())
	if err != nil {
		s.logger.Error("Penalty sweep failed", zap.Error(err))
		return
	}
	if report.Skipped {
		s.logger.Debug("Penalty sweep skipped")
	}
}
