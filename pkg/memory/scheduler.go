package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	schedulerDefaultInterval = 300 * time.Second
	schedulerMinInterval     = 10 * time.Second
)

// Scheduler runs periodic consolidation passes in the background.
type Scheduler struct {
	engine   *Engine
	logger   *log.Logger
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// ParseConsolidationInterval converts the configured seconds string,
// clamping to the minimum. Unparseable values get the default.
func ParseConsolidationInterval(value string) time.Duration {
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return schedulerDefaultInterval
	}
	interval := time.Duration(seconds) * time.Second
	if interval < schedulerMinInterval {
		return schedulerMinInterval
	}
	return interval
}

// NewScheduler creates a consolidation scheduler; it does not start it.
func NewScheduler(engine *Engine, logger *log.Logger, interval time.Duration) *Scheduler {
	if interval < schedulerMinInterval {
		interval = schedulerMinInterval
	}
	return &Scheduler{
		engine:   engine,
		logger:   logger,
		interval: interval,
	}
}

// Start launches the loop. The first pass runs one full interval after
// start so a restarting service does not immediately burn LLM quota.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	s.logger.Info("Consolidation scheduler started", "interval", s.interval)
	go s.run(loopCtx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Consolidation scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.engine.TriggerConsolidation(ctx); err != nil {
				s.logger.Error("Scheduled consolidation failed", "error", err)
			}
		}
	}
}

// Stop cancels the loop and waits for the current pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}
