// Package schedule provides the two triggers that drive OTP resolution: a
// delayed-task enqueue for the per-request attempt chain and a cron-based
// periodic sweep. Both only invoke work, decision logic stays in the caller.
package schedule

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs recurring jobs and one-shot delayed tasks
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	timers  map[int64]*time.Timer
	nextID  int64
	stopped bool
}

// NewScheduler creates and starts a scheduler
func NewScheduler(logger *slog.Logger) *Scheduler {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{
		cron:   c,
		logger: logger.With("component", "scheduler"),
		timers: make(map[int64]*time.Timer),
	}
}

// AddEvery registers a recurring job with a fixed interval
func (s *Scheduler) AddEvery(interval time.Duration, task func()) error {
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), task)
	if err != nil {
		return fmt.Errorf("failed to add recurring job: %w", err)
	}
	return nil
}

// RunAfter enqueues a one-shot task after the delay. A zero delay runs the
// task asynchronously as soon as possible. Tasks enqueued after Stop are
// dropped.
func (s *Scheduler) RunAfter(delay time.Duration, task func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.logger.Debug("scheduler stopped, dropping task")
		return
	}

	id := s.nextID
	s.nextID++
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in scheduled task", "panic", r)
			}
		}()
		task()
	})
}

// PendingTimers returns the number of enqueued one-shot tasks
func (s *Scheduler) PendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop stops the cron loop and cancels outstanding one-shot tasks
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
}
