package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/forgeci/internal/logfields"
	"git.home.luguber.info/inful/forgeci/internal/model"
)

// Collecting batches a burst of changes into one build set. Each change
// restarts the quiet-period timer; the max-delay timer starts with the first
// collected change and is never restarted, so a steady stream of changes
// cannot postpone the fire forever.
type Collecting struct {
	cfg    Config
	submit Submitter

	mu       sync.Mutex
	changes  []*model.Change
	quiet    *time.Timer
	deadline *time.Timer
	stopped  bool
}

// NewCollecting creates a collecting scheduler. QuietPeriod must be positive;
// MaxDelay zero disables the deadline.
func NewCollecting(cfg Config, submit Submitter) *Collecting {
	return &Collecting{cfg: cfg, submit: submit}
}

func (s *Collecting) Name() string       { return s.cfg.Name }
func (s *Collecting) Builders() []string { return s.cfg.Builders }

// OnChange collects the change and (re)arms the timers.
func (s *Collecting) OnChange(ctx context.Context, c *model.Change) {
	if !s.cfg.Filter.Match(c) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	s.changes = append(s.changes, c)

	if s.quiet == nil {
		s.quiet = time.AfterFunc(s.cfg.QuietPeriod, s.fire)
	} else {
		s.quiet.Reset(s.cfg.QuietPeriod)
	}
	if s.deadline == nil && s.cfg.MaxDelay > 0 {
		s.deadline = time.AfterFunc(s.cfg.MaxDelay, s.fire)
	}
}

// fire flushes the collected changes as one build set. Runs on a timer
// goroutine.
func (s *Collecting) fire() {
	s.mu.Lock()
	if s.stopped || len(s.changes) == 0 {
		s.mu.Unlock()
		return
	}
	changes := s.changes
	s.changes = nil
	s.disarmLocked()
	s.mu.Unlock()

	stamps := mergeStamps(changes)
	reason := fmt.Sprintf("%d collected changes", len(changes))
	if err := s.submit.Submit(context.Background(), s.cfg.Name, reason, stamps, s.cfg.Builders, s.cfg.Priority); err != nil {
		slog.Error("failed to submit collected build set",
			logfields.Scheduler(s.cfg.Name),
			logfields.Error(err))
	}
}

// Stop cancels pending timers; already-collected changes are dropped.
func (s *Collecting) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.changes = nil
	s.disarmLocked()
}

func (s *Collecting) disarmLocked() {
	if s.quiet != nil {
		s.quiet.Stop()
		s.quiet = nil
	}
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
}
