package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/go-co-op/gocron/v2"

	ferrors "git.home.luguber.info/inful/forgeci/internal/foundation/errors"
	"git.home.luguber.info/inful/forgeci/internal/logfields"
	"git.home.luguber.info/inful/forgeci/internal/model"
)

// Periodic fires at a fixed interval, building the newest revision it has
// seen. Before any change arrives it stamps an empty revision, meaning
// "whatever the branch head is".
type Periodic struct {
	cfg    Config
	submit Submitter
	sched  gocron.Scheduler

	mu   sync.Mutex
	last *model.Change
}

// NewPeriodic creates a periodic scheduler and starts its interval job.
func NewPeriodic(cfg Config, submit Submitter) (*Periodic, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryScheduler, "create interval scheduler").
			WithContext("scheduler", cfg.Name).Build()
	}

	s := &Periodic{cfg: cfg, submit: submit, sched: sched}
	_, err = sched.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(s.fire),
		gocron.WithName(cfg.Name),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, ferrors.WrapError(err, ferrors.CategoryScheduler, "create interval job").
			WithContext("scheduler", cfg.Name).Build()
	}
	sched.Start()
	return s, nil
}

func (s *Periodic) Name() string       { return s.cfg.Name }
func (s *Periodic) Builders() []string { return s.cfg.Builders }

// OnChange tracks the newest matching change for the next fire.
func (s *Periodic) OnChange(_ context.Context, c *model.Change) {
	if !s.cfg.Filter.Match(c) {
		return
	}
	s.mu.Lock()
	if s.last == nil || !c.When.Before(s.last.When) {
		s.last = c
	}
	s.mu.Unlock()
}

// Stop shuts the interval job down.
func (s *Periodic) Stop() {
	if err := s.sched.Shutdown(); err != nil {
		slog.Warn("interval scheduler shutdown failed",
			logfields.Scheduler(s.cfg.Name), logfields.Error(err))
	}
}

func (s *Periodic) fire() {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()

	var stamp model.SourceStamp
	if last != nil {
		stamp = model.StampFromChange(last)
	} else {
		stamp = model.SourceStamp{Branch: s.cfg.Branch, Repository: s.cfg.Repository}
	}

	if err := s.submit.Submit(context.Background(), s.cfg.Name, "periodic",
		[]model.SourceStamp{stamp}, s.cfg.Builders, s.cfg.Priority); err != nil {
		slog.Error("failed to submit periodic build set",
			logfields.Scheduler(s.cfg.Name), logfields.Error(err))
	}
}
