package scheduler

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/forgeci/internal/logfields"
	"git.home.luguber.info/inful/forgeci/internal/model"
)

// Immediate submits one build set per qualifying change.
type Immediate struct {
	cfg    Config
	submit Submitter
}

// NewImmediate creates an immediate scheduler.
func NewImmediate(cfg Config, submit Submitter) *Immediate {
	return &Immediate{cfg: cfg, submit: submit}
}

func (s *Immediate) Name() string       { return s.cfg.Name }
func (s *Immediate) Builders() []string { return s.cfg.Builders }
func (s *Immediate) Stop() {}

// OnChange submits a build set for the change when it passes the filter.
func (s *Immediate) OnChange(ctx context.Context, c *model.Change) {
	if !s.cfg.Filter.Match(c) {
		return
	}
	stamps := []model.SourceStamp{model.StampFromChange(c)}
	reason := "change " + c.Revision
	if err := s.submit.Submit(ctx, s.cfg.Name, reason, stamps, s.cfg.Builders, s.cfg.Priority); err != nil {
		slog.Error("failed to submit build set",
			logfields.Scheduler(s.cfg.Name),
			logfields.ChangeID(c.ID),
			logfields.Error(err))
	}
}
