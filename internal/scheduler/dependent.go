package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"

	"git.home.luguber.info/inful/forgeci/internal/logfields"
	"git.home.luguber.info/inful/forgeci/internal/model"
	"git.home.luguber.info/inful/forgeci/internal/mq"
)

// Dependent fires when its upstream scheduler's build set completes with
// results no worse than WARNINGS, reusing the upstream's source stamps. It
// never reacts to changes directly.
type Dependent struct {
	cfg    Config
	submit Submitter
	stamps StampSource
	sub    *mq.Subscription
}

// NewDependent creates a dependent scheduler and subscribes it to build set
// completions.
func NewDependent(cfg Config, submit Submitter, queue mq.MessageQueue, stamps StampSource) (*Dependent, error) {
	s := &Dependent{cfg: cfg, submit: submit, stamps: stamps}
	sub, err := queue.StartConsuming(mq.Key("buildsets", mq.Any, "complete"), s.onComplete)
	if err != nil {
		return nil, err
	}
	s.sub = sub
	return s, nil
}

func (s *Dependent) Name() string       { return s.cfg.Name }
func (s *Dependent) Builders() []string { return s.cfg.Builders }

// OnChange is a no-op; dependent schedulers are driven by completions.
func (s *Dependent) OnChange(context.Context, *model.Change) {}

// Stop unsubscribes from completions.
func (s *Dependent) Stop() {
	if s.sub != nil {
		s.sub.Stop()
	}
}

func (s *Dependent) onComplete(msg mq.Message) {
	complete, ok := decodeBuildSetComplete(msg.Payload)
	if !ok {
		slog.Warn("unexpected buildset completion payload", logfields.Scheduler(s.cfg.Name))
		return
	}
	if complete.Scheduler != s.cfg.Upstream || complete.Results > model.Warnings {
		return
	}

	ctx := context.Background()
	stamps, err := s.stamps.SourceStampsForBuildSet(ctx, complete.BuildSetID)
	if err != nil {
		slog.Error("failed to resolve upstream stamps",
			logfields.Scheduler(s.cfg.Name),
			logfields.BuildSetID(complete.BuildSetID),
			logfields.Error(err))
		return
	}

	reason := "upstream " + s.cfg.Upstream + " completed"
	if err := s.submit.Submit(ctx, s.cfg.Name, reason, stamps, s.cfg.Builders, s.cfg.Priority); err != nil {
		slog.Error("failed to submit dependent build set",
			logfields.Scheduler(s.cfg.Name),
			logfields.BuildSetID(complete.BuildSetID),
			logfields.Error(err))
	}
}

// decodeBuildSetComplete accepts both in-process payloads and JSON arriving
// over the external bridge.
func decodeBuildSetComplete(payload any) (mq.BuildSetComplete, bool) {
	switch p := payload.(type) {
	case mq.BuildSetComplete:
		return p, true
	case json.RawMessage:
		var complete mq.BuildSetComplete
		if err := json.Unmarshal(p, &complete); err != nil {
			return mq.BuildSetComplete{}, false
		}
		return complete, true
	default:
		return mq.BuildSetComplete{}, false
	}
}
