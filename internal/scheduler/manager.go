package scheduler

import (
	"context"
	"log/slog"
	"sync"

	ferrors "git.home.luguber.info/inful/forgeci/internal/foundation/errors"
	"git.home.luguber.info/inful/forgeci/internal/logfields"
	"git.home.luguber.info/inful/forgeci/internal/model"
	"git.home.luguber.info/inful/forgeci/internal/mq"
)

// Manager owns the live scheduler set and applies configuration reloads
// incrementally: a scheduler whose config is unchanged keeps running with its
// collected state and timers intact.
type Manager struct {
	submit Submitter
	queue  mq.MessageQueue
	stamps StampSource

	mu     sync.Mutex
	active map[string]managed
}

type managed struct {
	scheduler Scheduler
	cfg       Config
}

// NewManager creates an empty manager. Call Reconfigure to start schedulers.
func NewManager(submit Submitter, queue mq.MessageQueue, stamps StampSource) *Manager {
	return &Manager{
		submit: submit,
		queue:  queue,
		stamps: stamps,
		active: make(map[string]managed),
	}
}

// Reconfigure diffs the desired configs against the running set: unchanged
// schedulers are kept, changed ones replaced, removed ones stopped, new ones
// started. A config that fails to instantiate aborts the reload before any
// running scheduler is touched.
func (m *Manager) Reconfigure(configs []Config) error {
	desired := make(map[string]Config, len(configs))
	for _, cfg := range configs {
		if _, dup := desired[cfg.Name]; dup {
			return ferrors.ConfigError("duplicate scheduler name").
				WithContext("scheduler", cfg.Name).Build()
		}
		desired[cfg.Name] = cfg
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Instantiate replacements and additions first so a bad config leaves
	// the running set untouched.
	fresh := make(map[string]managed)
	for name, cfg := range desired {
		if cur, ok := m.active[name]; ok && cur.cfg.Equal(cfg) {
			continue
		}
		s, err := m.instantiate(cfg)
		if err != nil {
			for _, made := range fresh {
				made.scheduler.Stop()
			}
			return err
		}
		fresh[name] = managed{scheduler: s, cfg: cfg}
	}

	for name, cur := range m.active {
		if _, keep := desired[name]; !keep {
			cur.scheduler.Stop()
			delete(m.active, name)
			slog.Info("scheduler removed", logfields.Scheduler(name))
		}
	}
	for name, made := range fresh {
		if cur, ok := m.active[name]; ok {
			cur.scheduler.Stop()
			slog.Info("scheduler replaced", logfields.Scheduler(name))
		} else {
			slog.Info("scheduler added", logfields.Scheduler(name))
		}
		m.active[name] = made
	}
	return nil
}

func (m *Manager) instantiate(cfg Config) (Scheduler, error) {
	switch cfg.Type {
	case TypeImmediate:
		return NewImmediate(cfg, m.submit), nil
	case TypeCollecting:
		return NewCollecting(cfg, m.submit), nil
	case TypeDependent:
		return NewDependent(cfg, m.submit, m.queue, m.stamps)
	case TypePeriodic:
		return NewPeriodic(cfg, m.submit)
	default:
		return nil, ferrors.ConfigError("unknown scheduler type").
			WithContext("scheduler", cfg.Name).
			WithContext("type", string(cfg.Type)).Build()
	}
}

// OnChange fans a recorded change out to every running scheduler.
func (m *Manager) OnChange(ctx context.Context, c *model.Change) {
	m.mu.Lock()
	schedulers := make([]Scheduler, 0, len(m.active))
	for _, cur := range m.active {
		schedulers = append(schedulers, cur.scheduler)
	}
	m.mu.Unlock()

	for _, s := range schedulers {
		s.OnChange(ctx, c)
	}
}

// Names returns the running scheduler names, for status reporting.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.active))
	for name := range m.active {
		names = append(names, name)
	}
	return names
}

// Stop stops every scheduler. The manager can be reconfigured again after.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, cur := range m.active {
		cur.scheduler.Stop()
		delete(m.active, name)
	}
}
