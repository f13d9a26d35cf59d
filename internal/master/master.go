package master

import (
	"context"
	"log/slog"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/forgeci/internal/build"
	"git.home.luguber.info/inful/forgeci/internal/config"
	"git.home.luguber.info/inful/forgeci/internal/dispatch"
	ferrors "git.home.luguber.info/inful/forgeci/internal/foundation/errors"
	"git.home.luguber.info/inful/forgeci/internal/ingest"
	"git.home.luguber.info/inful/forgeci/internal/logfields"
	"git.home.luguber.info/inful/forgeci/internal/metrics"
	"git.home.luguber.info/inful/forgeci/internal/model"
	"git.home.luguber.info/inful/forgeci/internal/mq"
	"git.home.luguber.info/inful/forgeci/internal/scheduler"
	"git.home.luguber.info/inful/forgeci/internal/secrets"
	"git.home.luguber.info/inful/forgeci/internal/store"
	"git.home.luguber.info/inful/forgeci/internal/worker"
	"git.home.luguber.info/inful/forgeci/internal/workerpool"
)

// shutdownGrace bounds how long shutdown waits for running builds and owned
// goroutines before giving up.
const shutdownGrace = 30 * time.Second

// Master is the orchestration process: it ingests changes, schedules build
// sets, claims and dispatches build requests, drives builds and publishes
// every state transition.
type Master struct {
	cfg        *config.Config
	configPath string

	store      store.Store
	queue      mq.MessageQueue
	pool       *workerpool.Pool
	runner     *build.Runner
	dist       *dispatch.Distributor
	schedulers *scheduler.Manager
	recorder   metrics.Recorder
	registry   *prom.Registry
	group      workerGroup

	mu    sync.Mutex
	steps map[string][]build.StepDef // builder name -> pipeline
}

// New wires a master from configuration. configPath enables hot reload; empty
// disables the watcher.
func New(cfg *config.Config, configPath string) (*Master, error) {
	s, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	queue, err := mq.New(cfg.MQ.Backend, mq.BridgeConfig{
		URL:           cfg.MQ.URL,
		SubjectPrefix: cfg.MQ.SubjectPrefix,
		Origin:        cfg.Master.Name,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	registry := prom.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)

	pool := workerpool.NewPool()
	runner := build.NewRunner(s, queue, pool, secretProvider(cfg.Secrets))
	runner.SetRecorder(recorder)

	m := &Master{
		cfg:        cfg,
		configPath: configPath,
		store:      s,
		queue:      queue,
		pool:       pool,
		runner:     runner,
		recorder:   recorder,
		registry:   registry,
		steps:      make(map[string][]build.StepDef),
	}
	m.dist = dispatch.New(s, pool, m, cfg.Master.Name)
	m.dist.SetRecorder(recorder)
	m.schedulers = scheduler.NewManager(m, queue, s)
	runner.SetOnFinished(m.dist.Trigger)
	return m, nil
}

func secretProvider(cfg config.SecretsConfig) secrets.Provider {
	if cfg.Source == "env" {
		return secrets.Env{Prefix: cfg.Prefix}
	}
	return secrets.Static(cfg.Static)
}

// Run starts everything and blocks until the context is cancelled, then
// shuts down: schedulers stop firing, running builds are interrupted and
// their terminal states persisted.
func (m *Master) Run(ctx context.Context) error {
	slog.Info("master starting", slog.String("name", m.cfg.Master.Name))

	// Claims stranded by a previous life of this (or any dead) master go
	// back to the queue before dispatch starts.
	released, err := m.store.UnclaimExpiredClaims(ctx, m.cfg.Master.ClaimExpiry.Std())
	if err != nil {
		return err
	}
	if released > 0 {
		slog.Info("released expired claims", slog.Int("count", released))
	}

	for _, w := range m.cfg.Workers {
		session := worker.NewLocalSession(w.Name, w.WorkDir)
		if err := m.pool.Register(w.Name, w.Capacity, session); err != nil {
			return err
		}
	}

	if err := m.applyConfig(ctx, m.cfg); err != nil {
		return err
	}

	// New requests and freed workers both wake the distributor.
	requestSub, err := m.queue.StartConsuming(mq.Key("buildrequests", mq.Any, "new"), func(mq.Message) {
		m.dist.Trigger()
	})
	if err != nil {
		return err
	}
	defer requestSub.Stop()
	unsubAvail := m.pool.OnAvailabilityChanged(m.dist.Trigger)
	defer unsubAvail()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.group.Go(func() { m.dist.Run(runCtx) })
	m.group.Go(func() { m.sweepClaims(runCtx) })

	for _, pc := range m.cfg.Pollers {
		p := ingest.NewGitPoller(ingest.GitPollerConfig{
			Name:     pc.Name,
			URL:      pc.URL,
			Branches: pc.Branches,
			Interval: pc.Interval.Std(),
			Project:  pc.Project,
			Codebase: pc.Codebase,
			Username: pc.Username,
			Password: pc.Password,
		}, m.OnChange)
		m.group.Go(func() { p.Run(runCtx) })
	}

	var watcher *config.Watcher
	if m.configPath != "" {
		watcher, err = config.NewWatcher(m.configPath, m.reload)
		if err != nil {
			return err
		}
		if err := watcher.Start(runCtx); err != nil {
			return err
		}
	}

	var httpSrv *statusServer
	if m.cfg.HTTP.Listen != "" {
		httpSrv = newStatusServer(m)
		m.group.Go(func() {
			if err := httpSrv.ListenAndServe(m.cfg.HTTP.Listen); err != nil {
				slog.Error("status server stopped", logfields.Error(err))
			}
		})
	}

	<-ctx.Done()
	slog.Info("master stopping")

	if watcher != nil {
		watcher.Stop()
	}
	m.schedulers.Stop()
	cancel()

	m.runner.InterruptAll("master shutdown")
	m.waitForBuilds()

	if httpSrv != nil {
		httpSrv.Shutdown()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer stopCancel()
	if err := m.group.StopAndWait(stopCtx); err != nil {
		slog.Warn("goroutines did not stop in time", logfields.Error(err))
	}

	m.queue.Close()
	return m.store.Close()
}

// sweepClaims periodically releases claims stranded by dead masters so their
// requests go back to the queue.
func (m *Master) sweepClaims(ctx context.Context) {
	expiry := m.cfg.Master.ClaimExpiry.Std()
	ticker := time.NewTicker(expiry / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := m.store.UnclaimExpiredClaims(ctx, expiry)
			if err != nil {
				slog.Warn("claim sweep failed", logfields.Error(err))
				continue
			}
			if released > 0 {
				slog.Info("released expired claims", slog.Int("count", released))
				m.dist.Trigger()
			}
		}
	}
}

func (m *Master) waitForBuilds() {
	deadline := time.Now().Add(shutdownGrace)
	for m.runner.ActiveCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if n := m.runner.ActiveCount(); n > 0 {
		slog.Warn("builds still running at shutdown", slog.Int("count", n))
	}
}

// applyConfig persists builders and (re)configures the scheduler set.
func (m *Master) applyConfig(ctx context.Context, cfg *config.Config) error {
	steps := make(map[string][]build.StepDef, len(cfg.Builders))
	for _, bc := range cfg.Builders {
		if _, err := m.store.UpsertBuilder(ctx, model.Builder{
			Name:        bc.Name,
			WorkerNames: bc.Workers,
			Tags:        bc.Tags,
		}); err != nil {
			return err
		}
		steps[bc.Name] = stepDefs(bc)
	}

	schedConfigs := make([]scheduler.Config, 0, len(cfg.Schedulers))
	for _, sc := range cfg.Schedulers {
		schedConfigs = append(schedConfigs, scheduler.Config{
			Name:     sc.Name,
			Type:     scheduler.Type(sc.Type),
			Builders: sc.Builders,
			Priority: sc.Priority,
			Filter: scheduler.ChangeFilter{
				Branches:     sc.Filter.Branches,
				Repositories: sc.Filter.Repositories,
				Projects:     sc.Filter.Projects,
			},
			QuietPeriod: sc.QuietPeriod.Std(),
			MaxDelay:    sc.MaxDelay.Std(),
			Upstream:    sc.Upstream,
			Interval:    sc.Interval.Std(),
			Branch:      sc.Branch,
			Repository:  sc.Repository,
		})
	}
	if err := m.schedulers.Reconfigure(schedConfigs); err != nil {
		return err
	}

	m.mu.Lock()
	m.steps = steps
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

func stepDefs(bc config.BuilderConfig) []build.StepDef {
	defs := make([]build.StepDef, 0, len(bc.Steps))
	for _, sc := range bc.Steps {
		def := build.StepDef{
			Name:    sc.Name,
			Command: sc.Command,
			Env:     sc.Env,
			Policy: build.StepPolicy{
				HaltOnFailure:   boolFlag(sc.HaltOnFailure),
				FlunkOnFailure:  boolFlag(sc.FlunkOnFailure),
				FlunkOnWarnings: boolFlag(sc.FlunkOnWarnings),
				WarnOnFailure:   boolFlag(sc.WarnOnFailure),
				WarnOnWarnings:  boolFlag(sc.WarnOnWarnings),
			},
		}
		if sc.RunWhen == "on-success" {
			def.DoStepIf = func(overall model.Results) bool {
				return overall <= model.Warnings
			}
		}
		defs = append(defs, def)
	}
	return defs
}

func boolFlag(b *bool) bool { return b != nil && *b }

// reload applies a changed configuration: builders and schedulers are
// reconciled live; worker and poller topology changes need a restart.
func (m *Master) reload(ctx context.Context, cfg *config.Config) error {
	m.mu.Lock()
	old := m.cfg
	m.mu.Unlock()

	if topologyChanged(old, cfg) {
		slog.Warn("worker/poller changes in reloaded config require a restart; keeping current topology")
	}
	if err := m.applyConfig(ctx, cfg); err != nil {
		return err
	}
	m.dist.Trigger()
	return nil
}

func topologyChanged(old, next *config.Config) bool {
	if len(old.Workers) != len(next.Workers) || len(old.Pollers) != len(next.Pollers) {
		return true
	}
	for i := range old.Workers {
		if old.Workers[i] != next.Workers[i] {
			return true
		}
	}
	for i, p := range old.Pollers {
		q := next.Pollers[i]
		if p.Name != q.Name || p.URL != q.URL || p.Interval != q.Interval {
			return true
		}
	}
	return false
}

// Name returns this master's claim token.
func (m *Master) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Master.Name
}

// OnChange records a change, announces it and feeds the schedulers. Every
// change is persisted even when no scheduler wants it.
func (m *Master) OnChange(ctx context.Context, c *model.Change) {
	id, err := m.store.AddChange(ctx, c)
	if err != nil {
		slog.Error("failed to record change", logfields.Error(err))
		return
	}
	c.ID = id

	m.queue.Produce(mq.KeyChangeNew(id), mq.ChangeNew{
		ChangeID:   id,
		Branch:     c.Branch,
		Revision:   c.Revision,
		Repository: c.Repository,
	})
	m.schedulers.OnChange(ctx, c)
}

// Submit implements scheduler.Submitter: it persists the build set and
// announces the new requests, which wakes the distributor.
func (m *Master) Submit(ctx context.Context, schedulerName, reason string, stamps []model.SourceStamp, builders []string, priority int) error {
	buildSetID, requestIDs, err := m.store.CreateBuildSet(ctx, reason, schedulerName, stamps, builders, priority)
	if err != nil {
		return err
	}
	m.recorder.RecordSchedulerFire(schedulerName)

	slog.Info("build set submitted",
		logfields.Scheduler(schedulerName),
		logfields.BuildSetID(buildSetID),
		logfields.Reason(reason))

	for i, builderName := range builders {
		m.queue.Produce(mq.KeyBuildRequestNew(builderName), mq.BuildRequestNew{
			BuilderName: builderName,
			RequestIDs:  []int64{requestIDs[i]},
			BuildSetID:  buildSetID,
		})
	}
	return nil
}

// StartBuild implements dispatch.BuildStarter.
func (m *Master) StartBuild(ctx context.Context, req model.BuildRequest, builder model.Builder, w *workerpool.Worker) error {
	m.mu.Lock()
	defs, ok := m.steps[builder.Name]
	m.mu.Unlock()
	if !ok {
		return ferrors.DispatchError("no pipeline configured for builder").
			WithContext("builder", builder.Name).Build()
	}
	_, err := m.runner.Start(ctx, req, builder, defs, w)
	return err
}
