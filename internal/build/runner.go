package build

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ferrors "git.home.luguber.info/inful/forgeci/internal/foundation/errors"
	"git.home.luguber.info/inful/forgeci/internal/logfields"
	"git.home.luguber.info/inful/forgeci/internal/metrics"
	"git.home.luguber.info/inful/forgeci/internal/model"
	"git.home.luguber.info/inful/forgeci/internal/mq"
	"git.home.luguber.info/inful/forgeci/internal/retry"
	"git.home.luguber.info/inful/forgeci/internal/secrets"
	"git.home.luguber.info/inful/forgeci/internal/store"
	"git.home.luguber.info/inful/forgeci/internal/workerpool"
)

// interruptGrace bounds how long a step may ignore an interrupt before the
// orchestrator stops waiting for the worker's final update.
const interruptGrace = 5 * time.Second

// Runner owns the running builds of one master: it instantiates a Build for
// a claimed request, drives its steps on a goroutine and persists/publishes
// every state transition.
type Runner struct {
	store    store.Store
	queue    mq.MessageQueue
	pool     *workerpool.Pool
	secrets  secrets.Provider
	recorder metrics.Recorder
	policy   retry.Policy
	grace    time.Duration

	// onFinished wakes the distributor: a finished build frees a worker slot.
	onFinished func()

	mu     sync.Mutex
	active map[int64]*Build
}

// NewRunner wires a runner. Secrets may be nil when no step uses them.
func NewRunner(s store.Store, queue mq.MessageQueue, pool *workerpool.Pool, provider secrets.Provider) *Runner {
	if provider == nil {
		provider = secrets.Static{}
	}
	return &Runner{
		store:    s,
		queue:    queue,
		pool:     pool,
		secrets:  provider,
		recorder: metrics.NoopRecorder{},
		policy:   retry.DefaultPolicy(),
		grace:    interruptGrace,
		active:   make(map[int64]*Build),
	}
}

// SetRecorder injects a metrics recorder (optional).
func (r *Runner) SetRecorder(rec metrics.Recorder) {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	r.recorder = rec
}

// SetOnFinished injects the hook invoked after every terminal build.
func (r *Runner) SetOnFinished(fn func()) {
	r.onFinished = fn
}

// Build is one running execution attempt. It owns the step sequence for its
// claimed request and cooperates with interruption via its context.
type Build struct {
	ID     int64
	Number int

	runner  *Runner
	req     model.BuildRequest
	builder model.Builder
	worker  *workerpool.Worker
	session workerpool.Session
	steps   []StepDef

	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	interrupted     bool
	interruptReason string
}

// Start persists a build row for the claimed request, reserves the worker
// slot and launches the step sequence. A failure here means the build never
// started; the caller unclaims the request.
func (r *Runner) Start(ctx context.Context, req model.BuildRequest, builder model.Builder, steps []StepDef, worker *workerpool.Worker) (*Build, error) {
	row, err := r.store.CreateBuild(ctx, req.ID, builder.Name, worker.Name)
	if err != nil {
		return nil, err
	}

	if err := r.pool.AddBuild(worker.Name, row.ID); err != nil {
		// Worker vanished between claim and start. Leave the build row
		// terminal so it never looks in-flight.
		if cerr := r.store.CompleteBuild(ctx, row.ID, model.Cancelled); cerr != nil {
			slog.Error("failed to cancel stillborn build", logfields.BuildID(row.ID), logfields.Error(cerr))
		}
		return nil, err
	}

	buildCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := &Build{
		ID:      row.ID,
		Number:  row.Number,
		runner:  r,
		req:     req,
		builder: builder,
		worker:  worker,
		// Pinned for the build's lifetime: a reconnect must not swap the
		// transport under steps already in flight.
		session: worker.Session(),
		steps:   steps,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	r.active[b.ID] = b
	r.mu.Unlock()

	r.queue.Produce(mq.KeyBuildNew(b.ID), mq.BuildStarted{
		BuildID:     b.ID,
		RequestID:   req.ID,
		BuilderName: builder.Name,
		WorkerName:  worker.Name,
		Number:      row.Number,
	})

	// Disconnect of this build's worker cancels it, even when detected
	// asynchronously.
	removeHook := r.pool.OnDisconnect(worker.Name, func(reason string) {
		b.Interrupt("worker disconnected: " + reason)
	})

	go func() {
		defer removeHook()
		b.run(buildCtx, row.StartedAt)
	}()

	slog.Info("build started",
		logfields.BuildID(b.ID),
		logfields.Builder(builder.Name),
		logfields.Worker(worker.Name),
		logfields.RequestID(req.ID))
	return b, nil
}

// CancelQueued completes a claimed-but-not-started request as CANCELLED
// without any worker interaction.
func (r *Runner) CancelQueued(ctx context.Context, requestID int64) error {
	completion, err := r.store.CompleteBuildRequest(ctx, requestID, model.Cancelled)
	if err != nil {
		return err
	}
	r.publishBuildSetCompletion(completion)
	return nil
}

// Active returns the running build with the given id, if any.
func (r *Runner) Active(buildID int64) (*Build, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.active[buildID]
	return b, ok
}

// ActiveCount returns the number of running builds.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// InterruptAll requests cancellation of every running build.
func (r *Runner) InterruptAll(reason string) {
	r.mu.Lock()
	builds := make([]*Build, 0, len(r.active))
	for _, b := range r.active {
		builds = append(builds, b)
	}
	r.mu.Unlock()

	for _, b := range builds {
		b.Interrupt(reason)
	}
}

// Wait blocks until the build reaches a terminal state.
func (b *Build) Wait() {
	<-b.done
}

// Interrupt requests cooperative cancellation: the in-flight step is asked to
// stop and every unrun step is marked CANCELLED.
func (b *Build) Interrupt(reason string) {
	b.mu.Lock()
	if b.interrupted {
		b.mu.Unlock()
		return
	}
	b.interrupted = true
	b.interruptReason = reason
	b.mu.Unlock()

	slog.Info("build interrupt requested", logfields.BuildID(b.ID), logfields.Reason(reason))
	b.cancel()
}

func (b *Build) isInterrupted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interrupted
}

func (b *Build) reason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interruptReason
}

// run drives the ordered step list and finalizes the build. It runs on its
// own goroutine; persistence uses a context detached from the trigger.
func (b *Build) run(ctx context.Context, startedAt time.Time) {
	defer close(b.done)

	// Interruption cancels ctx; store writes must still land after that.
	persist := context.WithoutCancel(ctx)

	overall := model.Success
	terminate := false

	for number, def := range b.steps {
		switch {
		case b.isInterrupted():
			b.markUnrun(persist, number, def.Name, model.Cancelled)
			overall = model.Worst(overall, model.Cancelled)

		case terminate:
			b.markUnrun(persist, number, def.Name, model.Skipped)

		case def.DoStepIf != nil && !def.DoStepIf(overall):
			b.markUnrun(persist, number, def.Name, model.Skipped)

		default:
			raw := b.runStep(ctx, persist, number, def)
			possible, term := def.Policy.Combine(raw)
			overall = model.Worst(overall, possible)
			if term {
				terminate = true
			}
		}
	}

	if b.isInterrupted() {
		overall = model.Worst(overall, model.Cancelled)
	}

	b.finalize(persist, overall, startedAt)
}

// markUnrun persists a step that never executed (skipped or cancelled).
func (b *Build) markUnrun(ctx context.Context, number int, name string, result model.Results) {
	stepID, err := b.runner.store.CreateStep(ctx, b.ID, number, name)
	if err != nil {
		slog.Error("failed to persist unrun step", logfields.BuildID(b.ID), logfields.Step(name), logfields.Error(err))
		return
	}
	state := []string{fmt.Sprintf("%s (%s)", name, result)}
	if err := b.runner.store.CompleteStep(ctx, stepID, result, state); err != nil {
		slog.Error("failed to complete unrun step", logfields.StepID(stepID), logfields.Error(err))
	}
	b.runner.queue.Produce(mq.KeyStepFinished(stepID), mq.StepFinished{
		StepID: stepID, BuildID: b.ID, Name: name, Results: result,
	})
}

// runStep executes one step on the assigned worker and returns its raw result.
func (b *Build) runStep(ctx, persist context.Context, number int, def StepDef) model.Results {
	r := b.runner
	began := time.Now()

	stepID, err := r.store.CreateStep(persist, b.ID, number, def.Name)
	if err != nil {
		slog.Error("failed to create step", logfields.BuildID(b.ID), logfields.Step(def.Name), logfields.Error(err))
		return model.Exception
	}
	r.queue.Produce(mq.KeyStepNew(stepID), nil)
	if err := r.store.StartStep(persist, stepID); err != nil {
		slog.Error("failed to start step", logfields.StepID(stepID), logfields.Error(err))
	}

	logID, err := r.store.CreateLog(persist, stepID, "stdio", "stdio", "s")
	if err != nil {
		slog.Error("failed to create step log", logfields.StepID(stepID), logfields.Error(err))
	}
	lw := NewLogWriter(r.store, logID, 0)

	result := b.executeCommand(ctx, persist, def, lw)

	if err := lw.Finish(persist); err != nil {
		slog.Warn("failed to finish step log", logfields.StepID(stepID), logfields.Error(err))
	}

	state := []string{fmt.Sprintf("%s (%s)", def.Name, result)}
	if err := r.store.CompleteStep(persist, stepID, result, state); err != nil {
		slog.Error("failed to complete step", logfields.StepID(stepID), logfields.Error(err))
	}
	r.queue.Produce(mq.KeyStepFinished(stepID), mq.StepFinished{
		StepID: stepID, BuildID: b.ID, Name: def.Name, Results: result,
	})
	r.recorder.ObserveStepDuration(b.builder.Name, def.Name, time.Since(began))

	slog.Debug("step finished",
		logfields.BuildID(b.ID),
		logfields.Step(def.Name),
		logfields.Result(result.String()))
	return result
}

// executeCommand renders and ships the step command to the worker session,
// streaming log lines until the worker reports completion.
func (b *Build) executeCommand(ctx, persist context.Context, def StepDef, lw *LogWriter) model.Results {
	r := b.runner

	argv, err := secrets.RenderAll(def.Command, r.secrets)
	if err != nil {
		// Secret failures abort just this step with FAILURE.
		_ = lw.AddLine(persist, "secret resolution failed: "+err.Error())
		slog.Warn("secret resolution failed", logfields.BuildID(b.ID), logfields.Step(def.Name), logfields.Error(err))
		return model.Failure
	}

	updates := make(chan workerpool.Update, 64)
	cmd := workerpool.StepCommand{Name: def.Name, Argv: argv, Env: def.Env}
	if err := b.session.SendStartCommand(ctx, b.ID, cmd, updates); err != nil {
		_ = lw.AddLine(persist, "failed to start command on worker: "+err.Error())
		if b.isInterrupted() {
			return model.Cancelled
		}
		return model.Exception
	}

	result := model.Exception
	interruptSent := false
	cancelC := ctx.Done()
	var graceC <-chan time.Time

	for {
		select {
		case <-cancelC:
			cancelC = nil
			interruptSent = true
			if err := b.session.SendInterrupt(b.ID, b.reason()); err != nil {
				slog.Warn("interrupt delivery failed", logfields.BuildID(b.ID), logfields.Error(err))
			}
			timer := time.NewTimer(r.grace)
			defer timer.Stop()
			graceC = timer.C

		case <-graceC:
			// The worker never acknowledged the interrupt; stop waiting.
			// Keep draining so the session's streaming goroutines are not
			// stuck on a full channel nobody reads.
			go func() {
				for range updates {
				}
			}()
			return model.Cancelled

		case upd, ok := <-updates:
			if !ok {
				if interruptSent {
					return model.Cancelled
				}
				return result
			}
			if upd.LogLine != "" {
				if err := lw.AddLine(persist, upd.LogLine); err != nil {
					slog.Warn("log append failed", logfields.BuildID(b.ID), logfields.Error(err))
				}
			}
			if upd.Done {
				result = upd.Results
				if interruptSent {
					// The interrupt landed mid-step: the step is cancelled
					// no matter what exit the command managed.
					result = model.Cancelled
				}
				if upd.Err != "" {
					_ = lw.AddLine(persist, upd.Err)
				}
				return result
			}
		}
	}
}

// finalize persists the terminal build state, completes the request,
// publishes the finished event exactly once and releases the worker slot.
func (b *Build) finalize(ctx context.Context, overall model.Results, startedAt time.Time) {
	r := b.runner

	if err := retry.Do(ctx, r.policy, func() error {
		return r.store.CompleteBuild(ctx, b.ID, overall)
	}); err != nil {
		slog.Error("failed to persist build completion", logfields.BuildID(b.ID), logfields.Error(err))
	}

	var completion *store.BuildSetCompletion
	if err := retry.Do(ctx, r.policy, func() error {
		var err error
		completion, err = r.store.CompleteBuildRequest(ctx, b.req.ID, overall)
		return err
	}); err != nil {
		if ferrors.CategoryOf(err) == ferrors.CategoryInternal {
			slog.Error("build request completed twice; invariant violation",
				logfields.RequestID(b.req.ID), logfields.Error(err))
		} else {
			slog.Error("failed to complete build request",
				logfields.RequestID(b.req.ID), logfields.Error(err))
		}
	}

	r.pool.RemoveBuild(b.worker.Name, b.ID)

	r.mu.Lock()
	delete(r.active, b.ID)
	r.mu.Unlock()

	r.queue.Produce(mq.KeyBuildFinished(b.ID), mq.BuildFinished{
		BuildID:     b.ID,
		RequestID:   b.req.ID,
		BuilderName: b.builder.Name,
		Results:     overall,
	})
	r.publishBuildSetCompletion(completion)

	r.recorder.RecordBuildOutcome(b.builder.Name, overall.String())
	r.recorder.ObserveBuildDuration(b.builder.Name, time.Since(startedAt))

	slog.Info("build finished",
		logfields.BuildID(b.ID),
		logfields.Builder(b.builder.Name),
		logfields.Result(overall.String()),
		logfields.DurationMS(float64(time.Since(startedAt).Milliseconds())))

	if r.onFinished != nil {
		r.onFinished()
	}
}

func (r *Runner) publishBuildSetCompletion(completion *store.BuildSetCompletion) {
	if completion == nil {
		return
	}
	r.queue.Produce(mq.KeyBuildSetComplete(completion.BuildSetID), mq.BuildSetComplete{
		BuildSetID:     completion.BuildSetID,
		Scheduler:      completion.Scheduler,
		Results:        completion.Results,
		SourceStampIDs: completion.SourceStampIDs,
	})
}
