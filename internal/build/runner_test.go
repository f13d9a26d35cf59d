package build

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/forgeci/internal/model"
	"git.home.luguber.info/inful/forgeci/internal/mq"
	"git.home.luguber.info/inful/forgeci/internal/secrets"
	"git.home.luguber.info/inful/forgeci/internal/store"
	"git.home.luguber.info/inful/forgeci/internal/workerpool"
)

// scriptedSession fakes a worker transport: per step name it returns a
// scripted result and log lines. Blocking steps wait for an interrupt.
type scriptedSession struct {
	mu          sync.Mutex
	results     map[string]model.Results
	logs        map[string][]string
	blocking    map[string]bool
	started     []string
	interrupted []int64
	intr        map[int64]chan struct{}
}

func newScriptedSession() *scriptedSession {
	return &scriptedSession{
		results:  make(map[string]model.Results),
		logs:     make(map[string][]string),
		blocking: make(map[string]bool),
		intr:     make(map[int64]chan struct{}),
	}
}

func (s *scriptedSession) SendStartCommand(ctx context.Context, buildID int64, cmd workerpool.StepCommand, updates chan<- workerpool.Update) error {
	s.mu.Lock()
	s.started = append(s.started, cmd.Name)
	result, ok := s.results[cmd.Name]
	if !ok {
		result = model.Success
	}
	lines := s.logs[cmd.Name]
	block := s.blocking[cmd.Name]
	var intr chan struct{}
	if block {
		intr = make(chan struct{})
		s.intr[buildID] = intr
	}
	s.mu.Unlock()

	go func() {
		defer close(updates)
		for _, line := range lines {
			updates <- workerpool.Update{BuildID: buildID, LogLine: line}
		}
		if block {
			select {
			case <-intr:
				updates <- workerpool.Update{BuildID: buildID, Done: true, Results: model.Cancelled}
				return
			case <-time.After(10 * time.Second):
			}
		}
		updates <- workerpool.Update{BuildID: buildID, Done: true, Results: result}
	}()
	return nil
}

func (s *scriptedSession) SendInterrupt(buildID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupted = append(s.interrupted, buildID)
	if ch, ok := s.intr[buildID]; ok {
		delete(s.intr, buildID)
		close(ch)
	}
	return nil
}

func (s *scriptedSession) interruptedBuilds() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.interrupted...)
}

func (s *scriptedSession) Close() error { return nil }

func (s *scriptedSession) startedSteps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

type runnerFixture struct {
	store   *store.SQLiteStore
	bus     *mq.Bus
	pool    *workerpool.Pool
	runner  *Runner
	session *scriptedSession
	builder model.Builder
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bus := mq.NewBus()
	t.Cleanup(bus.Close)

	pool := workerpool.NewPool()
	session := newScriptedSession()
	require.NoError(t, pool.Register("w1", 1, session))

	builder := model.Builder{Name: "compile", WorkerNames: []string{"w1"}}
	_, err = s.UpsertBuilder(context.Background(), builder)
	require.NoError(t, err)

	return &runnerFixture{
		store:   s,
		bus:     bus,
		pool:    pool,
		runner:  NewRunner(s, bus, pool, secrets.Static{"token": "hunter2"}),
		session: session,
		builder: builder,
	}
}

// claimRequest submits one build set for the fixture builder and claims its
// single request, the way the distributor would before starting a build.
func (f *runnerFixture) claimRequest(t *testing.T) model.BuildRequest {
	t.Helper()
	ctx := context.Background()
	_, reqIDs, err := f.store.CreateBuildSet(ctx, "because", "sched",
		[]model.SourceStamp{{Branch: "main", Revision: "abc123", Repository: "repo"}},
		[]string{f.builder.Name}, 0)
	require.NoError(t, err)
	require.Len(t, reqIDs, 1)

	claimed, err := f.store.ClaimBuildRequests(ctx, reqIDs, "master-1")
	require.NoError(t, err)
	require.Equal(t, reqIDs, claimed)

	req, err := f.store.BuildRequest(ctx, reqIDs[0])
	require.NoError(t, err)
	return *req
}

func (f *runnerFixture) worker(t *testing.T) *workerpool.Worker {
	t.Helper()
	available := f.pool.Available(&f.builder)
	require.NotEmpty(t, available)
	return available[0]
}

func (f *runnerFixture) start(t *testing.T, steps []StepDef) *Build {
	t.Helper()
	req := f.claimRequest(t)
	b, err := f.runner.Start(context.Background(), req, f.builder, steps, f.worker(t))
	require.NoError(t, err)
	return b
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestRunnerSuccessfulBuild(t *testing.T) {
	f := newRunnerFixture(t)
	f.session.logs["compile"] = []string{"compiling", "done"}

	finishedCh := make(chan mq.BuildFinished, 1)
	_, err := f.bus.StartConsuming(mq.Key("builds", mq.Any, "finished"), func(msg mq.Message) {
		finishedCh <- msg.Payload.(mq.BuildFinished)
	})
	require.NoError(t, err)

	completeCh := make(chan mq.BuildSetComplete, 1)
	_, err = f.bus.StartConsuming(mq.Key("buildsets", mq.Any, "complete"), func(msg mq.Message) {
		completeCh <- msg.Payload.(mq.BuildSetComplete)
	})
	require.NoError(t, err)

	b := f.start(t, []StepDef{
		{Name: "compile", Command: []string{"make"}, Policy: DefaultStepPolicy()},
		{Name: "test", Command: []string{"make", "test"}, Policy: DefaultStepPolicy()},
	})
	b.Wait()

	ctx := context.Background()
	row, err := f.store.Build(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Success, row.Results)
	assert.NotNil(t, row.CompleteAt)

	steps, err := f.store.Steps(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for _, st := range steps {
		assert.Equal(t, model.Success, st.Results)
	}

	req, err := f.store.BuildRequest(ctx, b.req.ID)
	require.NoError(t, err)
	assert.True(t, req.Complete)
	assert.Equal(t, model.Success, req.Results)

	select {
	case fin := <-finishedCh:
		assert.Equal(t, b.ID, fin.BuildID)
		assert.Equal(t, model.Success, fin.Results)
	case <-time.After(5 * time.Second):
		t.Fatal("no build finished event")
	}

	select {
	case done := <-completeCh:
		assert.Equal(t, model.Success, done.Results)
		assert.Equal(t, "sched", done.Scheduler)
	case <-time.After(5 * time.Second):
		t.Fatal("no build set complete event")
	}

	// The worker slot is free again.
	assert.NotEmpty(t, f.pool.Available(&f.builder))
	assert.Zero(t, f.runner.ActiveCount())
}

func TestRunnerHaltSkipsRemainingSteps(t *testing.T) {
	f := newRunnerFixture(t)
	f.session.results["configure"] = model.Failure

	halting := StepPolicy{HaltOnFailure: true, FlunkOnFailure: true}
	b := f.start(t, []StepDef{
		{Name: "configure", Command: []string{"./configure"}, Policy: halting},
		{Name: "compile", Command: []string{"make"}, Policy: DefaultStepPolicy()},
		{Name: "test", Command: []string{"make", "test"}, Policy: DefaultStepPolicy()},
	})
	b.Wait()

	ctx := context.Background()
	row, err := f.store.Build(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Failure, row.Results)

	steps, err := f.store.Steps(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, model.Failure, steps[0].Results)
	assert.Equal(t, model.Skipped, steps[1].Results)
	assert.Equal(t, model.Skipped, steps[2].Results)

	// Skipped steps were never shipped to the worker.
	assert.Equal(t, []string{"configure"}, f.session.startedSteps())
}

func TestRunnerForgivenFailureContinues(t *testing.T) {
	f := newRunnerFixture(t)
	f.session.results["lint"] = model.Failure

	b := f.start(t, []StepDef{
		{Name: "lint", Command: []string{"make", "lint"}, Policy: StepPolicy{WarnOnFailure: true}},
		{Name: "compile", Command: []string{"make"}, Policy: DefaultStepPolicy()},
	})
	b.Wait()

	row, err := f.store.Build(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Warnings, row.Results)
	assert.Equal(t, []string{"lint", "compile"}, f.session.startedSteps())
}

func TestRunnerInterruptCancelsBuild(t *testing.T) {
	f := newRunnerFixture(t)
	f.session.blocking["compile"] = true

	started := make(chan struct{})
	_, err := f.bus.StartConsuming(mq.Key("steps", mq.Any, "new"), func(mq.Message) {
		select {
		case started <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	b := f.start(t, []StepDef{
		{Name: "compile", Command: []string{"make"}, Policy: DefaultStepPolicy()},
		{Name: "test", Command: []string{"make", "test"}, Policy: DefaultStepPolicy()},
	})
	waitSignal(t, started, "step start")

	b.Interrupt("graceful shutdown")
	b.Wait()

	ctx := context.Background()
	row, err := f.store.Build(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Cancelled, row.Results)

	steps, err := f.store.Steps(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, model.Cancelled, steps[0].Results)
	assert.Equal(t, model.Cancelled, steps[1].Results)

	req, err := f.store.BuildRequest(ctx, b.req.ID)
	require.NoError(t, err)
	assert.True(t, req.Complete)
	assert.Equal(t, model.Cancelled, req.Results)
}

func TestRunnerWorkerDisconnectCancelsBuild(t *testing.T) {
	f := newRunnerFixture(t)
	f.session.blocking["compile"] = true

	started := make(chan struct{})
	_, err := f.bus.StartConsuming(mq.Key("steps", mq.Any, "new"), func(mq.Message) {
		select {
		case started <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	b := f.start(t, []StepDef{
		{Name: "compile", Command: []string{"make"}, Policy: DefaultStepPolicy()},
	})
	waitSignal(t, started, "step start")

	f.pool.Unregister("w1", "connection lost")
	b.Wait()

	row, err := f.store.Build(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Cancelled, row.Results)
}

func TestRunnerReconnectKeepsBuildSession(t *testing.T) {
	f := newRunnerFixture(t)
	f.session.blocking["compile"] = true

	started := make(chan struct{})
	_, err := f.bus.StartConsuming(mq.Key("steps", mq.Any, "new"), func(mq.Message) {
		select {
		case started <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	b := f.start(t, []StepDef{
		{Name: "compile", Command: []string{"make"}, Policy: DefaultStepPolicy()},
	})
	waitSignal(t, started, "step start")

	// The worker reconnects mid-build with a fresh transport. The running
	// build keeps talking to the session it started on.
	replacement := newScriptedSession()
	require.NoError(t, f.pool.Register("w1", 1, replacement))

	b.Interrupt("graceful shutdown")
	b.Wait()

	row, err := f.store.Build(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Cancelled, row.Results)

	assert.Equal(t, []int64{b.ID}, f.session.interruptedBuilds())
	assert.Empty(t, replacement.startedSteps())
	assert.Empty(t, replacement.interruptedBuilds())
}

// stubbornSession ignores interrupts and keeps streaming long after the
// runner has given up on the step.
type stubbornSession struct {
	started  chan struct{}
	release  chan struct{}
	finished chan struct{}
}

func (s *stubbornSession) SendStartCommand(ctx context.Context, buildID int64, cmd workerpool.StepCommand, updates chan<- workerpool.Update) error {
	go func() {
		defer close(updates)
		defer close(s.finished)
		updates <- workerpool.Update{BuildID: buildID, LogLine: "running"}
		close(s.started)
		<-s.release
		// Far more lines than the update channel buffers: every send must
		// complete even though the build already moved on.
		for i := 0; i < 256; i++ {
			updates <- workerpool.Update{BuildID: buildID, LogLine: "tail"}
		}
		updates <- workerpool.Update{BuildID: buildID, Done: true, Results: model.Success}
	}()
	return nil
}

func (s *stubbornSession) SendInterrupt(int64, string) error { return nil }
func (s *stubbornSession) Close() error                      { return nil }

func TestRunnerGraceExpiryUnblocksStubbornSession(t *testing.T) {
	f := newRunnerFixture(t)
	session := &stubbornSession{
		started:  make(chan struct{}),
		release:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	require.NoError(t, f.pool.Register("w1", 1, session))
	f.runner.grace = 50 * time.Millisecond

	b := f.start(t, []StepDef{
		{Name: "compile", Command: []string{"make"}, Policy: DefaultStepPolicy()},
	})
	waitSignal(t, session.started, "command start")

	b.Interrupt("operator cancel")
	b.Wait()

	row, err := f.store.Build(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Cancelled, row.Results)

	// Only now does the session flood its backlog; its stream goroutine must
	// still run to completion instead of blocking on an abandoned channel.
	close(session.release)
	waitSignal(t, session.finished, "session stream to drain")
}

func TestRunnerSecretFailureFailsOnlyThatStep(t *testing.T) {
	f := newRunnerFixture(t)

	b := f.start(t, []StepDef{
		{Name: "deploy", Command: []string{"deploy", "--key=${secret:nope}"}, Policy: DefaultStepPolicy()},
		{Name: "notify", Command: []string{"notify", "${secret:token}"}, Policy: DefaultStepPolicy()},
	})
	b.Wait()

	ctx := context.Background()
	row, err := f.store.Build(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Failure, row.Results)

	steps, err := f.store.Steps(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, model.Failure, steps[0].Results)
	assert.Equal(t, model.Success, steps[1].Results)

	// The failing command never reached the worker; the resolvable one did,
	// with the secret substituted.
	assert.Equal(t, []string{"notify"}, f.session.startedSteps())
}

func TestRunnerDoStepIfSkips(t *testing.T) {
	f := newRunnerFixture(t)
	f.session.results["compile"] = model.Failure

	b := f.start(t, []StepDef{
		{Name: "compile", Command: []string{"make"}, Policy: DefaultStepPolicy()},
		{
			Name: "publish", Command: []string{"publish"}, Policy: DefaultStepPolicy(),
			DoStepIf: func(overall model.Results) bool { return overall == model.Success },
		},
	})
	b.Wait()

	steps, err := f.store.Steps(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, model.Failure, steps[0].Results)
	assert.Equal(t, model.Skipped, steps[1].Results)
	assert.Equal(t, []string{"compile"}, f.session.startedSteps())
}

func TestRunnerStartFailsWhenWorkerAtCapacity(t *testing.T) {
	f := newRunnerFixture(t)
	f.session.blocking["compile"] = true

	steps := []StepDef{{Name: "compile", Command: []string{"make"}, Policy: DefaultStepPolicy()}}
	w := f.worker(t)
	first := f.start(t, steps)

	// Capacity is 1: the worker no longer shows as available, and a second
	// start on it must fail so the caller can unclaim.
	require.Empty(t, f.pool.Available(&f.builder))
	req := f.claimRequest(t)
	_, err := f.runner.Start(context.Background(), req, f.builder, steps, w)
	require.Error(t, err)

	first.Interrupt("test teardown")
	first.Wait()
}

func TestRunnerCancelQueuedCompletesRequest(t *testing.T) {
	f := newRunnerFixture(t)
	req := f.claimRequest(t)

	completeCh := make(chan mq.BuildSetComplete, 1)
	_, err := f.bus.StartConsuming(mq.Key("buildsets", mq.Any, "complete"), func(msg mq.Message) {
		completeCh <- msg.Payload.(mq.BuildSetComplete)
	})
	require.NoError(t, err)

	require.NoError(t, f.runner.CancelQueued(context.Background(), req.ID))

	got, err := f.store.BuildRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.True(t, got.Complete)
	assert.Equal(t, model.Cancelled, got.Results)

	select {
	case done := <-completeCh:
		assert.Equal(t, model.Cancelled, done.Results)
	case <-time.After(5 * time.Second):
		t.Fatal("no build set complete event")
	}
}

func TestRunnerInterruptAll(t *testing.T) {
	f := newRunnerFixture(t)
	f.session.blocking["compile"] = true

	started := make(chan struct{})
	_, err := f.bus.StartConsuming(mq.Key("steps", mq.Any, "new"), func(mq.Message) {
		select {
		case started <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	b := f.start(t, []StepDef{{Name: "compile", Command: []string{"make"}, Policy: DefaultStepPolicy()}})
	waitSignal(t, started, "step start")
	require.Equal(t, 1, f.runner.ActiveCount())

	f.runner.InterruptAll("master shutdown")
	b.Wait()

	assert.Zero(t, f.runner.ActiveCount())
	row, err := f.store.Build(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Cancelled, row.Results)
}
