package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/forgeci/internal/foundation/errors"
	"git.home.luguber.info/inful/forgeci/internal/model"
	"git.home.luguber.info/inful/forgeci/internal/store"
	"git.home.luguber.info/inful/forgeci/internal/workerpool"
)

type startCall struct {
	requestID int64
	builder   string
	worker    string
}

// recordingStarter records start calls and optionally fails them. On success
// it occupies the worker slot like a real build would.
type recordingStarter struct {
	mu      sync.Mutex
	pool    *workerpool.Pool
	fail    bool
	calls   []startCall
	started chan startCall
}

func newRecordingStarter(pool *workerpool.Pool) *recordingStarter {
	return &recordingStarter{pool: pool, started: make(chan startCall, 16)}
}

func (r *recordingStarter) StartBuild(ctx context.Context, req model.BuildRequest, builder model.Builder, worker *workerpool.Worker) error {
	r.mu.Lock()
	call := startCall{requestID: req.ID, builder: builder.Name, worker: worker.Name}
	r.calls = append(r.calls, call)
	fail := r.fail
	r.mu.Unlock()

	if fail {
		return ferrors.WorkerError("induced start failure").Build()
	}
	if err := r.pool.AddBuild(worker.Name, req.ID); err != nil {
		return err
	}
	r.started <- call
	return nil
}

func (r *recordingStarter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type nopSession struct{}

func (nopSession) SendStartCommand(context.Context, int64, workerpool.StepCommand, chan<- workerpool.Update) error {
	return nil
}
func (nopSession) SendInterrupt(int64, string) error { return nil }
func (nopSession) Close() error                      { return nil }

type fixture struct {
	store   *store.SQLiteStore
	pool    *workerpool.Pool
	starter *recordingStarter
	dist    *Distributor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	pool := workerpool.NewPool()
	starter := newRecordingStarter(pool)
	return &fixture{
		store:   s,
		pool:    pool,
		starter: starter,
		dist:    New(s, pool, starter, "master-1"),
	}
}

func (f *fixture) addBuilder(t *testing.T, name string, workers ...string) {
	t.Helper()
	_, err := f.store.UpsertBuilder(context.Background(), model.Builder{Name: name, WorkerNames: workers})
	require.NoError(t, err)
}

func (f *fixture) submit(t *testing.T, builder string, priority int) int64 {
	t.Helper()
	_, reqIDs, err := f.store.CreateBuildSet(context.Background(), "test", "sched",
		[]model.SourceStamp{{Branch: "main", Revision: "abc", Repository: "repo"}},
		[]string{builder}, priority)
	require.NoError(t, err)
	require.Len(t, reqIDs, 1)
	return reqIDs[0]
}

func waitStart(t *testing.T, f *fixture) startCall {
	t.Helper()
	select {
	case call := <-f.starter.started:
		return call
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a build start")
		return startCall{}
	}
}

func TestDistributorMatchesRequestToWorker(t *testing.T) {
	f := newFixture(t)
	f.addBuilder(t, "compile", "w1")
	require.NoError(t, f.pool.Register("w1", 1, nopSession{}))
	reqID := f.submit(t, "compile", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.dist.Run(ctx)

	call := waitStart(t, f)
	assert.Equal(t, reqID, call.requestID)
	assert.Equal(t, "compile", call.builder)
	assert.Equal(t, "w1", call.worker)

	req, err := f.store.BuildRequest(context.Background(), reqID)
	require.NoError(t, err)
	assert.Equal(t, "master-1", req.ClaimedBy)
}

func TestDistributorRespectsPriorityOrder(t *testing.T) {
	f := newFixture(t)
	f.addBuilder(t, "compile", "w1")
	low := f.submit(t, "compile", 0)
	high := f.submit(t, "compile", 10)

	// Capacity 2: one pass starts both, highest priority first.
	require.NoError(t, f.pool.Register("w1", 2, nopSession{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.dist.Run(ctx)

	first := waitStart(t, f)
	second := waitStart(t, f)
	assert.Equal(t, high, first.requestID)
	assert.Equal(t, low, second.requestID)
}

func TestDistributorWaitsForCapacity(t *testing.T) {
	f := newFixture(t)
	f.addBuilder(t, "compile", "w1")
	require.NoError(t, f.pool.Register("w1", 1, nopSession{}))
	first := f.submit(t, "compile", 0)
	second := f.submit(t, "compile", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.dist.Run(ctx)

	call := waitStart(t, f)
	assert.Equal(t, first, call.requestID)

	// The worker is full; the second request stays queued and unclaimed.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.starter.callCount())
	req, err := f.store.BuildRequest(context.Background(), second)
	require.NoError(t, err)
	assert.False(t, req.Claimed())

	// Freeing the slot and triggering dispatches the second request.
	f.pool.RemoveBuild("w1", first)
	f.dist.Trigger()
	call = waitStart(t, f)
	assert.Equal(t, second, call.requestID)
}

func TestDistributorUnclaimsWhenStartFails(t *testing.T) {
	f := newFixture(t)
	f.addBuilder(t, "compile", "w1")
	require.NoError(t, f.pool.Register("w1", 1, nopSession{}))
	f.starter.fail = true
	reqID := f.submit(t, "compile", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.dist.pass(ctx)
		close(done)
	}()
	<-done

	assert.Equal(t, 1, f.starter.callCount())
	req, err := f.store.BuildRequest(ctx, reqID)
	require.NoError(t, err)
	assert.False(t, req.Claimed(), "failed start must release the claim")
}

// claimFailingStore makes claiming one specific request id error.
type claimFailingStore struct {
	store.Store
	failID int64
}

func (s *claimFailingStore) ClaimBuildRequests(ctx context.Context, ids []int64, claimant string) ([]int64, error) {
	for _, id := range ids {
		if id == s.failID {
			return nil, ferrors.StoreError("claim update failed").Build()
		}
	}
	return s.Store.ClaimBuildRequests(ctx, ids, claimant)
}

func TestDistributorClaimErrorSkipsToNextRequest(t *testing.T) {
	f := newFixture(t)
	f.addBuilder(t, "compile", "w1")
	require.NoError(t, f.pool.Register("w1", 2, nopSession{}))
	high := f.submit(t, "compile", 10)
	low := f.submit(t, "compile", 0)

	f.dist = New(&claimFailingStore{Store: f.store, failID: high}, f.pool, f.starter, "master-1")
	f.dist.pass(context.Background())

	// The erroring claim counts as not claimed: the pass moves on and
	// dispatches the low-priority request in the same sweep.
	require.Equal(t, 1, f.starter.callCount())
	assert.Equal(t, low, f.starter.calls[0].requestID)

	req, err := f.store.BuildRequest(context.Background(), high)
	require.NoError(t, err)
	assert.False(t, req.Claimed())
}

func TestDistributorSkipsRequestsAlreadyClaimed(t *testing.T) {
	f := newFixture(t)
	f.addBuilder(t, "compile", "w1")
	require.NoError(t, f.pool.Register("w1", 1, nopSession{}))
	reqID := f.submit(t, "compile", 0)

	// Another master claimed it between our read and our claim.
	claimed, err := f.store.ClaimBuildRequests(context.Background(), []int64{reqID}, "master-2")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	f.dist.pass(context.Background())
	assert.Zero(t, f.starter.callCount())
}

func TestDistributorIgnoresUnknownBuilders(t *testing.T) {
	f := newFixture(t)
	// Request exists but no builder row does (stale configuration).
	_, _, err := f.store.CreateBuildSet(context.Background(), "test", "sched",
		[]model.SourceStamp{{Branch: "main", Revision: "abc", Repository: "repo"}},
		[]string{"ghost"}, 0)
	require.NoError(t, err)

	// The pass must not abort; it just leaves the request queued.
	f.dist.pass(context.Background())
	assert.Zero(t, f.starter.callCount())
}

func TestDistributorTriggerCoalesces(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 100; i++ {
		f.dist.Trigger()
	}
	// Channel capacity is one: all hundred triggers collapse into a single
	// pending pass.
	assert.Len(t, f.dist.trigger, 1)
}

func TestDistributorRoundRobinAcrossWorkers(t *testing.T) {
	f := newFixture(t)
	f.addBuilder(t, "compile", "w1", "w2")
	require.NoError(t, f.pool.Register("w1", 1, nopSession{}))
	require.NoError(t, f.pool.Register("w2", 1, nopSession{}))
	f.submit(t, "compile", 0)
	f.submit(t, "compile", 0)

	f.dist.pass(context.Background())

	require.Equal(t, 2, f.starter.callCount())
	workers := map[string]bool{}
	for _, call := range f.starter.calls {
		workers[call.worker] = true
	}
	// Least-loaded-first spreads the two builds over both workers.
	assert.Len(t, workers, 2)
}
