package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/forgeci/internal/model"
	"git.home.luguber.info/inful/forgeci/internal/mq"
)

type submission struct {
	scheduler string
	reason    string
	stamps    []model.SourceStamp
	builders  []string
	priority  int
}

type fakeSubmitter struct {
	mu   sync.Mutex
	subs []submission
	ch   chan submission
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{ch: make(chan submission, 16)}
}

func (f *fakeSubmitter) Submit(ctx context.Context, schedulerName, reason string, stamps []model.SourceStamp, builders []string, priority int) error {
	sub := submission{scheduler: schedulerName, reason: reason, stamps: stamps, builders: builders, priority: priority}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	f.ch <- sub
	return nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func waitSubmission(t *testing.T, f *fakeSubmitter) submission {
	t.Helper()
	select {
	case sub := <-f.ch:
		return sub
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a submission")
		return submission{}
	}
}

func change(rev string, when time.Time) *model.Change {
	return &model.Change{
		Branch:     "main",
		Revision:   rev,
		Repository: "repo",
		When:       when,
	}
}

func TestImmediateSubmitsPerChange(t *testing.T) {
	submitter := newFakeSubmitter()
	s := NewImmediate(Config{
		Name: "ci", Type: TypeImmediate,
		Builders: []string{"compile"}, Priority: 3,
	}, submitter)

	now := time.Now()
	s.OnChange(context.Background(), change("aaa", now))
	s.OnChange(context.Background(), change("bbb", now))

	first := waitSubmission(t, submitter)
	second := waitSubmission(t, submitter)
	assert.Equal(t, "ci", first.scheduler)
	assert.Equal(t, []string{"compile"}, first.builders)
	assert.Equal(t, 3, first.priority)
	require.Len(t, first.stamps, 1)
	assert.Equal(t, "aaa", first.stamps[0].Revision)
	assert.Equal(t, "bbb", second.stamps[0].Revision)
}

func TestImmediateFiltersByBranch(t *testing.T) {
	submitter := newFakeSubmitter()
	s := NewImmediate(Config{
		Name: "ci", Type: TypeImmediate, Builders: []string{"compile"},
		Filter: ChangeFilter{Branches: []string{"release"}},
	}, submitter)

	s.OnChange(context.Background(), change("aaa", time.Now()))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, submitter.count())
}

func TestCollectingDebouncesBurst(t *testing.T) {
	submitter := newFakeSubmitter()
	s := NewCollecting(Config{
		Name: "nightly", Type: TypeCollecting, Builders: []string{"compile"},
		QuietPeriod: 80 * time.Millisecond,
	}, submitter)
	defer s.Stop()

	// Three changes inside the quiet window collapse into one build set
	// stamped with the newest revision.
	now := time.Now()
	for i, rev := range []string{"aaa", "bbb", "ccc"} {
		s.OnChange(context.Background(), change(rev, now.Add(time.Duration(i)*time.Second)))
		time.Sleep(20 * time.Millisecond)
	}

	sub := waitSubmission(t, submitter)
	assert.Equal(t, "3 collected changes", sub.reason)
	require.Len(t, sub.stamps, 1)
	assert.Equal(t, "ccc", sub.stamps[0].Revision)
	assert.Equal(t, 1, submitter.count())
}

func TestCollectingMaxDelayBoundsPostponement(t *testing.T) {
	submitter := newFakeSubmitter()
	s := NewCollecting(Config{
		Name: "nightly", Type: TypeCollecting, Builders: []string{"compile"},
		QuietPeriod: 150 * time.Millisecond,
		MaxDelay:    300 * time.Millisecond,
	}, submitter)
	defer s.Stop()

	// A change every 100ms keeps resetting the quiet timer; the deadline
	// fires anyway.
	done := make(chan struct{})
	go func() {
		defer close(done)
		now := time.Now()
		for i := 0; i < 8; i++ {
			s.OnChange(context.Background(), change("rev", now))
			time.Sleep(100 * time.Millisecond)
		}
	}()

	sub := waitSubmission(t, submitter)
	assert.NotEmpty(t, sub.stamps)
	<-done
}

func TestCollectingKeepsSeparateCodebasesApart(t *testing.T) {
	submitter := newFakeSubmitter()
	s := NewCollecting(Config{
		Name: "nightly", Type: TypeCollecting, Builders: []string{"compile"},
		QuietPeriod: 50 * time.Millisecond,
	}, submitter)
	defer s.Stop()

	now := time.Now()
	a := change("aaa", now)
	b := change("bbb", now.Add(time.Second))
	b.Repository = "other-repo"
	s.OnChange(context.Background(), a)
	s.OnChange(context.Background(), b)

	sub := waitSubmission(t, submitter)
	require.Len(t, sub.stamps, 2)
	assert.Equal(t, "repo", sub.stamps[0].Repository)
	assert.Equal(t, "other-repo", sub.stamps[1].Repository)
}

func TestCollectingStopDropsPending(t *testing.T) {
	submitter := newFakeSubmitter()
	s := NewCollecting(Config{
		Name: "nightly", Type: TypeCollecting, Builders: []string{"compile"},
		QuietPeriod: 30 * time.Millisecond,
	}, submitter)

	s.OnChange(context.Background(), change("aaa", time.Now()))
	s.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, submitter.count())
}

type fakeStampSource struct {
	stamps []model.SourceStamp
}

func (f fakeStampSource) SourceStampsForBuildSet(context.Context, int64) ([]model.SourceStamp, error) {
	return f.stamps, nil
}

func TestDependentFiresOnUpstreamSuccess(t *testing.T) {
	submitter := newFakeSubmitter()
	bus := mq.NewBus()
	defer bus.Close()
	stamps := fakeStampSource{stamps: []model.SourceStamp{{Branch: "main", Revision: "abc", Repository: "repo"}}}

	s, err := NewDependent(Config{
		Name: "deploy", Type: TypeDependent, Builders: []string{"deployer"},
		Upstream: "ci",
	}, submitter, bus, stamps)
	require.NoError(t, err)
	defer s.Stop()

	bus.Produce(mq.KeyBuildSetComplete(7), mq.BuildSetComplete{
		BuildSetID: 7, Scheduler: "ci", Results: model.Warnings,
	})

	sub := waitSubmission(t, submitter)
	assert.Equal(t, "deploy", sub.scheduler)
	assert.Equal(t, "upstream ci completed", sub.reason)
	assert.Equal(t, stamps.stamps, sub.stamps)
}

func TestDependentIgnoresFailuresAndOtherSchedulers(t *testing.T) {
	submitter := newFakeSubmitter()
	bus := mq.NewBus()
	defer bus.Close()

	s, err := NewDependent(Config{
		Name: "deploy", Type: TypeDependent, Builders: []string{"deployer"},
		Upstream: "ci",
	}, submitter, bus, fakeStampSource{})
	require.NoError(t, err)
	defer s.Stop()

	bus.Produce(mq.KeyBuildSetComplete(1), mq.BuildSetComplete{
		BuildSetID: 1, Scheduler: "ci", Results: model.Failure,
	})
	bus.Produce(mq.KeyBuildSetComplete(2), mq.BuildSetComplete{
		BuildSetID: 2, Scheduler: "someone-else", Results: model.Success,
	})

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, submitter.count())
}

func TestPeriodicFiresOnInterval(t *testing.T) {
	submitter := newFakeSubmitter()
	s, err := NewPeriodic(Config{
		Name: "hourly", Type: TypePeriodic, Builders: []string{"compile"},
		Interval: 30 * time.Millisecond,
		Branch:   "main", Repository: "repo",
	}, submitter)
	require.NoError(t, err)
	defer s.Stop()

	// Before any change: empty revision means branch head.
	sub := waitSubmission(t, submitter)
	require.Len(t, sub.stamps, 1)
	assert.Equal(t, "main", sub.stamps[0].Branch)
	assert.Empty(t, sub.stamps[0].Revision)

	// After a change the last seen revision is stamped.
	s.OnChange(context.Background(), change("abc", time.Now()))
	deadline := time.After(5 * time.Second)
	for {
		select {
		case sub = <-submitter.ch:
		case <-deadline:
			t.Fatal("periodic never stamped the seen revision")
		}
		if sub.stamps[0].Revision == "abc" {
			return
		}
	}
}

func TestManagerReconfigurePreservesUnchanged(t *testing.T) {
	submitter := newFakeSubmitter()
	bus := mq.NewBus()
	defer bus.Close()
	m := NewManager(submitter, bus, fakeStampSource{})
	defer m.Stop()

	collecting := Config{
		Name: "nightly", Type: TypeCollecting, Builders: []string{"compile"},
		QuietPeriod: 150 * time.Millisecond,
	}
	require.NoError(t, m.Reconfigure([]Config{collecting}))

	// Collect a change, then reload with an identical config: the pending
	// debounce must survive and still fire.
	m.OnChange(context.Background(), change("aaa", time.Now()))
	require.NoError(t, m.Reconfigure([]Config{collecting}))

	sub := waitSubmission(t, submitter)
	assert.Equal(t, "nightly", sub.scheduler)
}

func TestManagerReconfigureReplacesChanged(t *testing.T) {
	submitter := newFakeSubmitter()
	bus := mq.NewBus()
	defer bus.Close()
	m := NewManager(submitter, bus, fakeStampSource{})
	defer m.Stop()

	cfg := Config{
		Name: "nightly", Type: TypeCollecting, Builders: []string{"compile"},
		QuietPeriod: 100 * time.Millisecond,
	}
	require.NoError(t, m.Reconfigure([]Config{cfg}))
	m.OnChange(context.Background(), change("aaa", time.Now()))

	// Changing the quiet period replaces the scheduler; the collected change
	// is dropped with the old instance.
	cfg.QuietPeriod = 200 * time.Millisecond
	require.NoError(t, m.Reconfigure([]Config{cfg}))

	time.Sleep(400 * time.Millisecond)
	assert.Zero(t, submitter.count())
}

func TestManagerReconfigureRemovesAndAdds(t *testing.T) {
	submitter := newFakeSubmitter()
	bus := mq.NewBus()
	defer bus.Close()
	m := NewManager(submitter, bus, fakeStampSource{})
	defer m.Stop()

	a := Config{Name: "a", Type: TypeImmediate, Builders: []string{"compile"}}
	b := Config{Name: "b", Type: TypeImmediate, Builders: []string{"test"}}
	require.NoError(t, m.Reconfigure([]Config{a}))
	require.NoError(t, m.Reconfigure([]Config{b}))

	assert.Equal(t, []string{"b"}, m.Names())

	m.OnChange(context.Background(), change("aaa", time.Now()))
	sub := waitSubmission(t, submitter)
	assert.Equal(t, "b", sub.scheduler)
	assert.Equal(t, 1, submitter.count())
}

func TestManagerRejectsDuplicateNames(t *testing.T) {
	m := NewManager(newFakeSubmitter(), mq.NewBus(), fakeStampSource{})
	cfg := Config{Name: "dup", Type: TypeImmediate}
	err := m.Reconfigure([]Config{cfg, cfg})
	require.Error(t, err)
}

func TestManagerRejectsUnknownType(t *testing.T) {
	m := NewManager(newFakeSubmitter(), mq.NewBus(), fakeStampSource{})
	err := m.Reconfigure([]Config{{Name: "x", Type: "mystery"}})
	require.Error(t, err)
}

func TestMergeStampsKeepsNewestPerCodebase(t *testing.T) {
	now := time.Now()
	older := change("old", now)
	newer := change("new", now.Add(time.Minute))
	other := change("zzz", now)
	other.Codebase = "lib"

	stamps := mergeStamps([]*model.Change{older, newer, other})
	require.Len(t, stamps, 2)
	assert.Equal(t, "new", stamps[0].Revision)
	assert.Equal(t, "zzz", stamps[1].Revision)
}
