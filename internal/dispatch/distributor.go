package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/forgeci/internal/logfields"
	"git.home.luguber.info/inful/forgeci/internal/metrics"
	"git.home.luguber.info/inful/forgeci/internal/model"
	"git.home.luguber.info/inful/forgeci/internal/store"
	"git.home.luguber.info/inful/forgeci/internal/workerpool"
)

// safetyInterval bounds how stale the queue can get if every trigger is
// missed; a periodic pass picks up anything left behind.
const safetyInterval = 30 * time.Second

// BuildStarter launches a build for a request this master has claimed. A
// returned error means nothing is running; the distributor unclaims.
type BuildStarter interface {
	StartBuild(ctx context.Context, req model.BuildRequest, builder model.Builder, worker *workerpool.Worker) error
}

// Distributor matches unclaimed build requests with available workers. All
// matching happens on a single goroutine; concurrent triggers coalesce into
// at most one queued pass, so bursts of events cost one extra scan.
type Distributor struct {
	store    store.Store
	pool     *workerpool.Pool
	starter  BuildStarter
	claimant string
	recorder metrics.Recorder

	trigger chan struct{}
}

// New creates a distributor. claimant is this master's claim token.
func New(s store.Store, pool *workerpool.Pool, starter BuildStarter, claimant string) *Distributor {
	return &Distributor{
		store:    s,
		pool:     pool,
		starter:  starter,
		claimant: claimant,
		recorder: metrics.NoopRecorder{},
		trigger:  make(chan struct{}, 1),
	}
}

// SetRecorder injects a metrics recorder (optional).
func (d *Distributor) SetRecorder(rec metrics.Recorder) {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	d.recorder = rec
}

// Trigger requests a distribution pass. Never blocks; a pending trigger
// absorbs further ones.
func (d *Distributor) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run processes triggers until the context is cancelled. Call on its own
// goroutine.
func (d *Distributor) Run(ctx context.Context) {
	ticker := time.NewTicker(safetyInterval)
	defer ticker.Stop()

	// Initial pass picks up requests persisted before this master started.
	d.pass(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.trigger:
			d.pass(ctx)
		case <-ticker.C:
			d.pass(ctx)
		}
	}
}

// pass scans every builder with pending requests and starts what fits. Store
// fetch errors abort the pass; the next trigger or the safety ticker retries.
func (d *Distributor) pass(ctx context.Context) {
	began := time.Now()
	defer func() {
		d.recorder.ObserveDispatchPass(time.Since(began))
	}()

	builderNames, err := d.store.BuildersWithUnclaimedRequests(ctx)
	if err != nil {
		slog.Error("distribution pass aborted", logfields.Error(err))
		return
	}

	for _, name := range builderNames {
		if err := d.passBuilder(ctx, name); err != nil {
			slog.Error("distribution pass aborted", logfields.Builder(name), logfields.Error(err))
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Distributor) passBuilder(ctx context.Context, name string) error {
	builder, err := d.store.Builder(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Requests for a builder this master no longer configures stay
			// queued until a reconfiguration picks them up.
			slog.Warn("pending requests for unknown builder", logfields.Builder(name))
			return nil
		}
		return err
	}

	requests, err := d.store.UnclaimedBuildRequests(ctx, name)
	if err != nil {
		return err
	}
	d.recorder.SetPendingRequests(name, len(requests))

	for _, req := range requests {
		workers := d.pool.Available(builder)
		if len(workers) == 0 {
			return nil
		}
		worker := workers[0]

		claimed, err := d.store.ClaimBuildRequests(ctx, []int64{req.ID}, d.claimant)
		if err != nil {
			// An erroring claim counts as not claimed; the request stays in
			// the pool and later candidates still get their shot this pass.
			d.recorder.RecordClaim(metrics.ClaimError)
			slog.Warn("claim attempt failed",
				logfields.RequestID(req.ID),
				logfields.Claimant(d.claimant),
				logfields.Error(err))
			continue
		}
		if len(claimed) == 0 {
			// Another master won the race; not our build.
			d.recorder.RecordClaim(metrics.ClaimLost)
			continue
		}
		d.recorder.RecordClaim(metrics.ClaimWon)

		req.ClaimedBy = d.claimant
		if err := d.starter.StartBuild(ctx, req, *builder, worker); err != nil {
			slog.Warn("failed to start claimed build; unclaiming",
				logfields.RequestID(req.ID),
				logfields.Builder(name),
				logfields.Worker(worker.Name),
				logfields.Error(err))
			if uerr := d.store.UnclaimBuildRequests(ctx, []int64{req.ID}); uerr != nil {
				slog.Error("failed to unclaim request", logfields.RequestID(req.ID), logfields.Error(uerr))
			}
			continue
		}

		slog.Debug("build request dispatched",
			logfields.RequestID(req.ID),
			logfields.Builder(name),
			logfields.Worker(worker.Name))
	}
	return nil
}
