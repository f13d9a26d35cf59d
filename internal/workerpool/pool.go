package workerpool

import (
	"log/slog"
	"sort"
	"sync"

	ferrors "git.home.luguber.info/inful/forgeci/internal/foundation/errors"
	"git.home.luguber.info/inful/forgeci/internal/logfields"
	"git.home.luguber.info/inful/forgeci/internal/model"
)

// Worker is one connected execution agent as tracked by this master. Pool
// state is process-local: each master owns only the workers connected to it.
type Worker struct {
	Name     string
	Capacity int

	// sessionMu guards session alone: build goroutines read it while a
	// reconnect replaces it under the pool mutex.
	sessionMu sync.Mutex
	session   Session

	connected bool
	paused    bool
	buildIDs  map[int64]struct{}
}

// Load returns the number of builds currently assigned to the worker.
func (w *Worker) Load() int {
	return len(w.buildIDs)
}

// Session returns the worker's current transport session.
func (w *Worker) Session() Session {
	w.sessionMu.Lock()
	defer w.sessionMu.Unlock()
	return w.session
}

// Status is a read-only snapshot of one worker for status reporting.
type Status struct {
	Name      string  `json:"name"`
	Capacity  int     `json:"capacity"`
	Connected bool    `json:"connected"`
	Paused    bool    `json:"paused"`
	BuildIDs  []int64 `json:"build_ids"`
}

// Pool tracks connected workers, their capacity and availability. All state
// lives behind one mutex; callbacks are invoked outside of it.
type Pool struct {
	mu                sync.Mutex
	workers           map[string]*Worker
	availabilityHooks map[uint64]func()
	disconnectHooks   map[string]map[uint64]func(reason string)
	nextHookID        uint64
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		workers:           make(map[string]*Worker),
		availabilityHooks: make(map[uint64]func()),
		disconnectHooks:   make(map[string]map[uint64]func(string)),
	}
}

// Register adds a connected worker. Re-registering an existing name replaces
// its session (the worker reconnected).
func (p *Pool) Register(name string, capacity int, session Session) error {
	if name == "" {
		return ferrors.ValidationError("worker name is required").Build()
	}
	if capacity <= 0 {
		capacity = 1
	}
	if session == nil {
		return ferrors.ValidationError("worker session is required").Build()
	}

	p.mu.Lock()
	w, ok := p.workers[name]
	if !ok {
		w = &Worker{Name: name, buildIDs: make(map[int64]struct{})}
		p.workers[name] = w
	}
	w.Capacity = capacity
	w.sessionMu.Lock()
	w.session = session
	w.sessionMu.Unlock()
	w.connected = true
	p.mu.Unlock()

	slog.Info("worker connected", logfields.Worker(name), slog.Int("capacity", capacity))
	p.notifyAvailability()
	return nil
}

// Unregister marks a worker disconnected and fires its disconnect hooks so
// in-flight builds on it are cancelled.
func (p *Pool) Unregister(name, reason string) {
	p.mu.Lock()
	w, ok := p.workers[name]
	if !ok || !w.connected {
		p.mu.Unlock()
		return
	}
	w.connected = false
	var hooks []func(string)
	for _, fn := range p.disconnectHooks[name] {
		hooks = append(hooks, fn)
	}
	p.mu.Unlock()

	slog.Warn("worker disconnected", logfields.Worker(name), logfields.Reason(reason))
	for _, fn := range hooks {
		fn(reason)
	}
	p.notifyAvailability()
}

// SetPaused flips the admission-control flag. A paused worker keeps running
// its current builds but receives no new ones.
func (p *Pool) SetPaused(name string, paused bool) {
	p.mu.Lock()
	w, ok := p.workers[name]
	if !ok || w.paused == paused {
		p.mu.Unlock()
		return
	}
	w.paused = paused
	p.mu.Unlock()

	slog.Info("worker pause state changed", logfields.Worker(name), slog.Bool("paused", paused))
	p.notifyAvailability()
}

// Available returns the workers that can accept a build for the builder:
// connected, not paused, below capacity and named in the builder's worker
// list. Order is deterministic: least loaded first, ties by name ascending.
func (p *Pool) Available(builder *model.Builder) []*Worker {
	allowed := make(map[string]struct{}, len(builder.WorkerNames))
	for _, name := range builder.WorkerNames {
		allowed[name] = struct{}{}
	}

	type candidate struct {
		w    *Worker
		load int
	}

	p.mu.Lock()
	var found []candidate
	for name, w := range p.workers {
		if _, ok := allowed[name]; !ok {
			continue
		}
		if w.connected && !w.paused && w.Load() < w.Capacity {
			found = append(found, candidate{w: w, load: w.Load()})
		}
	}
	p.mu.Unlock()

	sort.Slice(found, func(i, j int) bool {
		if found[i].load != found[j].load {
			return found[i].load < found[j].load
		}
		return found[i].w.Name < found[j].w.Name
	})

	out := make([]*Worker, 0, len(found))
	for _, c := range found {
		out = append(out, c.w)
	}
	return out
}

// AddBuild reserves a build slot on the worker. It fails if the worker is
// gone, disconnected or already at capacity, so the caller can unclaim.
func (p *Pool) AddBuild(workerName string, buildID int64) error {
	p.mu.Lock()
	w, ok := p.workers[workerName]
	switch {
	case !ok || !w.connected:
		p.mu.Unlock()
		return ferrors.WorkerError("worker not connected").
			WithContext("worker", workerName).Build()
	case w.Load() >= w.Capacity:
		p.mu.Unlock()
		return ferrors.WorkerError("worker at capacity").
			WithContext("worker", workerName).Build()
	}
	w.buildIDs[buildID] = struct{}{}
	p.mu.Unlock()

	p.notifyAvailability()
	return nil
}

// RemoveBuild releases a build slot. Safe to call for slots already released.
func (p *Pool) RemoveBuild(workerName string, buildID int64) {
	p.mu.Lock()
	w, ok := p.workers[workerName]
	if !ok {
		p.mu.Unlock()
		return
	}
	_, had := w.buildIDs[buildID]
	delete(w.buildIDs, buildID)
	p.mu.Unlock()

	if had {
		p.notifyAvailability()
	}
}

// OnAvailabilityChanged registers a callback fired whenever any worker's
// connected/paused/load state changes. Returns an unsubscribe func.
func (p *Pool) OnAvailabilityChanged(fn func()) func() {
	p.mu.Lock()
	p.nextHookID++
	id := p.nextHookID
	p.availabilityHooks[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.availabilityHooks, id)
		p.mu.Unlock()
	}
}

// OnDisconnect registers a callback fired when the named worker disconnects.
// Build orchestrators register here for their assigned worker.
func (p *Pool) OnDisconnect(workerName string, fn func(reason string)) func() {
	p.mu.Lock()
	p.nextHookID++
	id := p.nextHookID
	if p.disconnectHooks[workerName] == nil {
		p.disconnectHooks[workerName] = make(map[uint64]func(string))
	}
	p.disconnectHooks[workerName][id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		if hooks, ok := p.disconnectHooks[workerName]; ok {
			delete(hooks, id)
			if len(hooks) == 0 {
				delete(p.disconnectHooks, workerName)
			}
		}
		p.mu.Unlock()
	}
}

// Connected reports whether the named worker is currently connected.
func (p *Pool) Connected(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[name]
	return ok && w.connected
}

// Snapshot returns the current worker states for status reporting.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	out := make([]Status, 0, len(p.workers))
	for _, w := range p.workers {
		st := Status{
			Name:      w.Name,
			Capacity:  w.Capacity,
			Connected: w.connected,
			Paused:    w.paused,
		}
		for id := range w.buildIDs {
			st.BuildIDs = append(st.BuildIDs, id)
		}
		sort.Slice(st.BuildIDs, func(i, j int) bool { return st.BuildIDs[i] < st.BuildIDs[j] })
		out = append(out, st)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (p *Pool) notifyAvailability() {
	p.mu.Lock()
	hooks := make([]func(), 0, len(p.availabilityHooks))
	for _, fn := range p.availabilityHooks {
		hooks = append(hooks, fn)
	}
	p.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}
