package scheduler

import (
	"context"
	"slices"
	"time"

	"git.home.luguber.info/inful/forgeci/internal/model"
)

// Submitter creates a build set (and its requests) on behalf of a scheduler.
// The master implements it on top of the store and publishes the request
// events.
type Submitter interface {
	Submit(ctx context.Context, schedulerName, reason string, stamps []model.SourceStamp, builders []string, priority int) error
}

// StampSource resolves the source stamps of a persisted build set. Dependent
// schedulers reuse their upstream's stamps through it.
type StampSource interface {
	SourceStampsForBuildSet(ctx context.Context, id int64) ([]model.SourceStamp, error)
}

// Scheduler decides which changes become build sets. Implementations are safe
// for concurrent OnChange calls; Stop is idempotent and cancels pending fires.
type Scheduler interface {
	Name() string
	Builders() []string
	OnChange(ctx context.Context, c *model.Change)
	Stop()
}

// Type names the scheduling policy. The set is closed; configuration is
// rejected for anything else.
type Type string

const (
	TypeImmediate  Type = "immediate"
	TypeCollecting Type = "collecting"
	TypeDependent  Type = "dependent"
	TypePeriodic   Type = "periodic"
)

// ChangeFilter limits which changes a scheduler reacts to. An empty list
// matches everything for that field.
type ChangeFilter struct {
	Branches     []string
	Repositories []string
	Projects     []string
}

// Match reports whether the change passes the filter.
func (f ChangeFilter) Match(c *model.Change) bool {
	if len(f.Branches) > 0 && !slices.Contains(f.Branches, c.Branch) {
		return false
	}
	if len(f.Repositories) > 0 && !slices.Contains(f.Repositories, c.Repository) {
		return false
	}
	if len(f.Projects) > 0 && !slices.Contains(f.Projects, c.Project) {
		return false
	}
	return true
}

// Equal reports filter equality (order-sensitive, like the config file).
func (f ChangeFilter) Equal(other ChangeFilter) bool {
	return slices.Equal(f.Branches, other.Branches) &&
		slices.Equal(f.Repositories, other.Repositories) &&
		slices.Equal(f.Projects, other.Projects)
}

// Config is the declarative form of one scheduler. Which fields apply depends
// on Type; validation lives in the config package.
type Config struct {
	Name     string
	Type     Type
	Builders []string
	Priority int
	Filter   ChangeFilter

	// Collecting
	QuietPeriod time.Duration
	MaxDelay    time.Duration

	// Dependent
	Upstream string

	// Periodic
	Interval   time.Duration
	Branch     string
	Repository string
}

// Equal reports configuration equality. The manager keeps a running scheduler
// (and its timers) when its config is unchanged across a reload.
func (c Config) Equal(other Config) bool {
	return c.Name == other.Name &&
		c.Type == other.Type &&
		slices.Equal(c.Builders, other.Builders) &&
		c.Priority == other.Priority &&
		c.Filter.Equal(other.Filter) &&
		c.QuietPeriod == other.QuietPeriod &&
		c.MaxDelay == other.MaxDelay &&
		c.Upstream == other.Upstream &&
		c.Interval == other.Interval &&
		c.Branch == other.Branch &&
		c.Repository == other.Repository
}

// mergeStamps reduces collected changes to one stamp per codebase identity
// (branch, repository, codebase), keeping the newest revision seen.
func mergeStamps(changes []*model.Change) []model.SourceStamp {
	type slot struct {
		change *model.Change
		order  int
	}
	latest := make(map[string]slot)
	for i, c := range changes {
		key := c.Branch + "\x00" + c.Repository + "\x00" + c.Codebase
		if cur, ok := latest[key]; ok && c.When.Before(cur.change.When) {
			continue
		}
		latest[key] = slot{change: c, order: i}
	}

	slots := make([]slot, 0, len(latest))
	for _, s := range latest {
		slots = append(slots, s)
	}
	slices.SortFunc(slots, func(a, b slot) int { return a.order - b.order })

	stamps := make([]model.SourceStamp, 0, len(slots))
	for _, s := range slots {
		stamps = append(stamps, model.StampFromChange(s.change))
	}
	return stamps
}
