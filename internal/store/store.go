package store

import (
	"context"
	"time"

	ferrors "git.home.luguber.info/inful/forgeci/internal/foundation/errors"
	"git.home.luguber.info/inful/forgeci/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = ferrors.StoreError("not found").Build()

// BuildSetCompletion reports that completing a build request also completed
// its parent build set. Dependent schedulers are notified from this.
type BuildSetCompletion struct {
	BuildSetID     int64
	Scheduler      string
	Reason         string
	Results        model.Results
	SourceStampIDs []int64
}

// Store is the persistence contract the dispatch core depends on. Any backend
// satisfying the atomicity requirements documented per method is conformant.
//
// Operations may fail transiently (classified retryable; callers retry with
// internal/retry) or permanently (callers log and abandon that item only).
type Store interface {
	// AddChange durably records a change. Every change is recorded, even one
	// that matches no configured builder.
	AddChange(ctx context.Context, c *model.Change) (int64, error)
	Change(ctx context.Context, id int64) (*model.Change, error)

	UpsertBuilder(ctx context.Context, b model.Builder) (int64, error)
	Builder(ctx context.Context, name string) (*model.Builder, error)

	// CreateBuildSet atomically creates a build set, its source stamps
	// (find-or-create by content identity) and one build request per builder.
	CreateBuildSet(ctx context.Context, reason, scheduler string, stamps []model.SourceStamp, builderNames []string, priority int) (buildSetID int64, requestIDs []int64, err error)
	BuildSet(ctx context.Context, id int64) (*model.BuildSet, error)
	SourceStampsForBuildSet(ctx context.Context, id int64) ([]model.SourceStamp, error)

	// ClaimBuildRequests atomically claims the given requests for claimant.
	// The update is conditional, not read-then-write: when two claimants race
	// on an id, exactly one wins. Only ids this call transitioned from
	// unclaimed to claimed are returned.
	ClaimBuildRequests(ctx context.Context, ids []int64, claimant string) ([]int64, error)

	// UnclaimBuildRequests releases claims. Idempotent; unclaimed and
	// completed ids are ignored.
	UnclaimBuildRequests(ctx context.Context, ids []int64) error

	// UnclaimExpiredClaims releases claims older than the cutoff. Safety net
	// against claims stranded by a dead master.
	UnclaimExpiredClaims(ctx context.Context, olderThan time.Duration) (int, error)

	// CompleteBuildRequest marks a request terminal exactly once. When the
	// last sibling of the parent build set completes, the set is completed
	// with the worst of the children and the completion is returned
	// (nil otherwise).
	CompleteBuildRequest(ctx context.Context, id int64, results model.Results) (*BuildSetCompletion, error)

	BuildRequest(ctx context.Context, id int64) (*model.BuildRequest, error)

	// UnclaimedBuildRequests returns pending requests for a builder ordered
	// by priority descending, then submission time and id ascending.
	UnclaimedBuildRequests(ctx context.Context, builderName string) ([]model.BuildRequest, error)
	BuildersWithUnclaimedRequests(ctx context.Context) ([]string, error)

	// CreateBuild persists a build row with started_at set and a number
	// monotonic per builder (allocated inside the same transaction).
	CreateBuild(ctx context.Context, requestID int64, builderName, workerName string) (*model.Build, error)
	CompleteBuild(ctx context.Context, id int64, results model.Results) error
	Build(ctx context.Context, id int64) (*model.Build, error)

	CreateStep(ctx context.Context, buildID int64, number int, name string) (int64, error)
	StartStep(ctx context.Context, id int64) error
	CompleteStep(ctx context.Context, id int64, results model.Results, stateStrings []string) error
	Steps(ctx context.Context, buildID int64) ([]model.Step, error)

	CreateLog(ctx context.Context, stepID int64, name, slug, logType string) (int64, error)

	// AppendLogChunk appends a contiguous line range. Appending to a finished
	// log is a validation error, never a silent drop.
	AppendLogChunk(ctx context.Context, logID int64, content string, firstLine, lastLine int) error
	FinishLog(ctx context.Context, logID int64) error
	Log(ctx context.Context, id int64) (*model.Log, error)
	LogChunks(ctx context.Context, logID int64) ([]model.LogChunk, error)

	Close() error
}
