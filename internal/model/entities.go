package model

import (
	"fmt"
	"slices"
	"time"
)

// Change is an immutable record of a source change, produced by an ingestion
// collaborator (poller, webhook handler) and never mutated afterwards.
type Change struct {
	ID         int64
	Author     string
	Branch     string
	Revision   string
	Repository string
	Project    string
	Codebase   string
	When       time.Time
	Files      []string
	Comments   string
}

// SourceStamp is an immutable snapshot of what to build. Stamps are
// content-addressed: two stamps with the same identity fields are the same
// logical stamp and share a store row.
type SourceStamp struct {
	ID         int64
	Branch     string
	Revision   string
	Repository string
	Codebase   string
	Patch      string
}

// Identity returns the content-address of the stamp. Stamps with equal
// identities map to one persisted row.
func (s SourceStamp) Identity() string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s", s.Branch, s.Revision, s.Repository, s.Codebase)
}

// StampFromChange derives the source stamp a change describes.
func StampFromChange(c *Change) SourceStamp {
	return SourceStamp{
		Branch:     c.Branch,
		Revision:   c.Revision,
		Repository: c.Repository,
		Codebase:   c.Codebase,
	}
}

// BuildSet groups the build requests submitted together for one triggering
// reason. Complete flips to true exactly once, when the last child request
// reaches a terminal state; Results is then the worst of the children.
type BuildSet struct {
	ID             int64
	Reason         string
	Scheduler      string
	SubmittedAt    time.Time
	Complete       bool
	Results        Results
	SourceStampIDs []int64
}

// BuildRequest is a unit of dispatchable work targeting one builder.
// Lifecycle: created unclaimed, claimed by exactly one master, then either
// converted into a build or unclaimed back to the pool, finally completed.
type BuildRequest struct {
	ID          int64
	BuildSetID  int64
	BuilderName string
	Priority    int
	SubmittedAt time.Time
	ClaimedBy   string
	ClaimedAt   *time.Time
	Complete    bool
	Results     Results
}

// Claimed reports whether the request is currently held by a master.
func (r *BuildRequest) Claimed() bool {
	return r.ClaimedBy != ""
}

// Builder is a named logical pipeline: a recipe plus a worker assignment.
// Builder equality is explicit value equality over the configuration fields.
type Builder struct {
	ID          int64
	Name        string
	WorkerNames []string
	Tags        []string
}

// Equal reports configuration equality, ignoring the store-assigned ID.
func (b Builder) Equal(other Builder) bool {
	return b.Name == other.Name &&
		slices.Equal(b.WorkerNames, other.WorkerNames) &&
		slices.Equal(b.Tags, other.Tags)
}

// Build is one execution attempt of a build request on one worker. Number is
// monotonic per builder.
type Build struct {
	ID             int64
	BuildRequestID int64
	BuilderID      int64
	BuilderName    string
	WorkerName     string
	Number         int
	StartedAt      time.Time
	CompleteAt     *time.Time
	Results        Results
}

// Step is one ordered unit of work within a build. Steps execute in strict
// sequence; Number is the position within the build.
type Step struct {
	ID           int64
	BuildID      int64
	Number       int
	Name         string
	StartedAt    *time.Time
	CompleteAt   *time.Time
	Results      Results
	StateStrings []string
	URLs         []string
}

// Log is an append-only chunked text stream owned by a step. Once Complete,
// further appends are rejected.
type Log struct {
	ID       int64
	StepID   int64
	Name     string
	Slug     string
	Type     string
	NumLines int
	Complete bool
}

// LogChunk is a contiguous line range of a log. Chunks are appended
// monotonically and never rewritten.
type LogChunk struct {
	LogID     int64
	FirstLine int
	LastLine  int
	Content   string
}
