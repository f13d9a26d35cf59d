package metrics

import "time"

// Recorder abstracts metrics emission so core packages never depend on a
// concrete metrics backend.
type Recorder interface {
	// ObserveDispatchPass records the duration of one distributor pass.
	ObserveDispatchPass(d time.Duration)
	// RecordClaim counts a claim attempt outcome: won, lost or error.
	RecordClaim(outcome string)
	// SetPendingRequests tracks the unclaimed request backlog per builder.
	SetPendingRequests(builder string, n int)
	// RecordBuildOutcome counts terminal builds by result.
	RecordBuildOutcome(builder, result string)
	// ObserveBuildDuration records wall time of a finished build.
	ObserveBuildDuration(builder string, d time.Duration)
	// ObserveStepDuration records wall time of a finished step.
	ObserveStepDuration(builder, step string, d time.Duration)
	// RecordSchedulerFire counts build set submissions per scheduler.
	RecordSchedulerFire(scheduler string)
}

// Claim outcomes.
const (
	ClaimWon   = "won"
	ClaimLost  = "lost"
	ClaimError = "error"
)

// NoopRecorder drops all observations.
type NoopRecorder struct{}

func (NoopRecorder) ObserveDispatchPass(time.Duration)                 {}
func (NoopRecorder) RecordClaim(string)                                {}
func (NoopRecorder) SetPendingRequests(string, int)                    {}
func (NoopRecorder) RecordBuildOutcome(string, string)                 {}
func (NoopRecorder) ObserveBuildDuration(string, time.Duration)        {}
func (NoopRecorder) ObserveStepDuration(string, string, time.Duration) {}
func (NoopRecorder) RecordSchedulerFire(string)                        {}
