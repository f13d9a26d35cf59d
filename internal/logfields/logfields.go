package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyBuilder    = "builder"
	KeyWorker     = "worker"
	KeyScheduler  = "scheduler"
	KeyRequestID  = "request_id"
	KeyBuildSetID = "buildset_id"
	KeyBuildID    = "build_id"
	KeyStepID     = "step_id"
	KeyStep       = "step"
	KeyChangeID   = "change_id"
	KeyResult     = "result"
	KeyReason     = "reason"
	KeyClaimant   = "claimant"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Builder(name string) slog.Attr     { return slog.String(KeyBuilder, name) }
func Worker(name string) slog.Attr      { return slog.String(KeyWorker, name) }
func Scheduler(name string) slog.Attr   { return slog.String(KeyScheduler, name) }
func RequestID(id int64) slog.Attr      { return slog.Int64(KeyRequestID, id) }
func BuildSetID(id int64) slog.Attr     { return slog.Int64(KeyBuildSetID, id) }
func BuildID(id int64) slog.Attr        { return slog.Int64(KeyBuildID, id) }
func StepID(id int64) slog.Attr         { return slog.Int64(KeyStepID, id) }
func Step(name string) slog.Attr        { return slog.String(KeyStep, name) }
func ChangeID(id int64) slog.Attr       { return slog.Int64(KeyChangeID, id) }
func Result(r string) slog.Attr         { return slog.String(KeyResult, r) }
func Reason(r string) slog.Attr         { return slog.String(KeyReason, r) }
func Claimant(token string) slog.Attr   { return slog.String(KeyClaimant, token) }
func DurationMS(ms float64) slog.Attr   { return slog.Float64(KeyDurationMS, ms) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
