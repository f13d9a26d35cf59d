package model

// Results is the outcome of a step, build, build request or build set.
//
// The constants are ordered best to worst; Worst relies on that ordering.
// SKIPPED sorts best because a skipped step must never degrade an otherwise
// green build, and CANCELLED sorts worst so it absorbs everything else.
type Results int

const (
	Skipped Results = iota
	Success
	Warnings
	Failure
	Exception
	Retry
	Cancelled
)

var resultNames = map[Results]string{
	Skipped:   "skipped",
	Success:   "success",
	Warnings:  "warnings",
	Failure:   "failure",
	Exception: "exception",
	Retry:     "retry",
	Cancelled: "cancelled",
}

func (r Results) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether r is one of the defined results.
func (r Results) Valid() bool {
	_, ok := resultNames[r]
	return ok
}

// Worst returns the worse of two results. It is commutative and Cancelled is
// absorbing.
func Worst(a, b Results) Results {
	if a > b {
		return a
	}
	return b
}
