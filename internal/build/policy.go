package build

import "git.home.luguber.info/inful/forgeci/internal/model"

// StepPolicy controls how one step's raw result affects the build: whether
// the sequence halts, and how failures and warnings are remapped before they
// are folded into the overall result.
type StepPolicy struct {
	HaltOnFailure   bool
	FlunkOnFailure  bool
	FlunkOnWarnings bool
	WarnOnFailure   bool
	WarnOnWarnings  bool
}

// DefaultStepPolicy returns the default flags: failures flunk the build,
// nothing halts, warnings stay warnings-neutral.
func DefaultStepPolicy() StepPolicy {
	return StepPolicy{FlunkOnFailure: true}
}

// Combine maps a step's raw result to the result that is folded into the
// build's overall result, and reports whether the step sequence must stop.
//
// FAILURE: counts as SUCCESS unless FlunkOnFailure; WarnOnFailure remaps to
// WARNINGS, but FlunkOnFailure wins when both are set. HaltOnFailure forces
// termination regardless of the computed result.
//
// WARNINGS: counts as WARNINGS only with WarnOnWarnings, otherwise SUCCESS;
// FlunkOnWarnings escalates to FAILURE.
//
// EXCEPTION, RETRY and CANCELLED always terminate and pass through unchanged.
func (p StepPolicy) Combine(raw model.Results) (possible model.Results, terminate bool) {
	switch raw {
	case model.Failure:
		possible = model.Success
		if p.WarnOnFailure {
			possible = model.Warnings
		}
		if p.FlunkOnFailure {
			possible = model.Failure
		}
		terminate = p.HaltOnFailure

	case model.Warnings:
		possible = model.Success
		if p.WarnOnWarnings {
			possible = model.Warnings
		}
		if p.FlunkOnWarnings {
			possible = model.Failure
		}

	case model.Exception, model.Retry, model.Cancelled:
		possible = raw
		terminate = true

	default:
		possible = raw
	}
	return possible, terminate
}

// StepDef describes one step of a builder's pipeline.
type StepDef struct {
	Name    string
	Command []string
	Env     map[string]string
	Policy  StepPolicy

	// DoStepIf, when set, is evaluated against the overall result so far;
	// false marks the step SKIPPED without running it.
	DoStepIf func(overall model.Results) bool
}
