package mq

import (
	"strconv"

	"git.home.luguber.info/inful/forgeci/internal/model"
)

// Routing key constructors for the events the master publishes. External
// consumers (UI, notifiers, REST layer) subscribe to these; the channel is
// read-only notification, never mutation.

func KeyChangeNew(changeID int64) RoutingKey {
	return Key("changes", strconv.FormatInt(changeID, 10), "new")
}

func KeyBuildRequestNew(builderName string) RoutingKey {
	return Key("buildrequests", builderName, "new")
}

func KeyBuildNew(buildID int64) RoutingKey {
	return Key("builds", strconv.FormatInt(buildID, 10), "new")
}

func KeyBuildFinished(buildID int64) RoutingKey {
	return Key("builds", strconv.FormatInt(buildID, 10), "finished")
}

func KeyStepNew(stepID int64) RoutingKey {
	return Key("steps", strconv.FormatInt(stepID, 10), "new")
}

func KeyStepFinished(stepID int64) RoutingKey {
	return Key("steps", strconv.FormatInt(stepID, 10), "finished")
}

func KeyBuildSetComplete(buildSetID int64) RoutingKey {
	return Key("buildsets", strconv.FormatInt(buildSetID, 10), "complete")
}

// ChangeNew announces a durably recorded change.
type ChangeNew struct {
	ChangeID   int64  `json:"change_id"`
	Branch     string `json:"branch"`
	Revision   string `json:"revision"`
	Repository string `json:"repository"`
}

// BuildRequestNew announces freshly created, unclaimed build requests for a
// builder. The distributor treats it as a trigger.
type BuildRequestNew struct {
	BuilderName string  `json:"builder_name"`
	RequestIDs  []int64 `json:"request_ids"`
	BuildSetID  int64   `json:"buildset_id"`
}

// BuildStarted announces a persisted, running build.
type BuildStarted struct {
	BuildID     int64  `json:"build_id"`
	RequestID   int64  `json:"request_id"`
	BuilderName string `json:"builder_name"`
	WorkerName  string `json:"worker_name"`
	Number      int    `json:"number"`
}

// BuildFinished announces a terminal build. Published exactly once per build.
type BuildFinished struct {
	BuildID     int64         `json:"build_id"`
	RequestID   int64         `json:"request_id"`
	BuilderName string        `json:"builder_name"`
	Results     model.Results `json:"results"`
}

// StepFinished announces a terminal step.
type StepFinished struct {
	StepID  int64         `json:"step_id"`
	BuildID int64         `json:"build_id"`
	Name    string        `json:"name"`
	Results model.Results `json:"results"`
}

// BuildSetComplete announces that the last child request of a build set
// reached a terminal state. Dependent schedulers consume this.
type BuildSetComplete struct {
	BuildSetID     int64         `json:"buildset_id"`
	Scheduler      string        `json:"scheduler"`
	Results        model.Results `json:"results"`
	SourceStampIDs []int64       `json:"sourcestamp_ids"`
}
