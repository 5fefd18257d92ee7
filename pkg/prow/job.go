// Package prow models Prow job runs as laid out in the CI artifact bucket
// and discovers completed runs from storage listings.
package prow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Started mirrors the started.json artifact Prow writes when a job begins.
type Started struct {
	Timestamp int64             `json:"timestamp"`
	Node      string            `json:"node,omitempty"`
	Repos     map[string]string `json:"repos,omitempty"`
	Pull      string            `json:"pull,omitempty"`
}

// Finished mirrors the finished.json artifact Prow writes when a job
// completes. Its presence is the completion marker for a run.
type Finished struct {
	Timestamp int64  `json:"timestamp"`
	Passed    bool   `json:"passed"`
	Result    string `json:"result,omitempty"`
}

// Outcome is the overall result of a job run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeAborted Outcome = "aborted"
	OutcomeUnknown Outcome = "unknown"
)

// JobRun is one completed execution of a named CI job. (Name, ID) is the
// durable exact-match identity; completed runs are immutable upstream.
type JobRun struct {
	// Name is the Prow job name, e.g. "e2e-metal-assisted".
	Name string

	// ID is the build/run identifier unique within Name.
	ID string

	// Prefix is the storage path prefix of the run's artifacts,
	// ending in "/".
	Prefix string

	Started  time.Time
	Finished time.Time
	Outcome  Outcome
}

// parseFinished decodes a finished.json payload.
func parseFinished(data []byte) (*Finished, error) {
	var f Finished
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding finished.json: %w", err)
	}

	return &f, nil
}

// parseStarted decodes a started.json payload.
func parseStarted(data []byte) (*Started, error) {
	var s Started
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding started.json: %w", err)
	}

	return &s, nil
}

// outcomeOf maps the finished.json result/passed fields to an Outcome.
// Older Prow versions only populate "passed".
func outcomeOf(f *Finished) Outcome {
	switch strings.ToUpper(f.Result) {
	case "SUCCESS":
		return OutcomeSuccess
	case "FAILURE", "ERROR":
		return OutcomeFailure
	case "ABORTED":
		return OutcomeAborted
	case "":
		if f.Passed {
			return OutcomeSuccess
		}

		return OutcomeFailure
	default:
		return OutcomeUnknown
	}
}
