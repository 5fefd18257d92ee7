// Package document defines the versioned result document written to the
// document store and the deterministic builder producing it.
package document

import (
	"time"
)

// SchemaVersion is the current result document schema version. Consumers
// use it to tolerate heterogeneous historical documents; any change to the
// field set or to the comparable identity algorithm bumps it.
const SchemaVersion = 1

// ResultDocument is the unit persisted to the document store: one document
// per job run, with the parsed test cases nested.
type ResultDocument struct {
	SchemaVersion int `json:"schema_version"`

	Job JobFields `json:"job"`

	Cases        []CaseEntry `json:"cases"`
	CasesTotal   int         `json:"cases_total"`
	CasesPassed  int         `json:"cases_passed"`
	CasesFailed  int         `json:"cases_failed"`
	CasesSkipped int         `json:"cases_skipped"`

	// ComparableID identifies the logical result independently of
	// volatile fields (timestamps, storage path). Two documents sharing
	// it are duplicates even when their exact identities differ.
	ComparableID string `json:"comparable_id"`
}

// JobFields carries the run-level attributes, nested under "job" the way
// the downstream reporting queries expect.
type JobFields struct {
	Name      string    `json:"name"`
	RunID     string    `json:"run_id"`
	Outcome   string    `json:"outcome"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time"`

	// URLPath is the storage prefix of the run's artifacts. Volatile:
	// excluded from the comparable identity.
	URLPath string `json:"url_path,omitempty"`
}

// CaseEntry is one test case outcome nested in a result document.
// Duplicate (suite, name) entries are legitimate: they are retries of
// flaky tests across shards.
type CaseEntry struct {
	Suite          string `json:"suite"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	DurationMS     int64  `json:"duration_ms"`
	FailureMessage string `json:"failure_message,omitempty"`
}

// ExactID is the durable exact-match identity of the document, used as the
// document id in the store. The separator is ":" because the id travels in
// URL paths; Prow job names and build ids never contain it.
func (d *ResultDocument) ExactID() string {
	return d.Job.Name + ":" + d.Job.RunID
}
