package scraper

import (
	"github.com/prowdex/prowdex/pkg/prow"
)

// jobStatus is the terminal state of one job run within an invocation.
type jobStatus string

const (
	statusIndexed         jobStatus = "indexed"
	statusSkippedExact    jobStatus = "skipped-exact"
	statusSkippedCompare  jobStatus = "skipped-comparable"
	statusFailed          jobStatus = "failed"
	causeCancelled                  = "cancelled"
)

// jobResult is the per-job outcome flowing from a worker to the collector.
type jobResult struct {
	run    prow.JobRun
	status jobStatus
	cause  string
}

// Failure records one failed job for operator follow-up.
type Failure struct {
	Job   string
	RunID string
	Cause string
}

// Summary aggregates the outcome of one scrape invocation. It is owned by
// the single collector goroutine; workers never touch it directly.
type Summary struct {
	Discovered        int
	Indexed           int
	SkippedExact      int
	SkippedComparable int
	Failed            int
	Failures          []Failure
}

// record folds one job result into the summary.
func (s *Summary) record(res jobResult) {
	s.Discovered++

	switch res.status {
	case statusIndexed:
		s.Indexed++
	case statusSkippedExact:
		s.SkippedExact++
	case statusSkippedCompare:
		s.SkippedComparable++
	case statusFailed:
		s.Failed++
		s.Failures = append(s.Failures, Failure{
			Job:   res.run.Name,
			RunID: res.run.ID,
			Cause: res.cause,
		})
	}
}
