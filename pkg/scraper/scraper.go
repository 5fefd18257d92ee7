// Package scraper orchestrates one scrape invocation: discover finished
// job runs, parse their test reports, build result documents and index
// the ones the store has not seen.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/prowdex/prowdex/pkg/artifacts"
	"github.com/prowdex/prowdex/pkg/document"
	"github.com/prowdex/prowdex/pkg/indexstore"
	"github.com/prowdex/prowdex/pkg/junit"
	"github.com/prowdex/prowdex/pkg/prow"
	"github.com/prowdex/prowdex/pkg/retry"
)

// ErrTooManyFailures marks an invocation whose job failure count exceeded
// the configured threshold.
var ErrTooManyFailures = errors.New("job failure count exceeds threshold")

// defaultConcurrency is the worker pool size when none is configured.
const defaultConcurrency = 4

// Scraper drives one scrape pass: a lister goroutine feeds a bounded pool
// of workers, each processing one job run end to end; a single collector
// owns the summary.
type Scraper struct {
	log    logrus.FieldLogger
	lister *prow.Lister
	store  indexstore.Store
	policy retry.Policy

	concurrency int

	// failureThreshold fails the invocation when exceeded by the job
	// failure count. Zero disables the threshold: individual failures
	// are reported in the summary but do not fail the invocation.
	failureThreshold int
}

// New creates a Scraper.
func New(
	log logrus.FieldLogger,
	lister *prow.Lister,
	store indexstore.Store,
	policy retry.Policy,
	concurrency, failureThreshold int,
) *Scraper {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &Scraper{
		log:              log.WithField("component", "scraper"),
		lister:           lister,
		store:            store,
		policy:           policy,
		concurrency:      concurrency,
		failureThreshold: failureThreshold,
	}
}

// Run performs one scrape pass. The returned summary is valid even when
// err is non-nil. A *prow.ListingError or ErrTooManyFailures makes the
// invocation a hard failure; individual job failures do not.
func (s *Scraper) Run(ctx context.Context) (*Summary, error) {
	jobsCh := make(chan prow.JobRun, s.concurrency)
	resultsCh := make(chan jobResult, s.concurrency)

	g, gCtx := errgroup.WithContext(ctx)

	// Lister feeds jobsCh and closes it when the listing is exhausted.
	// A listing failure cancels gCtx, in-flight workers abandon their
	// jobs and the error surfaces from g.Wait.
	g.Go(func() error {
		return s.lister.List(gCtx, jobsCh)
	})

	var workerWG sync.WaitGroup

	for range s.concurrency {
		workerWG.Add(1)

		g.Go(func() error {
			defer workerWG.Done()

			for run := range jobsCh {
				resultsCh <- s.processJob(gCtx, run)
			}

			return nil
		})
	}

	go func() {
		workerWG.Wait()
		close(resultsCh)
	}()

	// Single collection point: the summary has exactly one writer, so
	// no locking is needed (and no updates can be lost).
	summary := &Summary{}

	for res := range resultsCh {
		summary.record(res)

		entry := s.log.WithFields(logrus.Fields{
			"job":    res.run.Name,
			"run_id": res.run.ID,
			"status": res.status,
		})

		if res.status == statusFailed {
			entry.WithField("cause", res.cause).Warn("Job run failed")
		} else {
			entry.Debug("Job run processed")
		}
	}

	err := g.Wait()

	s.log.WithFields(logrus.Fields{
		"discovered":         summary.Discovered,
		"indexed":            summary.Indexed,
		"skipped_exact":      summary.SkippedExact,
		"skipped_comparable": summary.SkippedComparable,
		"failed":             summary.Failed,
	}).Info("Scrape pass completed")

	if err != nil {
		return summary, err
	}

	if s.failureThreshold > 0 && summary.Failed > s.failureThreshold {
		return summary, fmt.Errorf(
			"%w: %d failed, threshold %d",
			ErrTooManyFailures, summary.Failed, s.failureThreshold,
		)
	}

	return summary, nil
}

// processJob runs one job through fetch → parse → build → dedup → index.
// Failures never propagate as errors: each job reaches a terminal state
// recorded in its result, and the invocation moves on.
func (s *Scraper) processJob(ctx context.Context, run prow.JobRun) jobResult {
	if ctx.Err() != nil {
		return jobResult{run: run, status: statusFailed, cause: causeCancelled}
	}

	cases, err := s.collectCases(ctx, run)
	if err != nil {
		return s.failed(run, err)
	}

	doc, err := document.Build(run, cases)
	if err != nil {
		return s.failed(run, err)
	}

	var decision indexstore.Decision

	err = s.policy.Do(ctx, func(ctx context.Context) error {
		var cErr error
		decision, cErr = s.store.CheckIdentity(ctx, doc)

		return cErr
	}, indexstore.IsTransient)
	if err != nil {
		return s.failed(run, fmt.Errorf("identity check: %w", err))
	}

	switch decision {
	case indexstore.DecisionSkipExact:
		return jobResult{run: run, status: statusSkippedExact}
	case indexstore.DecisionSkipComparable:
		return jobResult{run: run, status: statusSkippedCompare}
	case indexstore.DecisionInsert:
	}

	var acks []indexstore.Ack

	err = s.policy.Do(ctx, func(ctx context.Context) error {
		var bErr error
		acks, bErr = s.store.BulkCreate(ctx, []*document.ResultDocument{doc})

		return bErr
	}, indexstore.IsTransient)
	if err != nil {
		return s.failed(run, fmt.Errorf("indexing: %w", err))
	}

	for _, ack := range acks {
		if ack.Err != "" {
			return s.failed(run, fmt.Errorf("document %s rejected: %s", ack.DocID, ack.Err))
		}
	}

	return jobResult{run: run, status: statusIndexed}
}

// collectCases fetches and parses every report artifact of a run. A run
// with no parseable reports yields zero cases, not an error: the document
// then carries the run-level outcome only.
func (s *Scraper) collectCases(
	ctx context.Context, run prow.JobRun,
) ([]junit.CaseResult, error) {
	keys, err := s.lister.ReportKeys(ctx, run)
	if err != nil {
		return nil, err
	}

	var cases []junit.CaseResult

	for _, key := range keys {
		data, err := s.lister.FetchReport(ctx, key)
		if err != nil {
			if errors.Is(err, artifacts.ErrNotFound) {
				// Listed but gone: the artifact store is only
				// eventually consistent.
				s.log.WithField("key", key).
					Debug("Report artifact disappeared between list and fetch")

				continue
			}

			return nil, fmt.Errorf("fetching report %s: %w", key, err)
		}

		parsed, err := junit.Parse(data)
		if err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"job":    run.Name,
				"run_id": run.ID,
				"key":    key,
			}).Warn("Skipping malformed report artifact")

			continue
		}

		cases = append(cases, parsed...)
	}

	return cases, nil
}

// failed builds a Failed result, normalizing cancellation causes.
func (s *Scraper) failed(run prow.JobRun, err error) jobResult {
	cause := err.Error()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		cause = causeCancelled
	}

	return jobResult{run: run, status: statusFailed, cause: cause}
}
