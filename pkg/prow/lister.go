package prow

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/prowdex/prowdex/pkg/artifacts"
	"github.com/prowdex/prowdex/pkg/retry"
)

const (
	finishedMarker = "finished.json"
	startedMarker  = "started.json"
)

// ListingError marks a failure to enumerate job runs. It is fatal to the
// whole invocation: a partial listing would silently drop finished jobs
// instead of leaving them for the next scrape.
type ListingError struct {
	Err error
}

func (e *ListingError) Error() string {
	return fmt.Sprintf("listing job runs: %v", e.Err)
}

func (e *ListingError) Unwrap() error {
	return e.Err
}

// Lister discovers completed job runs in the artifact bucket. Each List
// call re-enumerates from storage; there is no cursor to resume from.
type Lister struct {
	log      logrus.FieldLogger
	store    artifacts.Store
	prefix   string
	lookback time.Duration
	policy   retry.Policy
}

// NewLister creates a Lister scanning the given job prefix for runs that
// finished within the lookback window.
func NewLister(
	log logrus.FieldLogger,
	store artifacts.Store,
	prefix string,
	lookback time.Duration,
	policy retry.Policy,
) *Lister {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Lister{
		log:      log.WithField("component", "lister"),
		store:    store,
		prefix:   prefix,
		lookback: lookback,
		policy:   policy,
	}
}

// List enumerates finished job runs and sends them to out, closing out
// when the listing is exhausted. Runs without a completion marker (still
// in flight) and runs finished before the lookback cutoff are excluded.
// Any storage failure that survives the retry policy is returned as a
// *ListingError.
func (l *Lister) List(ctx context.Context, out chan<- JobRun) error {
	defer close(out)

	cutoff := time.Now().Add(-l.lookback)

	jobs, err := l.listPrefixes(ctx, l.prefix)
	if err != nil {
		return &ListingError{Err: err}
	}

	l.log.WithField("jobs", len(jobs)).Debug("Enumerated job prefixes")

	var runs int

	for _, jobPrefix := range jobs {
		runPrefixes, err := l.listPrefixes(ctx, jobPrefix)
		if err != nil {
			return &ListingError{Err: err}
		}

		for _, runPrefix := range runPrefixes {
			run, ok, err := l.inspectRun(ctx, jobPrefix, runPrefix, cutoff)
			if err != nil {
				return &ListingError{Err: err}
			}

			if !ok {
				continue
			}

			select {
			case out <- *run:
				runs++
			case <-ctx.Done():
				return &ListingError{Err: ctx.Err()}
			}
		}
	}

	l.log.WithField("runs", runs).Info("Job listing complete")

	return nil
}

// inspectRun checks a run prefix for a completion marker and builds the
// JobRun candidate. ok is false for runs that are excluded (still in
// flight, outside the lookback window, or with an undecodable marker).
func (l *Lister) inspectRun(
	ctx context.Context, jobPrefix, runPrefix string, cutoff time.Time,
) (*JobRun, bool, error) {
	finishedData, err := l.fetch(ctx, runPrefix+finishedMarker)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			// No completion marker: the run is still in flight.
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("checking completion marker for %q: %w", runPrefix, err)
	}

	finished, err := parseFinished(finishedData)
	if err != nil {
		// An undecodable marker means the run state cannot be
		// trusted; leave it for a later scrape once it settles.
		l.log.WithError(err).WithField("run", runPrefix).
			Warn("Skipping run with malformed completion marker")

		return nil, false, nil
	}

	finishedAt := time.Unix(finished.Timestamp, 0).UTC()
	if finishedAt.Before(cutoff) {
		return nil, false, nil
	}

	run := &JobRun{
		Name:     path.Base(strings.TrimSuffix(jobPrefix, "/")),
		ID:       path.Base(strings.TrimSuffix(runPrefix, "/")),
		Prefix:   runPrefix,
		Finished: finishedAt,
		Outcome:  outcomeOf(finished),
	}

	startedData, err := l.fetch(ctx, runPrefix+startedMarker)
	if err != nil && !errors.Is(err, artifacts.ErrNotFound) {
		return nil, false, fmt.Errorf("reading start marker for %q: %w", runPrefix, err)
	}

	if startedData != nil {
		if started, sErr := parseStarted(startedData); sErr == nil {
			run.Started = time.Unix(started.Timestamp, 0).UTC()
		}
	}

	return run, true, nil
}

// ReportKeys returns the keys of all JUnit report artifacts for a run.
// One run may carry zero, one, or several reports (one per test shard).
func (l *Lister) ReportKeys(ctx context.Context, run JobRun) ([]string, error) {
	var listing *artifacts.Listing

	err := l.policy.Do(ctx, func(ctx context.Context) error {
		var lErr error
		listing, lErr = l.store.List(ctx, run.Prefix+"artifacts/", "")

		return lErr
	}, artifacts.IsTransient)
	if err != nil {
		return nil, fmt.Errorf("listing report artifacts for %s/%s: %w", run.Name, run.ID, err)
	}

	var keys []string

	for _, key := range listing.Keys {
		base := path.Base(key)
		if strings.HasPrefix(base, "junit") && strings.HasSuffix(base, ".xml") {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

// FetchReport reads one report artifact with the retry policy applied.
func (l *Lister) FetchReport(ctx context.Context, key string) ([]byte, error) {
	return l.fetch(ctx, key)
}

// listPrefixes returns the common prefixes directly under prefix, with the
// retry policy applied.
func (l *Lister) listPrefixes(ctx context.Context, prefix string) ([]string, error) {
	var listing *artifacts.Listing

	err := l.policy.Do(ctx, func(ctx context.Context) error {
		var lErr error
		listing, lErr = l.store.List(ctx, prefix, "/")

		return lErr
	}, artifacts.IsTransient)
	if err != nil {
		return nil, err
	}

	return listing.CommonPrefixes, nil
}

// fetch reads one object with the retry policy applied. ErrNotFound is
// returned immediately, it is never retried.
func (l *Lister) fetch(ctx context.Context, key string) ([]byte, error) {
	var data []byte

	err := l.policy.Do(ctx, func(ctx context.Context) error {
		var fErr error
		data, fErr = l.store.Fetch(ctx, key)

		return fErr
	}, artifacts.IsTransient)
	if err != nil {
		return nil, err
	}

	return data, nil
}
