package scraper_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prowdex/prowdex/pkg/artifacts"
	"github.com/prowdex/prowdex/pkg/document"
	"github.com/prowdex/prowdex/pkg/indexstore"
	"github.com/prowdex/prowdex/pkg/prow"
	"github.com/prowdex/prowdex/pkg/retry"
	"github.com/prowdex/prowdex/pkg/scraper"
)

// fakeBucket is an in-memory artifacts.Store.
type fakeBucket struct {
	mu       sync.Mutex
	prefixes map[string][]string
	objects  map[string][]byte
	listErr  error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{
		prefixes: make(map[string][]string),
		objects:  make(map[string][]byte),
	}
}

func (f *fakeBucket) List(
	ctx context.Context, prefix, delimiter string,
) (*artifacts.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil && delimiter == "/" {
		return nil, f.listErr
	}

	if delimiter == "" {
		var keys []string

		for key := range f.objects {
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}

		return &artifacts.Listing{Keys: keys}, nil
	}

	return &artifacts.Listing{CommonPrefixes: f.prefixes[prefix]}, nil
}

func (f *fakeBucket) Fetch(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[key]
	if !ok {
		return nil, artifacts.ErrNotFound
	}

	return data, nil
}

// addFinishedRun wires a finished run with an optional junit report.
func (f *fakeBucket) addFinishedRun(job, id, result, report string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	jobPrefix := "logs/" + job + "/"
	runPrefix := jobPrefix + id + "/"

	f.prefixes["logs/"] = appendUnique(f.prefixes["logs/"], jobPrefix)
	f.prefixes[jobPrefix] = appendUnique(f.prefixes[jobPrefix], runPrefix)

	f.objects[runPrefix+"finished.json"] = []byte(fmt.Sprintf(
		`{"timestamp":%d,"passed":%t,"result":%q}`,
		time.Now().Add(-time.Hour).Unix(), result == "SUCCESS", result,
	))

	if report != "" {
		f.objects[runPrefix+"artifacts/junit_01.xml"] = []byte(report)
	}
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}

	return append(list, s)
}

// fakeIndex is an in-memory indexstore.Store enforcing exact-identity
// uniqueness the way the real store does.
type fakeIndex struct {
	mu          sync.Mutex
	docs        map[string]*document.ResultDocument
	comparable  map[string]bool
	checkErrs   int // remaining transient CheckIdentity failures
	checkCalls  int
	bulkErrs    int // remaining transient BulkCreate failures
	bulkCalls   int
	rejectCause string // permanent per-item rejection when set
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		docs:       make(map[string]*document.ResultDocument),
		comparable: make(map[string]bool),
	}
}

func (f *fakeIndex) CheckIdentity(
	ctx context.Context, doc *document.ResultDocument,
) (indexstore.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.checkCalls++

	if f.checkErrs > 0 {
		f.checkErrs--

		return "", &indexstore.TransientError{Op: "check", Err: fmt.Errorf("injected")}
	}

	if _, ok := f.docs[doc.ExactID()]; ok {
		return indexstore.DecisionSkipExact, nil
	}

	if f.comparable[doc.ComparableID] {
		return indexstore.DecisionSkipComparable, nil
	}

	return indexstore.DecisionInsert, nil
}

func (f *fakeIndex) BulkCreate(
	ctx context.Context, docs []*document.ResultDocument,
) ([]indexstore.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.bulkCalls++

	if f.bulkErrs > 0 {
		f.bulkErrs--

		return nil, &indexstore.TransientError{Op: "bulk", Err: fmt.Errorf("injected")}
	}

	acks := make([]indexstore.Ack, 0, len(docs))

	for _, doc := range docs {
		ack := indexstore.Ack{DocID: doc.ExactID()}

		switch {
		case f.rejectCause != "":
			ack.Err = f.rejectCause
		case f.docs[doc.ExactID()] != nil:
			ack.AlreadyExists = true
		default:
			f.docs[doc.ExactID()] = doc
			f.comparable[doc.ComparableID] = true
			ack.Created = true
		}

		acks = append(acks, ack)
	}

	return acks, nil
}

const e2eReport = `<testsuites>
  <testsuite name="suiteA">
    <testcase name="caseX" time="1"/>
    <testcase name="caseY" time="2"><failure message="boom"/></testcase>
  </testsuite>
</testsuites>`

var testPolicy = retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond}

func newScraper(
	bucket *fakeBucket, index *fakeIndex, failureThreshold int,
) *scraper.Scraper {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	lister := prow.NewLister(log, bucket, "logs/", 24*time.Hour, testPolicy)

	return scraper.New(log, lister, index, testPolicy, 2, failureThreshold)
}

func TestRun_EndToEnd(t *testing.T) {
	bucket := newFakeBucket()
	bucket.addFinishedRun("e2e-job", "42", "SUCCESS", e2eReport)

	index := newFakeIndex()
	s := newScraper(bucket, index, 0)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Discovered)
	assert.Equal(t, 1, summary.Indexed)
	assert.Equal(t, 0, summary.Failed)

	doc := index.docs["e2e-job:42"]
	require.NotNil(t, doc)
	assert.Equal(t, "e2e-job", doc.Job.Name)
	assert.Equal(t, "42", doc.Job.RunID)
	assert.Equal(t, "success", doc.Job.Outcome)

	require.Len(t, doc.Cases, 2)
	assert.Equal(t, "caseX", doc.Cases[0].Name)
	assert.Equal(t, "passed", doc.Cases[0].Status)
	assert.Equal(t, "caseY", doc.Cases[1].Name)
	assert.Equal(t, "failed", doc.Cases[1].Status)
}

func TestRun_SecondPassIsIdempotent(t *testing.T) {
	bucket := newFakeBucket()
	bucket.addFinishedRun("e2e-job", "42", "SUCCESS", e2eReport)

	index := newFakeIndex()
	s := newScraper(bucket, index, 0)

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, index.docs, 1)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Indexed)
	assert.Equal(t, 1, summary.SkippedExact)
	assert.Len(t, index.docs, 1, "a re-scrape must not produce new documents")
}

func TestRun_ComparableDuplicateIsSkipped(t *testing.T) {
	bucket := newFakeBucket()
	bucket.addFinishedRun("e2e-job", "42", "SUCCESS", e2eReport)

	index := newFakeIndex()
	s := newScraper(bucket, index, 0)

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	// The same logical result reappears under a re-padded run id.
	bucket.addFinishedRun("e2e-job", "0042", "SUCCESS", e2eReport)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SkippedExact)
	assert.Equal(t, 1, summary.SkippedComparable)
	assert.Equal(t, 0, summary.Indexed)
	assert.Len(t, index.docs, 1)
}

func TestRun_RunWithoutReportsStillIndexed(t *testing.T) {
	bucket := newFakeBucket()
	bucket.addFinishedRun("no-reports-job", "7", "FAILURE", "")

	index := newFakeIndex()
	s := newScraper(bucket, index, 0)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Indexed)
	assert.Equal(t, 0, summary.Failed)

	doc := index.docs["no-reports-job:7"]
	require.NotNil(t, doc)
	assert.Equal(t, "failure", doc.Job.Outcome)
	assert.Empty(t, doc.Cases, "absence of test detail is a partial document, not a failure")
}

func TestRun_MalformedReportDegradesToRunLevelDocument(t *testing.T) {
	bucket := newFakeBucket()
	bucket.addFinishedRun("garbled-job", "3", "SUCCESS", "this is not xml")

	index := newFakeIndex()
	s := newScraper(bucket, index, 0)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Indexed)
	assert.Equal(t, 0, summary.Failed)

	doc := index.docs["garbled-job:3"]
	require.NotNil(t, doc)
	assert.Empty(t, doc.Cases)
}

func TestRun_TransientStoreFailureRetriesThenFails(t *testing.T) {
	bucket := newFakeBucket()
	bucket.addFinishedRun("e2e-job", "42", "SUCCESS", e2eReport)

	index := newFakeIndex()
	index.checkErrs = 100 // beyond any retry budget

	s := newScraper(bucket, index, 0)

	summary, err := s.Run(context.Background())
	require.NoError(t, err, "a single failed job does not fail the invocation")

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, testPolicy.MaxAttempts, index.checkCalls,
		"identity check must be attempted exactly MaxAttempts times")
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "e2e-job", summary.Failures[0].Job)
}

func TestRun_TransientBulkFailureRecoversWithinBudget(t *testing.T) {
	bucket := newFakeBucket()
	bucket.addFinishedRun("e2e-job", "42", "SUCCESS", e2eReport)

	index := newFakeIndex()
	index.bulkErrs = 2 // recovered on the third attempt

	s := newScraper(bucket, index, 0)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Indexed)
	assert.Equal(t, 3, index.bulkCalls)
}

func TestRun_PermanentRejectionFailsTheJob(t *testing.T) {
	bucket := newFakeBucket()
	bucket.addFinishedRun("e2e-job", "42", "SUCCESS", e2eReport)

	index := newFakeIndex()
	index.rejectCause = "mapping conflict"

	s := newScraper(bucket, index, 0)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Contains(t, summary.Failures[0].Cause, "mapping conflict")
}

func TestRun_FailureThresholdExceeded(t *testing.T) {
	bucket := newFakeBucket()
	bucket.addFinishedRun("job-a", "1", "SUCCESS", e2eReport)
	bucket.addFinishedRun("job-b", "2", "SUCCESS", e2eReport)

	index := newFakeIndex()
	index.checkErrs = 100

	s := newScraper(bucket, index, 1)

	summary, err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, scraper.ErrTooManyFailures)
	assert.Equal(t, 2, summary.Failed)
}

func TestRun_ListingFailureIsFatal(t *testing.T) {
	bucket := newFakeBucket()
	bucket.addFinishedRun("e2e-job", "42", "SUCCESS", e2eReport)
	bucket.listErr = &artifacts.TransientError{Op: "list", Err: fmt.Errorf("bucket gone")}

	index := newFakeIndex()
	s := newScraper(bucket, index, 0)

	summary, err := s.Run(context.Background())
	require.Error(t, err)

	var listErr *prow.ListingError
	assert.ErrorAs(t, err, &listErr)
	assert.Equal(t, 0, summary.Indexed)
	assert.Empty(t, index.docs)
}

func TestRun_ManyJobsAcrossWorkers(t *testing.T) {
	bucket := newFakeBucket()
	for i := 0; i < 20; i++ {
		bucket.addFinishedRun("fan-out-job", fmt.Sprintf("%d", i+100), "SUCCESS", e2eReport)
	}

	index := newFakeIndex()
	s := newScraper(bucket, index, 0)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 20, summary.Discovered)
	assert.Equal(t, 20, summary.Indexed)
	assert.Len(t, index.docs, 20)
}
