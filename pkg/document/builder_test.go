package document_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prowdex/prowdex/pkg/document"
	"github.com/prowdex/prowdex/pkg/junit"
	"github.com/prowdex/prowdex/pkg/prow"
)

func sampleRun() prow.JobRun {
	return prow.JobRun{
		Name:     "e2e-job",
		ID:       "42",
		Prefix:   "logs/e2e-job/42/",
		Started:  time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		Finished: time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC),
		Outcome:  prow.OutcomeSuccess,
	}
}

func sampleCases() []junit.CaseResult {
	return []junit.CaseResult{
		{Suite: "suiteA", Name: "caseX", Status: junit.StatusPassed, Duration: time.Second},
		{Suite: "suiteA", Name: "caseY", Status: junit.StatusFailed, FailureMessage: "boom"},
		{Suite: "suiteB", Name: "caseZ", Status: junit.StatusSkipped},
	}
}

func TestBuild_Document(t *testing.T) {
	doc, err := document.Build(sampleRun(), sampleCases())
	require.NoError(t, err)

	assert.Equal(t, document.SchemaVersion, doc.SchemaVersion)
	assert.Equal(t, "e2e-job", doc.Job.Name)
	assert.Equal(t, "42", doc.Job.RunID)
	assert.Equal(t, "success", doc.Job.Outcome)
	assert.Equal(t, "e2e-job:42", doc.ExactID())

	assert.Equal(t, 3, doc.CasesTotal)
	assert.Equal(t, 1, doc.CasesPassed)
	assert.Equal(t, 1, doc.CasesFailed)
	assert.Equal(t, 1, doc.CasesSkipped)

	// Stored case order is parse order.
	require.Len(t, doc.Cases, 3)
	assert.Equal(t, "caseX", doc.Cases[0].Name)
	assert.Equal(t, "boom", doc.Cases[1].FailureMessage)
}

func TestBuild_Deterministic(t *testing.T) {
	a, err := document.Build(sampleRun(), sampleCases())
	require.NoError(t, err)

	b, err := document.Build(sampleRun(), sampleCases())
	require.NoError(t, err)

	aJSON, err := json.Marshal(a)
	require.NoError(t, err)

	bJSON, err := json.Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, aJSON, bJSON, "identical inputs must produce byte-identical documents")
	assert.Equal(t, a.ComparableID, b.ComparableID)
}

func TestBuild_ComparableIDIgnoresVolatileFields(t *testing.T) {
	base, err := document.Build(sampleRun(), sampleCases())
	require.NoError(t, err)

	// A re-scrape sees different timestamps and a different storage
	// path for the same logical result.
	rescrape := sampleRun()
	rescrape.Prefix = "rescrape/e2e-job/42/"
	rescrape.Started = rescrape.Started.Add(time.Minute)
	rescrape.Finished = rescrape.Finished.Add(time.Minute)

	// Shard concatenation order may differ too.
	cases := sampleCases()
	cases[0], cases[2] = cases[2], cases[0]

	other, err := document.Build(rescrape, cases)
	require.NoError(t, err)

	assert.Equal(t, base.ComparableID, other.ComparableID)
	assert.NotEqual(t, base.Job.URLPath, other.Job.URLPath)
}

func TestBuild_ComparableIDTracksStableFields(t *testing.T) {
	base, err := document.Build(sampleRun(), sampleCases())
	require.NoError(t, err)

	flipped := sampleCases()
	flipped[1].Status = junit.StatusPassed

	other, err := document.Build(sampleRun(), flipped)
	require.NoError(t, err)

	assert.NotEqual(t, base.ComparableID, other.ComparableID,
		"a changed pass/fail pattern is a different logical result")

	otherOutcome := sampleRun()
	otherOutcome.Outcome = prow.OutcomeFailure

	third, err := document.Build(otherOutcome, sampleCases())
	require.NoError(t, err)

	assert.NotEqual(t, base.ComparableID, third.ComparableID)
}

func TestBuild_ComparableIDNormalizesRunID(t *testing.T) {
	base, err := document.Build(sampleRun(), sampleCases())
	require.NoError(t, err)

	padded := sampleRun()
	padded.ID = "0042"

	other, err := document.Build(padded, sampleCases())
	require.NoError(t, err)

	assert.NotEqual(t, base.ExactID(), other.ExactID())
	assert.Equal(t, base.ComparableID, other.ComparableID,
		"a run id representation change must not defeat comparable dedup")
}

func TestBuild_EmptyCaseList(t *testing.T) {
	doc, err := document.Build(sampleRun(), nil)
	require.NoError(t, err)

	assert.Empty(t, doc.Cases)
	assert.Equal(t, 0, doc.CasesTotal)
	assert.NotEmpty(t, doc.ComparableID)
}

func TestBuild_IdentityErrors(t *testing.T) {
	run := sampleRun()
	run.Name = ""

	_, err := document.Build(run, nil)
	require.Error(t, err)

	var idErr *document.IdentityError
	assert.ErrorAs(t, err, &idErr)

	run = sampleRun()
	run.ID = ""

	_, err = document.Build(run, nil)
	require.Error(t, err)
}

func TestComparableIDVersionPrefix(t *testing.T) {
	doc, err := document.Build(sampleRun(), nil)
	require.NoError(t, err)

	assert.Regexp(t, `^v1:[0-9a-f]{64}$`, doc.ComparableID)
}
