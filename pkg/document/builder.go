package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/prowdex/prowdex/pkg/junit"
	"github.com/prowdex/prowdex/pkg/prow"
)

// comparableIDVersion versions the comparable identity algorithm. It is
// both hashed into the digest input and prefixed onto the stored value, so
// a future change to the field set or algorithm can never collide with or
// silently re-deduplicate documents written under the old version.
const comparableIDVersion = "v1"

// IdentityError indicates a document identity could not be computed from
// the given run. It is fatal for that job only.
type IdentityError struct {
	Reason string
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("computing document identity: %s", e.Reason)
}

// Build maps a job run and its parsed case results to a ResultDocument.
// It is a pure function: identical inputs produce byte-identical output,
// which is what makes comparable-identity deduplication meaningful.
func Build(run prow.JobRun, cases []junit.CaseResult) (*ResultDocument, error) {
	if run.Name == "" {
		return nil, &IdentityError{Reason: "job name is empty"}
	}

	if run.ID == "" {
		return nil, &IdentityError{Reason: "run id is empty"}
	}

	doc := &ResultDocument{
		SchemaVersion: SchemaVersion,
		Job: JobFields{
			Name:      run.Name,
			RunID:     run.ID,
			Outcome:   string(run.Outcome),
			StartTime: run.Started,
			EndTime:   run.Finished,
			URLPath:   run.Prefix,
		},
		Cases:      make([]CaseEntry, 0, len(cases)),
		CasesTotal: len(cases),
	}

	for _, c := range cases {
		doc.Cases = append(doc.Cases, CaseEntry{
			Suite:          c.Suite,
			Name:           c.Name,
			Status:         string(c.Status),
			DurationMS:     c.Duration.Milliseconds(),
			FailureMessage: c.FailureMessage,
		})

		switch c.Status {
		case junit.StatusPassed:
			doc.CasesPassed++
		case junit.StatusFailed:
			doc.CasesFailed++
		case junit.StatusSkipped:
			doc.CasesSkipped++
		case junit.StatusError:
			doc.CasesFailed++
		}
	}

	doc.ComparableID = comparableID(run, cases)

	return doc, nil
}

// comparableID digests the stable field subset of a result: job name, run
// id, outcome and the per-case pass/fail pattern. Timestamps, durations,
// failure text and storage paths are excluded so accidental re-scrapes of
// the same logical result always converge on the same value. Case triples
// are sorted because shard concatenation order is not stable across
// scrapes.
func comparableID(run prow.JobRun, cases []junit.CaseResult) string {
	lines := make([]string, 0, len(cases))
	for _, c := range cases {
		lines = append(lines, c.Suite+"\x1f"+c.Name+"\x1f"+string(c.Status))
	}

	sort.Strings(lines)

	var b strings.Builder

	b.WriteString(comparableIDVersion)
	b.WriteByte('\n')
	b.WriteString(run.Name)
	b.WriteByte('\n')
	b.WriteString(normalizeRunID(run.ID))
	b.WriteByte('\n')
	b.WriteString(string(run.Outcome))
	b.WriteByte('\n')

	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))

	return comparableIDVersion + ":" + hex.EncodeToString(sum[:])
}

// normalizeRunID canonicalizes numeric run ids for the digest input, so a
// representation change upstream ("0042" vs "42") still converges on the
// same comparable identity. Non-numeric ids are used as-is.
func normalizeRunID(id string) string {
	trimmed := strings.TrimLeft(id, "0")

	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return id
		}
	}

	if trimmed == "" && id != "" {
		return "0"
	}

	return trimmed
}
