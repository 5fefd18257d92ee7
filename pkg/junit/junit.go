// Package junit parses JUnit XML test reports into normalized case results.
package junit

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformed indicates the payload is not a well-formed JUnit report.
var ErrMalformed = errors.New("malformed junit report")

// Status is the outcome of a single test case.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// CaseResult is one test case outcome within a parsed report.
type CaseResult struct {
	Suite    string
	Name     string
	Status   Status
	Duration time.Duration

	// FailureMessage is only set for failed/error cases.
	FailureMessage string
}

// testSuites is the <testsuites> wrapper element.
type testSuites struct {
	XMLName xml.Name    `xml:"testsuites"`
	Suites  []testSuite `xml:"testsuite"`
}

// testSuite is a single <testsuite> element, possibly nested.
type testSuite struct {
	Name     string      `xml:"name,attr"`
	Children []testSuite `xml:"testsuite"`
	Cases    []testCase  `xml:"testcase"`
}

type testCase struct {
	Name    string       `xml:"name,attr"`
	Time    float64      `xml:"time,attr"`
	Failure *caseMessage `xml:"failure"`
	Error   *caseMessage `xml:"error"`
	Skipped *caseMessage `xml:"skipped"`
}

type caseMessage struct {
	Message string `xml:"message,attr"`
	Body    string `xml:",chardata"`
}

// Parse decodes a JUnit XML payload into an ordered list of case results.
// Both <testsuites> and bare <testsuite> roots are accepted. Duplicate
// (suite, case) pairs are preserved: repeated entries are retries of flaky
// tests and carry signal.
func Parse(data []byte) ([]CaseResult, error) {
	var wrapper testSuites
	if err := xml.Unmarshal(data, &wrapper); err == nil {
		return flatten(wrapper.Suites), nil
	}

	var single testSuite
	if err := xml.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if single.Name == "" && len(single.Cases) == 0 && len(single.Children) == 0 {
		return nil, fmt.Errorf("%w: no testsuite element", ErrMalformed)
	}

	return flatten([]testSuite{single}), nil
}

// flatten walks the suite tree in document order and converts each case.
func flatten(suites []testSuite) []CaseResult {
	var results []CaseResult

	for _, suite := range suites {
		results = appendSuite(results, suite, suite.Name)
	}

	return results
}

func appendSuite(results []CaseResult, suite testSuite, name string) []CaseResult {
	for _, tc := range suite.Cases {
		results = append(results, convertCase(name, tc))
	}

	for _, child := range suite.Children {
		childName := child.Name
		if childName == "" {
			childName = name
		}

		results = appendSuite(results, child, childName)
	}

	return results
}

// convertCase maps a raw testcase element to a CaseResult. Failure and
// error markers win over a skipped marker; a case with no marker at all
// counts as passed.
func convertCase(suite string, tc testCase) CaseResult {
	result := CaseResult{
		Suite:    suite,
		Name:     tc.Name,
		Status:   StatusPassed,
		Duration: secondsToDuration(tc.Time),
	}

	switch {
	case tc.Failure != nil:
		result.Status = StatusFailed
		result.FailureMessage = messageText(tc.Failure)
	case tc.Error != nil:
		result.Status = StatusError
		result.FailureMessage = messageText(tc.Error)
	case tc.Skipped != nil:
		result.Status = StatusSkipped
	}

	return result
}

func messageText(m *caseMessage) string {
	msg := strings.TrimSpace(m.Message)
	body := strings.TrimSpace(m.Body)

	switch {
	case msg != "" && body != "":
		return msg + "\n" + body
	case msg != "":
		return msg
	default:
		return body
	}
}

// secondsToDuration converts the junit time attribute, clamping negative
// values reported by some runners to zero.
func secondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}

	return time.Duration(seconds * float64(time.Second))
}
