// Package junitxml parses surefire/failsafe style JUnit XML reports
// into per-test-case results.
package junitxml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrMalformedReport indicates the report artifact is missing or
// unparsable despite an exit status suggesting it should exist. Callers
// log it as a warning and record zero results for the run; it never
// aborts the experiment.
var ErrMalformedReport = errors.New("malformed test report")

// Verdict is the outcome of one test case within one run.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictFail    Verdict = "fail"
	VerdictError   Verdict = "error"
	VerdictSkipped Verdict = "skipped"
)

// TestCaseResult is one test case's outcome within one run. Never
// mutated after creation.
type TestCaseResult struct {
	TestID   string        `json:"test_id"`
	RunIndex int           `json:"run_index"`
	Verdict  Verdict       `json:"verdict"`
	Duration time.Duration `json:"duration"`

	// FailureDetail is present only for fail/error verdicts.
	FailureDetail string `json:"failure_detail,omitempty"`
}

// testSuite is the root element of a surefire/failsafe report file.
// Reports may also nest suites under a <testsuites> wrapper.
type testSuite struct {
	XMLName   xml.Name    `xml:"testsuite"`
	Name      string      `xml:"name,attr"`
	TestCases []testCase  `xml:"testcase"`
	Suites    []testSuite `xml:"testsuite"`
}

type testSuites struct {
	XMLName xml.Name    `xml:"testsuites"`
	Suites  []testSuite `xml:"testsuite"`
}

type testCase struct {
	ClassName string      `xml:"classname,attr"`
	Name      string      `xml:"name,attr"`
	Time      float64     `xml:"time,attr"`
	Failure   *caseDetail `xml:"failure"`
	Error     *caseDetail `xml:"error"`
	Skipped   *caseDetail `xml:"skipped"`
}

type caseDetail struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Body    string `xml:",chardata"`
}

// ParseReports globs report files matching pattern in each of dirs and
// returns the parsed results in deterministic (path, document) order,
// stamped with runIndex. A run that produced no report files at all
// yields ErrMalformedReport; individual unreadable files do too, since
// partial reports cannot be distinguished from truncated ones.
func ParseReports(dirs []string, pattern string, runIndex int) ([]TestCaseResult, error) {
	var files []string

	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("globbing %s: %w", dir, err)
		}

		files = append(files, matches...)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no report files matching %q in %v",
			ErrMalformedReport, pattern, dirs)
	}

	sort.Strings(files)

	var results []TestCaseResult

	for _, file := range files {
		fileResults, err := ParseFile(file, runIndex)
		if err != nil {
			return nil, err
		}

		results = append(results, fileResults...)
	}

	return results, nil
}

// ParseFile parses a single report file.
func ParseFile(path string, runIndex int) ([]TestCaseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrMalformedReport, path, err)
	}

	return Parse(data, runIndex, path)
}

// Parse parses raw report bytes. The source name is used in errors only.
func Parse(data []byte, runIndex int, source string) ([]TestCaseResult, error) {
	var suites []testSuite

	// Try the single-suite root first (surefire's usual shape), then
	// the <testsuites> wrapper.
	var single testSuite
	if err := xml.Unmarshal(data, &single); err == nil {
		suites = append(suites, single)
	} else {
		var wrapper testSuites
		if wrapErr := xml.Unmarshal(data, &wrapper); wrapErr != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrMalformedReport, source, err)
		}

		suites = wrapper.Suites
	}

	var results []TestCaseResult

	for i := range suites {
		collectSuite(&suites[i], runIndex, &results)
	}

	return results, nil
}

// collectSuite appends the suite's test cases (including nested suites)
// in document order.
func collectSuite(suite *testSuite, runIndex int, out *[]TestCaseResult) {
	for _, tc := range suite.TestCases {
		*out = append(*out, toResult(tc, runIndex))
	}

	for i := range suite.Suites {
		collectSuite(&suite.Suites[i], runIndex, out)
	}
}

func toResult(tc testCase, runIndex int) TestCaseResult {
	result := TestCaseResult{
		TestID:   testID(tc.ClassName, tc.Name),
		RunIndex: runIndex,
		Verdict:  VerdictPass,
		Duration: time.Duration(tc.Time * float64(time.Second)),
	}

	switch {
	case tc.Error != nil:
		result.Verdict = VerdictError
		result.FailureDetail = detail(tc.Error)
	case tc.Failure != nil:
		result.Verdict = VerdictFail
		result.FailureDetail = detail(tc.Failure)
	case tc.Skipped != nil:
		result.Verdict = VerdictSkipped
	}

	return result
}

// testID builds the stable identifier for a test case.
func testID(className, name string) string {
	if className == "" {
		return name
	}

	return className + "." + name
}

// detail renders the failure message, falling back to type and body.
func detail(d *caseDetail) string {
	if d.Message != "" {
		return d.Message
	}

	if d.Type != "" {
		return d.Type
	}

	return d.Body
}
