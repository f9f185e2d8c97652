package junitxml

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const surefireReport = `<?xml version="1.0" encoding="UTF-8"?>
<testsuite name="com.example.LoginTest" tests="4" failures="1" errors="1" skipped="1" time="12.5">
  <testcase classname="com.example.LoginTest" name="login_valid" time="1.25"/>
  <testcase classname="com.example.LoginTest" name="login_invalid" time="0.8">
    <failure message="expected 401 but was 500" type="AssertionError">stack trace here</failure>
  </testcase>
  <testcase classname="com.example.LoginTest" name="login_timeout" time="30.0">
    <error message="connection refused" type="ConnectException"/>
  </testcase>
  <testcase classname="com.example.LoginTest" name="login_sso" time="0.0">
    <skipped/>
  </testcase>
</testsuite>
`

const wrappedReport = `<?xml version="1.0" encoding="UTF-8"?>
<testsuites>
  <testsuite name="suite-a">
    <testcase classname="com.example.A" name="one" time="0.1"/>
  </testsuite>
  <testsuite name="suite-b">
    <testcase classname="com.example.B" name="two" time="0.2">
      <failure message="boom"/>
    </testcase>
  </testsuite>
</testsuites>
`

func TestParse_SurefireReport(t *testing.T) {
	results, err := Parse([]byte(surefireReport), 7, "TEST-com.example.LoginTest.xml")
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, TestCaseResult{
		TestID:   "com.example.LoginTest.login_valid",
		RunIndex: 7,
		Verdict:  VerdictPass,
		Duration: 1250 * time.Millisecond,
	}, results[0])

	assert.Equal(t, VerdictFail, results[1].Verdict)
	assert.Equal(t, "expected 401 but was 500", results[1].FailureDetail)

	assert.Equal(t, VerdictError, results[2].Verdict)
	assert.Equal(t, "connection refused", results[2].FailureDetail)

	assert.Equal(t, VerdictSkipped, results[3].Verdict)
	assert.Empty(t, results[3].FailureDetail)
}

func TestParse_TestSuitesWrapper(t *testing.T) {
	results, err := Parse([]byte(wrappedReport), 0, "junit.xml")
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "com.example.A.one", results[0].TestID)
	assert.Equal(t, VerdictPass, results[0].Verdict)
	assert.Equal(t, "com.example.B.two", results[1].TestID)
	assert.Equal(t, VerdictFail, results[1].Verdict)
}

func TestParse_NestedSuites(t *testing.T) {
	report := `<testsuite name="outer">
  <testcase classname="pkg.Outer" name="top" time="0.1"/>
  <testsuite name="inner">
    <testcase classname="pkg.Inner" name="nested" time="0.2"/>
  </testsuite>
</testsuite>`

	results, err := Parse([]byte(report), 0, "nested.xml")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "pkg.Outer.top", results[0].TestID)
	assert.Equal(t, "pkg.Inner.nested", results[1].TestID)
}

func TestParse_ErrorTakesPrecedenceOverFailure(t *testing.T) {
	report := `<testsuite name="s">
  <testcase classname="pkg.C" name="both">
    <error message="err"/>
    <failure message="fail"/>
  </testcase>
</testsuite>`

	results, err := Parse([]byte(report), 0, "both.xml")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, VerdictError, results[0].Verdict)
	assert.Equal(t, "err", results[0].FailureDetail)
}

func TestParse_DetailFallback(t *testing.T) {
	report := `<testsuite name="s">
  <testcase classname="pkg.C" name="typed">
    <failure type="AssertionError"/>
  </testcase>
  <testcase classname="pkg.C" name="body">
    <failure>raw stack trace</failure>
  </testcase>
</testsuite>`

	results, err := Parse([]byte(report), 0, "detail.xml")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "AssertionError", results[0].FailureDetail)
	assert.Equal(t, "raw stack trace", results[1].FailureDetail)
}

func TestParse_NoClassName(t *testing.T) {
	report := `<testsuite name="s">
  <testcase name="bare"/>
</testsuite>`

	results, err := Parse([]byte(report), 0, "bare.xml")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "bare", results[0].TestID)
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("<testsuite><unclosed"), 0, "broken.xml")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedReport)
}

func TestParseReports(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "TEST-com.example.LoginTest.xml"),
		[]byte(surefireReport), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "TEST-com.example.Alpha.xml"),
		[]byte(`<testsuite name="alpha"><testcase classname="com.example.Alpha" name="a"/></testsuite>`),
		0o644))
	// A file not matching the pattern is ignored.
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	results, err := ParseReports([]string{dir}, "TEST*.xml", 4)
	require.NoError(t, err)
	require.Len(t, results, 5)

	// Files are consumed in sorted order.
	assert.Equal(t, "com.example.Alpha.a", results[0].TestID)

	for _, r := range results {
		assert.Equal(t, 4, r.RunIndex)
	}
}

func TestParseReports_MultipleDirs(t *testing.T) {
	surefire := t.TempDir()
	failsafe := t.TempDir()

	require.NoError(t, os.WriteFile(
		filepath.Join(surefire, "TEST-unit.xml"),
		[]byte(`<testsuite name="u"><testcase classname="pkg.U" name="u1"/></testsuite>`), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(failsafe, "TEST-it.xml"),
		[]byte(`<testsuite name="it"><testcase classname="pkg.IT" name="it1"/></testsuite>`), 0o644))

	results, err := ParseReports([]string{surefire, failsafe}, "TEST*.xml", 0)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestParseReports_NoFiles(t *testing.T) {
	_, err := ParseReports([]string{t.TempDir()}, "TEST*.xml", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedReport)
}

func TestParseReports_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "TEST-broken.xml"), []byte("not xml at all"), 0o644))

	_, err := ParseReports([]string{dir}, "TEST*.xml", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedReport)
}
