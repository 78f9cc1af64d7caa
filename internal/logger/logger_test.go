package logger

import (
	"bytes"
	"log/slog"
	"os"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	textTraceString   = "^time=\"[a-zA-Z0-9/:. ]{26}\" severity=TRACE message=\"TestLogs: www.traceExample.com\""
	textDebugString   = "^time=\"[a-zA-Z0-9/:. ]{26}\" severity=DEBUG message=\"TestLogs: www.debugExample.com\""
	textInfoString    = "^time=\"[a-zA-Z0-9/:. ]{26}\" severity=INFO message=\"TestLogs: www.infoExample.com\""
	textWarningString = "^time=\"[a-zA-Z0-9/:. ]{26}\" severity=WARNING message=\"TestLogs: www.warningExample.com\""
	textErrorString   = "^time=\"[a-zA-Z0-9/:. ]{26}\" severity=ERROR message=\"TestLogs: www.errorExample.com\""
)

type LoggerTest struct {
	suite.Suite
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTest))
}

// //////////////////////////////////////////////////////////////////////
// Boilerplate
// //////////////////////////////////////////////////////////////////////

func redirectLogsToGivenBuffer(buf *bytes.Buffer, severity Severity) {
	lvl := new(slog.LevelVar)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(buf, lvl, "TestLogs: "))
	setLoggingLevel(string(severity), lvl)
}

// fetchLogOutputForSpecifiedSeverityLevel takes a configured severity and
// functions that write logs as parameter and returns a string array
// containing output from each function call.
func fetchLogOutputForSpecifiedSeverityLevel(severity Severity, functions []func()) []string {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, severity)

	var output []string
	for _, f := range functions {
		f()
		output = append(output, buf.String())
		buf.Reset()
	}
	return output
}

func getTestLoggingFunctions() []func() {
	return []func(){
		func() { Tracef("www.traceExample.com") },
		func() { Debugf("www.debugExample.com") },
		func() { Infof("www.infoExample.com") },
		func() { Warnf("www.warningExample.com") },
		func() { Errorf("www.errorExample.com") },
	}
}

func validateOutput(t *testing.T, expected []string, output []string) {
	for i := range output {
		if expected[i] == "" {
			assert.Equal(t, expected[i], output[i])
		} else {
			expectedRegexp := regexp.MustCompile(expected[i])
			assert.True(t, expectedRegexp.MatchString(output[i]))
		}
	}
}

func validateLogOutputAtSpecifiedSeverity(t *testing.T, severity Severity, expectedOutput []string) {
	output := fetchLogOutputForSpecifiedSeverityLevel(severity, getTestLoggingFunctions())
	validateOutput(t, expectedOutput, output)
}

// //////////////////////////////////////////////////////////////////////
// Tests
// //////////////////////////////////////////////////////////////////////

func (t *LoggerTest) TestLogLevelERROR() {
	expected := []string{"", "", "", "", textErrorString}
	validateLogOutputAtSpecifiedSeverity(t.T(), SeverityError, expected)
}

func (t *LoggerTest) TestLogLevelWARNING() {
	expected := []string{"", "", "", textWarningString, textErrorString}
	validateLogOutputAtSpecifiedSeverity(t.T(), SeverityWarning, expected)
}

func (t *LoggerTest) TestLogLevelINFO() {
	expected := []string{"", "", textInfoString, textWarningString, textErrorString}
	validateLogOutputAtSpecifiedSeverity(t.T(), SeverityInfo, expected)
}

func (t *LoggerTest) TestLogLevelDEBUG() {
	expected := []string{"", textDebugString, textInfoString, textWarningString, textErrorString}
	validateLogOutputAtSpecifiedSeverity(t.T(), SeverityDebug, expected)
}

func (t *LoggerTest) TestLogLevelTRACE() {
	expected := []string{textTraceString, textDebugString, textInfoString, textWarningString, textErrorString}
	validateLogOutputAtSpecifiedSeverity(t.T(), SeverityTrace, expected)
}

func (t *LoggerTest) TestSetLoggingLevel() {
	testData := []struct {
		severity      Severity
		expectedLevel slog.Level
	}{
		{SeverityTrace, levelTrace},
		{SeverityDebug, slog.LevelDebug},
		{SeverityWarning, levelWarn},
		{SeverityError, slog.LevelError},
		{Severity("OFF"), slog.LevelInfo}, // unrecognized severities fall back to INFO
	}

	for _, test := range testData {
		v := new(slog.LevelVar)
		setLoggingLevel(string(test.severity), v)
		assert.Equal(t.T(), test.expectedLevel, v.Level())
	}
}

func (t *LoggerTest) TestInit_WritesRotatedLogFile() {
	dir := t.T().TempDir()
	filePath := dir + "/log.txt"

	err := Init(Config{
		Format:     "text",
		Severity:   SeverityDebug,
		FilePath:   filePath,
		MaxSizeMB:  100,
		MaxBackups: 2,
		Compress:   true,
	})
	t.Require().NoError(err)

	Infof("www.infoExample.com")

	contents, err := os.ReadFile(filePath)
	t.Require().NoError(err)
	assert.Regexp(t.T(), `time="[a-zA-Z0-9/:. ]{26}" severity=INFO message="www\.infoExample\.com"`, string(contents))
}

func (t *LoggerTest) TestInit_JSONFormat() {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonHandler(&buf, lvl, "TestLogs: "))
	setLoggingLevel(string(SeverityInfo), lvl)

	Infof("www.infoExample.com")

	assert.Regexp(t.T(), `"severity":"INFO".*www\.infoExample\.com`, buf.String())
}
