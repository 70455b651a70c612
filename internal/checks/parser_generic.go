package checks

import (
	"fmt"
	"unicode/utf8"
)

// GenericParser is the fallback parser that captures exit code and actual output.
type GenericParser struct{}

// maxOutputLen caps how much stdout/stderr the generic parser retains in findings.
const maxOutputLen = 8000

func (p *GenericParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	passed := exitCode == 0
	summary := fmt.Sprintf("exit code %d, stdout=%d bytes, stderr=%d bytes", exitCode, len(stdout), len(stderr))
	if passed {
		return ParseResult{Passed: true, Summary: "passed (exit code 0)"}
	}
	return ParseResult{
		Passed:   false,
		Summary:  summary,
		Findings: Tail(joinOutput(stdout, stderr), maxOutputLen),
	}
}

// Tail keeps at most the last max bytes of s. Error summaries and panics are
// usually at the end. The cut never splits a UTF-8 sequence.
func Tail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	start := len(s) - max
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return "…(truncated)\n" + s[start:]
}
