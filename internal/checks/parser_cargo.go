package checks

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// CargoParser parses rustc/clippy diagnostics in cargo's human output format.
type CargoParser struct{}

type cargoFinding struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Severity string `json:"severity"`
	Code     string `json:"code,omitempty"`
	Lint     string `json:"lint,omitempty"`
	Message  string `json:"message"`
}

type cargoResult struct {
	Errors   int            `json:"errors"`
	Warnings int            `json:"warnings"`
	Findings []cargoFinding `json:"findings"`
}

var (
	// warning: unused variable: `x`
	// error[E0425]: cannot find value `y` in this scope
	cargoHeadRe = regexp.MustCompile(`^(warning|error)(?:\[([A-Z]\d{4})\])?: (.+)$`)
	//   --> src/lib.rs:3:9
	cargoLocRe  = regexp.MustCompile(`^\s*--> (.+?):(\d+):(\d+)$`)
	cargoLintRe = regexp.MustCompile(`(clippy::[a-z0-9_-]+)`)
	// warning: `elliptic` (lib) generated 2 warnings
	cargoGeneratedRe = regexp.MustCompile("^`[^`]+` \\(.+\\) generated \\d+ warnings?")
)

// isCargoSummary reports whether a diagnostic head is cargo's own roll-up
// rather than a finding.
func isCargoSummary(msg string) bool {
	switch {
	case strings.HasPrefix(msg, "could not compile"),
		strings.HasPrefix(msg, "aborting due to"),
		strings.HasPrefix(msg, "build failed"),
		strings.HasSuffix(msg, "warnings emitted"),
		strings.HasSuffix(msg, "warning emitted"),
		cargoGeneratedRe.MatchString(msg):
		return true
	}
	return false
}

func (p *CargoParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var result cargoResult
	var cur *cargoFinding

	flush := func() {
		if cur == nil {
			return
		}
		if cur.Severity == "error" {
			result.Errors++
		} else {
			result.Warnings++
		}
		result.Findings = append(result.Findings, *cur)
		cur = nil
	}

	// cargo writes diagnostics to stderr; scan stdout too for wrappers that merge streams.
	for _, line := range strings.Split(stderr+"\n"+stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if m := cargoHeadRe.FindStringSubmatch(line); m != nil {
			flush()
			if isCargoSummary(m[3]) {
				continue
			}
			cur = &cargoFinding{Severity: m[1], Code: m[2], Message: m[3]}
			continue
		}
		if cur == nil {
			continue
		}
		if m := cargoLocRe.FindStringSubmatch(line); m != nil && cur.File == "" {
			cur.File = m[1]
			cur.Line, _ = strconv.Atoi(m[2])
			cur.Column, _ = strconv.Atoi(m[3])
			continue
		}
		if cur.Lint == "" {
			if m := cargoLintRe.FindStringSubmatch(line); m != nil {
				cur.Lint = strings.ReplaceAll(m[1], "-", "_")
			}
		}
	}
	flush()

	passed := exitCode == 0 && result.Errors == 0
	summary := fmt.Sprintf("%d errors, %d warnings", result.Errors, result.Warnings)
	if exitCode != 0 && result.Errors == 0 && result.Warnings == 0 {
		summary = fmt.Sprintf("exit code %d (no diagnostics parsed)", exitCode)
	}

	return ParseResult{
		Passed:   passed,
		Summary:  summary,
		Findings: result,
	}
}
