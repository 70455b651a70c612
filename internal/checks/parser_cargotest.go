package checks

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// CargoTestParser parses libtest output from cargo test.
type CargoTestParser struct{}

type cargoTestFailure struct {
	Test  string `json:"test"`
	Error string `json:"error,omitempty"`
}

type cargoTestResult struct {
	Suites   int                `json:"suites"`
	Passed   int                `json:"passed"`
	Failed   int                `json:"failed"`
	Ignored  int                `json:"ignored"`
	Failures []cargoTestFailure `json:"failures,omitempty"`
}

var (
	// test result: ok. 12 passed; 0 failed; 1 ignored; 0 measured; 0 filtered out; finished in 0.02s
	cargoTestResultRe = regexp.MustCompile(`test result: (?:ok|FAILED)\. (\d+) passed; (\d+) failed; (\d+) ignored`)
	cargoTestFailedRe = regexp.MustCompile(`^test (\S+) \.\.\. FAILED$`)
	// ---- field_element::tests::inverse stdout ----
	cargoTestBlockRe = regexp.MustCompile(`^---- (\S+) stdout ----$`)
)

// maxFailureMessage caps the captured panic text per failing test.
const maxFailureMessage = 500

func (p *CargoTestParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var result cargoTestResult
	messages := make(map[string]string)
	var order []string

	var block string
	var blockLines []string
	endBlock := func() {
		if block != "" {
			messages[block] = Tail(strings.TrimSpace(strings.Join(blockLines, "\n")), maxFailureMessage)
		}
		block = ""
		blockLines = nil
	}

	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimRight(line, "\r")

		if m := cargoTestBlockRe.FindStringSubmatch(line); m != nil {
			endBlock()
			block = m[1]
			continue
		}
		if block != "" {
			if strings.TrimSpace(line) == "" || line == "failures:" {
				endBlock()
			} else {
				blockLines = append(blockLines, line)
			}
			continue
		}

		if m := cargoTestFailedRe.FindStringSubmatch(line); m != nil {
			order = append(order, m[1])
			continue
		}
		if m := cargoTestResultRe.FindStringSubmatch(line); m != nil {
			passed, _ := strconv.Atoi(m[1])
			failed, _ := strconv.Atoi(m[2])
			ignored, _ := strconv.Atoi(m[3])
			result.Suites++
			result.Passed += passed
			result.Failed += failed
			result.Ignored += ignored
		}
	}
	endBlock()

	for _, name := range order {
		result.Failures = append(result.Failures, cargoTestFailure{Test: name, Error: messages[name]})
	}

	if result.Suites == 0 {
		return ParseResult{
			Passed:   exitCode == 0,
			Summary:  fmt.Sprintf("exit code %d (no test results found)", exitCode),
			Findings: result,
		}
	}

	return ParseResult{
		Passed:   exitCode == 0 && result.Failed == 0,
		Summary:  fmt.Sprintf("%d passed, %d failed, %d ignored across %d suites", result.Passed, result.Failed, result.Ignored, result.Suites),
		Findings: result,
	}
}
