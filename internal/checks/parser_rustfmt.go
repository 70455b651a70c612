package checks

import (
	"fmt"
	"regexp"
	"strings"
)

// RustfmtParser parses cargo fmt --check output.
type RustfmtParser struct{}

type rustfmtResult struct {
	FilesNeedingFormat []string `json:"files_needing_format"`
	Count              int      `json:"count"`
}

// Diff in /src/lib.rs at line 12:   (older rustfmt)
// Diff in /src/lib.rs:12:           (newer rustfmt)
var rustfmtDiffRe = regexp.MustCompile(`^Diff in (.+?)(?: at line \d+|:\d+):$`)

func (p *RustfmtParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	seen := make(map[string]bool)
	var files []string
	for _, line := range strings.Split(stdout, "\n") {
		m := rustfmtDiffRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		files = append(files, m[1])
	}

	result := rustfmtResult{
		FilesNeedingFormat: files,
		Count:              len(files),
	}

	passed := exitCode == 0
	summary := fmt.Sprintf("%d files need formatting", len(files))
	if passed {
		summary = "all files formatted"
	}

	return ParseResult{
		Passed:   passed,
		Summary:  summary,
		Findings: result,
	}
}
