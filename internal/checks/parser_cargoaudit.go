package checks

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CargoAuditParser parses cargo audit --json output.
type CargoAuditParser struct{}

type cargoAuditOutput struct {
	Vulnerabilities struct {
		Found bool                `json:"found"`
		Count int                 `json:"count"`
		List  []cargoAuditVulnRaw `json:"list"`
	} `json:"vulnerabilities"`
	Warnings map[string][]json.RawMessage `json:"warnings"`
}

type cargoAuditVulnRaw struct {
	Advisory struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"advisory"`
	Package struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"package"`
	Versions struct {
		Patched []string `json:"patched"`
	} `json:"versions"`
}

type cargoAuditVuln struct {
	ID      string   `json:"id"`
	Package string   `json:"package"`
	Version string   `json:"version"`
	Title   string   `json:"title"`
	URL     string   `json:"url,omitempty"`
	Patched []string `json:"patched,omitempty"`
}

type cargoAuditResult struct {
	Vulnerabilities []cargoAuditVuln `json:"vulnerabilities"`
	Warnings        map[string]int   `json:"warnings,omitempty"`
}

func (p *CargoAuditParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var raw cargoAuditOutput
	if err := json.Unmarshal([]byte(stdout), &raw); err != nil {
		return ParseResult{
			Passed:  exitCode == 0,
			Summary: fmt.Sprintf("exit code %d (could not parse cargo audit JSON)", exitCode),
		}
	}

	var result cargoAuditResult
	for _, v := range raw.Vulnerabilities.List {
		result.Vulnerabilities = append(result.Vulnerabilities, cargoAuditVuln{
			ID:      v.Advisory.ID,
			Package: v.Package.Name,
			Version: v.Package.Version,
			Title:   v.Advisory.Title,
			URL:     v.Advisory.URL,
			Patched: v.Versions.Patched,
		})
	}
	if len(raw.Warnings) > 0 {
		result.Warnings = make(map[string]int, len(raw.Warnings))
		for kind, list := range raw.Warnings {
			result.Warnings[kind] = len(list)
		}
	}

	count := len(result.Vulnerabilities)
	summary := fmt.Sprintf("%d vulnerabilities", count)
	if len(result.Warnings) > 0 {
		kinds := make([]string, 0, len(result.Warnings))
		for kind, n := range result.Warnings {
			kinds = append(kinds, fmt.Sprintf("%d %s", n, kind))
		}
		sort.Strings(kinds)
		summary += ", warnings: " + strings.Join(kinds, ", ")
	}

	return ParseResult{
		Passed:   exitCode == 0 && count == 0,
		Summary:  summary,
		Findings: result,
	}
}
