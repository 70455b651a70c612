package coverage

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// FileCoverage holds line hit counts for one source file. Every line in Hits
// is instrumented; a line is covered when its count is positive.
type FileCoverage struct {
	Path string      `json:"path"`
	Hits map[int]int `json:"hits"`
}

// Covered returns the number of instrumented lines with a non-zero count.
func (f *FileCoverage) Covered() int {
	n := 0
	for _, c := range f.Hits {
		if c > 0 {
			n++
		}
	}
	return n
}

// Total returns the number of instrumented lines.
func (f *FileCoverage) Total() int {
	return len(f.Hits)
}

// Report is normalized per-file line coverage.
type Report struct {
	Files map[string]*FileCoverage `json:"files"`
}

// NewReport returns an empty report.
func NewReport() *Report {
	return &Report{Files: make(map[string]*FileCoverage)}
}

func (r *Report) file(path string) *FileCoverage {
	f, ok := r.Files[path]
	if !ok {
		f = &FileCoverage{Path: path, Hits: make(map[int]int)}
		r.Files[path] = f
	}
	return f
}

// Add records count hits for a line, summing with any existing count.
func (r *Report) Add(path string, line, count int) {
	r.file(path).Hits[line] += count
}

// Merge folds o into r, summing hit counts line by line.
func (r *Report) Merge(o *Report) {
	if o == nil {
		return
	}
	for path, f := range o.Files {
		dst := r.file(path)
		for line, c := range f.Hits {
			dst.Hits[line] += c
		}
	}
}

// Paths returns the file paths in sorted order.
func (r *Report) Paths() []string {
	paths := make([]string, 0, len(r.Files))
	for p := range r.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Totals returns covered and instrumented line counts across all files.
func (r *Report) Totals() (covered, total int) {
	for _, f := range r.Files {
		covered += f.Covered()
		total += f.Total()
	}
	return covered, total
}

// Percent is the line coverage in [0, 100]; a report with no instrumented
// lines is 0.
func (r *Report) Percent() float64 {
	covered, total := r.Totals()
	if total == 0 {
		return 0
	}
	return 100 * float64(covered) / float64(total)
}

// Summary is a one-line description for stage output.
func (r *Report) Summary() string {
	covered, total := r.Totals()
	return fmt.Sprintf("%d files, %.2f%% lines covered (%d/%d)", len(r.Files), r.Percent(), covered, total)
}

// ParseLCOV reads an LCOV tracefile. Only SF, DA and end_of_record are
// interpreted; function and branch records are skipped.
func ParseLCOV(rd io.Reader) (*Report, error) {
	r := NewReport()
	var cur *FileCoverage

	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "SF:"):
			cur = r.file(strings.TrimPrefix(line, "SF:"))
		case line == "end_of_record":
			cur = nil
		case strings.HasPrefix(line, "DA:"):
			if cur == nil {
				return nil, fmt.Errorf("lcov line %d: DA record outside of a file section", lineNo)
			}
			// DA:<line>,<count>[,<checksum>]
			parts := strings.Split(strings.TrimPrefix(line, "DA:"), ",")
			if len(parts) < 2 {
				return nil, fmt.Errorf("lcov line %d: malformed DA record %q", lineNo, line)
			}
			n, err := strconv.Atoi(parts[0])
			if err != nil {
				return nil, fmt.Errorf("lcov line %d: bad line number: %w", lineNo, err)
			}
			if n < 1 {
				return nil, fmt.Errorf("lcov line %d: line number %d out of range", lineNo, n)
			}
			// grcov can emit float counts for merged data. Any positive count
			// means the line ran, so fractions round up.
			c, err := strconv.ParseFloat(parts[1], 64)
			if err != nil {
				return nil, fmt.Errorf("lcov line %d: bad hit count: %w", lineNo, err)
			}
			if c < 0 || math.IsNaN(c) || math.IsInf(c, 0) {
				return nil, fmt.Errorf("lcov line %d: bad hit count %q", lineNo, parts[1])
			}
			cur.Hits[n] += int(math.Ceil(c))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading lcov: %w", err)
	}
	return r, nil
}

// WriteLCOV writes the report as an LCOV tracefile with files and lines in
// sorted order.
func (r *Report) WriteLCOV(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, path := range r.Paths() {
		f := r.Files[path]
		lines := make([]int, 0, len(f.Hits))
		for l := range f.Hits {
			lines = append(lines, l)
		}
		sort.Ints(lines)

		fmt.Fprintf(bw, "SF:%s\n", path)
		for _, l := range lines {
			fmt.Fprintf(bw, "DA:%d,%d\n", l, f.Hits[l])
		}
		fmt.Fprintf(bw, "LF:%d\nLH:%d\nend_of_record\n", f.Total(), f.Covered())
	}
	return bw.Flush()
}
