// Package report renders gate runs for humans and machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/lucasnoah/qualitygate/internal/checks"
	"github.com/lucasnoah/qualitygate/internal/pipeline"
)

// Options controls text rendering.
type Options struct {
	// Verbose prints the captured output of every stage, not just the one
	// that rejected the change.
	Verbose bool
	// TailChars bounds how much captured output is printed per stage.
	TailChars int
}

const defaultTail = 4000

// Printer writes styled text. Color is decided by the destination: a
// terminal gets ANSI styles, anything else plain text.
type Printer struct {
	w    io.Writer
	opts Options

	pass, fail, warn, abort, dim, bold lipgloss.Style
}

// NewPrinter creates a printer for w.
func NewPrinter(w io.Writer, opts Options) *Printer {
	if opts.TailChars <= 0 {
		opts.TailChars = defaultTail
	}
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:     w,
		opts:  opts,
		pass:  r.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true),
		fail:  r.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true),
		warn:  r.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true),
		abort: r.NewStyle().Foreground(lipgloss.Color("#999999")).Bold(true),
		dim:   r.NewStyle().Foreground(lipgloss.Color("#A0AEC0")),
		bold:  r.NewStyle().Bold(true),
	}
}

// label is the status tag of one stage result.
func (p *Printer) label(st pipeline.StageResult) string {
	switch {
	case st.Aborted:
		return p.abort.Render("[ABRT]")
	case st.TimedOut && st.Fatal:
		return p.fail.Render("[TIME]")
	case st.Passed():
		return p.pass.Render("[PASS]")
	case !st.Fatal:
		return p.warn.Render("[WARN]")
	default:
		return p.fail.Render("[FAIL]")
	}
}

// Run prints one run: a line per executed stage, the failing stage's output
// and hint, and the verdict.
func (p *Printer) Run(run *pipeline.Run) {
	title := run.Gate
	if run.Entry != "" {
		title += "/" + run.Entry
	}
	fmt.Fprintln(p.w, p.bold.Render(title))

	for _, st := range run.Stages {
		line := fmt.Sprintf("%s %s", p.label(st), st.Name)
		if detail := stageDetail(st); detail != "" {
			line += " — " + detail
		}
		line += p.dim.Render(fmt.Sprintf(" (%s)", formatDuration(st.Duration)))
		fmt.Fprintln(p.w, line)

		rejected := run.Outcome.Status == pipeline.StatusFail && run.Outcome.Stage == st.Name
		if (p.opts.Verbose || rejected) && st.Output != "" {
			p.output(st.Output)
		}
	}

	switch run.Outcome.Status {
	case pipeline.StatusPass:
		msg := "PASS"
		if n := len(run.Advisories()); n > 0 {
			msg += fmt.Sprintf(" (%d advisory %s)", n, plural(n, "failure", "failures"))
		}
		fmt.Fprintln(p.w, p.pass.Render(msg))
	case pipeline.StatusFail:
		fmt.Fprintln(p.w, p.fail.Render("FAIL: rejected at "+run.Outcome.Stage))
		if failed := run.Failed(); failed != nil && failed.Hint != "" {
			fmt.Fprintln(p.w, failed.Hint)
		}
	case pipeline.StatusAborted:
		msg := "ABORTED"
		if run.Outcome.Stage != "" {
			msg += " during " + run.Outcome.Stage
		}
		if run.Outcome.Reason != "" {
			msg += ": " + run.Outcome.Reason
		}
		fmt.Fprintln(p.w, p.abort.Render(msg))
	}
}

// Matrix prints every run followed by a one-line-per-entry summary when
// there is more than one entry.
func (p *Printer) Matrix(runs []*pipeline.Run) {
	var done []*pipeline.Run
	for _, run := range runs {
		if run != nil {
			done = append(done, run)
		}
	}
	for i, run := range done {
		if i > 0 {
			fmt.Fprintln(p.w)
		}
		p.Run(run)
	}
	if len(done) < 2 {
		return
	}
	fmt.Fprintln(p.w)
	fmt.Fprintf(p.w, "%-20s %-8s %-12s %s\n", "ENTRY", "STATUS", "STAGE", "DURATION")
	fmt.Fprintf(p.w, "%-20s %-8s %-12s %s\n", strings.Repeat("-", 20), strings.Repeat("-", 8), strings.Repeat("-", 12), strings.Repeat("-", 8))
	for _, run := range done {
		entry := run.Entry
		if entry == "" {
			entry = "(default)"
		}
		fmt.Fprintf(p.w, "%-20s %-8s %-12s %s\n", entry, run.Outcome.Status, run.Outcome.Stage, formatDuration(run.Duration()))
	}
}

func (p *Printer) output(out string) {
	for _, line := range strings.Split(strings.TrimRight(checks.Tail(out, p.opts.TailChars), "\n"), "\n") {
		fmt.Fprintln(p.w, p.dim.Render("    │ ")+line)
	}
}

func stageDetail(st pipeline.StageResult) string {
	switch {
	case st.Reason != "" && st.Summary != "":
		return st.Summary + "; " + st.Reason
	case st.Reason != "":
		return st.Reason
	case st.Summary != "":
		return st.Summary
	case st.ExitStatus != 0:
		return fmt.Sprintf("exit %d", st.ExitStatus)
	}
	return ""
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(100 * time.Millisecond).String()
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// runJSON adds derived fields to a run's serialized form.
type runJSON struct {
	*pipeline.Run
	ExitCode   int     `json:"exit_code"`
	DurationMs int64   `json:"duration_ms"`
	Stages     []stage `json:"stages"`
}

type stage struct {
	pipeline.StageResult
	Passed     bool  `json:"passed"`
	DurationMs int64 `json:"duration_ms"`
}

// JSON writes runs as an indented JSON array.
func JSON(w io.Writer, runs []*pipeline.Run) error {
	out := make([]runJSON, 0, len(runs))
	for _, run := range runs {
		if run == nil {
			continue
		}
		rj := runJSON{Run: run, ExitCode: run.ExitCode(), DurationMs: run.Duration().Milliseconds()}
		for _, st := range run.Stages {
			rj.Stages = append(rj.Stages, stage{StageResult: st, Passed: st.Passed(), DurationMs: st.Duration.Milliseconds()})
		}
		out = append(out, rj)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode runs: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
