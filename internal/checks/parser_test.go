package checks

import (
	"strings"
	"testing"
	"unicode/utf8"
)

const clippyOutput = `    Checking elliptic v0.1.0 (/work/elliptic)
error: this ` + "`if`" + ` has identical blocks
  --> src/primitives/field_element.rs:42:9
   |
42 |         if a { 1 } else { 1 }
   |
   = help: for further information visit https://rust-lang.github.io/rust-clippy/master/index.html#if_same_then_else
   = note: ` + "`-D clippy::if-same-then-else`" + ` implied by ` + "`-D warnings`" + `
   = note: see clippy::if_same_then_else

warning: unused variable: ` + "`x`" + `
 --> src/primitives/elliptic_curve/point.rs:7:9
  |
warning: ` + "`elliptic`" + ` (lib) generated 1 warning
error: could not compile ` + "`elliptic`" + ` (lib) due to 1 previous error; 1 warning emitted
`

func TestCargoParser_Clippy(t *testing.T) {
	p := &CargoParser{}
	r := p.Parse("", clippyOutput, 101)
	if r.Passed {
		t.Error("expected passed=false")
	}
	if r.Summary != "1 errors, 1 warnings" {
		t.Errorf("unexpected summary: %q", r.Summary)
	}

	result := r.Findings.(cargoResult)
	if len(result.Findings) != 2 {
		t.Fatalf("expected 2 findings, got %d: %+v", len(result.Findings), result.Findings)
	}
	f := result.Findings[0]
	if f.File != "src/primitives/field_element.rs" || f.Line != 42 || f.Column != 9 {
		t.Errorf("unexpected location %s:%d:%d", f.File, f.Line, f.Column)
	}
	if f.Lint != "clippy::if_same_then_else" {
		t.Errorf("expected lint clippy::if_same_then_else, got %q", f.Lint)
	}
	if result.Findings[1].Severity != "warning" {
		t.Errorf("expected second finding to be a warning, got %q", result.Findings[1].Severity)
	}
}

func TestCargoParser_ErrorCode(t *testing.T) {
	p := &CargoParser{}
	r := p.Parse("", "error[E0308]: mismatched types\n --> src/lib.rs:3:5\n", 101)
	result := r.Findings.(cargoResult)
	if len(result.Findings) != 1 || result.Findings[0].Code != "E0308" {
		t.Fatalf("expected E0308 finding, got %+v", result.Findings)
	}
}

func TestCargoParser_Clean(t *testing.T) {
	p := &CargoParser{}
	r := p.Parse("", "    Checking elliptic v0.1.0\n    Finished dev [unoptimized + debuginfo] target(s) in 0.52s\n", 0)
	if !r.Passed {
		t.Error("expected passed=true")
	}
	if r.Summary != "0 errors, 0 warnings" {
		t.Errorf("unexpected summary: %q", r.Summary)
	}
}

func TestCargoParser_NonZeroWithoutDiagnostics(t *testing.T) {
	p := &CargoParser{}
	r := p.Parse("", "Killed", 137)
	if r.Passed {
		t.Error("expected passed=false")
	}
	if !strings.Contains(r.Summary, "exit code 137") {
		t.Errorf("unexpected summary: %q", r.Summary)
	}
}

const cargoTestOutput = `
running 3 tests
test primitives::field_element::tests::add ... ok
test primitives::field_element::tests::inverse ... FAILED
test primitives::elliptic_curve::point::tests::double ... ignored

failures:

---- primitives::field_element::tests::inverse stdout ----
thread 'primitives::field_element::tests::inverse' panicked at src/primitives/field_element.rs:88:9:
assertion ` + "`left == right`" + ` failed

failures:
    primitives::field_element::tests::inverse

test result: FAILED. 1 passed; 1 failed; 1 ignored; 0 measured; 0 filtered out; finished in 0.01s

running 2 tests
test src/lib.rs - doc (line 3) ... ok
test src/lib.rs - doc (line 9) ... ok

test result: ok. 2 passed; 0 failed; 0 ignored; 0 measured; 0 filtered out; finished in 0.20s
`

func TestCargoTestParser_Failures(t *testing.T) {
	p := &CargoTestParser{}
	r := p.Parse(cargoTestOutput, "", 101)
	if r.Passed {
		t.Error("expected passed=false")
	}
	if r.Summary != "3 passed, 1 failed, 1 ignored across 2 suites" {
		t.Errorf("unexpected summary: %q", r.Summary)
	}

	result := r.Findings.(cargoTestResult)
	if len(result.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(result.Failures))
	}
	if result.Failures[0].Test != "primitives::field_element::tests::inverse" {
		t.Errorf("unexpected failing test %q", result.Failures[0].Test)
	}
	if !strings.Contains(result.Failures[0].Error, "panicked at src/primitives/field_element.rs:88:9") {
		t.Errorf("expected panic location in error, got %q", result.Failures[0].Error)
	}
}

func TestCargoTestParser_AllPass(t *testing.T) {
	p := &CargoTestParser{}
	r := p.Parse("test result: ok. 5 passed; 0 failed; 0 ignored; 0 measured; 0 filtered out; finished in 0.00s\n", "", 0)
	if !r.Passed {
		t.Error("expected passed=true")
	}
}

func TestCargoTestParser_NoResults(t *testing.T) {
	p := &CargoTestParser{}
	r := p.Parse("", "error[E0425]: cannot find value", 101)
	if r.Passed {
		t.Error("expected passed=false")
	}
	if !strings.Contains(r.Summary, "no test results found") {
		t.Errorf("unexpected summary: %q", r.Summary)
	}
}

func TestRustfmtParser(t *testing.T) {
	input := `Diff in /work/src/lib.rs at line 1:
-use std::fmt;
+use std::fmt ;
Diff in /work/src/lib.rs at line 20:
Diff in /work/src/primitives/field_element.rs:7:
`
	p := &RustfmtParser{}
	r := p.Parse(input, "", 1)
	if r.Passed {
		t.Error("expected passed=false")
	}
	if r.Summary != "2 files need formatting" {
		t.Errorf("unexpected summary: %q", r.Summary)
	}

	ok := p.Parse("", "", 0)
	if !ok.Passed || ok.Summary != "all files formatted" {
		t.Errorf("unexpected clean result: %+v", ok)
	}
}

func TestCargoAuditParser(t *testing.T) {
	input := `{
  "vulnerabilities": {
    "found": true,
    "count": 1,
    "list": [
      {
        "advisory": {"id": "RUSTSEC-2020-0071", "title": "Potential segfault in the time crate", "url": "https://github.com/time-rs/time/issues/293"},
        "versions": {"patched": [">=0.2.23"]},
        "package": {"name": "time", "version": "0.1.45"}
      }
    ]
  },
  "warnings": {"unmaintained": [{"kind": "unmaintained"}, {"kind": "unmaintained"}]}
}`
	p := &CargoAuditParser{}
	r := p.Parse(input, "", 1)
	if r.Passed {
		t.Error("expected passed=false")
	}
	if r.Summary != "1 vulnerabilities, warnings: 2 unmaintained" {
		t.Errorf("unexpected summary: %q", r.Summary)
	}
	result := r.Findings.(cargoAuditResult)
	if result.Vulnerabilities[0].ID != "RUSTSEC-2020-0071" {
		t.Errorf("unexpected advisory %q", result.Vulnerabilities[0].ID)
	}
}

func TestCargoAuditParser_InvalidJSON(t *testing.T) {
	p := &CargoAuditParser{}
	r := p.Parse("not json", "", 1)
	if r.Passed {
		t.Error("expected passed=false for exit code 1")
	}
}

func TestGenericParser_TruncatesTail(t *testing.T) {
	p := &GenericParser{}
	long := strings.Repeat("x", maxOutputLen+100) + "END"
	r := p.Parse(long, "", 2)
	findings := r.Findings.(string)
	if !strings.HasSuffix(findings, "END") {
		t.Error("expected tail of output to be kept")
	}
	if !strings.HasPrefix(findings, "…(truncated)") {
		t.Error("expected truncation marker")
	}
}

func TestTail_KeepsRunesWhole(t *testing.T) {
	// "é" is two bytes and "→" three, so most cut points land mid-sequence.
	s := strings.Repeat("é→", 50)
	for max := 1; max < 20; max++ {
		got := Tail(s, max)
		if !utf8.ValidString(got) {
			t.Fatalf("Tail(s, %d) = %q, not valid UTF-8", max, got)
		}
		kept := strings.TrimPrefix(got, "…(truncated)\n")
		if len(kept) > max {
			t.Errorf("Tail(s, %d) kept %d bytes", max, len(kept))
		}
		if !strings.HasSuffix(s, kept) {
			t.Errorf("Tail(s, %d) = %q, not a suffix of the input", max, kept)
		}
	}
	if got := Tail("short", 10); got != "short" {
		t.Errorf("Tail of short input = %q", got)
	}
}
