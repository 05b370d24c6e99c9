package reporter

import (
	"fmt"
	"io"
	"os"

	"sql-guard/internal/model"

	"github.com/fatih/color"
)

type ConsoleReporter struct {
	out io.Writer
}

func NewConsoleReporter() *ConsoleReporter {
	return &ConsoleReporter{out: os.Stdout}
}

// NewConsoleReporterTo writes to out instead of stdout.
func NewConsoleReporterTo(out io.Writer) *ConsoleReporter {
	return &ConsoleReporter{out: out}
}

func (r *ConsoleReporter) Report(results []model.CheckResult) error {
	findings, failed := 0, 0
	for _, res := range results {
		switch {
		case res.Err != nil:
			failed++
			fmt.Fprintf(r.out, "%s: %s %v\n", res.Segment.Identifier(), color.RedString("[ERROR]"), res.Err)
			fmt.Fprintf(r.out, "\tCode: %s\n\n", color.CyanString(truncate(res.Segment.SQL, 80)))
		case res.Verdict != nil && !res.Verdict.Passed:
			for _, f := range res.Verdict.Findings {
				findings++
				// Format: file:line (call site): [LEVEL] rule: message
				fmt.Fprintf(r.out, "%s: [%s] %s: %s\n", where(res.Segment), levelColor(f.Severity).Sprint(f.Severity), f.Rule, f.Message)
				fmt.Fprintf(r.out, "\tCode: %s\n", color.CyanString(truncate(res.Segment.SQL, 80)))
				if f.Suggestion != "" {
					fmt.Fprintf(r.out, "\tSuggestion: %s\n", f.Suggestion)
				}
				fmt.Fprintln(r.out)
			}
		}
	}

	if findings == 0 && failed == 0 {
		fmt.Fprintln(r.out, color.GreenString("✔ No SQL issues found in %d statements.", len(results)))
		return nil
	}
	fmt.Fprintf(r.out, "\n%s found %d issues in %d statements", color.RedString("✘"), findings, len(results))
	if failed > 0 {
		fmt.Fprintf(r.out, " (%d could not be checked)", failed)
	}
	fmt.Fprintln(r.out, ".")
	return nil
}

func where(s model.SQLSegment) string {
	if s.Location.FilePath == "" {
		return s.Identifier()
	}
	if s.CallSite == "" {
		return s.Location.String()
	}
	return fmt.Sprintf("%s (%s)", s.Location, s.CallSite)
}

func levelColor(s model.Severity) *color.Color {
	switch s {
	case model.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	case model.SeverityHigh:
		return color.New(color.FgRed)
	case model.SeverityMedium:
		return color.New(color.FgYellow, color.Bold)
	case model.SeverityLow:
		return color.New(color.FgBlue, color.Bold)
	default:
		return color.New(color.FgWhite)
	}
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
