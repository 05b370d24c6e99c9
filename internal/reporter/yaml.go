package reporter

import (
	"io"

	"sql-guard/internal/model"

	"gopkg.in/yaml.v3"
)

// YAMLReporter writes machine-readable results, one document for the run.
type YAMLReporter struct {
	out io.Writer
}

func NewYAMLReporter(out io.Writer) *YAMLReporter {
	return &YAMLReporter{out: out}
}

type yamlFinding struct {
	Rule       string `yaml:"rule"`
	Severity   string `yaml:"severity"`
	Message    string `yaml:"message"`
	Suggestion string `yaml:"suggestion,omitempty"`
}

type yamlResult struct {
	CallSite string         `yaml:"call_site,omitempty"`
	Location string         `yaml:"location,omitempty"`
	SQL      string         `yaml:"sql"`
	Passed   bool           `yaml:"passed"`
	Severity string         `yaml:"severity"`
	Findings []yamlFinding  `yaml:"findings,omitempty"`
	Details  map[string]any `yaml:"details,omitempty"`
	Error    string         `yaml:"error,omitempty"`
}

func (r *YAMLReporter) Report(results []model.CheckResult) error {
	out := make([]yamlResult, 0, len(results))
	for _, res := range results {
		yr := yamlResult{CallSite: res.Segment.CallSite, SQL: res.Segment.SQL}
		if res.Segment.Location.FilePath != "" {
			yr.Location = res.Segment.Location.String()
		}
		if res.Err != nil {
			yr.Error = res.Err.Error()
		}
		if v := res.Verdict; v != nil {
			yr.Passed = v.Passed
			yr.Severity = v.Severity.String()
			yr.Details = v.Details
			for _, f := range v.Findings {
				yr.Findings = append(yr.Findings, yamlFinding{
					Rule:       f.Rule,
					Severity:   f.Severity.String(),
					Message:    f.Message,
					Suggestion: f.Suggestion,
				})
			}
		}
		out = append(out, yr)
	}
	enc := yaml.NewEncoder(r.out)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"results": out}); err != nil {
		return err
	}
	return enc.Close()
}
