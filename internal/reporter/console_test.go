package reporter

import (
	"bytes"
	"strings"
	"testing"

	"sql-guard/internal/model"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConsoleReporter(t *testing.T) {
	color.NoColor = true

	failing := model.NewVerdict()
	failing.Add(model.Finding{Rule: "missing-filter", Severity: model.SeverityCritical, Message: "DELETE without WHERE", Suggestion: "Add a WHERE clause."})

	var buf bytes.Buffer
	results := []model.CheckResult{
		{
			Segment: model.SQLSegment{SQL: "DELETE FROM users", CallSite: "UserMapper.purge", Location: model.Location{FilePath: "UserMapper.xml", Line: 4}},
			Verdict: failing,
		},
		{Segment: model.SQLSegment{SQL: "SELECT 1", Location: model.Location{FilePath: "a.go", Line: 1}}, Verdict: model.NewVerdict()},
		{Segment: model.SQLSegment{SQL: "SELEC oops", CallSite: "Repo.broken"}, Err: errors.New("syntax error")},
	}
	require.NoError(t, NewConsoleReporterTo(&buf).Report(results))

	out := buf.String()
	assert.Contains(t, out, "UserMapper.xml:4 (UserMapper.purge): [CRITICAL] missing-filter: DELETE without WHERE")
	assert.Contains(t, out, "Suggestion: Add a WHERE clause.")
	assert.Contains(t, out, "Repo.broken: [ERROR] syntax error")
	assert.Contains(t, out, "found 1 issues in 3 statements (1 could not be checked).")
	assert.NotContains(t, out, "a.go:1")
}

func TestConsoleReporter_Clean(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	require.NoError(t, NewConsoleReporterTo(&buf).Report([]model.CheckResult{{Verdict: model.NewVerdict()}}))
	assert.True(t, strings.HasPrefix(buf.String(), "✔ No SQL issues found in 1 statements."))
}

func TestYAMLReporter(t *testing.T) {
	failing := model.NewVerdict()
	failing.Add(model.Finding{Rule: "deep-pagination", Severity: model.SeverityMedium, Message: "Deep offset"})
	failing.SetDetail("offset", 50000)

	var buf bytes.Buffer
	require.NoError(t, NewYAMLReporter(&buf).Report([]model.CheckResult{
		{Segment: model.SQLSegment{SQL: "SELECT * FROM t LIMIT 50000, 10", CallSite: "T.page"}, Verdict: failing},
	}))

	var doc struct {
		Results []struct {
			CallSite string         `yaml:"call_site"`
			Passed   bool           `yaml:"passed"`
			Severity string         `yaml:"severity"`
			Details  map[string]int `yaml:"details"`
			Findings []struct {
				Rule string `yaml:"rule"`
			} `yaml:"findings"`
		} `yaml:"results"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.Results, 1)
	res := doc.Results[0]
	assert.Equal(t, "T.page", res.CallSite)
	assert.False(t, res.Passed)
	assert.Equal(t, "MEDIUM", res.Severity)
	assert.Equal(t, 50000, res.Details["offset"])
	assert.Equal(t, "deep-pagination", res.Findings[0].Rule)
}
