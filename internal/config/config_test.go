package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sql-guard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
active-strategy: block
dedup:
  ttl: 250ms
rules:
  deep-pagination:
    max-offset: 500
  tautology:
    patterns: ["1=1"]
  required-column:
    enabled: true
    by-table:
      user: [id, email]
  missing-order-by:
    enabled: false
  expressions:
    - name: no-admin-table
      enabled: true
      expression: '"admin" in tables'
      severity: high
      message: admin table touched
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StrategyBlock, cfg.ActiveStrategy)
	assert.Equal(t, 250*time.Millisecond, cfg.Dedup.TTL)
	assert.Equal(t, 1000, cfg.Dedup.CacheSize)
	assert.Equal(t, int64(500), cfg.Rules.DeepPagination.MaxOffset)
	assert.True(t, cfg.Rules.DeepPagination.Enabled)
	assert.Equal(t, []string{"1=1"}, cfg.Rules.Tautology.Patterns)
	assert.Equal(t, []string{"id", "email"}, cfg.Rules.RequiredColumn.ByTable["user"])
	assert.False(t, cfg.Rules.MissingOrderBy.Enabled)
	assert.True(t, cfg.Rules.MissingFilter.Enabled)
	require.Len(t, cfg.Rules.Expressions, 1)
	assert.Equal(t, "no-admin-table", cfg.Rules.Expressions[0].Name)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "active-strategy: warn\n")
	t.Setenv("SQLGUARD_ACTIVE_STRATEGY", "block")
	t.Setenv("SQLGUARD_RULES_DEEP_PAGINATION_MAX_OFFSET", "42")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StrategyBlock, cfg.ActiveStrategy)
	assert.Equal(t, int64(42), cfg.Rules.DeepPagination.MaxOffset)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateNamesFields(t *testing.T) {
	cfg := Default()
	cfg.ActiveStrategy = "panic"
	cfg.Rules.DeepPagination.MaxOffset = 0
	cfg.Rules.LargePageSize.MaxPageSize = -1
	cfg.Rules.Tautology.Patterns = nil
	cfg.Rules.Tautology.CustomPatterns = []string{"("}
	cfg.Rules.MissingFilter.Severity = "fatal"
	cfg.Dedup.TTL = 0

	err := cfg.Validate()
	require.Error(t, err)

	var fields []string
	for _, e := range multierr.Errors(err) {
		var fe *FieldError
		require.True(t, errors.As(e, &fe), e.Error())
		fields = append(fields, fe.Field)
	}
	assert.ElementsMatch(t, []string{
		"active-strategy",
		"rules.deep-pagination.max-offset",
		"rules.large-page-size.max-page-size",
		"rules.tautology.custom-patterns[0]",
		"rules.missing-filter.severity",
		"dedup.ttl",
	}, fields)
}

func TestValidateDisabledRuleSkipsThresholds(t *testing.T) {
	cfg := Default()
	cfg.Rules.DeepPagination.Enabled = false
	cfg.Rules.DeepPagination.MaxOffset = 0
	cfg.Rules.Tautology.Enabled = false
	cfg.Rules.Tautology.Patterns = nil
	assert.NoError(t, cfg.Validate())
}

func TestValidateRequiredColumnNeedsColumns(t *testing.T) {
	cfg := Default()
	cfg.Rules.RequiredColumn.Enabled = true
	cfg.Rules.RequiredColumn.Columns = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rules.required-column.columns")
}

func TestValidateExpressions(t *testing.T) {
	cfg := Default()
	cfg.Rules.Expressions = []ExpressionRuleConfig{
		{Name: "a", Enabled: true, Expression: "true", Severity: "low", Message: "m"},
		{Name: "a", Enabled: true, Expression: "", Severity: "nope", Message: ""},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 4)
}

func TestYAMLRoundTrip(t *testing.T) {
	out, err := Default().YAML()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Equal(t, "observe", decoded["active-strategy"])
	rules := decoded["rules"].(map[string]any)
	deep := rules["deep-pagination"].(map[string]any)
	assert.Equal(t, 10000, deep["max-offset"])
	assert.Equal(t, true, deep["enabled"])
}
