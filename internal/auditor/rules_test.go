package auditor

import (
	"testing"

	"sql-guard/internal/model"

	"github.com/pingcap/tidb/parser/ast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ruleCase expects the verdict severity; SeveritySafe means no finding.
type ruleCase struct {
	name     string
	sql      string
	callSite string
	page     *model.Pagination
	params   map[string]any
	want     model.Severity
}

// check evaluates a single rule and fails the test if the rule faulted.
func check(t *testing.T, rule model.Rule, exec *model.Execution) *model.Verdict {
	t.Helper()
	a := NewAuditor(nil)
	require.NoError(t, a.Register(rule))
	verdict := model.NewVerdict()
	invocations := a.Evaluate(exec, verdict)
	require.Len(t, invocations, 1)
	require.NotEqual(t, Faulted, invocations[0].Outcome, "%v", invocations[0].Err)
	return verdict
}

func runCases(t *testing.T, rule model.Rule, cases []ruleCase) {
	t.Helper()
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			exec := execFor(t, tt.sql)
			if tt.callSite != "" {
				exec.CallSite = tt.callSite
			}
			exec.Page = tt.page
			exec.Params = tt.params

			verdict := check(t, rule, exec)
			assert.Equal(t, tt.want, verdict.Severity, "findings: %+v", verdict.Findings)
			assert.Equal(t, tt.want == model.SeveritySafe, verdict.Passed)
		})
	}
}

func TestMissingFilterRule(t *testing.T) {
	runCases(t, &MissingFilterRule{Exempt: model.MustCompilePatterns("*.purgeAll")}, []ruleCase{
		{name: "UPDATE without WHERE", sql: "UPDATE users SET name = 'test'", want: model.SeverityCritical},
		{name: "UPDATE with WHERE", sql: "UPDATE users SET name = 'test' WHERE id = 1"},
		{name: "DELETE without WHERE", sql: "DELETE FROM users", want: model.SeverityCritical},
		{name: "DELETE with WHERE", sql: "DELETE FROM users WHERE id = 1"},
		{name: "exempt call site", sql: "DELETE FROM users", callSite: "com.acme.TmpMapper.purgeAll"},
		{name: "SELECT ignored", sql: "SELECT * FROM users"},
	})
}

func TestSelectAllRule(t *testing.T) {
	runCases(t, &SelectAllRule{}, []ruleCase{
		{name: "star", sql: "SELECT * FROM users WHERE id = 1", want: model.SeverityLow},
		{name: "qualified star", sql: "SELECT u.* FROM users u", want: model.SeverityLow},
		{name: "columns", sql: "SELECT id, name FROM users"},
	})
}

func TestTautologyRule(t *testing.T) {
	rule, err := NewTautologyRule([]string{"1=1", "'a'='a'"}, []string{`^\d+>\d+$`})
	require.NoError(t, err)

	runCases(t, rule, []ruleCase{
		{name: "1=1 in AND", sql: "SELECT * FROM users WHERE 1=1 AND id = 1", want: model.SeverityHigh},
		{name: "UPDATE", sql: "UPDATE users SET a = 1 WHERE 1 = 1", want: model.SeverityHigh},
		{name: "DELETE with OR", sql: "DELETE FROM users WHERE id = 5 OR 'x' = 'x'", want: model.SeverityHigh},
		{name: "same column", sql: "SELECT * FROM users WHERE name = name", want: model.SeverityHigh},
		{name: "custom pattern", sql: "SELECT * FROM users WHERE 2 > 1", want: model.SeverityHigh},
		{name: "real filter", sql: "SELECT * FROM users WHERE id = 1"},
		{name: "placeholder", sql: "SELECT * FROM users WHERE id = ?"},
		{name: "no WHERE", sql: "SELECT * FROM users"},
		{name: "UNION branch", sql: "SELECT id FROM orders WHERE id = 1 UNION SELECT password FROM users WHERE 1=1", want: model.SeverityHigh},
		{name: "UNION filtered", sql: "SELECT id FROM orders WHERE id = 1 UNION SELECT id FROM users WHERE id = 2"},
	})

	_, err = NewTautologyRule(nil, []string{"("})
	assert.Error(t, err)
}

func TestForbiddenColumnRule(t *testing.T) {
	rule := &ForbiddenColumnRule{Columns: model.MustCompilePatterns("deleted", "status", "is_*")}
	runCases(t, rule, []ruleCase{
		{name: "status only", sql: "SELECT id FROM users WHERE status = 1", want: model.SeverityHigh},
		{name: "wildcard", sql: "SELECT id FROM users WHERE is_active = 1 AND status = 2", want: model.SeverityHigh},
		{name: "mixed", sql: "SELECT id FROM users WHERE status = 1 AND id = 2"},
		{name: "UPDATE", sql: "UPDATE users SET a = 1 WHERE deleted = 0", want: model.SeverityHigh},
		{name: "no WHERE", sql: "SELECT id FROM users"},
	})
}

func TestRequiredColumnRule(t *testing.T) {
	runCases(t, &RequiredColumnRule{Columns: []string{"id", "user_id"}}, []ruleCase{
		{name: "missing", sql: "SELECT * FROM users WHERE name = 'x'", want: model.SeverityHigh},
		{name: "no WHERE", sql: "SELECT * FROM users", want: model.SeverityHigh},
		{name: "present", sql: "SELECT * FROM users WHERE id = 1"},
		{name: "second column", sql: "SELECT * FROM orders WHERE user_id = 1 AND state = 2"},
		{name: "UPDATE ignored", sql: "UPDATE users SET a = 1 WHERE name = 'x'"},
	})

	scoped := &RequiredColumnRule{
		Columns: []string{"id"},
		ByTable: map[string][]string{"orders": {"order_no"}},
	}
	runCases(t, scoped, []ruleCase{
		{name: "scoped table", sql: "SELECT * FROM orders WHERE id = 1", want: model.SeverityHigh},
		{name: "scoped column", sql: "SELECT * FROM orders WHERE order_no = 'a'"},
		{name: "unknown table", sql: "SELECT * FROM users WHERE name = 'x'"},
	})

	scoped.EnforceForUnknownTables = true
	runCases(t, scoped, []ruleCase{
		{name: "unknown table enforced", sql: "SELECT * FROM users WHERE name = 'x'", want: model.SeverityHigh},
	})
}

func TestNoPaginationRule(t *testing.T) {
	rule := &NoPaginationRule{
		WhitelistCallSites: model.MustCompilePatterns("*.export*"),
		WhitelistTables:    model.MustCompilePatterns("config_*"),
		UniqueKeys:         []string{"id"},
		Blacklist:          model.MustCompilePatterns("status"),
		LargeTableRows:     10000,
		TableRows:          map[string]int64{"small": 100},
	}
	runCases(t, rule, []ruleCase{
		{name: "full scan", sql: "SELECT * FROM users", want: model.SeverityCritical},
		{name: "dummy filter", sql: "SELECT * FROM users WHERE 1=1", want: model.SeverityCritical},
		{name: "small table", sql: "SELECT * FROM small", want: model.SeverityMedium},
		{name: "blacklist only", sql: "SELECT * FROM users WHERE status = 1", want: model.SeverityHigh},
		{name: "selective filter", sql: "SELECT * FROM users WHERE name = 'a'"},
		{name: "unique key", sql: "SELECT * FROM users WHERE id = 1 AND name = 'a'"},
		{name: "limit", sql: "SELECT * FROM users LIMIT 10"},
		{name: "aggregate", sql: "SELECT COUNT(*) FROM users"},
		{name: "whitelisted table", sql: "SELECT * FROM config_items"},
		{name: "whitelisted call site", sql: "SELECT * FROM users", callSite: "com.acme.UserMapper.exportAll"},
		{name: "row bounds", sql: "SELECT * FROM users", page: &model.Pagination{Limit: 10}},
		{name: "unbounded UNION branch", sql: "SELECT name FROM users WHERE id = 1 UNION SELECT name FROM admins", want: model.SeverityCritical},
		{name: "UNION with outer limit", sql: "SELECT name FROM users WHERE id = 1 UNION SELECT name FROM admins LIMIT 10"},
	})

	rule.EnforceForAll = true
	runCases(t, rule, []ruleCase{
		{name: "enforce for all", sql: "SELECT * FROM users WHERE name = 'a'", want: model.SeverityMedium},
	})
}

func TestNoConditionPaginationRule(t *testing.T) {
	runCases(t, &NoConditionPaginationRule{}, []ruleCase{
		{name: "no WHERE", sql: "SELECT * FROM users LIMIT 10", want: model.SeverityHigh},
		{name: "dummy WHERE", sql: "SELECT * FROM users WHERE 1=1 LIMIT 10", want: model.SeverityHigh},
		{name: "filtered", sql: "SELECT * FROM users WHERE id > 5 LIMIT 10"},
		{name: "no table", sql: "SELECT 1 LIMIT 1"},
		{name: "no limit", sql: "SELECT * FROM users"},
	})
}

func TestDeepPaginationRule(t *testing.T) {
	runCases(t, &DeepPaginationRule{MaxOffset: 100}, []ruleCase{
		{name: "comma syntax", sql: "SELECT * FROM users ORDER BY id LIMIT 1000, 10", want: model.SeverityMedium},
		{name: "OFFSET syntax", sql: "SELECT * FROM users LIMIT 10 OFFSET 1000", want: model.SeverityMedium},
		{name: "shallow", sql: "SELECT * FROM users LIMIT 10 OFFSET 50"},
		{name: "at threshold", sql: "SELECT * FROM users LIMIT 10 OFFSET 100"},
		{name: "row bounds", sql: "SELECT * FROM users", page: &model.Pagination{Offset: 500, Limit: 10}, want: model.SeverityMedium},
		{name: "placeholder", sql: "SELECT * FROM users LIMIT ?, 10"},
		{name: "offset beyond int64", sql: "SELECT * FROM users LIMIT 5 OFFSET 18446744073709551615", want: model.SeverityMedium},
	})

	exec := execFor(t, "SELECT * FROM users LIMIT 10 OFFSET 5000")
	verdict := check(t, &DeepPaginationRule{MaxOffset: 100}, exec)
	assert.Equal(t, int64(5000), verdict.Details["offset"])
}

func TestLargePageSizeRule(t *testing.T) {
	runCases(t, &LargePageSizeRule{MaxPageSize: 100}, []ruleCase{
		{name: "large", sql: "SELECT * FROM users LIMIT 500", want: model.SeverityMedium},
		{name: "small", sql: "SELECT * FROM users LIMIT 50"},
		{name: "row bounds", sql: "SELECT * FROM users", page: &model.Pagination{Limit: 500}, want: model.SeverityMedium},
	})
}

func TestMissingOrderByRule(t *testing.T) {
	runCases(t, &MissingOrderByRule{}, []ruleCase{
		{name: "limit without order", sql: "SELECT * FROM users LIMIT 10", want: model.SeverityLow},
		{name: "ordered", sql: "SELECT * FROM users ORDER BY id LIMIT 10"},
		{name: "unpaged", sql: "SELECT * FROM users"},
	})
}

func TestLogicalPaginationRule(t *testing.T) {
	page := &model.Pagination{Offset: 20, Limit: 10}
	runCases(t, &LogicalPaginationRule{}, []ruleCase{
		{name: "row bounds without LIMIT", sql: "SELECT * FROM users WHERE name = 'a'", page: page, want: model.SeverityCritical},
		{name: "row bounds with LIMIT", sql: "SELECT * FROM users LIMIT 10", page: page},
		{name: "no bounds", sql: "SELECT * FROM users"},
	})
	runCases(t, &LogicalPaginationRule{PhysicalPaging: true}, []ruleCase{
		{name: "physical paging", sql: "SELECT * FROM users", page: page},
	})

	exec := execFor(t, "SELECT * FROM users")
	exec.Page = page
	verdict := check(t, &LogicalPaginationRule{}, exec)
	assert.Equal(t, int64(20), verdict.Details["offset"])
	assert.Equal(t, int64(10), verdict.Details["limit"])
	assert.Equal(t, "LOGICAL", verdict.Details["pagination_type"])
}

func TestDetectPagination(t *testing.T) {
	tests := []struct {
		sql      string
		page     *model.Pagination
		physical bool
		want     PaginationType
	}{
		{"SELECT * FROM users", nil, false, PaginationNone},
		{"SELECT * FROM users LIMIT 5", nil, false, PaginationPhysical},
		{"SELECT * FROM users", &model.Pagination{Limit: 5}, false, PaginationLogical},
		{"SELECT * FROM users", &model.Pagination{Limit: 5}, true, PaginationPhysical},
	}
	for _, tt := range tests {
		exec := execFor(t, tt.sql)
		exec.Page = tt.page
		sel, ok := exec.Statement().(*ast.SelectStmt)
		require.True(t, ok)
		assert.Equal(t, tt.want, DetectPagination(sel, exec, tt.physical), tt.sql)
	}
}

func TestIndexMissRule(t *testing.T) {
	schema := &model.SchemaCtx{Tables: map[string]*model.Table{
		"users": {
			Name: "users",
			Indexes: []*model.Index{
				{Name: "PRIMARY", Columns: []string{"id"}, Unique: true},
				{Name: "idx_email_name", Columns: []string{"email", "name"}},
			},
		},
		"logs": {Name: "logs"},
	}}
	runCases(t, &IndexMissRule{Schema: schema}, []ruleCase{
		{name: "primary key", sql: "SELECT * FROM users WHERE id = 1"},
		{name: "leftmost prefix", sql: "SELECT * FROM users WHERE email = 'a' AND name = 'b'"},
		{name: "second column only", sql: "SELECT * FROM users WHERE name = 'a'", want: model.SeverityMedium},
		{name: "no indexes", sql: "SELECT * FROM logs WHERE x = 1", want: model.SeverityMedium},
		{name: "unknown table", sql: "SELECT * FROM unknown WHERE x = 1"},
		{name: "UPDATE", sql: "UPDATE users SET email = 'x' WHERE name = 'a'", want: model.SeverityMedium},
		{name: "no WHERE", sql: "SELECT * FROM users"},
	})
}

func TestDeniedTableRule(t *testing.T) {
	runCases(t, &DeniedTableRule{Tables: model.MustCompilePatterns("sys_*", "secret")}, []ruleCase{
		{name: "SELECT", sql: "SELECT * FROM sys_user", want: model.SeverityCritical},
		{name: "JOIN", sql: "SELECT * FROM users u JOIN secret s ON u.id = s.uid", want: model.SeverityCritical},
		{name: "case insensitive", sql: "SELECT * FROM SYS_User", want: model.SeverityCritical},
		{name: "INSERT SELECT source", sql: "INSERT INTO users SELECT * FROM sys_user", want: model.SeverityCritical},
		{name: "DDL", sql: "DROP TABLE sys_config", want: model.SeverityCritical},
		{name: "allowed", sql: "SELECT * FROM users"},
	})
}

func TestReadOnlyTableRule(t *testing.T) {
	runCases(t, &ReadOnlyTableRule{Tables: model.MustCompilePatterns("audit_*")}, []ruleCase{
		{name: "INSERT", sql: "INSERT INTO audit_log (a) VALUES (1)", want: model.SeverityHigh},
		{name: "UPDATE", sql: "UPDATE audit_log SET a = 1 WHERE id = 1", want: model.SeverityHigh},
		{name: "DELETE", sql: "DELETE FROM audit_log WHERE id = 1", want: model.SeverityHigh},
		{name: "SELECT", sql: "SELECT * FROM audit_log"},
		{name: "read as INSERT source", sql: "INSERT INTO users SELECT * FROM audit_log"},
	})
}

func TestDDLOperationRule(t *testing.T) {
	runCases(t, NewDDLOperationRule([]string{"create"}), []ruleCase{
		{name: "allowed CREATE", sql: "CREATE TABLE t (id INT)"},
		{name: "DROP", sql: "DROP TABLE t", want: model.SeverityCritical},
		{name: "ALTER", sql: "ALTER TABLE t ADD COLUMN c INT", want: model.SeverityCritical},
		{name: "TRUNCATE", sql: "TRUNCATE TABLE t", want: model.SeverityCritical},
		{name: "DML", sql: "SELECT 1"},
	})
}

func TestSetOperationRule(t *testing.T) {
	runCases(t, NewSetOperationRule([]string{"union"}), []ruleCase{
		{name: "UNION allowed", sql: "SELECT id FROM a UNION SELECT id FROM b"},
		{name: "UNION ALL allowed", sql: "SELECT id FROM a UNION ALL SELECT id FROM b"},
		{name: "EXCEPT", sql: "SELECT id FROM a EXCEPT SELECT id FROM b", want: model.SeverityCritical},
		{name: "plain SELECT", sql: "SELECT id FROM a"},
	})
	runCases(t, NewSetOperationRule(nil), []ruleCase{
		{name: "UNION denied", sql: "SELECT id FROM a UNION SELECT id FROM b", want: model.SeverityCritical},
	})
}

func TestDangerousFunctionRule(t *testing.T) {
	rule := NewDangerousFunctionRule([]string{"sleep", "benchmark", "load_file"})
	runCases(t, rule, []ruleCase{
		{name: "WHERE", sql: "SELECT * FROM users WHERE id = 1 AND SLEEP(5)", want: model.SeverityCritical},
		{name: "field", sql: "SELECT BENCHMARK(1000, MD5('a'))", want: model.SeverityCritical},
		{name: "subquery", sql: "SELECT * FROM users WHERE id IN (SELECT id FROM t WHERE sleep(1))", want: model.SeverityCritical},
		{name: "UPDATE SET", sql: "UPDATE users SET name = load_file('/etc/passwd') WHERE id = 1", want: model.SeverityCritical},
		{name: "ORDER BY", sql: "SELECT * FROM users ORDER BY sleep(1)", want: model.SeverityCritical},
		{name: "harmless function", sql: "SELECT UPPER(name) FROM users WHERE id = 1"},
		{name: "INSERT SET", sql: "INSERT INTO t SET a = SLEEP(1)", want: model.SeverityCritical},
		{name: "UNION branch", sql: "SELECT id FROM users WHERE id = 1 UNION SELECT SLEEP(5)", want: model.SeverityCritical},
	})
}

func TestIntoOutfileRule(t *testing.T) {
	runCases(t, &IntoOutfileRule{}, []ruleCase{
		{name: "outfile", sql: "SELECT * FROM users INTO OUTFILE '/tmp/u.csv'", want: model.SeverityCritical},
		{name: "plain", sql: "SELECT * FROM users"},
	})
}

func TestRawRules(t *testing.T) {
	tests := []struct {
		name string
		rule model.Rule
		sql  string
		want model.Severity
	}{
		{"stacked", &MultiStatementRule{}, "SELECT 1; DROP TABLE users", model.SeverityCritical},
		{"trailing separator", &MultiStatementRule{}, "SELECT 1;  ", model.SeveritySafe},
		{"quoted separator", &MultiStatementRule{}, "SELECT ';' FROM t", model.SeveritySafe},
		{"dash comment", &SQLCommentRule{AllowHints: true}, "SELECT 1 -- x", model.SeverityCritical},
		{"hash comment", &SQLCommentRule{AllowHints: true}, "SELECT 1 # x", model.SeverityCritical},
		{"block comment", &SQLCommentRule{AllowHints: true}, "SELECT /* c */ 1", model.SeverityCritical},
		{"hint allowed", &SQLCommentRule{AllowHints: true}, "SELECT /*+ MAX_EXECUTION_TIME(1000) */ 1", model.SeveritySafe},
		{"hint denied", &SQLCommentRule{}, "SELECT /*+ MAX_EXECUTION_TIME(1000) */ 1", model.SeverityCritical},
		{"quoted dashes", &SQLCommentRule{AllowHints: true}, "SELECT '--' FROM t", model.SeveritySafe},
		{"double minus", &SQLCommentRule{AllowHints: true}, "SELECT 5--3", model.SeveritySafe},
		{"dashes at end", &SQLCommentRule{AllowHints: true}, "SELECT 1 --", model.SeverityCritical},
		{"dashes before tab", &SQLCommentRule{AllowHints: true}, "SELECT 1 --\tx", model.SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := check(t, tt.rule, model.NewExecution(tt.sql, ""))
			assert.Equal(t, tt.want, verdict.Severity)
		})
	}
}

func TestParamInjectionRule(t *testing.T) {
	runCases(t, &ParamInjectionRule{}, []ruleCase{
		{name: "payload", sql: "SELECT * FROM users WHERE name = ?", params: map[string]any{"name": "' OR '1'='1"}, want: model.SeverityHigh},
		{name: "apostrophe", sql: "SELECT * FROM users WHERE name = ?", params: map[string]any{"name": "O'Brien"}},
		{name: "number", sql: "SELECT * FROM users WHERE id = ?", params: map[string]any{"id": 5}},
		{name: "no params", sql: "SELECT * FROM users WHERE id = 1"},
	})
}

func TestExpressionRule(t *testing.T) {
	rule, err := NewExpressionRule("admin-scan", `"admin" in tables && !hasWhere`, model.SeverityHigh, "admin table scanned", "")
	require.NoError(t, err)
	assert.False(t, rule.InspectsParams())
	runCases(t, rule, []ruleCase{
		{name: "match", sql: "SELECT * FROM admin", want: model.SeverityHigh},
		{name: "filtered", sql: "SELECT * FROM admin WHERE id = 1"},
		{name: "other table", sql: "SELECT * FROM users"},
	})

	paged, err := NewExpressionRule("big-limit", `hasLimit && limit > 100`, model.SeverityLow, "big page", "")
	require.NoError(t, err)
	runCases(t, paged, []ruleCase{
		{name: "big", sql: "SELECT * FROM users LIMIT 500", want: model.SeverityLow},
		{name: "small", sql: "SELECT * FROM users LIMIT 5"},
	})

	params, err := NewExpressionRule("many-params", `paramCount > 1`, model.SeverityLow, "many params", "")
	require.NoError(t, err)
	assert.True(t, params.InspectsParams())

	_, err = NewExpressionRule("broken", `tables +`, model.SeverityLow, "m", "")
	assert.Error(t, err)
}
