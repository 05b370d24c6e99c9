package auditor

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"sql-guard/internal/model"
	"sql-guard/internal/parser"

	"github.com/pingcap/tidb/parser/ast"
	"github.com/pkg/errors"
)

// TautologyRule detects filter conditions that are always true, e.g. WHERE 1=1.
type TautologyRule struct {
	BaseRule
	patterns map[string]bool
	custom   []*regexp.Regexp
}

func NewTautologyRule(patterns, custom []string) (*TautologyRule, error) {
	r := &TautologyRule{patterns: make(map[string]bool)}
	for _, p := range patterns {
		if p = parser.Compact(p); p != "" {
			r.patterns[p] = true
		}
	}
	for _, c := range custom {
		re, err := regexp.Compile(c)
		if err != nil {
			return nil, errors.Wrapf(err, "tautology pattern %q", c)
		}
		r.custom = append(r.custom, re)
	}
	return r, nil
}

func (r *TautologyRule) Name() string { return "tautology" }

func (r *TautologyRule) VisitSelect(stmt *ast.SelectStmt, _ *model.Execution, rep *model.Report) error {
	r.check(stmt.Where, rep)
	return nil
}

func (r *TautologyRule) VisitUpdate(stmt *ast.UpdateStmt, _ *model.Execution, rep *model.Report) error {
	r.check(stmt.Where, rep)
	return nil
}

func (r *TautologyRule) VisitDelete(stmt *ast.DeleteStmt, _ *model.Execution, rep *model.Report) error {
	r.check(stmt.Where, rep)
	return nil
}

func (r *TautologyRule) check(where ast.ExprNode, rep *model.Report) {
	if where == nil {
		return
	}
	if cond, ok := parser.Tautology(where); ok {
		r.report(cond, rep)
		return
	}
	for _, cond := range parser.Conditions(where) {
		if r.matches(cond) {
			r.report(cond, rep)
			return
		}
	}
}

// matches applies the configured patterns to the restored text of one predicate.
func (r *TautologyRule) matches(cond ast.ExprNode) bool {
	text, err := parser.Restore(cond)
	if err != nil {
		return false
	}
	if r.patterns[text] {
		return true
	}
	for _, re := range r.custom {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (r *TautologyRule) report(cond ast.ExprNode, rep *model.Report) {
	text, err := parser.Restore(cond)
	if err != nil {
		text = "?"
	}
	rep.Add(model.SeverityHigh,
		fmt.Sprintf("WHERE clause contains an always-true condition (%s)", text),
		"Remove the dummy condition; build dynamic filters without a 1=1 placeholder.")
}

// ForbiddenColumnRule detects filters that only use low-selectivity columns.
type ForbiddenColumnRule struct {
	BaseRule
	Columns model.Patterns
}

func (r *ForbiddenColumnRule) Name() string { return "forbidden-column" }

func (r *ForbiddenColumnRule) VisitSelect(stmt *ast.SelectStmt, _ *model.Execution, rep *model.Report) error {
	r.check(stmt.Where, rep)
	return nil
}

func (r *ForbiddenColumnRule) VisitUpdate(stmt *ast.UpdateStmt, _ *model.Execution, rep *model.Report) error {
	r.check(stmt.Where, rep)
	return nil
}

func (r *ForbiddenColumnRule) VisitDelete(stmt *ast.DeleteStmt, _ *model.Execution, rep *model.Report) error {
	r.check(stmt.Where, rep)
	return nil
}

func (r *ForbiddenColumnRule) check(where ast.ExprNode, rep *model.Report) {
	cols := parser.ColumnNames(where)
	if !onlyMatching(cols, r.Columns) {
		return
	}
	rep.Add(model.SeverityHigh,
		fmt.Sprintf("WHERE clause only filters on low-selectivity columns %v", cols),
		"Add a selective condition such as a primary key or an indexed business key.")
}

// onlyMatching reports whether cols is non-empty and every column matches patterns.
func onlyMatching(cols []string, patterns model.Patterns) bool {
	if len(cols) == 0 || patterns.Empty() {
		return false
	}
	for _, c := range cols {
		if !patterns.Match(c) {
			return false
		}
	}
	return true
}

// RequiredColumnRule requires SELECT filters to reference a high-selectivity column.
type RequiredColumnRule struct {
	BaseRule
	Columns                 []string
	ByTable                 map[string][]string
	EnforceForUnknownTables bool
}

func (r *RequiredColumnRule) Name() string { return "required-column" }

func (r *RequiredColumnRule) VisitSelect(stmt *ast.SelectStmt, _ *model.Execution, rep *model.Report) error {
	required := r.requiredFor(parser.TableNames(stmt))
	if len(required) == 0 {
		return nil
	}
	for _, col := range parser.ColumnNames(stmt.Where) {
		if required[col] {
			return nil
		}
	}

	names := make([]string, 0, len(required))
	for c := range required {
		names = append(names, c)
	}
	sort.Strings(names)
	rep.Add(model.SeverityHigh,
		fmt.Sprintf("SELECT does not filter on any of the required columns [%s]", strings.Join(names, ", ")),
		"Filter on at least one selective column so the query can use an index.")
	return nil
}

func (r *RequiredColumnRule) requiredFor(tables []string) map[string]bool {
	required := make(map[string]bool)
	scoped := false
	for _, t := range tables {
		cols, ok := r.ByTable[strings.ToLower(t)]
		if !ok {
			continue
		}
		scoped = true
		for _, c := range cols {
			required[strings.ToLower(c)] = true
		}
	}
	if scoped {
		return required
	}
	if len(r.ByTable) > 0 && !r.EnforceForUnknownTables {
		return nil
	}
	for _, c := range r.Columns {
		required[strings.ToLower(c)] = true
	}
	return required
}
