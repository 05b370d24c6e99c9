package auditor

import (
	"sql-guard/internal/model"

	"github.com/pingcap/tidb/parser/ast"
)

// BaseRule gives every entry point a no-op default. Rules embed it and
// override the statement kinds they care about.
type BaseRule struct{}

func (BaseRule) VisitSelect(*ast.SelectStmt, *model.Execution, *model.Report) error { return nil }
func (BaseRule) VisitUpdate(*ast.UpdateStmt, *model.Execution, *model.Report) error { return nil }
func (BaseRule) VisitDelete(*ast.DeleteStmt, *model.Execution, *model.Report) error { return nil }
func (BaseRule) VisitInsert(*ast.InsertStmt, *model.Execution, *model.Report) error { return nil }
func (BaseRule) VisitOther(ast.StmtNode, *model.Execution, *model.Report) error     { return nil }

// MissingFilterRule detects UPDATE/DELETE without WHERE
type MissingFilterRule struct {
	BaseRule
	Exempt model.Patterns
}

func (r *MissingFilterRule) Name() string { return "missing-filter" }

func (r *MissingFilterRule) VisitUpdate(stmt *ast.UpdateStmt, exec *model.Execution, rep *model.Report) error {
	if stmt.Where == nil && !r.Exempt.Match(exec.CallSite) {
		rep.Add(model.SeverityCritical,
			"UPDATE statement executed without WHERE clause (Full Table Update)",
			"Add a WHERE clause to limit the scope of the update.")
	}
	return nil
}

func (r *MissingFilterRule) VisitDelete(stmt *ast.DeleteStmt, exec *model.Execution, rep *model.Report) error {
	if stmt.Where == nil && !r.Exempt.Match(exec.CallSite) {
		rep.Add(model.SeverityCritical,
			"DELETE statement executed without WHERE clause (Full Table Delete)",
			"Add a WHERE clause to limit the scope of the delete.")
	}
	return nil
}

// SelectAllRule detects SELECT *
type SelectAllRule struct {
	BaseRule
}

func (r *SelectAllRule) Name() string { return "select-all" }

func (r *SelectAllRule) VisitSelect(stmt *ast.SelectStmt, _ *model.Execution, rep *model.Report) error {
	if stmt.Fields == nil {
		return nil
	}
	for _, field := range stmt.Fields.Fields {
		if field.WildCard != nil {
			rep.Add(model.SeverityLow,
				"Avoid using SELECT * in production",
				"List valid columns explicitly to reduce I/O and forward compatibility issues.")
			return nil
		}
	}
	return nil
}
