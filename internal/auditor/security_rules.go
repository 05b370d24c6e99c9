package auditor

import (
	"fmt"
	"strings"

	"sql-guard/internal/model"
	"sql-guard/internal/parser"

	"github.com/pingcap/tidb/parser/ast"
)

// DeniedTableRule rejects any statement that touches a denied table.
type DeniedTableRule struct {
	BaseRule
	Tables model.Patterns
}

func (r *DeniedTableRule) Name() string { return "denied-table" }

func (r *DeniedTableRule) VisitSelect(stmt *ast.SelectStmt, _ *model.Execution, rep *model.Report) error {
	r.check(parser.TableNames(stmt), rep)
	return nil
}

func (r *DeniedTableRule) VisitUpdate(stmt *ast.UpdateStmt, _ *model.Execution, rep *model.Report) error {
	r.check(parser.TableNames(stmt), rep)
	return nil
}

func (r *DeniedTableRule) VisitDelete(stmt *ast.DeleteStmt, _ *model.Execution, rep *model.Report) error {
	r.check(parser.TableNames(stmt), rep)
	return nil
}

func (r *DeniedTableRule) VisitInsert(stmt *ast.InsertStmt, _ *model.Execution, rep *model.Report) error {
	r.check(parser.TableNames(stmt), rep)
	return nil
}

func (r *DeniedTableRule) VisitOther(stmt ast.StmtNode, _ *model.Execution, rep *model.Report) error {
	r.check(append(parser.TableNames(stmt), parser.DDLTables(stmt)...), rep)
	return nil
}

func (r *DeniedTableRule) check(tables []string, rep *model.Report) {
	for _, t := range tables {
		if p, ok := r.Tables.MatchingPattern(t); ok {
			rep.Add(model.SeverityCritical,
				fmt.Sprintf("Access to denied table '%s' (pattern %s)", t, p),
				"This table must not be accessed from application code.")
			return
		}
	}
}

// ReadOnlyTableRule rejects writes to read-only tables.
type ReadOnlyTableRule struct {
	BaseRule
	Tables model.Patterns
}

func (r *ReadOnlyTableRule) Name() string { return "read-only-table" }

func (r *ReadOnlyTableRule) VisitUpdate(stmt *ast.UpdateStmt, _ *model.Execution, rep *model.Report) error {
	r.check("UPDATE", parser.TargetTables(stmt), rep)
	return nil
}

func (r *ReadOnlyTableRule) VisitDelete(stmt *ast.DeleteStmt, _ *model.Execution, rep *model.Report) error {
	r.check("DELETE", parser.TargetTables(stmt), rep)
	return nil
}

func (r *ReadOnlyTableRule) VisitInsert(stmt *ast.InsertStmt, _ *model.Execution, rep *model.Report) error {
	r.check("INSERT", parser.TargetTables(stmt), rep)
	return nil
}

func (r *ReadOnlyTableRule) check(op string, tables []string, rep *model.Report) {
	for _, t := range tables {
		if r.Tables.Match(t) {
			rep.Add(model.SeverityHigh,
				fmt.Sprintf("%s on read-only table '%s'", op, t),
				"Write to this table through its owning service.")
			return
		}
	}
}

// DDLOperationRule rejects schema changes that are not explicitly allowed.
type DDLOperationRule struct {
	BaseRule
	Allowed map[string]bool
}

func NewDDLOperationRule(allowed []string) *DDLOperationRule {
	return &DDLOperationRule{Allowed: upperSet(allowed)}
}

func (r *DDLOperationRule) Name() string { return "ddl-operation" }

func (r *DDLOperationRule) VisitOther(stmt ast.StmtNode, _ *model.Execution, rep *model.Report) error {
	op := ddlOperation(stmt)
	if op == "" || r.Allowed[op] {
		return nil
	}
	target := ""
	if tables := parser.DDLTables(stmt); len(tables) > 0 {
		target = " on " + strings.Join(tables, ", ")
	}
	rep.Add(model.SeverityCritical,
		fmt.Sprintf("%s statement%s executed from application code", op, target),
		"Run schema changes through migrations, not at runtime.")
	return nil
}

func ddlOperation(stmt ast.StmtNode) string {
	switch stmt.(type) {
	case *ast.CreateTableStmt, *ast.CreateIndexStmt, *ast.CreateDatabaseStmt, *ast.CreateViewStmt:
		return "CREATE"
	case *ast.AlterTableStmt:
		return "ALTER"
	case *ast.DropTableStmt, *ast.DropIndexStmt, *ast.DropDatabaseStmt:
		return "DROP"
	case *ast.TruncateTableStmt:
		return "TRUNCATE"
	case *ast.RenameTableStmt:
		return "RENAME"
	}
	if _, ok := stmt.(ast.DDLNode); ok {
		return "DDL"
	}
	return ""
}

// SetOperationRule rejects UNION, EXCEPT and INTERSECT unless allowed.
type SetOperationRule struct {
	BaseRule
	Allowed map[string]bool
}

func NewSetOperationRule(allowed []string) *SetOperationRule {
	return &SetOperationRule{Allowed: upperSet(allowed)}
}

func (r *SetOperationRule) Name() string { return "set-operation" }

func (r *SetOperationRule) VisitOther(stmt ast.StmtNode, _ *model.Execution, rep *model.Report) error {
	set, ok := stmt.(*ast.SetOprStmt)
	if !ok || set.SelectList == nil {
		return nil
	}
	for _, sel := range set.SelectList.Selects {
		var op *ast.SetOprType
		switch s := sel.(type) {
		case *ast.SelectStmt:
			op = s.AfterSetOperator
		case *ast.SetOprSelectList:
			op = s.AfterSetOperator
		}
		if op == nil {
			continue
		}
		name := setOperation(*op)
		if !r.Allowed[name] {
			rep.Add(model.SeverityCritical,
				fmt.Sprintf("%s is not allowed", name),
				"Split the query or add the operation to allowed-operations.")
			return nil
		}
	}
	return nil
}

func setOperation(t ast.SetOprType) string {
	switch t {
	case ast.Union, ast.UnionAll:
		return "UNION"
	case ast.Except, ast.ExceptAll:
		return "EXCEPT"
	case ast.Intersect, ast.IntersectAll:
		return "INTERSECT"
	}
	return "SET"
}

// DangerousFunctionRule detects calls such as SLEEP or LOAD_FILE anywhere in a statement.
type DangerousFunctionRule struct {
	BaseRule
	Functions map[string]bool
}

func NewDangerousFunctionRule(functions []string) *DangerousFunctionRule {
	set := make(map[string]bool, len(functions))
	for _, f := range functions {
		set[strings.ToLower(strings.TrimSpace(f))] = true
	}
	return &DangerousFunctionRule{Functions: set}
}

func (r *DangerousFunctionRule) Name() string { return "dangerous-function" }

func (r *DangerousFunctionRule) VisitSelect(stmt *ast.SelectStmt, _ *model.Execution, rep *model.Report) error {
	r.report(r.find(stmt), rep)
	return nil
}

func (r *DangerousFunctionRule) VisitUpdate(stmt *ast.UpdateStmt, _ *model.Execution, rep *model.Report) error {
	r.report(r.find(stmt), rep)
	return nil
}

func (r *DangerousFunctionRule) VisitDelete(stmt *ast.DeleteStmt, _ *model.Execution, rep *model.Report) error {
	r.report(r.find(stmt), rep)
	return nil
}

func (r *DangerousFunctionRule) VisitInsert(stmt *ast.InsertStmt, _ *model.Execution, rep *model.Report) error {
	r.report(r.find(stmt), rep)
	return nil
}

func (r *DangerousFunctionRule) VisitOther(stmt ast.StmtNode, _ *model.Execution, rep *model.Report) error {
	r.report(r.find(stmt), rep)
	return nil
}

func (r *DangerousFunctionRule) report(fn string, rep *model.Report) {
	if fn == "" {
		return
	}
	rep.Add(model.SeverityCritical,
		fmt.Sprintf("Dangerous function %s() used in statement", strings.ToUpper(fn)),
		"Remove the call; it is a common injection or denial-of-service vector.")
}

// find returns the first listed function called by node, or "".
func (r *DangerousFunctionRule) find(node ast.Node) string {
	var found string
	visit := func(expr ast.ExprNode) bool {
		if found != "" {
			return false
		}
		switch e := expr.(type) {
		case *ast.FuncCallExpr:
			if r.Functions[e.FnName.L] {
				found = e.FnName.L
				return false
			}
		case *ast.SubqueryExpr:
			found = r.find(e.Query)
		case *ast.ExistsSubqueryExpr:
			found = r.findExpr(e.Sel)
		case *ast.PatternInExpr:
			if e.Sel != nil {
				found = r.findExpr(e.Sel)
			}
		case *ast.CompareSubqueryExpr:
			found = r.findExpr(e.R)
		}
		return found == ""
	}
	for _, expr := range statementExprs(node) {
		parser.WalkExpr(expr, visit)
		if found != "" {
			break
		}
	}
	return found
}

func (r *DangerousFunctionRule) findExpr(expr ast.ExprNode) string {
	if sub, ok := expr.(*ast.SubqueryExpr); ok {
		return r.find(sub.Query)
	}
	return ""
}

// statementExprs lists the top-level expressions of a statement: fields,
// filters, grouping, ordering, assignments and inserted values.
func statementExprs(node ast.Node) []ast.ExprNode {
	var exprs []ast.ExprNode
	byItems := func(items []*ast.ByItem) {
		for _, item := range items {
			exprs = append(exprs, item.Expr)
		}
	}
	switch stmt := node.(type) {
	case *ast.SelectStmt:
		if stmt.Fields != nil {
			for _, f := range stmt.Fields.Fields {
				if f.Expr != nil {
					exprs = append(exprs, f.Expr)
				}
			}
		}
		if stmt.From != nil {
			for _, t := range subqueries(stmt.From.TableRefs) {
				exprs = append(exprs, statementExprs(t)...)
			}
		}
		exprs = append(exprs, stmt.Where)
		if stmt.GroupBy != nil {
			byItems(stmt.GroupBy.Items)
		}
		if stmt.Having != nil {
			exprs = append(exprs, stmt.Having.Expr)
		}
		if stmt.OrderBy != nil {
			byItems(stmt.OrderBy.Items)
		}
	case *ast.SetOprStmt:
		if stmt.SelectList != nil {
			for _, sel := range stmt.SelectList.Selects {
				exprs = append(exprs, statementExprs(sel)...)
			}
		}
	case *ast.SetOprSelectList:
		for _, sel := range stmt.Selects {
			exprs = append(exprs, statementExprs(sel)...)
		}
	case *ast.UpdateStmt:
		for _, a := range stmt.List {
			exprs = append(exprs, a.Expr)
		}
		exprs = append(exprs, stmt.Where)
	case *ast.DeleteStmt:
		exprs = append(exprs, stmt.Where)
	case *ast.InsertStmt:
		for _, row := range stmt.Lists {
			exprs = append(exprs, row...)
		}
		for _, a := range stmt.OnDuplicate {
			exprs = append(exprs, a.Expr)
		}
		if stmt.Select != nil {
			exprs = append(exprs, statementExprs(stmt.Select)...)
		}
	}
	return exprs
}

// subqueries returns the derived tables of a FROM clause.
func subqueries(join *ast.Join) []ast.Node {
	if join == nil {
		return nil
	}
	var nodes []ast.Node
	for _, side := range []ast.ResultSetNode{join.Left, join.Right} {
		switch src := side.(type) {
		case *ast.Join:
			nodes = append(nodes, subqueries(src)...)
		case *ast.TableSource:
			if _, ok := src.Source.(*ast.TableName); !ok && src.Source != nil {
				nodes = append(nodes, src.Source)
			}
		}
	}
	return nodes
}

// IntoOutfileRule rejects SELECT ... INTO OUTFILE / DUMPFILE.
type IntoOutfileRule struct {
	BaseRule
}

func (r *IntoOutfileRule) Name() string { return "into-outfile" }

func (r *IntoOutfileRule) VisitSelect(stmt *ast.SelectStmt, _ *model.Execution, rep *model.Report) error {
	into := stmt.SelectIntoOpt
	if into == nil || into.Tp == ast.SelectIntoVars {
		return nil
	}
	rep.Detail("into_file", into.FileName)
	rep.Add(model.SeverityCritical,
		fmt.Sprintf("SELECT writes query results to server file '%s'", into.FileName),
		"Export data through the application, never through the database server file system.")
	return nil
}

func upperSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[strings.ToUpper(strings.TrimSpace(v))] = true
	}
	return set
}
