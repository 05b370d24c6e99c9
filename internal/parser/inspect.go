package parser

import (
	"fmt"
	"math"
	"strings"

	"github.com/pingcap/tidb/parser/ast"
	"github.com/pingcap/tidb/parser/format"
	"github.com/pingcap/tidb/parser/opcode"
)

// The helpers in this file only read the tree. Cached statements are shared
// between goroutines, so nothing here calls Accept, which writes child pointers.

// TableNames returns the lower-cased names of the tables a statement reads or writes.
func TableNames(node ast.StmtNode) []string {
	var tables []string

	switch stmt := node.(type) {
	case *ast.SelectStmt:
		if stmt.From != nil {
			extractTableRefs(stmt.From.TableRefs, &tables)
		}
	case *ast.SetOprStmt:
		if stmt.SelectList != nil {
			for _, sel := range stmt.SelectList.Selects {
				if s, ok := sel.(ast.StmtNode); ok {
					tables = append(tables, TableNames(s)...)
				}
			}
		}
	case *ast.UpdateStmt:
		if stmt.TableRefs != nil && stmt.TableRefs.TableRefs != nil {
			extractTableRefs(stmt.TableRefs.TableRefs, &tables)
		}
	case *ast.DeleteStmt:
		if stmt.TableRefs != nil && stmt.TableRefs.TableRefs != nil {
			extractTableRefs(stmt.TableRefs.TableRefs, &tables)
		}
	case *ast.InsertStmt:
		if stmt.Table != nil {
			extractTableRefs(stmt.Table.TableRefs, &tables)
		}
		if sel, ok := stmt.Select.(ast.StmtNode); ok {
			tables = append(tables, TableNames(sel)...)
		}
	}

	return tables
}

// TargetTables returns the tables a write statement modifies. The source of
// an INSERT ... SELECT is not included.
func TargetTables(node ast.StmtNode) []string {
	var tables []string
	switch stmt := node.(type) {
	case *ast.InsertStmt:
		if stmt.Table != nil {
			extractTableRefs(stmt.Table.TableRefs, &tables)
		}
	case *ast.UpdateStmt:
		if stmt.TableRefs != nil {
			extractTableRefs(stmt.TableRefs.TableRefs, &tables)
		}
	case *ast.DeleteStmt:
		if stmt.IsMultiTable && stmt.Tables != nil {
			for _, t := range stmt.Tables.Tables {
				tables = append(tables, t.Name.L)
			}
		} else if stmt.TableRefs != nil {
			extractTableRefs(stmt.TableRefs.TableRefs, &tables)
		}
	default:
		tables = DDLTables(node)
	}
	return tables
}

// DDLTables returns the lower-cased tables named by a schema statement.
func DDLTables(node ast.StmtNode) []string {
	var names []*ast.TableName
	switch stmt := node.(type) {
	case *ast.CreateTableStmt:
		names = append(names, stmt.Table)
	case *ast.AlterTableStmt:
		names = append(names, stmt.Table)
	case *ast.DropTableStmt:
		names = append(names, stmt.Tables...)
	case *ast.TruncateTableStmt:
		names = append(names, stmt.Table)
	case *ast.RenameTableStmt:
		for _, t := range stmt.TableToTables {
			names = append(names, t.OldTable, t.NewTable)
		}
	case *ast.CreateIndexStmt:
		names = append(names, stmt.Table)
	case *ast.DropIndexStmt:
		names = append(names, stmt.Table)
	case *ast.CreateViewStmt:
		names = append(names, stmt.ViewName)
	}
	tables := make([]string, 0, len(names))
	for _, n := range names {
		if n != nil {
			tables = append(tables, n.Name.L)
		}
	}
	return tables
}

// PrimaryTable returns the first table of a statement, or "".
func PrimaryTable(node ast.StmtNode) string {
	if tables := TableNames(node); len(tables) > 0 {
		return tables[0]
	}
	return ""
}

func extractTableRefs(join *ast.Join, tables *[]string) {
	if join == nil {
		return
	}

	if join.Left != nil {
		extractTableSource(join.Left, tables)
	}
	if join.Right != nil {
		extractTableSource(join.Right, tables)
	}
}

func extractTableSource(r ast.ResultSetNode, tables *[]string) {
	switch src := r.(type) {
	case *ast.TableSource:
		switch inner := src.Source.(type) {
		case *ast.TableName:
			*tables = append(*tables, inner.Name.L)
		case ast.StmtNode:
			*tables = append(*tables, TableNames(inner)...)
		}
	case *ast.Join:
		extractTableRefs(src, tables)
	case *ast.TableName:
		*tables = append(*tables, src.Name.L)
	}
}

// Where returns the filter clause of a statement, or nil.
func Where(node ast.StmtNode) ast.ExprNode {
	switch stmt := node.(type) {
	case *ast.SelectStmt:
		return stmt.Where
	case *ast.UpdateStmt:
		return stmt.Where
	case *ast.DeleteStmt:
		return stmt.Where
	}
	return nil
}

// Limit returns the LIMIT clause of a statement, or nil.
func Limit(node ast.StmtNode) *ast.Limit {
	switch stmt := node.(type) {
	case *ast.SelectStmt:
		return stmt.Limit
	case *ast.SetOprStmt:
		return stmt.Limit
	case *ast.UpdateStmt:
		return stmt.Limit
	case *ast.DeleteStmt:
		return stmt.Limit
	}
	return nil
}

// AggregateOnly reports a SELECT whose fields are all aggregates and which has
// no GROUP BY, so it returns a single row.
func AggregateOnly(stmt *ast.SelectStmt) bool {
	if stmt.GroupBy != nil || stmt.Fields == nil || len(stmt.Fields.Fields) == 0 {
		return false
	}
	for _, f := range stmt.Fields.Fields {
		if _, ok := f.Expr.(*ast.AggregateFuncExpr); !ok {
			return false
		}
	}
	return true
}

// IntValue reads an integer literal. Placeholders and expressions report false.
func IntValue(expr ast.ExprNode) (int64, bool) {
	switch e := expr.(type) {
	case ast.ParamMarkerExpr:
		return 0, false
	case ast.ValueExpr:
		switch v := e.GetValue().(type) {
		case int64:
			return v, true
		case uint64:
			if v > math.MaxInt64 {
				return math.MaxInt64, true
			}
			return int64(v), true
		case int:
			return int64(v), true
		}
	}
	return 0, false
}

// LimitValues returns the row count and offset of a LIMIT clause. A missing
// or non-literal part reports ok=false for that part.
func LimitValues(limit *ast.Limit) (count int64, countOK bool, offset int64, offsetOK bool) {
	if limit == nil {
		return 0, false, 0, false
	}
	if limit.Count != nil {
		count, countOK = IntValue(limit.Count)
	}
	if limit.Offset != nil {
		offset, offsetOK = IntValue(limit.Offset)
	}
	return
}

// WalkExpr visits expr and its operand expressions depth first. Subqueries are
// not entered. fn returns false to skip the children of the current node.
func WalkExpr(expr ast.ExprNode, fn func(ast.ExprNode) bool) {
	if expr == nil || !fn(expr) {
		return
	}
	var children []ast.ExprNode
	switch e := expr.(type) {
	case *ast.BinaryOperationExpr:
		children = []ast.ExprNode{e.L, e.R}
	case *ast.UnaryOperationExpr:
		children = []ast.ExprNode{e.V}
	case *ast.ParenthesesExpr:
		children = []ast.ExprNode{e.Expr}
	case *ast.PatternInExpr:
		children = append([]ast.ExprNode{e.Expr}, e.List...)
	case *ast.PatternLikeOrIlikeExpr:
		children = []ast.ExprNode{e.Expr, e.Pattern}
	case *ast.PatternRegexpExpr:
		children = []ast.ExprNode{e.Expr, e.Pattern}
	case *ast.BetweenExpr:
		children = []ast.ExprNode{e.Expr, e.Left, e.Right}
	case *ast.IsNullExpr:
		children = []ast.ExprNode{e.Expr}
	case *ast.IsTruthExpr:
		children = []ast.ExprNode{e.Expr}
	case *ast.FuncCallExpr:
		children = e.Args
	case *ast.AggregateFuncExpr:
		children = e.Args
	case *ast.FuncCastExpr:
		children = []ast.ExprNode{e.Expr}
	case *ast.RowExpr:
		children = e.Values
	case *ast.CompareSubqueryExpr:
		children = []ast.ExprNode{e.L}
	case *ast.CaseExpr:
		children = append(children, e.Value)
		for _, w := range e.WhenClauses {
			children = append(children, w.Expr, w.Result)
		}
		children = append(children, e.ElseClause)
	}
	for _, child := range children {
		WalkExpr(child, fn)
	}
}

// ColumnNames returns the distinct lower-cased column names referenced by expr.
func ColumnNames(expr ast.ExprNode) []string {
	var cols []string
	seen := make(map[string]bool)
	WalkExpr(expr, func(e ast.ExprNode) bool {
		if c, ok := e.(*ast.ColumnNameExpr); ok && c.Name != nil {
			name := c.Name.Name.L
			if !seen[name] {
				seen[name] = true
				cols = append(cols, name)
			}
		}
		return true
	})
	return cols
}

// Conditions splits a filter into its leaf predicates through AND, OR, XOR and parentheses.
func Conditions(expr ast.ExprNode) []ast.ExprNode {
	switch e := expr.(type) {
	case nil:
		return nil
	case *ast.ParenthesesExpr:
		return Conditions(e.Expr)
	case *ast.BinaryOperationExpr:
		if e.Op == opcode.LogicAnd || e.Op == opcode.LogicOr || e.Op == opcode.LogicXor {
			return append(Conditions(e.L), Conditions(e.R)...)
		}
	}
	return []ast.ExprNode{expr}
}

// Tautology returns the first leaf predicate of expr that is always true.
func Tautology(expr ast.ExprNode) (ast.ExprNode, bool) {
	for _, cond := range Conditions(expr) {
		if alwaysTrue(cond) {
			return cond, true
		}
	}
	return nil, false
}

func alwaysTrue(expr ast.ExprNode) bool {
	switch e := expr.(type) {
	case ast.ParamMarkerExpr:
		return false
	case ast.ValueExpr:
		switch v := e.GetValue().(type) {
		case int64:
			return v != 0
		case uint64:
			return v != 0
		case float64:
			return v != 0
		}
	case *ast.BinaryOperationExpr:
		switch e.Op {
		case opcode.EQ, opcode.NullEQ, opcode.GE, opcode.LE:
			if l, r, ok := constants(e.L, e.R); ok {
				return l == r
			}
			return sameColumn(e.L, e.R)
		case opcode.NE:
			if l, r, ok := constants(e.L, e.R); ok {
				return l != r
			}
		}
	}
	return false
}

func constants(left, right ast.ExprNode) (string, string, bool) {
	l, ok := constant(left)
	if !ok {
		return "", "", false
	}
	r, ok := constant(right)
	if !ok {
		return "", "", false
	}
	return l, r, true
}

func constant(expr ast.ExprNode) (string, bool) {
	switch e := expr.(type) {
	case *ast.ParenthesesExpr:
		return constant(e.Expr)
	case ast.ParamMarkerExpr:
		return "", false
	case ast.ValueExpr:
		if e.GetValue() == nil {
			return "", false
		}
		return fmt.Sprint(e.GetValue()), true
	}
	return "", false
}

func sameColumn(left, right ast.ExprNode) bool {
	l, ok := left.(*ast.ColumnNameExpr)
	if !ok || l.Name == nil {
		return false
	}
	r, ok := right.(*ast.ColumnNameExpr)
	if !ok || r.Name == nil {
		return false
	}
	return l.Name.Table.L == r.Name.Table.L && l.Name.Name.L == r.Name.Name.L
}

// Restore renders a node back to SQL in a compact lower-case form used for
// pattern matching: whitespace removed, identifiers back-quoted.
func Restore(node ast.Node) (string, error) {
	var sb strings.Builder
	ctx := format.NewRestoreCtx(format.RestoreStringSingleQuotes|format.RestoreNameBackQuotes, &sb)
	if err := node.Restore(ctx); err != nil {
		return "", err
	}
	return Compact(sb.String()), nil
}

// Compact lower-cases s and removes all whitespace.
func Compact(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, strings.ToLower(s))
}
