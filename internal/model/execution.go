package model

import (
	"github.com/pingcap/tidb/parser/ast"
)

// Execution describes one SQL execution attempt. Everything but the
// statement is fixed at construction; the statement is set at most once.
type Execution struct {
	SQL        string
	CallSite   string
	Kind       StatementKind
	Params     map[string]any
	Page       *Pagination
	Layer      Layer
	Datasource string

	stmt ast.StmtNode
}

func NewExecution(sql, callSite string) *Execution {
	return &Execution{SQL: sql, CallSite: callSite}
}

// Statement returns the parsed statement, or nil when it has not been parsed.
func (e *Execution) Statement() ast.StmtNode {
	return e.stmt
}

// SetStatement stores the parsed statement. It reports false and keeps the
// existing statement if one was already set.
func (e *Execution) SetStatement(stmt ast.StmtNode) bool {
	if e.stmt != nil || stmt == nil {
		return false
	}
	e.stmt = stmt
	if e.Kind == KindUnknown {
		e.Kind = KindOf(stmt)
	}
	return true
}
