package model

import (
	"github.com/pingcap/tidb/parser/ast"
)

// Extractor is responsible for parsing a file and finding SQL segments
type Extractor interface {
	// Extract parses the given file content and returns found SQL segments
	Extract(filePath string, content []byte) ([]SQLSegment, error)
}

// Rule is a single audit logic unit. The evaluator picks the entry point
// matching the statement kind; a rule writes findings into the report.
type Rule interface {
	// Name returns the unique identifier of the rule
	Name() string
	VisitSelect(stmt *ast.SelectStmt, exec *Execution, report *Report) error
	VisitUpdate(stmt *ast.UpdateStmt, exec *Execution, report *Report) error
	VisitDelete(stmt *ast.DeleteStmt, exec *Execution, report *Report) error
	VisitInsert(stmt *ast.InsertStmt, exec *Execution, report *Report) error
	// VisitOther receives set operations, DDL and any other statement
	VisitOther(stmt ast.StmtNode, exec *Execution, report *Report) error
}

// RawRule inspects the raw SQL text. It runs for every execution,
// including when no statement could be parsed.
type RawRule interface {
	Rule
	CheckRaw(exec *Execution, report *Report) error
}

// ParamRule marks rules whose findings depend on bound parameters.
type ParamRule interface {
	Rule
	InspectsParams() bool
}

// Reporter defines how to output results
type Reporter interface {
	Report(results []CheckResult) error
}
