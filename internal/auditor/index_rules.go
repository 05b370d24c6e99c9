package auditor

import (
	"fmt"
	"sort"
	"strings"

	"sql-guard/internal/model"
	"sql-guard/internal/parser"

	"github.com/pingcap/tidb/parser/ast"
)

// IndexMissRule checks if WHERE usage aligns with available indexes.
// It needs a loaded schema and stays silent for tables it does not know.
type IndexMissRule struct {
	BaseRule
	Schema *model.SchemaCtx
}

func (r *IndexMissRule) Name() string { return "index-miss" }

func (r *IndexMissRule) VisitSelect(stmt *ast.SelectStmt, _ *model.Execution, rep *model.Report) error {
	r.check(stmt, stmt.Where, rep)
	return nil
}

func (r *IndexMissRule) VisitUpdate(stmt *ast.UpdateStmt, _ *model.Execution, rep *model.Report) error {
	r.check(stmt, stmt.Where, rep)
	return nil
}

func (r *IndexMissRule) VisitDelete(stmt *ast.DeleteStmt, _ *model.Execution, rep *model.Report) error {
	r.check(stmt, stmt.Where, rep)
	return nil
}

func (r *IndexMissRule) check(stmt ast.StmtNode, where ast.ExprNode, rep *model.Report) {
	if where == nil {
		return
	}
	tableName := parser.PrimaryTable(stmt)
	table, ok := r.Schema.Table(tableName)
	if !ok {
		return
	}
	used := make(map[string]bool)
	for _, c := range parser.ColumnNames(where) {
		used[c] = true
	}
	if len(used) == 0 {
		return
	}

	if len(table.Indexes) == 0 {
		rep.Add(model.SeverityMedium,
			fmt.Sprintf("Table '%s' has no indexes defined", tableName),
			"Add indexes to optimize queries.")
		return
	}

	// At least one index must have its leftmost column in the filter.
	for _, idx := range table.Indexes {
		if len(idx.Columns) > 0 && used[idx.Columns[0]] {
			return
		}
	}

	indexes := make([]string, 0, len(table.Indexes))
	for _, idx := range table.Indexes {
		indexes = append(indexes, fmt.Sprintf("%s(%s)", idx.Name, strings.Join(idx.Columns, ",")))
	}
	rep.Add(model.SeverityMedium,
		fmt.Sprintf("Query on '%s' does not hit any index prefix. WHERE uses %v but available indexes are: %s",
			tableName, sortedKeys(used), strings.Join(indexes, " ")),
		"Ensure the WHERE clause filters on the leftmost column of an index.")
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
