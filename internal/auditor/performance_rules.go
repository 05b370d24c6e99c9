package auditor

import (
	"fmt"

	"sql-guard/internal/model"
	"sql-guard/internal/parser"

	"github.com/pingcap/tidb/parser/ast"
	"github.com/pingcap/tidb/parser/opcode"
)

// PaginationType classifies how a SELECT limits its result.
type PaginationType string

const (
	PaginationNone     PaginationType = "NONE"
	PaginationLogical  PaginationType = "LOGICAL"
	PaginationPhysical PaginationType = "PHYSICAL"
)

// DetectPagination: row bounds without LIMIT are logical unless the caller
// translates them into LIMIT before execution.
func DetectPagination(stmt *ast.SelectStmt, exec *model.Execution, physicalPaging bool) PaginationType {
	hasLimit := stmt.Limit != nil
	hasBounds := exec.Page != nil
	switch {
	case hasBounds && !hasLimit && !physicalPaging:
		return PaginationLogical
	case hasLimit || (hasBounds && physicalPaging):
		return PaginationPhysical
	default:
		return PaginationNone
	}
}

// NoPaginationRule detects unbounded SELECTs.
type NoPaginationRule struct {
	BaseRule
	WhitelistCallSites model.Patterns
	WhitelistTables    model.Patterns
	UniqueKeys         []string
	Blacklist          model.Patterns
	EnforceForAll      bool
	LargeTableRows     int64
	TableRows          map[string]int64
}

func (r *NoPaginationRule) Name() string { return "no-pagination" }

func (r *NoPaginationRule) VisitSelect(stmt *ast.SelectStmt, exec *model.Execution, rep *model.Report) error {
	if stmt.Limit != nil || exec.Page != nil || parser.AggregateOnly(stmt) {
		return nil
	}
	if r.WhitelistCallSites.Match(exec.CallSite) {
		return nil
	}
	tables := parser.TableNames(stmt)
	if len(tables) == 0 || r.WhitelistTables.Match(tables[0]) {
		return nil
	}
	if r.uniqueKeyLookup(stmt.Where) {
		return nil
	}

	_, dummy := parser.Tautology(stmt.Where)
	switch {
	case stmt.Where == nil || dummy:
		severity := model.SeverityCritical
		if rows, ok := r.TableRows[tables[0]]; ok {
			rep.Detail("estimated_rows", rows)
			if rows < r.LargeTableRows {
				severity = model.SeverityMedium
			}
		}
		rep.Add(severity,
			fmt.Sprintf("SELECT on %s has no effective WHERE clause and no LIMIT (full table read)", tables[0]),
			"Add a selective WHERE clause and a LIMIT, or page the result.")
	case onlyMatching(parser.ColumnNames(stmt.Where), r.Blacklist):
		rep.Add(model.SeverityHigh,
			fmt.Sprintf("SELECT on %s without LIMIT filters only on low-selectivity columns", tables[0]),
			"Add a LIMIT or a selective condition.")
	case r.EnforceForAll:
		rep.Add(model.SeverityMedium,
			fmt.Sprintf("SELECT on %s has no LIMIT", tables[0]),
			"Add a LIMIT to bound the result size.")
	}
	return nil
}

// uniqueKeyLookup reports whether the filter pins a unique key with equality
// in its top-level AND chain.
func (r *NoPaginationRule) uniqueKeyLookup(where ast.ExprNode) bool {
	if where == nil || len(r.UniqueKeys) == 0 {
		return false
	}
	for _, cond := range conjuncts(where) {
		bin, ok := cond.(*ast.BinaryOperationExpr)
		if !ok || bin.Op != opcode.EQ {
			continue
		}
		for _, side := range []ast.ExprNode{bin.L, bin.R} {
			col, ok := side.(*ast.ColumnNameExpr)
			if !ok || col.Name == nil {
				continue
			}
			for _, key := range r.UniqueKeys {
				if col.Name.Name.L == key {
					return true
				}
			}
		}
	}
	return false
}

func conjuncts(expr ast.ExprNode) []ast.ExprNode {
	switch e := expr.(type) {
	case *ast.ParenthesesExpr:
		return conjuncts(e.Expr)
	case *ast.BinaryOperationExpr:
		if e.Op == opcode.LogicAnd {
			return append(conjuncts(e.L), conjuncts(e.R)...)
		}
	}
	return []ast.ExprNode{expr}
}

// NoConditionPaginationRule detects LIMIT on a query without an effective filter.
type NoConditionPaginationRule struct {
	BaseRule
}

func (r *NoConditionPaginationRule) Name() string { return "no-condition-pagination" }

func (r *NoConditionPaginationRule) VisitSelect(stmt *ast.SelectStmt, _ *model.Execution, rep *model.Report) error {
	if stmt.Limit == nil || len(parser.TableNames(stmt)) == 0 {
		return nil
	}
	if _, dummy := parser.Tautology(stmt.Where); stmt.Where == nil || dummy {
		rep.Add(model.SeverityHigh,
			"LIMIT without an effective WHERE clause still scans the table from the start",
			"Add a WHERE clause, ideally on an indexed column.")
	}
	return nil
}

// DeepPaginationRule detects large offsets, from LIMIT or from row bounds
type DeepPaginationRule struct {
	BaseRule
	MaxOffset int64
}

func (r *DeepPaginationRule) Name() string { return "deep-pagination" }

func (r *DeepPaginationRule) VisitSelect(stmt *ast.SelectStmt, exec *model.Execution, rep *model.Report) error {
	_, _, offset, ok := parser.LimitValues(stmt.Limit)
	if !ok && exec.Page != nil {
		offset, ok = exec.Page.Offset, true
	}
	if ok && offset > r.MaxOffset {
		rep.Detail("offset", offset)
		rep.Add(model.SeverityMedium,
			fmt.Sprintf("Deep pagination detected: offset %d exceeds %d", offset, r.MaxOffset),
			"Use keyset pagination (WHERE id > last_id) instead of OFFSET.")
	}
	return nil
}

// LargePageSizeRule detects oversized pages
type LargePageSizeRule struct {
	BaseRule
	MaxPageSize int64
}

func (r *LargePageSizeRule) Name() string { return "large-page-size" }

func (r *LargePageSizeRule) VisitSelect(stmt *ast.SelectStmt, exec *model.Execution, rep *model.Report) error {
	count, ok, _, _ := parser.LimitValues(stmt.Limit)
	if !ok && exec.Page != nil {
		count, ok = exec.Page.Limit, true
	}
	if ok && count > r.MaxPageSize {
		rep.Add(model.SeverityMedium,
			fmt.Sprintf("Page size %d exceeds %d", count, r.MaxPageSize),
			"Request smaller pages.")
	}
	return nil
}

// MissingOrderByRule detects paging without a deterministic order
type MissingOrderByRule struct {
	BaseRule
}

func (r *MissingOrderByRule) Name() string { return "missing-order-by" }

func (r *MissingOrderByRule) VisitSelect(stmt *ast.SelectStmt, exec *model.Execution, rep *model.Report) error {
	if (stmt.Limit != nil || exec.Page != nil) && stmt.OrderBy == nil {
		rep.Add(model.SeverityLow,
			"Paged query has no ORDER BY; page contents are not deterministic",
			"Add an ORDER BY on a unique column.")
	}
	return nil
}

// LogicalPaginationRule detects row bounds that are applied after fetching every row.
type LogicalPaginationRule struct {
	BaseRule
	PhysicalPaging bool
}

func (r *LogicalPaginationRule) Name() string { return "logical-pagination" }

func (r *LogicalPaginationRule) VisitSelect(stmt *ast.SelectStmt, exec *model.Execution, rep *model.Report) error {
	if DetectPagination(stmt, exec, r.PhysicalPaging) != PaginationLogical {
		return nil
	}
	rep.Detail("offset", exec.Page.Offset)
	rep.Detail("limit", exec.Page.Limit)
	rep.Detail("pagination_type", string(PaginationLogical))
	rep.Add(model.SeverityCritical,
		"Row bounds without LIMIT: every row is fetched and the page is cut in memory",
		"Enable physical paging or add LIMIT/OFFSET to the statement.")
	return nil
}
