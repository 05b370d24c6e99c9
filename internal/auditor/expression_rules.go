package auditor

import (
	"strings"

	"sql-guard/internal/model"
	"sql-guard/internal/parser"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"
)

// ExpressionRule is a user-declared rule: a boolean expression over the facts
// of one execution. The rule reports a finding when the expression is true.
//
// Available facts: kind, sql, callSite, layer, datasource, tables, hasWhere,
// hasLimit, limit, offset, params, paramCount.
type ExpressionRule struct {
	BaseRule
	name       string
	severity   model.Severity
	message    string
	suggestion string
	program    *vm.Program
	params     bool
}

func NewExpressionRule(name, expression string, severity model.Severity, message, suggestion string) (*ExpressionRule, error) {
	prog, err := expr.Compile(expression, expr.Env(facts(model.NewExecution("", ""))), expr.AsBool())
	if err != nil {
		return nil, errors.Wrapf(err, "compile expression rule %s", name)
	}
	return &ExpressionRule{
		name:       name,
		severity:   severity,
		message:    message,
		suggestion: suggestion,
		program:    prog,
		params:     strings.Contains(expression, "params") || strings.Contains(expression, "paramCount"),
	}, nil
}

func (r *ExpressionRule) Name() string { return r.name }

func (r *ExpressionRule) InspectsParams() bool { return r.params }

func (r *ExpressionRule) CheckRaw(exec *model.Execution, rep *model.Report) error {
	out, err := expr.Run(r.program, facts(exec))
	if err != nil {
		return errors.Wrapf(err, "evaluate expression rule %s", r.name)
	}
	if violated, ok := out.(bool); ok && violated {
		rep.Add(r.severity, r.message, r.suggestion)
	}
	return nil
}

func facts(exec *model.Execution) map[string]any {
	env := map[string]any{
		"kind":       exec.Kind.String(),
		"sql":        exec.SQL,
		"callSite":   exec.CallSite,
		"layer":      exec.Layer.String(),
		"datasource": exec.Datasource,
		"tables":     []string{},
		"hasWhere":   false,
		"hasLimit":   false,
		"limit":      int64(-1),
		"offset":     int64(0),
		"params":     map[string]any{},
		"paramCount": len(exec.Params),
	}
	if exec.Params != nil {
		env["params"] = exec.Params
	}
	if exec.Page != nil {
		env["limit"] = exec.Page.Limit
		env["offset"] = exec.Page.Offset
	}

	stmt := exec.Statement()
	if stmt == nil {
		return env
	}
	if tables := parser.TableNames(stmt); tables != nil {
		env["tables"] = tables
	}
	env["hasWhere"] = parser.Where(stmt) != nil
	if limit := parser.Limit(stmt); limit != nil {
		env["hasLimit"] = true
		if count, ok, offset, offOK := parser.LimitValues(limit); ok {
			env["limit"] = count
			if offOK {
				env["offset"] = offset
			}
		}
	}
	return env
}
