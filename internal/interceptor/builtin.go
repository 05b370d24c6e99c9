package interceptor

import (
	"context"
	"strconv"
	"strings"

	"sql-guard/internal/model"
	"sql-guard/internal/parser"

	"github.com/pingcap/tidb/parser/ast"
)

// Priorities of the built-in interceptors.
const (
	PriorityExemption = 0
	PriorityCheck     = 10
	PriorityRewrite   = 200
)

// Checker produces a verdict for an execution.
type Checker interface {
	Validate(exec *model.Execution) (*model.Verdict, error)
}

// Enforcer acts on a verdict. A non-nil error rejects the statement.
type Enforcer interface {
	Enforce(exec *model.Execution, verdict *model.Verdict) error
}

// ExemptionInterceptor lets exempt call sites through without any check.
type ExemptionInterceptor struct {
	CallSites model.Patterns
}

func (e *ExemptionInterceptor) PreCheck(_ context.Context, call *Call) (Decision, error) {
	if !e.CallSites.Match(call.Exec.CallSite) {
		return Continue, nil
	}
	verdict := model.NewVerdict()
	verdict.SetDetail("exempt", true)
	call.Verdict = verdict
	return Allow, nil
}

func (e *ExemptionInterceptor) PostCheck(context.Context, *Call) error { return nil }

// CheckInterceptor validates the statement and enforces the verdict. A
// verdict already decided by an outer interception point in the same call is
// reused as is.
type CheckInterceptor struct {
	Checker  Checker
	Enforcer Enforcer
}

func (c *CheckInterceptor) PreCheck(_ context.Context, call *Call) (Decision, error) {
	if verdict, ok := call.Scope().Verdict(call.SQL()); ok {
		call.Verdict = verdict
		return Continue, nil
	}
	verdict, err := c.Checker.Validate(call.Exec)
	if err != nil {
		return Continue, err
	}
	call.Verdict = verdict
	if err := c.Enforcer.Enforce(call.Exec, verdict); err != nil {
		return Deny, err
	}
	call.Scope().Decide(call.SQL(), verdict)
	return Continue, nil
}

func (c *CheckInterceptor) PostCheck(context.Context, *Call) error { return nil }

// LimitRewriter appends a default LIMIT to plain unbounded SELECTs that passed
// the check. Locking reads, INTO targets, aggregate-only selects and calls
// with row bounds are left alone.
type LimitRewriter struct {
	Limit int64
}

func (r *LimitRewriter) PreCheck(context.Context, *Call) (Decision, error) { return Continue, nil }

func (r *LimitRewriter) PostCheck(_ context.Context, call *Call) error {
	if call.SQL() != call.Exec.SQL || call.Exec.Page != nil {
		return nil
	}
	sel, ok := call.Exec.Statement().(*ast.SelectStmt)
	if !ok || sel.Limit != nil || sel.SelectIntoOpt != nil || parser.AggregateOnly(sel) {
		return nil
	}
	if sel.LockInfo != nil && sel.LockInfo.LockType != ast.SelectLockNone {
		return nil
	}
	if len(parser.TableNames(sel)) == 0 {
		return nil
	}
	rewritten := strings.TrimRight(strings.TrimSpace(call.SQL()), "; \t\r\n") + " LIMIT " + strconv.FormatInt(r.Limit, 10)
	call.Rewrite(rewritten)
	call.Scope().Decide(rewritten, call.Verdict)
	return nil
}
