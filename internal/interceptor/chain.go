package interceptor

import (
	"context"
	"fmt"
	"sort"

	"sql-guard/internal/model"

	"go.uber.org/zap"
)

// Decision is the outcome of a pre-check.
type Decision int

const (
	// Continue runs the next interceptor.
	Continue Decision = iota
	// Allow skips the rest of the chain and lets the statement run.
	Allow
	// Deny skips the rest of the chain and rejects the statement.
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "continue"
	}
}

// State is a step of one chain run.
type State int

const (
	StateEntered State = iota
	StatePreCheck
	StateShortCircuited
	StatePostCheck
	StateDone
)

func (s State) String() string {
	return [...]string{"ENTERED", "PRE_CHECK", "SHORT_CIRCUITED", "POST_CHECK", "DONE"}[s]
}

// Interceptor is one unit of the chain. PreCheck may short-circuit the chain;
// PostCheck runs only when no pre-check did and may rewrite the statement.
type Interceptor interface {
	PreCheck(ctx context.Context, call *Call) (Decision, error)
	PostCheck(ctx context.Context, call *Call) error
}

// Descriptor registers an interceptor. Lower priorities run first.
type Descriptor struct {
	Name        string
	Priority    int
	Enabled     bool
	Interceptor Interceptor
}

// DeniedError is returned when an interceptor denies a statement. It wraps
// the reason the interceptor gave, if any.
type DeniedError struct {
	Interceptor string
	Err         error
}

func (e *DeniedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("statement denied by %s", e.Interceptor)
	}
	return fmt.Sprintf("statement denied by %s: %v", e.Interceptor, e.Err)
}

func (e *DeniedError) Unwrap() error { return e.Err }

// Call is the mutable state of one statement passing through the chain.
type Call struct {
	Exec    *model.Execution
	Verdict *model.Verdict

	sql   string
	scope *Scope
}

// SQL returns the statement text as rewritten so far.
func (c *Call) SQL() string { return c.sql }

// Rewrite replaces the outgoing statement text.
func (c *Call) Rewrite(sql string) { c.sql = sql }

func (c *Call) Scope() *Scope { return c.scope }

// Result describes a finished chain run.
type Result struct {
	SQL      string
	Verdict  *model.Verdict
	Decision Decision
	Trace    []State
}

// Rewritten reports whether the outgoing SQL differs from the original.
func (r *Result) Rewritten(original string) bool {
	return r.SQL != original
}

// Builder collects descriptors. The chain it builds is immutable.
type Builder struct {
	descriptors []Descriptor
	logger      *zap.Logger
}

func NewBuilder() *Builder {
	return &Builder{logger: zap.NewNop()}
}

func (b *Builder) Add(d Descriptor) *Builder {
	b.descriptors = append(b.descriptors, d)
	return b
}

func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// Build drops disabled descriptors and orders the rest by priority, keeping
// registration order for equal priorities.
func (b *Builder) Build() *Chain {
	enabled := make([]Descriptor, 0, len(b.descriptors))
	for _, d := range b.descriptors {
		if d.Enabled && d.Interceptor != nil {
			enabled = append(enabled, d)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority < enabled[j].Priority
	})
	return &Chain{descriptors: enabled, logger: b.logger.Named("chain")}
}

// Chain runs interceptors in priority order. It is safe for concurrent use.
type Chain struct {
	descriptors []Descriptor
	logger      *zap.Logger
}

// Names returns the interceptor names in run order.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.descriptors))
	for _, d := range c.descriptors {
		names = append(names, d.Name)
	}
	return names
}

// Run passes exec through the chain. It enters the call scope itself, so the
// scope is released when Run returns unless an outer caller owns it.
func (c *Chain) Run(ctx context.Context, exec *model.Execution) (res *Result, err error) {
	ctx, scope, release := Enter(ctx)
	res = &Result{SQL: exec.SQL, Trace: []State{StateEntered}}
	defer func() {
		res.Trace = append(res.Trace, StateDone)
		release()
	}()

	if exec.Statement() == nil {
		if stmt, ok := scope.Statement(exec.SQL); ok {
			exec.SetStatement(stmt)
		}
	}
	call := &Call{Exec: exec, sql: exec.SQL, scope: scope}

	res.Trace = append(res.Trace, StatePreCheck)
	for _, d := range c.descriptors {
		decision, err := d.Interceptor.PreCheck(ctx, call)
		scope.StoreStatement(exec.SQL, exec.Statement())
		res.Verdict = call.Verdict
		if decision == Continue && err != nil {
			return res, err
		}
		if decision != Continue {
			res.Decision = decision
			res.Trace = append(res.Trace, StateShortCircuited)
			c.logger.Debug("chain short-circuited",
				zap.String("interceptor", d.Name),
				zap.Stringer("decision", decision),
				zap.String("call_site", exec.CallSite))
			if decision == Deny {
				return res, &DeniedError{Interceptor: d.Name, Err: err}
			}
			return res, nil
		}
	}

	res.Trace = append(res.Trace, StatePostCheck)
	for _, d := range c.descriptors {
		if err := d.Interceptor.PostCheck(ctx, call); err != nil {
			return res, err
		}
		res.SQL = call.SQL()
	}
	res.Verdict = call.Verdict
	return res, nil
}
