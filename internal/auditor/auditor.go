package auditor

import (
	"sql-guard/internal/model"

	"github.com/pingcap/tidb/parser/ast"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Outcome is the result of one rule invocation.
type Outcome int

const (
	NoFinding Outcome = iota
	Findings
	Faulted
)

func (o Outcome) String() string {
	switch o {
	case Findings:
		return "findings"
	case Faulted:
		return "faulted"
	default:
		return "no-finding"
	}
}

// Invocation records how a single rule behaved for one execution.
type Invocation struct {
	Rule    string
	Outcome Outcome
	Err     error
}

// Registration is a rule plus how the evaluator should treat its findings.
type Registration struct {
	Rule     model.Rule
	Severity model.Severity
	Override bool
}

type RegisterOption func(*Registration)

// WithSeverity replaces the severity of every finding the rule reports.
func WithSeverity(s model.Severity) RegisterOption {
	return func(r *Registration) {
		r.Severity = s
		r.Override = true
	}
}

type entry struct {
	Registration
	raw   model.RawRule
	param bool
}

// Auditor holds the registered rules and evaluates them against executions.
// Registration happens before use; Evaluate is safe for concurrent use.
type Auditor struct {
	rules  []entry
	names  map[string]bool
	logger *zap.Logger
}

func NewAuditor(logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{
		rules:  make([]entry, 0),
		names:  make(map[string]bool),
		logger: logger.Named("auditor"),
	}
}

// Register adds a rule. Rule names are unique.
func (a *Auditor) Register(rule model.Rule, opts ...RegisterOption) error {
	if rule == nil {
		return errors.New("nil rule")
	}
	if a.names[rule.Name()] {
		return errors.Errorf("rule %q already registered", rule.Name())
	}
	reg := Registration{Rule: rule}
	for _, opt := range opts {
		opt(&reg)
	}
	e := entry{Registration: reg}
	if raw, ok := rule.(model.RawRule); ok {
		e.raw = raw
	}
	if p, ok := rule.(model.ParamRule); ok {
		e.param = p.InspectsParams()
	}
	a.rules = append(a.rules, e)
	a.names[rule.Name()] = true
	return nil
}

// RegisterAll adds prepared registrations in order.
func (a *Auditor) RegisterAll(regs []Registration) error {
	for _, reg := range regs {
		opts := []RegisterOption{}
		if reg.Override {
			opts = append(opts, WithSeverity(reg.Severity))
		}
		if err := a.Register(reg.Rule, opts...); err != nil {
			return err
		}
	}
	return nil
}

func (a *Auditor) Rules() []string {
	names := make([]string, 0, len(a.rules))
	for _, e := range a.rules {
		names = append(names, e.Rule.Name())
	}
	return names
}

// HasParamRules reports whether any registered rule reads bound parameters.
func (a *Auditor) HasParamRules() bool {
	for _, e := range a.rules {
		if e.param {
			return true
		}
	}
	return false
}

type selection int

const (
	allRules selection = iota
	staticRules
	paramRules
)

// Evaluate runs every rule against exec and merges findings into verdict.
func (a *Auditor) Evaluate(exec *model.Execution, verdict *model.Verdict) []Invocation {
	return a.evaluate(exec, verdict, allRules)
}

// EvaluateStatic runs the rules whose result depends on the statement alone.
func (a *Auditor) EvaluateStatic(exec *model.Execution, verdict *model.Verdict) []Invocation {
	return a.evaluate(exec, verdict, staticRules)
}

// EvaluateParams runs only the rules that read bound parameters.
func (a *Auditor) EvaluateParams(exec *model.Execution, verdict *model.Verdict) []Invocation {
	return a.evaluate(exec, verdict, paramRules)
}

func (a *Auditor) evaluate(exec *model.Execution, verdict *model.Verdict, sel selection) []Invocation {
	visit := dispatch(exec.Statement())
	invocations := make([]Invocation, 0, len(a.rules))

	for _, e := range a.rules {
		if (sel == paramRules && !e.param) || (sel == staticRules && e.param) {
			continue
		}
		report := &model.Report{}
		err := a.run(e, exec, visit, report)

		inv := Invocation{Rule: e.Rule.Name(), Err: err}
		switch {
		case err != nil:
			inv.Outcome = Faulted
			a.logger.Warn("rule faulted",
				zap.String("rule", e.Rule.Name()),
				zap.String("call_site", exec.CallSite),
				zap.Error(err))
		case report.Empty():
			inv.Outcome = NoFinding
		default:
			inv.Outcome = Findings
		}
		if inv.Outcome != Faulted {
			a.merge(e, report, verdict)
		}
		invocations = append(invocations, inv)
	}
	return invocations
}

// run isolates a rule: a returned error or a panic both count as a fault.
func (a *Auditor) run(e entry, exec *model.Execution, visit visitFunc, report *model.Report) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("rule %s panicked: %v", e.Rule.Name(), r)
		}
	}()

	if e.raw != nil {
		if err := e.raw.CheckRaw(exec, report); err != nil {
			return err
		}
	}
	if visit == nil {
		return nil
	}
	return visit(e.Rule, exec, report)
}

func (a *Auditor) merge(e entry, report *model.Report, verdict *model.Verdict) {
	for _, f := range report.Findings() {
		f.Rule = e.Rule.Name()
		if e.Override {
			f.Severity = e.Severity
		}
		verdict.Add(f)
	}
	for k, v := range report.Details() {
		verdict.SetDetail(k, v)
	}
}

type visitFunc func(rule model.Rule, exec *model.Execution, report *model.Report) error

// dispatch picks the visitor entry point once per execution.
func dispatch(node ast.StmtNode) visitFunc {
	switch stmt := node.(type) {
	case nil:
		return nil
	case *ast.SelectStmt:
		return func(r model.Rule, exec *model.Execution, rep *model.Report) error {
			return r.VisitSelect(stmt, exec, rep)
		}
	case *ast.UpdateStmt:
		return func(r model.Rule, exec *model.Execution, rep *model.Report) error {
			return r.VisitUpdate(stmt, exec, rep)
		}
	case *ast.DeleteStmt:
		return func(r model.Rule, exec *model.Execution, rep *model.Report) error {
			return r.VisitDelete(stmt, exec, rep)
		}
	case *ast.InsertStmt:
		return func(r model.Rule, exec *model.Execution, rep *model.Report) error {
			return r.VisitInsert(stmt, exec, rep)
		}
	case *ast.SetOprStmt:
		branches := setBranches(stmt)
		return func(r model.Rule, exec *model.Execution, rep *model.Report) error {
			if err := r.VisitOther(stmt, exec, rep); err != nil {
				return err
			}
			for _, sel := range branches {
				if err := r.VisitSelect(sel, exec, rep); err != nil {
					return err
				}
			}
			return nil
		}
	default:
		return func(r model.Rule, exec *model.Execution, rep *model.Report) error {
			return r.VisitOther(stmt, exec, rep)
		}
	}
}

// setBranches flattens the SELECTs of a set operation. A branch without its
// own LIMIT or ORDER BY is visited as a shallow copy carrying the outer ones;
// the shared AST itself is never written.
func setBranches(set *ast.SetOprStmt) []*ast.SelectStmt {
	var branches []*ast.SelectStmt
	var walk func(nodes []ast.Node)
	walk = func(nodes []ast.Node) {
		for _, n := range nodes {
			switch s := n.(type) {
			case *ast.SelectStmt:
				if (s.Limit == nil && set.Limit != nil) || (s.OrderBy == nil && set.OrderBy != nil) {
					cp := *s
					if cp.Limit == nil {
						cp.Limit = set.Limit
					}
					if cp.OrderBy == nil {
						cp.OrderBy = set.OrderBy
					}
					s = &cp
				}
				branches = append(branches, s)
			case *ast.SetOprSelectList:
				walk(s.Selects)
			case *ast.SetOprStmt:
				if s.SelectList != nil {
					walk(s.SelectList.Selects)
				}
			}
		}
	}
	if set.SelectList != nil {
		walk(set.SelectList.Selects)
	}
	return branches
}
