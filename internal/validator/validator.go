package validator

import (
	"fmt"
	"time"

	"sql-guard/internal/auditor"
	"sql-guard/internal/model"
	"sql-guard/internal/parser"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	DefaultDedupSize = 1000
	DefaultDedupTTL  = 100 * time.Millisecond

	// ParseFailureRule names the synthetic finding produced for unparsable SQL.
	ParseFailureRule = "parse-failure"
)

// Validator is the single place where SQL is parsed and evaluated. It is safe
// for concurrent use.
type Validator struct {
	facade       *parser.Facade
	auditor      *auditor.Auditor
	dedup        *expirable.LRU[string, *model.Verdict]
	parseFailure model.Severity
	failOnParse  bool
	logger       *zap.Logger

	evaluations atomic.Int64
	dedupHits   atomic.Int64
}

type Option func(*Validator)

// WithDedup enables the short-lived verdict cache. A size of zero or less disables it.
func WithDedup(size int, ttl time.Duration) Option {
	return func(v *Validator) {
		if size <= 0 || ttl <= 0 {
			v.dedup = nil
			return
		}
		v.dedup = expirable.NewLRU[string, *model.Verdict](size, nil, ttl)
	}
}

// WithParseFailure sets the severity of the finding recorded for unparsable
// SQL. SeveritySafe records no finding. With fail set the parse error is
// returned instead of a verdict.
func WithParseFailure(severity model.Severity, fail bool) Option {
	return func(v *Validator) {
		v.parseFailure = severity
		v.failOnParse = fail
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) { v.logger = l.Named("validator") }
}

func New(facade *parser.Facade, a *auditor.Auditor, opts ...Option) *Validator {
	v := &Validator{
		facade:  facade,
		auditor: a,
		dedup:   expirable.NewLRU[string, *model.Verdict](DefaultDedupSize, nil, DefaultDedupTTL),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Stats is a snapshot of the validator counters.
type Stats struct {
	Evaluations int64
	DedupHits   int64
	DedupSize   int
}

func (v *Validator) Stats() Stats {
	s := Stats{Evaluations: v.evaluations.Load(), DedupHits: v.dedupHits.Load()}
	if v.dedup != nil {
		s.DedupSize = v.dedup.Len()
	}
	return s
}

// Validate parses exec at most once and evaluates every registered rule.
//
// The returned verdict may be shared with other callers and must not be
// modified. Identical SQL from the same call site within the dedup window
// returns the same verdict without evaluating the rules again; only rules that
// read bound parameters run again, on a copy.
func (v *Validator) Validate(exec *model.Execution) (*model.Verdict, error) {
	key := dedupKey(exec)
	if v.dedup != nil {
		if cached, ok := v.dedup.Get(key); ok {
			v.dedupHits.Inc()
			// the rewriter and the audit record read the statement
			if _, err := v.ensureStatement(exec); err != nil {
				return nil, err
			}
			if !v.needsParamPass(exec) {
				return cached, nil
			}
			return v.paramPass(exec, cached), nil
		}
	}

	base := model.NewVerdict()
	parseErr, err := v.ensureStatement(exec)
	if err != nil {
		return nil, err
	}
	if parseErr != nil {
		v.recordParseFailure(exec, parseErr, base)
	}

	v.evaluations.Inc()
	if v.auditor.HasParamRules() {
		v.auditor.EvaluateStatic(exec, base)
	} else {
		v.auditor.Evaluate(exec, base)
	}
	if v.dedup != nil {
		v.dedup.Add(key, base)
	}

	if v.needsParamPass(exec) {
		return v.paramPass(exec, base), nil
	}
	return base, nil
}

// ensureStatement populates the statement of exec unless an upstream
// interception point already did. It returns the strict-mode parse error
// separately; err is set only when parse failures are configured to fail.
func (v *Validator) ensureStatement(exec *model.Execution) (parseErr *parser.ParseError, err error) {
	if exec.Statement() != nil {
		return nil, nil
	}
	stmt, perr := v.facade.Parse(exec.SQL)
	if perr != nil {
		if v.failOnParse {
			return nil, perr
		}
		var pe *parser.ParseError
		if !errors.As(perr, &pe) {
			pe = &parser.ParseError{Snippet: parser.Snippet(exec.SQL), Reason: perr.Error(), Err: perr}
		}
		return pe, nil
	}
	if stmt != nil {
		exec.SetStatement(stmt)
	}
	return nil, nil
}

func (v *Validator) recordParseFailure(exec *model.Execution, pe *parser.ParseError, verdict *model.Verdict) {
	verdict.SetDetail("parse_error", pe.Reason)
	if v.parseFailure == model.SeveritySafe {
		v.logger.Warn("SQL could not be parsed, statement rules skipped",
			zap.String("call_site", exec.CallSite),
			zap.String("sql", pe.Snippet),
			zap.String("reason", pe.Reason))
		return
	}
	verdict.Add(model.Finding{
		Rule:       ParseFailureRule,
		Severity:   v.parseFailure,
		Message:    fmt.Sprintf("SQL could not be parsed: %s", pe.Reason),
		Suggestion: "Rewrite the statement in a dialect the checker understands, or exempt its call site.",
	})
}

func (v *Validator) needsParamPass(exec *model.Execution) bool {
	return len(exec.Params) > 0 && v.auditor.HasParamRules()
}

func (v *Validator) paramPass(exec *model.Execution, base *model.Verdict) *model.Verdict {
	verdict := base.Clone()
	v.auditor.EvaluateParams(exec, verdict)
	return verdict
}

// Purge empties the dedup cache.
func (v *Validator) Purge() {
	if v.dedup != nil {
		v.dedup.Purge()
	}
}

// dedupKey carries every execution fact a static rule can read: row bounds
// for the pagination rules, layer and datasource for expression rules.
func dedupKey(exec *model.Execution) string {
	key := parser.Normalize(exec.SQL) + "\x00" + exec.CallSite + "\x00" + exec.Layer.String() + "\x00" + exec.Datasource
	if exec.Page != nil {
		key += fmt.Sprintf("\x00%d,%d", exec.Page.Offset, exec.Page.Limit)
	}
	return key
}
