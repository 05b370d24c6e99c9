package policy

import (
	"fmt"
	"strings"

	"sql-guard/internal/model"
	"sql-guard/internal/parser"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Strategy decides what happens to a statement with findings.
type Strategy int

const (
	// Observe only records: violations are logged at warning level.
	Observe Strategy = iota
	// Warn logs violations at error level and lets the statement run.
	Warn
	// Block rejects the statement with a *ViolationError.
	Block
)

func (s Strategy) String() string {
	switch s {
	case Warn:
		return "warn"
	case Block:
		return "block"
	default:
		return "observe"
	}
}

func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "observe":
		return Observe, nil
	case "warn":
		return Warn, nil
	case "block":
		return Block, nil
	}
	return Observe, errors.Errorf("unknown strategy %q", name)
}

// ViolationError is returned under the block strategy. It carries the full
// verdict so callers can report which rules fired.
type ViolationError struct {
	CallSite string
	Verdict  *model.Verdict
}

func (e *ViolationError) Error() string {
	rules := make([]string, 0, len(e.Verdict.Findings))
	for _, f := range e.Verdict.Findings {
		rules = append(rules, f.Rule)
	}
	msg := fmt.Sprintf("SQL blocked (%s): %s", e.Verdict.Severity, strings.Join(rules, ", "))
	if len(e.Verdict.Findings) > 0 {
		msg += ": " + e.Verdict.Findings[0].Message
	}
	if e.CallSite != "" {
		msg += " [" + e.CallSite + "]"
	}
	return msg
}

// IsViolation reports whether err is or wraps a *ViolationError.
func IsViolation(err error) bool {
	var v *ViolationError
	return errors.As(err, &v)
}

// Enforcer maps a verdict and the configured strategy to an action.
type Enforcer struct {
	strategy Strategy
	logger   *zap.Logger
}

func NewEnforcer(strategy Strategy, logger *zap.Logger) *Enforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{strategy: strategy, logger: logger.Named("policy")}
}

func (e *Enforcer) Strategy() Strategy { return e.strategy }

// Enforce returns nil for passing verdicts. For failing ones it returns a
// *ViolationError under Block and logs otherwise.
func (e *Enforcer) Enforce(exec *model.Execution, verdict *model.Verdict) error {
	if verdict == nil || verdict.Passed {
		return nil
	}
	switch e.strategy {
	case Block:
		e.logger.Error("SQL blocked", e.fields(exec, verdict)...)
		return &ViolationError{CallSite: exec.CallSite, Verdict: verdict}
	case Warn:
		e.logger.Error("SQL violation", e.fields(exec, verdict)...)
	default:
		e.logger.Warn("SQL violation observed", e.fields(exec, verdict)...)
	}
	return nil
}

func (e *Enforcer) fields(exec *model.Execution, verdict *model.Verdict) []zap.Field {
	rules := make([]string, 0, len(verdict.Findings))
	messages := make([]string, 0, len(verdict.Findings))
	for _, f := range verdict.Findings {
		rules = append(rules, f.Rule)
		messages = append(messages, f.Message)
	}
	return []zap.Field{
		zap.String("call_site", exec.CallSite),
		zap.String("layer", exec.Layer.String()),
		zap.Stringer("severity", verdict.Severity),
		zap.Strings("rules", rules),
		zap.Strings("messages", messages),
		zap.String("sql", parser.Snippet(exec.SQL)),
	}
}
