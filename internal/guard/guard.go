package guard

import (
	"context"
	"sync"
	"time"

	"sql-guard/internal/audit"
	"sql-guard/internal/auditor"
	"sql-guard/internal/config"
	"sql-guard/internal/interceptor"
	"sql-guard/internal/model"
	"sql-guard/internal/parser"
	"sql-guard/internal/policy"
	"sql-guard/internal/validator"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Guard wires the parser, the rules, the validator, the enforcer, the
// interceptor chain and the audit writer from one configuration. Interception
// points share a Guard and ask it whether they are armed.
type Guard struct {
	cfg       *config.Config
	facade    *parser.Facade
	auditor   *auditor.Auditor
	validator *validator.Validator
	enforcer  *policy.Enforcer
	chain     *interceptor.Chain
	writer    audit.Writer
	logger    *zap.Logger

	mu       sync.RWMutex
	attached map[model.Layer]bool
}

type options struct {
	logger  *zap.Logger
	schema  *model.SchemaCtx
	writer  audit.Writer
	rules   []model.Rule
	backend parser.Backend
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSchema enables the index-miss rule.
func WithSchema(s *model.SchemaCtx) Option {
	return func(o *options) { o.schema = s }
}

// WithWriter replaces the writer built from the audit configuration.
func WithWriter(w audit.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithRules registers custom rules after the built-in ones.
func WithRules(rules ...model.Rule) Option {
	return func(o *options) { o.rules = append(o.rules, rules...) }
}

func WithParserBackend(b parser.Backend) Option {
	return func(o *options) { o.backend = b }
}

func New(cfg *config.Config, opts ...Option) (*Guard, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	parserOpts := []parser.Option{
		parser.WithLenient(cfg.Parser.Lenient),
		parser.WithCacheSize(cfg.Parser.CacheSize),
		parser.WithLogger(o.logger),
	}
	if o.backend != nil {
		parserOpts = append(parserOpts, parser.WithBackend(o.backend))
	}
	facade := parser.NewFacade(parserOpts...)

	a := auditor.NewAuditor(o.logger)
	regs, err := auditor.Builtin(cfg, o.schema)
	if err != nil {
		return nil, err
	}
	if err := a.RegisterAll(regs); err != nil {
		return nil, err
	}
	for _, rule := range o.rules {
		if err := a.Register(rule); err != nil {
			return nil, err
		}
	}

	parseFailure, err := model.ParseSeverity(cfg.ParseFailure.Severity)
	if err != nil {
		return nil, errors.Wrap(err, "parse-failure.severity")
	}
	dedupSize, dedupTTL := cfg.Dedup.CacheSize, cfg.Dedup.TTL
	if !cfg.Dedup.Enabled {
		dedupSize = 0
	}
	v := validator.New(facade, a,
		validator.WithDedup(dedupSize, dedupTTL),
		validator.WithParseFailure(parseFailure, cfg.ParseFailure.Fail),
		validator.WithLogger(o.logger))

	strategy, err := policy.ParseStrategy(cfg.ActiveStrategy)
	if err != nil {
		return nil, errors.Wrap(err, "active-strategy")
	}
	enforcer := policy.NewEnforcer(strategy, o.logger)

	exempt, err := model.CompilePatterns(cfg.ExemptCallSites)
	if err != nil {
		return nil, errors.Wrap(err, "exempt-call-sites")
	}
	chain := interceptor.NewBuilder().
		WithLogger(o.logger).
		Add(interceptor.Descriptor{
			Name:        "exemption",
			Priority:    interceptor.PriorityExemption,
			Enabled:     !exempt.Empty(),
			Interceptor: &interceptor.ExemptionInterceptor{CallSites: exempt},
		}).
		Add(interceptor.Descriptor{
			Name:        "check",
			Priority:    interceptor.PriorityCheck,
			Enabled:     true,
			Interceptor: &interceptor.CheckInterceptor{Checker: v, Enforcer: enforcer},
		}).
		Add(interceptor.Descriptor{
			Name:        "limit-rewrite",
			Priority:    interceptor.PriorityRewrite,
			Enabled:     cfg.Rewrite.Enabled,
			Interceptor: &interceptor.LimitRewriter{Limit: cfg.Rewrite.DefaultLimit},
		}).
		Build()

	writer := o.writer
	if writer == nil {
		writer, err = newWriter(cfg.Audit, o.logger)
		if err != nil {
			return nil, err
		}
	}

	return &Guard{
		cfg:       cfg,
		facade:    facade,
		auditor:   a,
		validator: v,
		enforcer:  enforcer,
		chain:     chain,
		writer:    writer,
		logger:    o.logger.Named("guard"),
		attached:  make(map[model.Layer]bool),
	}, nil
}

func newWriter(cfg config.AuditConfig, logger *zap.Logger) (audit.Writer, error) {
	if !cfg.Enabled {
		return audit.Discard, nil
	}
	lw, err := audit.NewLogWriter(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.BufferSize == 0 {
		return lw, nil
	}
	return audit.NewBufferedWriter(lw, cfg.BufferSize, cfg.FlushInterval, logger), nil
}

func (g *Guard) Config() *config.Config { return g.cfg }

func (g *Guard) Facade() *parser.Facade { return g.facade }

func (g *Guard) Validator() *validator.Validator { return g.validator }

func (g *Guard) Rules() []string { return g.auditor.Rules() }

func (g *Guard) Logger() *zap.Logger { return g.logger }

// Attach records that an interception point of the given layer exists.
func (g *Guard) Attach(layer model.Layer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attached[layer] = true
}

// Armed reports whether the layer performs checks. In auto mode only the
// attached layer with the best priority is armed; nested layers stay passive.
func (g *Guard) Armed(layer model.Layer) bool {
	if !g.cfg.Enabled {
		return false
	}
	switch g.cfg.InterceptionLayer {
	case config.LayerAll:
		return true
	case config.LayerAuto:
		g.mu.RLock()
		defer g.mu.RUnlock()
		best := model.LayerNone
		for l := range g.attached {
			if best == model.LayerNone || l.Priority() < best.Priority() {
				best = l
			}
		}
		return best == layer
	default:
		return g.cfg.InterceptionLayer == layer.String()
	}
}

// Check applies call hints from ctx to exec and runs the chain.
func (g *Guard) Check(ctx context.Context, exec *model.Execution) (*interceptor.Result, error) {
	if h, ok := interceptor.HintsFrom(ctx); ok {
		if exec.CallSite == "" {
			exec.CallSite = h.CallSite
		}
		if exec.Page == nil {
			exec.Page = h.Page
		}
		if exec.Params == nil {
			exec.Params = h.Params
		}
	}
	return g.chain.Run(ctx, exec)
}

// Validate checks exec without enforcing the strategy.
func (g *Guard) Validate(exec *model.Execution) (*model.Verdict, error) {
	return g.validator.Validate(exec)
}

// Record writes an audit record for a finished execution. Failures are logged,
// never returned: auditing must not fail the statement.
func (g *Guard) Record(exec *model.Execution, verdict *model.Verdict, started time.Time, rows int64, execErr error) {
	rec := audit.NewRecord(exec, verdict, started, execErr)
	rec.RowsAffected = rows
	if err := g.writer.Write(rec); err != nil {
		g.logger.Warn("audit record dropped",
			zap.String("call_site", exec.CallSite),
			zap.String("sql", parser.Snippet(exec.SQL)),
			zap.Error(err))
	}
}

// Close flushes and closes the audit writer.
func (g *Guard) Close() error {
	return g.writer.Close()
}
