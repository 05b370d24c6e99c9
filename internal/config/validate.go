package config

import (
	"fmt"
	"regexp"
	"strings"

	"sql-guard/internal/model"

	"go.uber.org/multierr"
)

// FieldError names the configuration key that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

func fieldErr(field, format string, args ...any) error {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks every setting and returns all problems at once.
func (c *Config) Validate() error {
	var errs error

	switch c.ActiveStrategy {
	case StrategyObserve, StrategyWarn, StrategyBlock:
	default:
		errs = multierr.Append(errs, fieldErr("active-strategy", "must be one of observe, warn, block; got %q", c.ActiveStrategy))
	}

	switch c.InterceptionLayer {
	case LayerAuto, LayerMapper, LayerPool, LayerDriver, LayerAll:
	default:
		errs = multierr.Append(errs, fieldErr("interception-layer", "must be one of auto, mapper, pool, driver, all; got %q", c.InterceptionLayer))
	}

	errs = multierr.Append(errs, checkPatterns("exempt-call-sites", c.ExemptCallSites))

	if c.Parser.CacheSize < 0 {
		errs = multierr.Append(errs, fieldErr("parser.cache-size", "must not be negative"))
	}
	if c.Dedup.Enabled {
		if c.Dedup.CacheSize <= 0 {
			errs = multierr.Append(errs, fieldErr("dedup.cache-size", "must be positive"))
		}
		if c.Dedup.TTL <= 0 {
			errs = multierr.Append(errs, fieldErr("dedup.ttl", "must be positive"))
		}
	}
	if _, err := model.ParseSeverity(c.ParseFailure.Severity); err != nil {
		errs = multierr.Append(errs, fieldErr("parse-failure.severity", "%v", err))
	}
	if c.Rewrite.Enabled && c.Rewrite.DefaultLimit <= 0 {
		errs = multierr.Append(errs, fieldErr("rewrite.default-limit", "must be positive"))
	}
	if c.Audit.Enabled {
		if strings.TrimSpace(c.Audit.Path) == "" {
			errs = multierr.Append(errs, fieldErr("audit.path", "is required when audit is enabled"))
		}
		if c.Audit.BufferSize < 0 {
			errs = multierr.Append(errs, fieldErr("audit.buffer-size", "must not be negative"))
		}
		if c.Audit.BufferSize > 0 && c.Audit.FlushInterval <= 0 {
			errs = multierr.Append(errs, fieldErr("audit.flush-interval", "must be positive when buffering"))
		}
	}

	return multierr.Append(errs, c.Rules.validate())
}

func (r *RulesConfig) validate() error {
	var errs error

	bases := map[string]RuleBase{
		"missing-filter":          r.MissingFilter.RuleBase,
		"tautology":               r.Tautology.RuleBase,
		"forbidden-column":        r.ForbiddenColumn.RuleBase,
		"required-column":         r.RequiredColumn.RuleBase,
		"no-pagination":           r.NoPagination.RuleBase,
		"no-condition-pagination": r.NoConditionPagination,
		"deep-pagination":         r.DeepPagination.RuleBase,
		"large-page-size":         r.LargePageSize.RuleBase,
		"missing-order-by":        r.MissingOrderBy,
		"logical-pagination":      r.LogicalPagination,
		"select-all":              r.SelectAll,
		"index-miss":              r.IndexMiss,
		"param-injection":         r.ParamInjection,
		"denied-table":            r.DeniedTable.RuleBase,
		"read-only-table":         r.ReadOnlyTable.RuleBase,
		"ddl-operation":           r.DDLOperation.RuleBase,
		"set-operation":           r.SetOperation.RuleBase,
		"dangerous-function":      r.DangerousFunction.RuleBase,
		"into-outfile":            r.IntoOutfile,
		"multi-statement":         r.MultiStatement,
		"sql-comment":             r.SQLComment.RuleBase,
	}
	for name, base := range bases {
		if base.Severity == "" {
			continue
		}
		if _, err := model.ParseSeverity(base.Severity); err != nil {
			errs = multierr.Append(errs, fieldErr("rules."+name+".severity", "%v", err))
		}
	}

	errs = multierr.Append(errs, checkPatterns("rules.missing-filter.exempt-call-sites", r.MissingFilter.ExemptCallSites))

	if r.Tautology.Enabled {
		if len(r.Tautology.Patterns) == 0 && len(r.Tautology.CustomPatterns) == 0 {
			errs = multierr.Append(errs, fieldErr("rules.tautology.patterns", "must not be empty when the rule is enabled"))
		}
		for i, p := range r.Tautology.CustomPatterns {
			if _, err := regexp.Compile(p); err != nil {
				errs = multierr.Append(errs, fieldErr(fmt.Sprintf("rules.tautology.custom-patterns[%d]", i), "%v", err))
			}
		}
	}
	if r.ForbiddenColumn.Enabled && len(r.ForbiddenColumn.Columns) == 0 {
		errs = multierr.Append(errs, fieldErr("rules.forbidden-column.columns", "must not be empty when the rule is enabled"))
	}
	if r.RequiredColumn.Enabled && len(r.RequiredColumn.Columns) == 0 && len(r.RequiredColumn.ByTable) == 0 {
		errs = multierr.Append(errs, fieldErr("rules.required-column.columns", "columns or by-table must be set when the rule is enabled"))
	}
	if r.NoPagination.Enabled {
		if r.NoPagination.LargeTableRows <= 0 {
			errs = multierr.Append(errs, fieldErr("rules.no-pagination.large-table-rows", "must be positive"))
		}
		for table, rows := range r.NoPagination.TableRows {
			if rows < 0 {
				errs = multierr.Append(errs, fieldErr("rules.no-pagination.table-rows."+table, "must not be negative"))
			}
		}
		errs = multierr.Append(errs, checkPatterns("rules.no-pagination.whitelist-call-sites", r.NoPagination.WhitelistCallSites))
		errs = multierr.Append(errs, checkPatterns("rules.no-pagination.whitelist-tables", r.NoPagination.WhitelistTables))
	}
	if r.DeepPagination.Enabled && r.DeepPagination.MaxOffset <= 0 {
		errs = multierr.Append(errs, fieldErr("rules.deep-pagination.max-offset", "must be positive"))
	}
	if r.LargePageSize.Enabled && r.LargePageSize.MaxPageSize <= 0 {
		errs = multierr.Append(errs, fieldErr("rules.large-page-size.max-page-size", "must be positive"))
	}
	if r.DangerousFunction.Enabled && len(r.DangerousFunction.Functions) == 0 {
		errs = multierr.Append(errs, fieldErr("rules.dangerous-function.functions", "must not be empty when the rule is enabled"))
	}
	errs = multierr.Append(errs, checkPatterns("rules.denied-table.tables", r.DeniedTable.Tables))
	errs = multierr.Append(errs, checkPatterns("rules.read-only-table.tables", r.ReadOnlyTable.Tables))

	names := make(map[string]bool)
	for i, e := range r.Expressions {
		field := fmt.Sprintf("rules.expressions[%d]", i)
		if strings.TrimSpace(e.Name) == "" {
			errs = multierr.Append(errs, fieldErr(field+".name", "is required"))
		} else if names[e.Name] {
			errs = multierr.Append(errs, fieldErr(field+".name", "duplicate name %q", e.Name))
		}
		names[e.Name] = true
		if !e.Enabled {
			continue
		}
		if strings.TrimSpace(e.Expression) == "" {
			errs = multierr.Append(errs, fieldErr(field+".expression", "is required"))
		}
		if strings.TrimSpace(e.Message) == "" {
			errs = multierr.Append(errs, fieldErr(field+".message", "is required"))
		}
		if _, err := model.ParseSeverity(e.Severity); err != nil {
			errs = multierr.Append(errs, fieldErr(field+".severity", "%v", err))
		}
	}
	return errs
}

func checkPatterns(field string, patterns []string) error {
	if _, err := model.CompilePatterns(patterns); err != nil {
		return fieldErr(field, "%v", err)
	}
	return nil
}
