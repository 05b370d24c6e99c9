package auditor

import (
	"strings"

	"sql-guard/internal/config"
	"sql-guard/internal/model"

	"github.com/pkg/errors"
)

// Builtin builds the registrations for every enabled built-in rule and every
// enabled expression rule. schema may be nil; index-miss is skipped then.
func Builtin(cfg *config.Config, schema *model.SchemaCtx) ([]Registration, error) {
	rc := cfg.Rules
	var regs []Registration
	add := func(base config.RuleBase, rule model.Rule) {
		if !base.Enabled {
			return
		}
		reg := Registration{Rule: rule}
		if s, ok := base.SeverityOverride(); ok {
			reg.Severity, reg.Override = s, true
		}
		regs = append(regs, reg)
	}
	patterns := func(field string, values []string) (model.Patterns, error) {
		p, err := model.CompilePatterns(values)
		return p, errors.Wrapf(err, "rules.%s", field)
	}

	exempt, err := patterns("missing-filter.exempt-call-sites", rc.MissingFilter.ExemptCallSites)
	if err != nil {
		return nil, err
	}
	add(rc.MissingFilter.RuleBase, &MissingFilterRule{Exempt: exempt})

	if rc.Tautology.Enabled {
		rule, err := NewTautologyRule(rc.Tautology.Patterns, rc.Tautology.CustomPatterns)
		if err != nil {
			return nil, err
		}
		add(rc.Tautology.RuleBase, rule)
	}

	forbidden, err := patterns("forbidden-column.columns", rc.ForbiddenColumn.Columns)
	if err != nil {
		return nil, err
	}
	add(rc.ForbiddenColumn.RuleBase, &ForbiddenColumnRule{Columns: forbidden})

	add(rc.RequiredColumn.RuleBase, &RequiredColumnRule{
		Columns:                 rc.RequiredColumn.Columns,
		ByTable:                 rc.RequiredColumn.ByTable,
		EnforceForUnknownTables: rc.RequiredColumn.EnforceForUnknownTables,
	})

	np := rc.NoPagination
	whitelistSites, err := patterns("no-pagination.whitelist-call-sites", np.WhitelistCallSites)
	if err != nil {
		return nil, err
	}
	whitelistTables, err := patterns("no-pagination.whitelist-tables", np.WhitelistTables)
	if err != nil {
		return nil, err
	}
	add(np.RuleBase, &NoPaginationRule{
		WhitelistCallSites: whitelistSites,
		WhitelistTables:    whitelistTables,
		UniqueKeys:         lower(np.UniqueKeys),
		Blacklist:          forbidden,
		EnforceForAll:      np.EnforceForAll,
		LargeTableRows:     np.LargeTableRows,
		TableRows:          lowerKeys(np.TableRows),
	})
	add(rc.NoConditionPagination, &NoConditionPaginationRule{})
	add(rc.DeepPagination.RuleBase, &DeepPaginationRule{MaxOffset: rc.DeepPagination.MaxOffset})
	add(rc.LargePageSize.RuleBase, &LargePageSizeRule{MaxPageSize: rc.LargePageSize.MaxPageSize})
	add(rc.MissingOrderBy, &MissingOrderByRule{})
	add(rc.LogicalPagination, &LogicalPaginationRule{PhysicalPaging: cfg.Pagination.PhysicalPaging})
	add(rc.SelectAll, &SelectAllRule{})
	if schema != nil {
		add(rc.IndexMiss, &IndexMissRule{Schema: schema})
	}
	add(rc.ParamInjection, &ParamInjectionRule{})

	denied, err := patterns("denied-table.tables", rc.DeniedTable.Tables)
	if err != nil {
		return nil, err
	}
	if !denied.Empty() {
		add(rc.DeniedTable.RuleBase, &DeniedTableRule{Tables: denied})
	}
	readOnly, err := patterns("read-only-table.tables", rc.ReadOnlyTable.Tables)
	if err != nil {
		return nil, err
	}
	if !readOnly.Empty() {
		add(rc.ReadOnlyTable.RuleBase, &ReadOnlyTableRule{Tables: readOnly})
	}

	add(rc.DDLOperation.RuleBase, NewDDLOperationRule(rc.DDLOperation.AllowedOperations))
	add(rc.SetOperation.RuleBase, NewSetOperationRule(rc.SetOperation.AllowedOperations))
	add(rc.DangerousFunction.RuleBase, NewDangerousFunctionRule(rc.DangerousFunction.Functions))
	add(rc.IntoOutfile, &IntoOutfileRule{})
	add(rc.MultiStatement, &MultiStatementRule{})
	add(rc.SQLComment.RuleBase, &SQLCommentRule{AllowHints: rc.SQLComment.AllowHints})

	for _, ec := range rc.Expressions {
		if !ec.Enabled {
			continue
		}
		severity, err := model.ParseSeverity(ec.Severity)
		if err != nil {
			return nil, errors.Wrapf(err, "expression rule %s", ec.Name)
		}
		rule, err := NewExpressionRule(ec.Name, ec.Expression, severity, ec.Message, ec.Suggestion)
		if err != nil {
			return nil, err
		}
		regs = append(regs, Registration{Rule: rule})
	}
	return regs, nil
}

func lower(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.ToLower(strings.TrimSpace(v)))
	}
	return out
}

func lowerKeys(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
