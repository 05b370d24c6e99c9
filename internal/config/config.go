package config

import (
	"time"

	"sql-guard/internal/model"

	"gopkg.in/yaml.v3"
)

const (
	StrategyObserve = "observe"
	StrategyWarn    = "warn"
	StrategyBlock   = "block"

	LayerAuto   = "auto"
	LayerMapper = "mapper"
	LayerPool   = "pool"
	LayerDriver = "driver"
	LayerAll    = "all"
)

// Config is the validated configuration consumed by the guard.
type Config struct {
	Enabled           bool               `mapstructure:"enabled" yaml:"enabled"`
	ActiveStrategy    string             `mapstructure:"active-strategy" yaml:"active-strategy"`
	InterceptionLayer string             `mapstructure:"interception-layer" yaml:"interception-layer"`
	ExemptCallSites   []string           `mapstructure:"exempt-call-sites" yaml:"exempt-call-sites"`
	Parser            ParserConfig       `mapstructure:"parser" yaml:"parser"`
	Dedup             DedupConfig        `mapstructure:"dedup" yaml:"dedup"`
	ParseFailure      ParseFailureConfig `mapstructure:"parse-failure" yaml:"parse-failure"`
	Pagination        PaginationConfig   `mapstructure:"pagination" yaml:"pagination"`
	Rewrite           RewriteConfig      `mapstructure:"rewrite" yaml:"rewrite"`
	Audit             AuditConfig        `mapstructure:"audit" yaml:"audit"`
	Rules             RulesConfig        `mapstructure:"rules" yaml:"rules"`
}

type ParserConfig struct {
	Lenient   bool `mapstructure:"lenient" yaml:"lenient"`
	CacheSize int  `mapstructure:"cache-size" yaml:"cache-size"`
}

type DedupConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	CacheSize int           `mapstructure:"cache-size" yaml:"cache-size"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// ParseFailureConfig controls what a statement the parser rejects turns into.
// Severity SAFE means "pass with a warning log".
type ParseFailureConfig struct {
	Severity string `mapstructure:"severity" yaml:"severity"`
	Fail     bool   `mapstructure:"fail" yaml:"fail"`
}

type PaginationConfig struct {
	// PhysicalPaging means row bounds are translated into LIMIT/OFFSET before execution.
	PhysicalPaging bool `mapstructure:"physical-paging" yaml:"physical-paging"`
}

type RewriteConfig struct {
	Enabled      bool  `mapstructure:"enabled" yaml:"enabled"`
	DefaultLimit int64 `mapstructure:"default-limit" yaml:"default-limit"`
}

type AuditConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Path          string        `mapstructure:"path" yaml:"path"`
	MaxSizeMB     int           `mapstructure:"max-size-mb" yaml:"max-size-mb"`
	MaxBackups    int           `mapstructure:"max-backups" yaml:"max-backups"`
	MaxAgeDays    int           `mapstructure:"max-age-days" yaml:"max-age-days"`
	BufferSize    int           `mapstructure:"buffer-size" yaml:"buffer-size"`
	FlushInterval time.Duration `mapstructure:"flush-interval" yaml:"flush-interval"`
}

// RuleBase is embedded by every rule block.
type RuleBase struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Severity string `mapstructure:"severity" yaml:"severity,omitempty"`
}

// SeverityOverride reports the configured severity, if any.
func (b RuleBase) SeverityOverride() (model.Severity, bool) {
	if b.Severity == "" {
		return model.SeveritySafe, false
	}
	s, err := model.ParseSeverity(b.Severity)
	if err != nil {
		return model.SeveritySafe, false
	}
	return s, true
}

type MissingFilterConfig struct {
	RuleBase        `mapstructure:",squash" yaml:",inline"`
	ExemptCallSites []string `mapstructure:"exempt-call-sites" yaml:"exempt-call-sites"`
}

type TautologyConfig struct {
	RuleBase       `mapstructure:",squash" yaml:",inline"`
	Patterns       []string `mapstructure:"patterns" yaml:"patterns"`
	CustomPatterns []string `mapstructure:"custom-patterns" yaml:"custom-patterns"`
}

type ColumnListConfig struct {
	RuleBase `mapstructure:",squash" yaml:",inline"`
	Columns  []string `mapstructure:"columns" yaml:"columns"`
}

type RequiredColumnConfig struct {
	RuleBase                `mapstructure:",squash" yaml:",inline"`
	Columns                 []string            `mapstructure:"columns" yaml:"columns"`
	ByTable                 map[string][]string `mapstructure:"by-table" yaml:"by-table"`
	EnforceForUnknownTables bool                `mapstructure:"enforce-for-unknown-tables" yaml:"enforce-for-unknown-tables"`
}

type NoPaginationConfig struct {
	RuleBase           `mapstructure:",squash" yaml:",inline"`
	WhitelistCallSites []string         `mapstructure:"whitelist-call-sites" yaml:"whitelist-call-sites"`
	WhitelistTables    []string         `mapstructure:"whitelist-tables" yaml:"whitelist-tables"`
	UniqueKeys         []string         `mapstructure:"unique-keys" yaml:"unique-keys"`
	EnforceForAll      bool             `mapstructure:"enforce-for-all" yaml:"enforce-for-all"`
	LargeTableRows     int64            `mapstructure:"large-table-rows" yaml:"large-table-rows"`
	TableRows          map[string]int64 `mapstructure:"table-rows" yaml:"table-rows"`
}

type DeepPaginationConfig struct {
	RuleBase  `mapstructure:",squash" yaml:",inline"`
	MaxOffset int64 `mapstructure:"max-offset" yaml:"max-offset"`
}

type LargePageSizeConfig struct {
	RuleBase    `mapstructure:",squash" yaml:",inline"`
	MaxPageSize int64 `mapstructure:"max-page-size" yaml:"max-page-size"`
}

type TableListConfig struct {
	RuleBase `mapstructure:",squash" yaml:",inline"`
	Tables   []string `mapstructure:"tables" yaml:"tables"`
}

type OperationListConfig struct {
	RuleBase          `mapstructure:",squash" yaml:",inline"`
	AllowedOperations []string `mapstructure:"allowed-operations" yaml:"allowed-operations"`
}

type FunctionListConfig struct {
	RuleBase  `mapstructure:",squash" yaml:",inline"`
	Functions []string `mapstructure:"functions" yaml:"functions"`
}

type SQLCommentConfig struct {
	RuleBase   `mapstructure:",squash" yaml:",inline"`
	AllowHints bool `mapstructure:"allow-hints" yaml:"allow-hints"`
}

// ExpressionRuleConfig declares a rule as a boolean expression over statement facts.
type ExpressionRuleConfig struct {
	Name       string `mapstructure:"name" yaml:"name"`
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Expression string `mapstructure:"expression" yaml:"expression"`
	Severity   string `mapstructure:"severity" yaml:"severity"`
	Message    string `mapstructure:"message" yaml:"message"`
	Suggestion string `mapstructure:"suggestion" yaml:"suggestion,omitempty"`
}

type RulesConfig struct {
	MissingFilter         MissingFilterConfig    `mapstructure:"missing-filter" yaml:"missing-filter"`
	Tautology             TautologyConfig        `mapstructure:"tautology" yaml:"tautology"`
	ForbiddenColumn       ColumnListConfig       `mapstructure:"forbidden-column" yaml:"forbidden-column"`
	RequiredColumn        RequiredColumnConfig   `mapstructure:"required-column" yaml:"required-column"`
	NoPagination          NoPaginationConfig     `mapstructure:"no-pagination" yaml:"no-pagination"`
	NoConditionPagination RuleBase               `mapstructure:"no-condition-pagination" yaml:"no-condition-pagination"`
	DeepPagination        DeepPaginationConfig   `mapstructure:"deep-pagination" yaml:"deep-pagination"`
	LargePageSize         LargePageSizeConfig    `mapstructure:"large-page-size" yaml:"large-page-size"`
	MissingOrderBy        RuleBase               `mapstructure:"missing-order-by" yaml:"missing-order-by"`
	LogicalPagination     RuleBase               `mapstructure:"logical-pagination" yaml:"logical-pagination"`
	SelectAll             RuleBase               `mapstructure:"select-all" yaml:"select-all"`
	IndexMiss             RuleBase               `mapstructure:"index-miss" yaml:"index-miss"`
	ParamInjection        RuleBase               `mapstructure:"param-injection" yaml:"param-injection"`
	DeniedTable           TableListConfig        `mapstructure:"denied-table" yaml:"denied-table"`
	ReadOnlyTable         TableListConfig        `mapstructure:"read-only-table" yaml:"read-only-table"`
	DDLOperation          OperationListConfig    `mapstructure:"ddl-operation" yaml:"ddl-operation"`
	SetOperation          OperationListConfig    `mapstructure:"set-operation" yaml:"set-operation"`
	DangerousFunction     FunctionListConfig     `mapstructure:"dangerous-function" yaml:"dangerous-function"`
	IntoOutfile           RuleBase               `mapstructure:"into-outfile" yaml:"into-outfile"`
	MultiStatement        RuleBase               `mapstructure:"multi-statement" yaml:"multi-statement"`
	SQLComment            SQLCommentConfig       `mapstructure:"sql-comment" yaml:"sql-comment"`
	Expressions           []ExpressionRuleConfig `mapstructure:"expressions" yaml:"expressions"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	on := RuleBase{Enabled: true}
	return &Config{
		Enabled:           true,
		ActiveStrategy:    StrategyObserve,
		InterceptionLayer: LayerAuto,
		Parser:            ParserConfig{CacheSize: 1000},
		Dedup:             DedupConfig{Enabled: true, CacheSize: 1000, TTL: 100 * time.Millisecond},
		ParseFailure:      ParseFailureConfig{Severity: "safe"},
		Rewrite:           RewriteConfig{DefaultLimit: 1000},
		Audit: AuditConfig{
			MaxSizeMB:     100,
			MaxBackups:    5,
			MaxAgeDays:    30,
			BufferSize:    1024,
			FlushInterval: time.Second,
		},
		Rules: RulesConfig{
			MissingFilter: MissingFilterConfig{RuleBase: on},
			Tautology: TautologyConfig{
				RuleBase: on,
				Patterns: []string{"1=1", "'1'='1'", "'a'='a'", "1<>2", "true"},
			},
			ForbiddenColumn: ColumnListConfig{
				RuleBase: on,
				Columns:  []string{"deleted", "del_flag", "is_deleted", "status", "state", "type", "enabled"},
			},
			RequiredColumn: RequiredColumnConfig{Columns: []string{"id"}},
			NoPagination: NoPaginationConfig{
				RuleBase:       on,
				UniqueKeys:     []string{"id"},
				LargeTableRows: 10000,
			},
			NoConditionPagination: on,
			DeepPagination:        DeepPaginationConfig{RuleBase: on, MaxOffset: 10000},
			LargePageSize:         LargePageSizeConfig{RuleBase: on, MaxPageSize: 1000},
			MissingOrderBy:        on,
			LogicalPagination:     on,
			IndexMiss:             on,
			ParamInjection:        on,
			DeniedTable:           TableListConfig{RuleBase: on},
			ReadOnlyTable:         TableListConfig{RuleBase: on},
			DDLOperation:          OperationListConfig{RuleBase: on},
			DangerousFunction: FunctionListConfig{
				RuleBase: on,
				Functions: []string{
					"sleep", "benchmark", "load_file", "sys_exec", "sys_eval",
					"get_lock", "release_lock", "pg_sleep", "pg_read_file", "xp_cmdshell",
				},
			},
			IntoOutfile:    on,
			MultiStatement: on,
			SQLComment:     SQLCommentConfig{RuleBase: on, AllowHints: true},
		},
	}
}

// YAML renders the configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
