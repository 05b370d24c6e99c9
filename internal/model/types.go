package model

import (
	"fmt"
	"strings"

	"github.com/pingcap/tidb/parser/ast"
)

// Location represents the physical location of a code segment
type Location struct {
	FilePath string
	Line     int
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.FilePath, l.Line)
}

// SQLSegment represents an extracted SQL statement from source code or a mapper file
type SQLSegment struct {
	SQL      string
	CallSite string // e.g. "com.acme.UserMapper.selectById"; empty when unknown
	Location Location
	Language string // e.g. "go", "xml"
}

// Identifier returns the call site when known and the source location otherwise.
func (s SQLSegment) Identifier() string {
	if s.CallSite != "" {
		return s.CallSite
	}
	return s.Location.String()
}

// Severity orders findings: SAFE < LOW < MEDIUM < HIGH < CRITICAL.
type Severity int

const (
	SeveritySafe Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"SAFE", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (s Severity) String() string {
	if s < SeveritySafe || s > SeverityCritical {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity accepts a severity name in any case.
func ParseSeverity(name string) (Severity, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range severityNames {
		if n == upper {
			return Severity(i), nil
		}
	}
	return SeveritySafe, fmt.Errorf("unknown severity %q", name)
}

// StatementKind is the coarse type of a SQL statement.
type StatementKind int

const (
	KindUnknown StatementKind = iota
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
)

func (k StatementKind) String() string {
	switch k {
	case KindSelect:
		return "SELECT"
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// KindOf maps a parsed statement to its kind. Set operations count as SELECT.
func KindOf(stmt ast.StmtNode) StatementKind {
	switch stmt.(type) {
	case *ast.SelectStmt, *ast.SetOprStmt:
		return KindSelect
	case *ast.InsertStmt:
		return KindInsert
	case *ast.UpdateStmt:
		return KindUpdate
	case *ast.DeleteStmt:
		return KindDelete
	default:
		return KindUnknown
	}
}

// Layer names the interception point that observed an execution.
type Layer int

const (
	LayerNone Layer = iota
	LayerMapper
	LayerPool
	LayerDriver
)

func (l Layer) String() string {
	switch l {
	case LayerMapper:
		return "mapper"
	case LayerPool:
		return "pool"
	case LayerDriver:
		return "driver"
	default:
		return "none"
	}
}

// Priority orders layers; the outermost layer has the lowest value.
func (l Layer) Priority() int {
	return int(l)
}

// Pagination is a row-bounds hint supplied by the caller instead of a LIMIT clause.
type Pagination struct {
	Offset int64
	Limit  int64
}

// SchemaCtx represents the loaded database schema context
type SchemaCtx struct {
	Tables map[string]*Table
}

// Table returns the table by case-insensitive name.
func (s *SchemaCtx) Table(name string) (*Table, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.Tables[strings.ToLower(name)]
	return t, ok
}

type Table struct {
	Name    string
	Columns map[string]*Column
	Indexes []*Index
}

type Column struct {
	Name string
	Type string // Simplified type representation
}

type Index struct {
	Name    string
	Columns []string // Ordered list of column names in the index
	Unique  bool
}

// CheckResult pairs a scanned segment with its verdict.
type CheckResult struct {
	Segment SQLSegment
	Verdict *Verdict
	Err     error
}
