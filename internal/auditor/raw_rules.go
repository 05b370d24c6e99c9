package auditor

import (
	"strings"

	"sql-guard/internal/model"
	"sql-guard/internal/parser"
)

// MultiStatementRule detects stacked statements such as "SELECT 1; DROP TABLE t".
// A single trailing separator is allowed.
type MultiStatementRule struct {
	BaseRule
}

func (r *MultiStatementRule) Name() string { return "multi-statement" }

func (r *MultiStatementRule) CheckRaw(exec *model.Execution, rep *model.Report) error {
	sql := exec.SQL
	stacked := false
	parser.ScanUnquoted(sql, func(i int) bool {
		if sql[i] != ';' {
			return true
		}
		rest := strings.TrimLeft(sql[i+1:], " \t\r\n;")
		stacked = rest != ""
		return !stacked
	})
	if stacked {
		rep.Add(model.SeverityCritical,
			"Multiple statements in a single execution",
			"Execute one statement per call; stacked statements are a classic injection payload.")
	}
	return nil
}

// SQLCommentRule detects comments in executed SQL. Optimizer hints (/*+ ... */)
// are allowed unless AllowHints is false.
type SQLCommentRule struct {
	BaseRule
	AllowHints bool
}

func (r *SQLCommentRule) Name() string { return "sql-comment" }

func (r *SQLCommentRule) CheckRaw(exec *model.Execution, rep *model.Report) error {
	sql := exec.SQL
	var found string
	skip := 0
	parser.ScanUnquoted(sql, func(i int) bool {
		if i < skip {
			return true
		}
		switch {
		case sql[i] == '#':
			found = "#"
		case strings.HasPrefix(sql[i:], "--") && dashComment(sql[i+2:]):
			found = "--"
		case strings.HasPrefix(sql[i:], "/*+") && r.AllowHints:
			end := strings.Index(sql[i+3:], "*/")
			if end < 0 {
				found = "/*"
				break
			}
			skip = i + 3 + end + 2
		case strings.HasPrefix(sql[i:], "/*"):
			found = "/*"
		}
		return found == ""
	})
	if found != "" {
		rep.Detail("comment", found)
		rep.Add(model.SeverityCritical,
			"SQL comment ("+found+") in executed statement",
			"Remove comments from runtime SQL; they are used to truncate injected statements.")
	}
	return nil
}

// dashComment reports whether "--" followed by rest opens a comment: MySQL
// requires whitespace or a control character after the dashes.
func dashComment(rest string) bool {
	return rest == "" || rest[0] <= ' '
}
