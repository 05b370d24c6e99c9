package parser

import "strings"

// ScanUnquoted calls fn with every byte offset of sql that lies outside a
// quoted string or identifier. Scanning stops when fn returns false.
func ScanUnquoted(sql string, fn func(i int) bool) {
	var quote byte
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if quote != 0 {
			switch {
			case c == '\\' && quote != '`':
				i++
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
			continue
		}
		if !fn(i) {
			return
		}
	}
}

// NormalizePlaceholders rewrites $1-style placeholders outside quotes to '?'
// so that PostgreSQL statements parse with the MySQL grammar.
func NormalizePlaceholders(sql string) string {
	if !strings.Contains(sql, "$") {
		return sql
	}
	var b strings.Builder
	b.Grow(len(sql))
	last := 0
	ScanUnquoted(sql, func(i int) bool {
		if i < last || sql[i] != '$' {
			return true
		}
		j := i + 1
		for j < len(sql) && sql[j] >= '0' && sql[j] <= '9' {
			j++
		}
		if j == i+1 {
			return true
		}
		b.WriteString(sql[last:i])
		b.WriteByte('?')
		last = j
		return true
	})
	if last == 0 {
		return sql
	}
	b.WriteString(sql[last:])
	return b.String()
}
