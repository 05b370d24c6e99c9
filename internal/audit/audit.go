package audit

import (
	"crypto/md5"
	"encoding/hex"
	"time"

	"sql-guard/internal/model"
	"sql-guard/internal/parser"

	"github.com/google/uuid"
)

// Record is one audited execution.
type Record struct {
	ID           string
	StatementID  string
	SQL          string
	Kind         model.StatementKind
	CallSite     string
	Layer        model.Layer
	Datasource   string
	Duration     time.Duration
	RowsAffected int64
	Error        string
	Timestamp    time.Time
	Verdict      *model.Verdict
}

// Writer persists audit records. Implementations are safe for concurrent use.
type Writer interface {
	Write(rec Record) error
	Close() error
}

// NewRecord fills the identity fields of a record for exec. RowsAffected is
// -1 until the layer knows it.
func NewRecord(exec *model.Execution, verdict *model.Verdict, started time.Time, execErr error) Record {
	rec := Record{
		ID:           uuid.NewString(),
		StatementID:  StatementID(exec.SQL),
		SQL:          exec.SQL,
		Kind:         exec.Kind,
		CallSite:     exec.CallSite,
		Layer:        exec.Layer,
		Datasource:   exec.Datasource,
		Duration:     time.Since(started),
		RowsAffected: -1,
		Timestamp:    started,
		Verdict:      verdict,
	}
	if execErr != nil {
		rec.Error = execErr.Error()
	}
	return rec
}

// StatementID identifies the statement text regardless of case and surrounding whitespace.
func StatementID(sql string) string {
	sum := md5.Sum([]byte(parser.Normalize(sql)))
	return hex.EncodeToString(sum[:])
}

// Discard drops every record.
var Discard Writer = discard{}

type discard struct{}

func (discard) Write(Record) error { return nil }
func (discard) Close() error       { return nil }
