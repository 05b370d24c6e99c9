package audit

import (
	"io"

	"sql-guard/internal/config"
	"sql-guard/internal/model"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogWriter writes one JSON line per record.
type LogWriter struct {
	logger *zap.Logger
	out    io.Closer
}

// NewLogWriter writes to a size-rotated file as configured.
func NewLogWriter(cfg config.AuditConfig) (*LogWriter, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit.path is required for the log writer")
	}
	roll := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   false,
	}
	return newLogWriter(zapcore.AddSync(roll), roll), nil
}

// NewLogWriterTo writes to w. Close does not close w.
func NewLogWriterTo(w io.Writer) *LogWriter {
	return newLogWriter(zapcore.AddSync(w), nil)
}

func newLogWriter(ws zapcore.WriteSyncer, out io.Closer) *LogWriter {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.MessageKey = "event"
	enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), ws, zapcore.InfoLevel)
	return &LogWriter{logger: zap.New(core), out: out}
}

func (w *LogWriter) Write(rec Record) error {
	w.logger.Info("sql_execution", fields(rec)...)
	return nil
}

func (w *LogWriter) Close() error {
	err := w.logger.Sync()
	if w.out != nil {
		err = multierr.Append(err, w.out.Close())
	}
	return err
}

func fields(rec Record) []zap.Field {
	fs := []zap.Field{
		zap.String("id", rec.ID),
		zap.String("statement_id", rec.StatementID),
		zap.String("sql", rec.SQL),
		zap.Stringer("kind", rec.Kind),
		zap.String("call_site", rec.CallSite),
		zap.Stringer("layer", rec.Layer),
		zap.Duration("duration", rec.Duration),
		zap.Int64("rows_affected", rec.RowsAffected),
		zap.Time("executed_at", rec.Timestamp),
	}
	if rec.Datasource != "" {
		fs = append(fs, zap.String("datasource", rec.Datasource))
	}
	if rec.Error != "" {
		fs = append(fs, zap.String("error", rec.Error))
	}
	if v := rec.Verdict; v != nil {
		rules := make([]string, 0, len(v.Findings))
		for _, f := range v.Findings {
			rules = append(rules, f.Rule)
		}
		fs = append(fs,
			zap.Bool("passed", v.Passed),
			zap.Stringer("severity", v.Severity),
			zap.Strings("rules", rules),
			zap.Array("findings", findings(v.Findings)))
		if len(v.Details) > 0 {
			fs = append(fs, zap.Any("details", v.Details))
		}
	}
	return fs
}

// findings keeps the verdict order in the audit line.
type findings []model.Finding

func (fs findings) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, f := range fs {
		if err := enc.AppendObject(finding(f)); err != nil {
			return err
		}
	}
	return nil
}

type finding model.Finding

func (f finding) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("rule", f.Rule)
	enc.AddString("severity", f.Severity.String())
	enc.AddString("message", f.Message)
	if f.Suggestion != "" {
		enc.AddString("suggestion", f.Suggestion)
	}
	return nil
}
