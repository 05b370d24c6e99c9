package policy

import (
	"strings"
	"testing"

	"sql-guard/internal/model"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func failing() *model.Verdict {
	v := model.NewVerdict()
	v.Add(model.Finding{Rule: "missing-filter", Severity: model.SeverityCritical, Message: "DELETE without WHERE"})
	return v
}

func TestEnforce(t *testing.T) {
	tests := []struct {
		strategy  Strategy
		wantErr   bool
		wantLevel zapcore.Level
	}{
		{Observe, false, zapcore.WarnLevel},
		{Warn, false, zapcore.ErrorLevel},
		{Block, true, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.strategy.String(), func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			e := NewEnforcer(tt.strategy, zap.New(core))
			exec := model.NewExecution("DELETE FROM user", "UserMapper.deleteAll")

			err := e.Enforce(exec, failing())
			if tt.wantErr {
				var v *ViolationError
				require.True(t, errors.As(err, &v))
				assert.Equal(t, model.SeverityCritical, v.Verdict.Severity)
				assert.Contains(t, err.Error(), "missing-filter")
				assert.Contains(t, err.Error(), "UserMapper.deleteAll")
				assert.True(t, IsViolation(errors.Wrap(err, "exec")))
			} else {
				assert.NoError(t, err)
			}
			require.Equal(t, 1, logs.Len())
			assert.Equal(t, tt.wantLevel, logs.All()[0].Level)
		})
	}
}

func TestEnforce_PassingVerdict(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	e := NewEnforcer(Block, zap.New(core))
	assert.NoError(t, e.Enforce(model.NewExecution("SELECT 1", ""), model.NewVerdict()))
	assert.NoError(t, e.Enforce(model.NewExecution("SELECT 1", ""), nil))
	assert.Zero(t, logs.Len())
}

func TestEnforce_TruncatesLoggedSQL(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	e := NewEnforcer(Observe, zap.New(core))
	long := "DELETE FROM user WHERE name IN ('" + strings.Repeat("x", 300) + "')"

	require.NoError(t, e.Enforce(model.NewExecution(long, "UserMapper.purge"), failing()))
	require.Equal(t, 1, logs.Len())
	logged := logs.All()[0].ContextMap()["sql"].(string)
	assert.Less(t, len(logged), len(long))
	assert.True(t, strings.HasPrefix(long, strings.TrimSuffix(logged, "...")))
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy(" BLOCK ")
	require.NoError(t, err)
	assert.Equal(t, Block, s)
	_, err = ParseStrategy("panic")
	assert.Error(t, err)
}
