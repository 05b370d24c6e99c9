package interceptor

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"sql-guard/internal/auditor"
	"sql-guard/internal/model"
	"sql-guard/internal/parser"
	"sql-guard/internal/policy"
	"sql-guard/internal/validator"

	"github.com/pingcap/tidb/parser/ast"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// recorder logs every callback into a shared journal.
type recorder struct {
	name     string
	journal  *[]string
	decision Decision
	preErr   error
	rewrite  string
	seen     string
}

func (r *recorder) PreCheck(_ context.Context, _ *Call) (Decision, error) {
	*r.journal = append(*r.journal, "pre:"+r.name)
	return r.decision, r.preErr
}

func (r *recorder) PostCheck(_ context.Context, call *Call) error {
	*r.journal = append(*r.journal, "post:"+r.name)
	r.seen = call.SQL()
	if r.rewrite != "" {
		call.Rewrite(r.rewrite)
	}
	return nil
}

type scopeProbe struct {
	scope *Scope
	stmt  ast.StmtNode
	fail  error
	boom  bool
}

func (p *scopeProbe) PreCheck(_ context.Context, call *Call) (Decision, error) {
	p.scope = call.Scope()
	call.Scope().StoreStatement(call.SQL(), p.stmt)
	if p.boom {
		panic("interceptor exploded")
	}
	return Continue, p.fail
}

func (p *scopeProbe) PostCheck(context.Context, *Call) error { return nil }

type countingBackend struct {
	inner parser.Backend
	calls atomic.Int64
}

func (b *countingBackend) Parse(sql string) ([]ast.StmtNode, error) {
	b.calls.Inc()
	return b.inner.Parse(sql)
}

func mustParse(t *testing.T, sql string) ast.StmtNode {
	t.Helper()
	stmt, err := parser.NewFacade(parser.WithCacheSize(0)).Parse(sql)
	require.NoError(t, err)
	return stmt
}

func TestBuilder_OrdersByPriority(t *testing.T) {
	var journal []string
	chain := NewBuilder().
		Add(Descriptor{Name: "b", Priority: 5, Enabled: true, Interceptor: &recorder{name: "b", journal: &journal}}).
		Add(Descriptor{Name: "a", Priority: 1, Enabled: true, Interceptor: &recorder{name: "a", journal: &journal}}).
		Add(Descriptor{Name: "c", Priority: 5, Enabled: true, Interceptor: &recorder{name: "c", journal: &journal}}).
		Add(Descriptor{Name: "off", Priority: 0, Enabled: false, Interceptor: &recorder{name: "off", journal: &journal}}).
		Build()

	assert.Equal(t, []string{"a", "b", "c"}, chain.Names())

	res, err := chain.Run(context.Background(), model.NewExecution("SELECT 1", ""))
	require.NoError(t, err)
	assert.Equal(t, []string{"pre:a", "pre:b", "pre:c", "post:a", "post:b", "post:c"}, journal)
	assert.Equal(t, []State{StateEntered, StatePreCheck, StatePostCheck, StateDone}, res.Trace)
	assert.Equal(t, Continue, res.Decision)
}

func TestChain_ShortCircuit(t *testing.T) {
	var journal []string
	chain := NewBuilder().
		Add(Descriptor{Name: "a", Priority: 1, Enabled: true, Interceptor: &recorder{name: "a", journal: &journal}}).
		Add(Descriptor{Name: "allow", Priority: 2, Enabled: true, Interceptor: &recorder{name: "allow", journal: &journal, decision: Allow}}).
		Add(Descriptor{Name: "c", Priority: 3, Enabled: true, Interceptor: &recorder{name: "c", journal: &journal}}).
		Build()

	res, err := chain.Run(context.Background(), model.NewExecution("SELECT 1", ""))
	require.NoError(t, err)
	assert.Equal(t, []string{"pre:a", "pre:allow"}, journal)
	assert.Equal(t, Allow, res.Decision)
	assert.Equal(t, []State{StateEntered, StatePreCheck, StateShortCircuited, StateDone}, res.Trace)
}

func TestChain_Deny(t *testing.T) {
	var journal []string
	reason := errors.New("not today")
	chain := NewBuilder().
		Add(Descriptor{Name: "deny", Priority: 1, Enabled: true, Interceptor: &recorder{name: "deny", journal: &journal, decision: Deny, preErr: reason}}).
		Build()

	res, err := chain.Run(context.Background(), model.NewExecution("SELECT 1", ""))
	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "deny", denied.Interceptor)
	assert.ErrorIs(t, err, reason)
	assert.Equal(t, Deny, res.Decision)
}

func TestChain_RewriteVisibleDownstream(t *testing.T) {
	var journal []string
	first := &recorder{name: "first", journal: &journal, rewrite: "SELECT 2"}
	second := &recorder{name: "second", journal: &journal}
	chain := NewBuilder().
		Add(Descriptor{Name: "first", Priority: 1, Enabled: true, Interceptor: first}).
		Add(Descriptor{Name: "second", Priority: 2, Enabled: true, Interceptor: second}).
		Build()

	res, err := chain.Run(context.Background(), model.NewExecution("SELECT 1", ""))
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", first.seen)
	assert.Equal(t, "SELECT 2", second.seen)
	assert.Equal(t, "SELECT 2", res.SQL)
	assert.True(t, res.Rewritten("SELECT 1"))
}

func TestChain_ScopeClearedOnEveryExit(t *testing.T) {
	stmt := mustParse(t, "SELECT 1")

	t.Run("success", func(t *testing.T) {
		probe := &scopeProbe{stmt: stmt}
		chain := NewBuilder().Add(Descriptor{Name: "probe", Enabled: true, Interceptor: probe}).Build()
		_, err := chain.Run(context.Background(), model.NewExecution("SELECT 1", ""))
		require.NoError(t, err)
		assert.Zero(t, probe.scope.Len())
		assert.False(t, probe.scope.active())
	})

	t.Run("error", func(t *testing.T) {
		probe := &scopeProbe{stmt: stmt, fail: errors.New("broken")}
		chain := NewBuilder().Add(Descriptor{Name: "probe", Enabled: true, Interceptor: probe}).Build()
		_, err := chain.Run(context.Background(), model.NewExecution("SELECT 1", ""))
		require.Error(t, err)
		assert.Zero(t, probe.scope.Len())
	})

	t.Run("panic", func(t *testing.T) {
		probe := &scopeProbe{stmt: stmt, boom: true}
		chain := NewBuilder().Add(Descriptor{Name: "probe", Enabled: true, Interceptor: probe}).Build()
		assert.Panics(t, func() {
			_, _ = chain.Run(context.Background(), model.NewExecution("SELECT 1", ""))
		})
		assert.Zero(t, probe.scope.Len())
		assert.False(t, probe.scope.active())
	})
}

func TestEnter_OutermostOwnsScope(t *testing.T) {
	ctx, outer, release := Enter(context.Background())
	nestedCtx, nested, nestedRelease := Enter(ctx)
	assert.Same(t, outer, nested)
	assert.Equal(t, ctx, nestedCtx)

	outer.StoreStatement("SELECT 1", mustParse(t, "SELECT 1"))
	nestedRelease()
	_, ok := outer.Statement(" select 1 ")
	assert.True(t, ok, "a nested release must not clear the scope")

	release()
	assert.Zero(t, outer.Len())
	_, ok = ScopeFrom(ctx)
	assert.False(t, ok)

	// a context that outlived its call gets a fresh scope
	_, fresh, freshRelease := Enter(ctx)
	defer freshRelease()
	assert.NotSame(t, outer, fresh)
}

func TestChain_ConcurrentScopesIsolated(t *testing.T) {
	const workers = 16
	chain := NewBuilder().Add(Descriptor{Name: "probe", Enabled: true, Interceptor: &isolationProbe{}}).Build()

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exec := model.NewExecution("SELECT * FROM users WHERE id = 1", fmt.Sprintf("worker-%d", i))
			if _, err := chain.Run(context.Background(), exec); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// isolationProbe stores a private statement and checks that it reads back
// its own instance, never one stored by another call.
type isolationProbe struct{}

func (isolationProbe) PreCheck(_ context.Context, call *Call) (Decision, error) {
	if _, ok := call.Scope().Statement(call.SQL()); ok {
		return Continue, errors.Errorf("%s: scope already populated", call.Exec.CallSite)
	}
	stmt, err := parser.NewFacade(parser.WithCacheSize(0)).Parse(call.SQL())
	if err != nil {
		return Continue, err
	}
	call.Scope().StoreStatement(call.SQL(), stmt)
	got, _ := call.Scope().Statement(call.SQL())
	if got != stmt {
		return Continue, errors.Errorf("%s: read another call's statement", call.Exec.CallSite)
	}
	return Continue, nil
}

func (isolationProbe) PostCheck(context.Context, *Call) error { return nil }

// newCheckChain wires the real validator with both parse cache and dedup off,
// so only the call scope can prevent a second parse.
func newCheckChain(t *testing.T, strategy policy.Strategy, rewrite bool) (*Chain, *countingBackend) {
	t.Helper()
	backend := &countingBackend{inner: parser.NewTiDBBackend()}
	facade := parser.NewFacade(parser.WithBackend(backend), parser.WithCacheSize(0))
	a := auditor.NewAuditor(nil)
	require.NoError(t, a.Register(&auditor.MissingFilterRule{}))
	require.NoError(t, a.Register(&auditor.NoPaginationRule{UniqueKeys: []string{"id"}}))
	v := validator.New(facade, a, validator.WithDedup(0, 0))

	b := NewBuilder().
		Add(Descriptor{Name: "exemption", Priority: PriorityExemption, Enabled: true,
			Interceptor: &ExemptionInterceptor{CallSites: model.MustCompilePatterns("*.migrate*")}}).
		Add(Descriptor{Name: "check", Priority: PriorityCheck, Enabled: true,
			Interceptor: &CheckInterceptor{Checker: v, Enforcer: policy.NewEnforcer(strategy, nil)}}).
		Add(Descriptor{Name: "rewrite", Priority: PriorityRewrite, Enabled: rewrite,
			Interceptor: &LimitRewriter{Limit: 1000}})
	return b.Build(), backend
}

func TestChain_ParseOnceAcrossNestedLayers(t *testing.T) {
	chain, backend := newCheckChain(t, policy.Observe, false)
	const sql = "SELECT name FROM users WHERE id = 1"

	ctx, scope, release := Enter(context.Background())
	mapperExec := model.NewExecution(sql, "UserMapper.get")
	mapperExec.Layer = model.LayerMapper
	first, err := chain.Run(ctx, mapperExec)
	require.NoError(t, err)

	driverExec := model.NewExecution(sql, "UserMapper.get")
	driverExec.Layer = model.LayerDriver
	second, err := chain.Run(ctx, driverExec)
	require.NoError(t, err)

	assert.Equal(t, int64(1), backend.calls.Load())
	assert.Same(t, first.Verdict, second.Verdict)
	assert.Same(t, mapperExec.Statement(), driverExec.Statement())
	assert.NotZero(t, scope.Len())

	release()
	assert.Zero(t, scope.Len())

	// a new call parses again
	_, err = chain.Run(context.Background(), model.NewExecution(sql, "UserMapper.get"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), backend.calls.Load())
}

func TestCheckInterceptor_Block(t *testing.T) {
	chain, _ := newCheckChain(t, policy.Block, false)

	ctx, scope, release := Enter(context.Background())
	defer release()
	res, err := chain.Run(ctx, model.NewExecution("DELETE FROM users", "UserMapper.deleteAll"))

	require.Error(t, err)
	assert.True(t, policy.IsViolation(err))
	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "check", denied.Interceptor)
	assert.Equal(t, model.SeverityCritical, res.Verdict.Severity)
	_, decided := scope.Verdict("DELETE FROM users")
	assert.False(t, decided)
}

func TestExemptionInterceptor(t *testing.T) {
	chain, backend := newCheckChain(t, policy.Block, false)
	res, err := chain.Run(context.Background(), model.NewExecution("DELETE FROM users", "SchemaMapper.migrateAll"))
	require.NoError(t, err)
	assert.Equal(t, Allow, res.Decision)
	assert.Equal(t, true, res.Verdict.Details["exempt"])
	assert.Zero(t, backend.calls.Load())
}

func TestLimitRewriter(t *testing.T) {
	tests := []struct {
		sql  string
		page *model.Pagination
		want string
	}{
		{"SELECT * FROM users WHERE name = 'a'", nil, "SELECT * FROM users WHERE name = 'a' LIMIT 1000"},
		{"SELECT * FROM users WHERE name = 'a';", nil, "SELECT * FROM users WHERE name = 'a' LIMIT 1000"},
		{"SELECT * FROM users LIMIT 5", nil, "SELECT * FROM users LIMIT 5"},
		{"SELECT COUNT(*) FROM users", nil, "SELECT COUNT(*) FROM users"},
		{"SELECT * FROM users WHERE name = 'a' FOR UPDATE", nil, "SELECT * FROM users WHERE name = 'a' FOR UPDATE"},
		{"SELECT * FROM users WHERE name = 'a'", &model.Pagination{Limit: 10}, "SELECT * FROM users WHERE name = 'a'"},
		{"UPDATE users SET name = 'b' WHERE id = 1", nil, "UPDATE users SET name = 'b' WHERE id = 1"},
		{"SELECT 1", nil, "SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			chain, _ := newCheckChain(t, policy.Observe, true)
			exec := model.NewExecution(tt.sql, "UserMapper.list")
			exec.Page = tt.page
			res, err := chain.Run(context.Background(), exec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.SQL)
		})
	}
}

func TestLimitRewriter_InnerLayerReusesDecision(t *testing.T) {
	chain, backend := newCheckChain(t, policy.Observe, true)
	ctx, _, release := Enter(context.Background())
	defer release()

	outer, err := chain.Run(ctx, model.NewExecution("SELECT * FROM users WHERE name = 'a'", "UserMapper.list"))
	require.NoError(t, err)
	require.True(t, outer.Rewritten("SELECT * FROM users WHERE name = 'a'"))

	inner, err := chain.Run(ctx, model.NewExecution(outer.SQL, "UserMapper.list"))
	require.NoError(t, err)
	assert.Equal(t, outer.SQL, inner.SQL)
	assert.Same(t, outer.Verdict, inner.Verdict)
	assert.Equal(t, int64(1), backend.calls.Load())
}

func TestHints(t *testing.T) {
	_, ok := HintsFrom(context.Background())
	assert.False(t, ok)

	ctx := WithHints(context.Background(), Hints{CallSite: "UserMapper.get", Page: &model.Pagination{Limit: 5}})
	h, ok := HintsFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "UserMapper.get", h.CallSite)
	assert.Equal(t, int64(5), h.Page.Limit)
}
