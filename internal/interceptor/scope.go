package interceptor

import (
	"context"
	"sync"

	"sql-guard/internal/model"
	"sql-guard/internal/parser"

	"github.com/pingcap/tidb/parser/ast"
)

// Scope is the statement cache of one logical call. Interception points
// nested inside that call share it; nothing outside the call sees it.
// Keys are normalized SQL text.
type Scope struct {
	mu         sync.Mutex
	statements map[string]ast.StmtNode
	verdicts   map[string]*model.Verdict
	released   bool
}

func newScope() *Scope {
	return &Scope{
		statements: make(map[string]ast.StmtNode),
		verdicts:   make(map[string]*model.Verdict),
	}
}

func (s *Scope) Statement(sql string) (ast.StmtNode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stmt, ok := s.statements[parser.Normalize(sql)]
	return stmt, ok
}

func (s *Scope) StoreStatement(sql string, stmt ast.StmtNode) {
	if stmt == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.released {
		s.statements[parser.Normalize(sql)] = stmt
	}
}

// Verdict returns the verdict an outer interception point already acted on.
func (s *Scope) Verdict(sql string) (*model.Verdict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verdicts[parser.Normalize(sql)]
	return v, ok
}

// Decide records that sql was checked and allowed with verdict v.
func (s *Scope) Decide(sql string, v *model.Verdict) {
	if v == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.released {
		s.verdicts[parser.Normalize(sql)] = v
	}
}

// Len returns the number of cached statements and verdicts.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statements) + len(s.verdicts)
}

func (s *Scope) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.released
}

func (s *Scope) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	clear(s.statements)
	clear(s.verdicts)
}

type scopeKey struct{}

// Enter returns the scope of the current call, creating it if ctx has none.
// Only the caller that created the scope gets a release function that clears
// it; nested callers get a no-op. Callers defer release immediately so the
// scope is cleared on return, error and panic alike.
func Enter(ctx context.Context) (context.Context, *Scope, func()) {
	if s, ok := ctx.Value(scopeKey{}).(*Scope); ok && s.active() {
		return ctx, s, func() {}
	}
	s := newScope()
	return context.WithValue(ctx, scopeKey{}, s), s, s.release
}

// ScopeFrom returns the active scope carried by ctx.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	if !ok || !s.active() {
		return nil, false
	}
	return s, true
}

// Hints carry call information from an outer layer to the layer that checks.
type Hints struct {
	CallSite string
	Page     *model.Pagination
	Params   map[string]any
}

type hintsKey struct{}

func WithHints(ctx context.Context, h Hints) context.Context {
	return context.WithValue(ctx, hintsKey{}, h)
}

func HintsFrom(ctx context.Context) (Hints, bool) {
	h, ok := ctx.Value(hintsKey{}).(Hints)
	return h, ok
}
