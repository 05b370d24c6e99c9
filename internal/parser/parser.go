package parser

import (
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pingcap/tidb/parser"
	"github.com/pingcap/tidb/parser/ast"
	_ "github.com/pingcap/tidb/parser/test_driver"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheSize = 1000
	snippetLength    = 100
)

// ParseError is returned in strict mode when a statement cannot be parsed.
type ParseError struct {
	Snippet string
	Reason  string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse SQL %q: %s", e.Snippet, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Backend turns SQL text into statements.
type Backend interface {
	Parse(sql string) ([]ast.StmtNode, error)
}

// tidbBackend pools TiDB parsers, which are not safe for concurrent use.
type tidbBackend struct {
	pool sync.Pool
}

func NewTiDBBackend() Backend {
	return &tidbBackend{
		pool: sync.Pool{New: func() any { return parser.New() }},
	}
}

func (b *tidbBackend) Parse(sql string) ([]ast.StmtNode, error) {
	p := b.pool.Get().(*parser.Parser)
	defer b.pool.Put(p)
	stmts, _, err := p.Parse(sql, "", "")
	return stmts, err
}

// CacheStats is a snapshot of the facade cache counters.
type CacheStats struct {
	Hits   int64
	Misses int64
	Size   int
}

// Facade parses SQL into statements and caches them by normalized text.
// It is safe for concurrent use; cached statements are shared and must not be mutated.
type Facade struct {
	backend Backend
	lenient bool
	cache   *lru.Cache[string, ast.StmtNode]
	flight  singleflight.Group
	hits    atomic.Int64
	misses  atomic.Int64
	logger  *zap.Logger
}

type Option func(*facadeOptions)

type facadeOptions struct {
	backend   Backend
	lenient   bool
	cacheSize int
	logger    *zap.Logger
}

func WithBackend(b Backend) Option {
	return func(o *facadeOptions) { o.backend = b }
}

// WithLenient makes parse failures return no statement instead of an error.
func WithLenient(lenient bool) Option {
	return func(o *facadeOptions) { o.lenient = lenient }
}

// WithCacheSize sets the LRU capacity; zero or less disables the cache.
func WithCacheSize(size int) Option {
	return func(o *facadeOptions) { o.cacheSize = size }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *facadeOptions) { o.logger = l }
}

func NewFacade(opts ...Option) *Facade {
	o := facadeOptions{cacheSize: DefaultCacheSize, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.backend == nil {
		o.backend = NewTiDBBackend()
	}

	f := &Facade{
		backend: o.backend,
		lenient: o.lenient,
		logger:  o.logger.Named("parser"),
	}
	if o.cacheSize > 0 {
		// lru.New only fails for a non-positive size
		f.cache, _ = lru.New[string, ast.StmtNode](o.cacheSize)
	}
	return f
}

// Parse returns the first statement of sql. In strict mode a failure is a
// *ParseError; in lenient mode it is logged and (nil, nil) is returned.
func (f *Facade) Parse(sql string) (ast.StmtNode, error) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return f.fail(&ParseError{Reason: "SQL is empty"})
	}

	key := Normalize(trimmed)
	if f.cache != nil {
		if stmt, ok := f.cache.Get(key); ok {
			f.hits.Inc()
			return stmt, nil
		}
		f.misses.Inc()
	}

	v, err, _ := f.flight.Do(key, func() (any, error) {
		stmt, err := f.parse(trimmed)
		if err != nil {
			return nil, err
		}
		if f.cache != nil {
			f.cache.Add(key, stmt)
		}
		return stmt, nil
	})
	if err != nil {
		return f.fail(err)
	}
	return v.(ast.StmtNode), nil
}

func (f *Facade) parse(sql string) (ast.StmtNode, error) {
	stmts, err := f.backend.Parse(NormalizePlaceholders(sql))
	if err != nil {
		return nil, &ParseError{Snippet: Snippet(sql), Reason: err.Error(), Err: err}
	}
	if len(stmts) == 0 {
		return nil, &ParseError{Snippet: Snippet(sql), Reason: "no valid SQL found"}
	}
	return stmts[0], nil
}

func (f *Facade) fail(err error) (ast.StmtNode, error) {
	if !f.lenient {
		return nil, err
	}
	f.logger.Warn("parse failed, continuing without statement", zap.Error(err))
	return nil, nil
}

func (f *Facade) Lenient() bool {
	return f.lenient
}

func (f *Facade) Stats() CacheStats {
	s := CacheStats{Hits: f.hits.Load(), Misses: f.misses.Load()}
	if f.cache != nil {
		s.Size = f.cache.Len()
	}
	return s
}

// Clear drops every cached statement and resets the counters.
func (f *Facade) Clear() {
	if f.cache != nil {
		f.cache.Purge()
	}
	f.hits.Store(0)
	f.misses.Store(0)
}

// Normalize is the cache key form of a statement: trimmed and lower-cased.
func Normalize(sql string) string {
	return strings.ToLower(strings.TrimSpace(sql))
}

// Snippet truncates SQL for error messages and logs.
func Snippet(sql string) string {
	sql = strings.TrimSpace(sql)
	if len(sql) <= snippetLength {
		return sql
	}
	return sql[:snippetLength] + "..."
}
