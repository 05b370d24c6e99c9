package mapper

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"sql-guard/internal/guard"
	"sql-guard/internal/interceptor"
	"sql-guard/internal/model"

	"github.com/pkg/errors"
)

// Querier is implemented by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Mapper runs named statements of one namespace. Statements are addressed
// as namespace.id, which is also the call site the guard sees.
type Mapper struct {
	g          *guard.Guard
	db         Querier
	namespace  string
	datasource string

	mu         sync.RWMutex
	statements map[string]string
}

type Option func(*Mapper)

func WithDatasource(name string) Option {
	return func(m *Mapper) { m.datasource = name }
}

func New(g *guard.Guard, db Querier, namespace string, opts ...Option) *Mapper {
	m := &Mapper{
		g:          g,
		db:         db,
		namespace:  namespace,
		statements: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	g.Attach(model.LayerMapper)
	return m
}

// FromDocument builds a mapper holding every statement of doc.
func FromDocument(g *guard.Guard, db Querier, doc *Document, opts ...Option) (*Mapper, error) {
	m := New(g, db, doc.Namespace, opts...)
	for _, st := range doc.Statements {
		if err := m.Register(st.ID, st.SQL); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Mapper) Namespace() string { return m.namespace }

// Register adds a named statement. Ids are unique within the namespace.
func (m *Mapper) Register(id, sqlText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.statements[id]; ok {
		return errors.Errorf("statement %s.%s already registered", m.namespace, id)
	}
	m.statements[id] = sqlText
	return nil
}

func (m *Mapper) statement(id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sqlText, ok := m.statements[id]
	if !ok {
		return "", errors.Errorf("unknown statement %s.%s", m.namespace, id)
	}
	return sqlText, nil
}

// Exec runs a named write statement.
func (m *Mapper) Exec(ctx context.Context, id string, args ...any) (sql.Result, error) {
	sqlText, err := m.statement(id)
	if err != nil {
		return nil, err
	}
	var result sql.Result
	err = m.intercept(ctx, id, sqlText, nil, args, func(ctx context.Context, q string) (int64, error) {
		var err error
		result, err = m.db.ExecContext(ctx, q, args...)
		if err != nil {
			return -1, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return -1, nil
		}
		return n, nil
	})
	return result, err
}

// Query runs a named statement returning rows. The caller closes the rows.
func (m *Mapper) Query(ctx context.Context, id string, args ...any) (*sql.Rows, error) {
	sqlText, err := m.statement(id)
	if err != nil {
		return nil, err
	}
	var rows *sql.Rows
	err = m.intercept(ctx, id, sqlText, nil, args, func(ctx context.Context, q string) (int64, error) {
		var err error
		rows, err = m.db.QueryContext(ctx, q, args...)
		return -1, err
	})
	return rows, err
}

// QueryPage runs a named statement restricted to bounds and calls scan for
// every row inside them. With physical paging the bounds become LIMIT/OFFSET
// in the SQL; otherwise every row is fetched and the bounds are applied here.
// It returns the number of rows scanned.
func (m *Mapper) QueryPage(ctx context.Context, id string, bounds model.Pagination, scan func(*sql.Rows) error, args ...any) (int, error) {
	if bounds.Limit <= 0 || bounds.Offset < 0 {
		return 0, errors.Errorf("invalid row bounds offset=%d limit=%d", bounds.Offset, bounds.Limit)
	}
	sqlText, err := m.statement(id)
	if err != nil {
		return 0, err
	}

	var page *model.Pagination
	if m.g.Config().Pagination.PhysicalPaging {
		sqlText = strings.TrimRight(strings.TrimSpace(sqlText), ";") +
			fmt.Sprintf(" LIMIT %d OFFSET %d", bounds.Limit, bounds.Offset)
	} else {
		page = &bounds
	}

	scanned := 0
	err = m.intercept(ctx, id, sqlText, page, args, func(ctx context.Context, q string) (int64, error) {
		rows, err := m.db.QueryContext(ctx, q, args...)
		if err != nil {
			return -1, err
		}
		defer rows.Close()

		var skipped int64
		for rows.Next() {
			if page != nil {
				if skipped < page.Offset {
					skipped++
					continue
				}
				if int64(scanned) >= page.Limit {
					break
				}
			}
			if err := scan(rows); err != nil {
				return int64(scanned), err
			}
			scanned++
		}
		return int64(scanned), rows.Err()
	})
	return scanned, err
}

// intercept checks the statement when the mapper layer is armed, then runs
// do with the SQL the chain let through. Hints always go down the context so
// an armed inner layer can name the call site.
func (m *Mapper) intercept(ctx context.Context, id, sqlText string, page *model.Pagination, args []any,
	do func(ctx context.Context, sqlText string) (int64, error)) error {
	callSite := m.namespace + "." + id
	params := Params(args)
	ctx = interceptor.WithHints(ctx, interceptor.Hints{CallSite: callSite, Page: page, Params: params})

	if !m.g.Armed(model.LayerMapper) {
		_, err := do(ctx, sqlText)
		return err
	}

	ctx, _, release := interceptor.Enter(ctx)
	defer release()

	exec := model.NewExecution(sqlText, callSite)
	exec.Layer = model.LayerMapper
	exec.Page = page
	exec.Params = params
	exec.Datasource = m.datasource

	started := time.Now()
	res, err := m.g.Check(ctx, exec)
	if err != nil {
		m.g.Record(exec, res.Verdict, started, -1, err)
		return err
	}
	rows, err := do(ctx, res.SQL)
	m.g.Record(exec, res.Verdict, started, rows, err)
	return err
}

// Params names positional arguments "1", "2", ... and named ones by name.
func Params(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	params := make(map[string]any, len(args))
	for i, arg := range args {
		if named, ok := arg.(sql.NamedArg); ok {
			params[named.Name] = named.Value
			continue
		}
		params[strconv.Itoa(i+1)] = arg
	}
	return params
}
