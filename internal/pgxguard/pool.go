package pgxguard

import (
	"context"
	"strconv"
	"time"

	"sql-guard/internal/audit"
	"sql-guard/internal/guard"
	"sql-guard/internal/interceptor"
	"sql-guard/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the query surface of *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool checks statements before they reach the wrapped pool.
type Pool struct {
	q          Querier
	g          *guard.Guard
	datasource string
}

var _ Querier = (*Pool)(nil)

func New(g *guard.Guard, q Querier, datasource string) *Pool {
	g.Attach(model.LayerPool)
	return &Pool{q: q, g: g, datasource: datasource}
}

func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := p.intercept(ctx, sql, args, func(ctx context.Context, q string) (int64, error) {
		var err error
		tag, err = p.q.Exec(ctx, q, args...)
		if err != nil {
			return -1, err
		}
		return tag.RowsAffected(), nil
	})
	return tag, err
}

func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	var rows pgx.Rows
	err := p.intercept(ctx, sql, args, func(ctx context.Context, q string) (int64, error) {
		var err error
		rows, err = p.q.Query(ctx, q, args...)
		return -1, err
	})
	return rows, err
}

// QueryRow defers a rejection to Scan, like pgx does for query errors.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	var row pgx.Row
	err := p.intercept(ctx, sql, args, func(ctx context.Context, q string) (int64, error) {
		row = p.q.QueryRow(ctx, q, args...)
		return -1, nil
	})
	if err != nil {
		return errRow{err: err}
	}
	return row
}

func (p *Pool) intercept(ctx context.Context, sql string, args []any,
	do func(ctx context.Context, sql string) (int64, error)) error {
	if !p.g.Armed(model.LayerPool) {
		_, err := do(ctx, sql)
		return err
	}

	ctx, _, release := interceptor.Enter(ctx)
	defer release()

	exec := model.NewExecution(sql, p.callSite(ctx, sql))
	exec.Layer = model.LayerPool
	exec.Datasource = p.datasource
	exec.Params = positional(args)

	started := time.Now()
	res, err := p.g.Check(ctx, exec)
	if err != nil {
		p.g.Record(exec, res.Verdict, started, -1, err)
		return err
	}
	rows, err := do(ctx, res.SQL)
	p.g.Record(exec, res.Verdict, started, rows, err)
	return err
}

// callSite prefers the call site an outer layer handed down. Without one the
// statement is named after the datasource and a short hash of its text.
func (p *Pool) callSite(ctx context.Context, sql string) string {
	if h, ok := interceptor.HintsFrom(ctx); ok && h.CallSite != "" {
		return h.CallSite
	}
	name := p.datasource
	if name == "" {
		name = "default"
	}
	return "pool." + name + ":" + audit.StatementID(sql)[:8]
}

func positional(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	params := make(map[string]any, len(args))
	for i, arg := range args {
		params["$"+strconv.Itoa(i+1)] = arg
	}
	return params
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }
