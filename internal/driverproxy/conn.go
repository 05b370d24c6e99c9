package driverproxy

import (
	"context"
	"database/sql/driver"
)

// conn checks statements on the way to the wrapped connection. Optional
// driver interfaces are forwarded when the wrapped connection has them.
// Prepared statements are checked and audited once, when prepared.
type conn struct {
	driver.Conn
	d *Driver
}

var (
	_ driver.ExecerContext      = (*conn)(nil)
	_ driver.QueryerContext     = (*conn)(nil)
	_ driver.ConnPrepareContext = (*conn)(nil)
	_ driver.ConnBeginTx        = (*conn)(nil)
	_ driver.Pinger             = (*conn)(nil)
	_ driver.SessionResetter    = (*conn)(nil)
	_ driver.Validator          = (*conn)(nil)
	_ driver.NamedValueChecker  = (*conn)(nil)
)

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	execer, ok := c.Conn.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	var result driver.Result
	err := c.d.intercept(ctx, query, args, func(ctx context.Context, q string) (int64, error) {
		var err error
		result, err = execer.ExecContext(ctx, q, args)
		if err != nil {
			return -1, err
		}
		return rowsAffected(result), nil
	})
	return result, err
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	queryer, ok := c.Conn.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	var rows driver.Rows
	err := c.d.intercept(ctx, query, args, func(ctx context.Context, q string) (int64, error) {
		var err error
		rows, err = queryer.QueryContext(ctx, q, args)
		return -1, err
	})
	return rows, err
}

func (c *conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	var stmt driver.Stmt
	err := c.d.intercept(ctx, query, nil, func(ctx context.Context, q string) (int64, error) {
		var err error
		if p, ok := c.Conn.(driver.ConnPrepareContext); ok {
			stmt, err = p.PrepareContext(ctx, q)
		} else {
			stmt, err = c.Conn.Prepare(q)
		}
		return -1, err
	})
	if err != nil {
		return nil, err
	}
	return stmt, nil
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if b, ok := c.Conn.(driver.ConnBeginTx); ok {
		return b.BeginTx(ctx, opts)
	}
	return c.Conn.Begin() //nolint:staticcheck
}

func (c *conn) Ping(ctx context.Context) error {
	if p, ok := c.Conn.(driver.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *conn) ResetSession(ctx context.Context) error {
	if r, ok := c.Conn.(driver.SessionResetter); ok {
		return r.ResetSession(ctx)
	}
	return nil
}

func (c *conn) IsValid() bool {
	if v, ok := c.Conn.(driver.Validator); ok {
		return v.IsValid()
	}
	return true
}

func (c *conn) CheckNamedValue(nv *driver.NamedValue) error {
	if ch, ok := c.Conn.(driver.NamedValueChecker); ok {
		return ch.CheckNamedValue(nv)
	}
	return driver.ErrSkip
}
