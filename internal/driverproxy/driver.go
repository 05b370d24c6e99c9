package driverproxy

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"strconv"
	"time"

	"sql-guard/internal/guard"
	"sql-guard/internal/interceptor"
	"sql-guard/internal/model"
)

// Driver wraps another driver and checks every statement its connections run.
type Driver struct {
	base       driver.Driver
	g          *guard.Guard
	datasource string
}

var (
	_ driver.Driver        = (*Driver)(nil)
	_ driver.DriverContext = (*Driver)(nil)
)

func Wrap(base driver.Driver, g *guard.Guard, datasource string) *Driver {
	g.Attach(model.LayerDriver)
	return &Driver{base: base, g: g, datasource: datasource}
}

// Register makes the wrapped driver available to sql.Open under name.
func Register(name string, base driver.Driver, g *guard.Guard) *Driver {
	d := Wrap(base, g, name)
	sql.Register(name, d)
	return d
}

func (d *Driver) Open(name string) (driver.Conn, error) {
	c, err := d.base.Open(name)
	if err != nil {
		return nil, err
	}
	return &conn{Conn: c, d: d}, nil
}

func (d *Driver) OpenConnector(name string) (driver.Connector, error) {
	return d.Connector(name), nil
}

// Connector returns a connector for sql.OpenDB.
func (d *Driver) Connector(dsn string) driver.Connector {
	return &connector{d: d, dsn: dsn}
}

type connector struct {
	d   *Driver
	dsn string
}

func (c *connector) Connect(context.Context) (driver.Conn, error) { return c.d.Open(c.dsn) }

func (c *connector) Driver() driver.Driver { return c.d }

// intercept runs do when the driver layer is disarmed, and otherwise only
// after the chain let the statement through.
func (d *Driver) intercept(ctx context.Context, query string, args []driver.NamedValue,
	do func(ctx context.Context, query string) (int64, error)) error {
	if !d.g.Armed(model.LayerDriver) {
		_, err := do(ctx, query)
		return err
	}

	ctx, _, release := interceptor.Enter(ctx)
	defer release()

	exec := model.NewExecution(query, "")
	exec.Layer = model.LayerDriver
	exec.Datasource = d.datasource
	exec.Params = params(args)

	started := time.Now()
	res, err := d.g.Check(ctx, exec)
	if err != nil {
		d.g.Record(exec, res.Verdict, started, -1, err)
		return err
	}
	rows, err := do(ctx, res.SQL)
	d.g.Record(exec, res.Verdict, started, rows, err)
	return err
}

func params(args []driver.NamedValue) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args))
	for _, a := range args {
		if a.Name != "" {
			out[a.Name] = a.Value
			continue
		}
		out[strconv.Itoa(a.Ordinal)] = a.Value
	}
	return out
}

func rowsAffected(r driver.Result) int64 {
	n, err := r.RowsAffected()
	if err != nil {
		return -1
	}
	return n
}
