package duck

import (
	"context"

	"github.com/bruin-data/windowed/pkg/ansisql"
	"github.com/bruin-data/windowed/pkg/query"
	"github.com/jmoiron/sqlx"
	"github.com/marcboeker/go-duckdb"
	"github.com/pkg/errors"
)

type DuckDBConfig interface {
	ToDBConnectionURI() string
}

// Client serializes every operation on the same database file, transactions hold the lock until they finish.
type Client struct {
	db   *ansisql.DB
	path string
}

func NewClient(c DuckDBConfig) (*Client, error) {
	conn, err := sqlx.Open("duckdb", c.ToDBConnectionURI())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open duckdb database '%s'", c.ToDBConnectionURI())
	}

	return newClientWithConnection(conn, c.ToDBConnectionURI()), nil
}

func newClientWithConnection(conn *sqlx.DB, path string) *Client {
	return &Client{
		db:   ansisql.NewDB(conn, Dialect{}, convertValue),
		path: path,
	}
}

func convertValue(val interface{}) interface{} {
	if decimal, ok := val.(duckdb.Decimal); ok {
		return decimal.Float64()
	}

	return ansisql.DefaultValueConverter(val)
}

//nolint:ireturn
func (c *Client) Dialect() ansisql.Dialect {
	return c.db.Dialect()
}

// Select runs a query and returns the results.
func (c *Client) Select(ctx context.Context, q *query.Query) ([][]interface{}, error) {
	LockDatabase(c.path)
	defer UnlockDatabase(c.path)

	return c.db.Select(ctx, q)
}

func (c *Client) Exec(ctx context.Context, q *query.Query) (int64, error) {
	LockDatabase(c.path)
	defer UnlockDatabase(c.path)

	return c.db.Exec(ctx, q)
}

func (c *Client) RunInTransaction(ctx context.Context, fn ansisql.TxFunc) error {
	LockDatabase(c.path)
	defer UnlockDatabase(c.path)

	return c.db.RunInTransaction(ctx, fn)
}

func (c *Client) Ping(ctx context.Context) error {
	LockDatabase(c.path)
	defer UnlockDatabase(c.path)

	return c.db.Ping(ctx)
}

func (c *Client) Close() error {
	return c.db.Close()
}
