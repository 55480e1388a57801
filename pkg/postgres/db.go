package postgres

import (
	"context"
	"fmt"

	"github.com/bruin-data/windowed/pkg/ansisql"
	"github.com/bruin-data/windowed/pkg/query"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type Client struct {
	connection connection
}

type PgConfig interface {
	ToDBConnectionURI() string
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type connection interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

func NewClient(ctx context.Context, c PgConfig) (*Client, error) {
	conn, err := pgxpool.New(ctx, c.ToDBConnectionURI())
	if err != nil {
		return nil, err
	}

	return &Client{connection: conn}, nil
}

type Dialect struct {
	ansisql.StandardDialect
}

func (Dialect) Name() string {
	return "postgres"
}

func (Dialect) PatternMismatchPredicate(column, pattern string) (string, error) {
	return fmt.Sprintf("%s !~ %s", column, ansisql.QuoteString(pattern)), nil
}

//nolint:ireturn
func (c *Client) Dialect() ansisql.Dialect {
	return Dialect{}
}

// Select runs a query and returns the results.
func (c *Client) Select(ctx context.Context, q *query.Query) ([][]interface{}, error) {
	return selectRows(ctx, c.connection, q)
}

func (c *Client) Exec(ctx context.Context, q *query.Query) (int64, error) {
	return exec(ctx, c.connection, q)
}

func (c *Client) RunInTransaction(ctx context.Context, fn ansisql.TxFunc) error {
	tx, err := c.connection.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to start a transaction")
	}

	if err := fn(ctx, &txExecutor{tx: tx}); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			return errors.Wrapf(err, "failed to roll back the transaction: %s", rollbackErr)
		}

		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit the transaction")
	}

	return nil
}

// Ping validates the connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.connection.Ping(ctx); err != nil {
		return errors.Wrap(err, "failed to connect to Postgres")
	}

	return nil
}

func (c *Client) Close() error {
	c.connection.Close()
	return nil
}

type txExecutor struct {
	tx pgx.Tx
}

func (t *txExecutor) Select(ctx context.Context, q *query.Query) ([][]interface{}, error) {
	return selectRows(ctx, t.tx, q)
}

func (t *txExecutor) Exec(ctx context.Context, q *query.Query) (int64, error) {
	return exec(ctx, t.tx, q)
}

func exec(ctx context.Context, conn querier, q *query.Query) (int64, error) {
	tag, err := conn.Exec(ctx, q.ToExecutable())
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

func selectRows(ctx context.Context, conn querier, q *query.Query) ([][]interface{}, error) {
	rows, err := conn.Query(ctx, q.ToExecutable())
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	collectedRows, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) ([]interface{}, error) {
		values, err := row.Values()
		if err != nil {
			return nil, err
		}

		for i, v := range values {
			values[i] = convertValue(v)
		}

		return values, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to collect row values")
	}

	if len(collectedRows) == 0 {
		return make([][]interface{}, 0), nil
	}

	return collectedRows, nil
}

func convertValue(val interface{}) interface{} {
	numeric, ok := val.(pgtype.Numeric)
	if !ok {
		return val
	}

	f, err := numeric.Float64Value()
	if err != nil || !f.Valid {
		return nil
	}

	return f.Float64
}
