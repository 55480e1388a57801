package ansisql

import (
	"context"
	"database/sql"

	"github.com/bruin-data/windowed/pkg/query"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// ValueConverter turns driver specific values into plain Go values.
type ValueConverter func(val interface{}) interface{}

type connection interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// DB is a Store over any database/sql driver.
type DB struct {
	conn      *sqlx.DB
	dialect   Dialect
	converter ValueConverter
}

func NewDB(conn *sqlx.DB, dialect Dialect, converter ValueConverter) *DB {
	if converter == nil {
		converter = DefaultValueConverter
	}

	return &DB{conn: conn, dialect: dialect, converter: converter}
}

func DefaultValueConverter(val interface{}) interface{} {
	if b, ok := val.([]byte); ok {
		return string(b)
	}

	return val
}

func (db *DB) Dialect() Dialect {
	return db.dialect
}

func (db *DB) Select(ctx context.Context, q *query.Query) ([][]interface{}, error) {
	return selectRows(ctx, db.conn, q, db.converter)
}

func (db *DB) Exec(ctx context.Context, q *query.Query) (int64, error) {
	return execStatement(ctx, db.conn, q)
}

func (db *DB) RunInTransaction(ctx context.Context, fn TxFunc) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to start a transaction")
	}

	if err := fn(ctx, &txExecutor{tx: tx, converter: db.converter}); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return errors.Wrapf(err, "failed to roll back the transaction: %s", rollbackErr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit the transaction")
	}

	return nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.conn.Close()
}

type txExecutor struct {
	tx        *sqlx.Tx
	converter ValueConverter
}

func (t *txExecutor) Select(ctx context.Context, q *query.Query) ([][]interface{}, error) {
	return selectRows(ctx, t.tx, q, t.converter)
}

func (t *txExecutor) Exec(ctx context.Context, q *query.Query) (int64, error) {
	return execStatement(ctx, t.tx, q)
}

func execStatement(ctx context.Context, conn connection, q *query.Query) (int64, error) {
	res, err := conn.ExecContext(ctx, q.ToExecutable())
	if err != nil {
		return 0, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		// not every driver reports affected rows for every statement
		return 0, nil //nolint:nilerr
	}

	return affected, nil
}

func selectRows(ctx context.Context, conn connection, q *query.Query, convert ValueConverter) ([][]interface{}, error) {
	rows, err := conn.QueryContext(ctx, q.ToExecutable())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := make([][]interface{}, 0)
	for rows.Next() {
		columns := make([]interface{}, len(cols))
		columnPointers := make([]interface{}, len(cols))
		for i := range columns {
			columnPointers[i] = &columns[i]
		}

		if err := rows.Scan(columnPointers...); err != nil {
			return nil, err
		}

		for i, val := range columns {
			if val != nil {
				columns[i] = convert(val)
			}
		}

		result = append(result, columns)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
