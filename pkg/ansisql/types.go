package ansisql

import (
	"context"
	"time"

	"github.com/bruin-data/windowed/pkg/query"
	"github.com/bruin-data/windowed/pkg/window"
)

type Querier interface {
	Select(ctx context.Context, q *query.Query) ([][]interface{}, error)
}

// Executor runs statements either directly on a database or inside an open transaction.
type Executor interface {
	Querier
	Exec(ctx context.Context, q *query.Query) (int64, error)
}

type TxFunc func(ctx context.Context, tx Executor) error

// Store is a database the engine materializes assets into. RunInTransaction commits when fn returns nil and
// rolls back otherwise.
type Store interface {
	Executor
	RunInTransaction(ctx context.Context, fn TxFunc) error
	Dialect() Dialect
	Ping(ctx context.Context) error
	Close() error
}

// NamedStore is a Store of a named connection.
type NamedStore struct {
	Store
	Connection string
}

func (s NamedStore) ConnectionName() string {
	return s.Connection
}

// Dialect captures the SQL differences between the supported databases.
type Dialect interface {
	Name() string
	QuoteTable(name string) string
	QuoteColumn(name string) string
	CreateSchemaStatement(table string) string
	StagingTable(table string) string
	RenameTableStatement(from, to string) string
	TimeLiteral(t time.Time, g window.Granularity) string
	PatternMismatchPredicate(column, pattern string) (string, error)
}
