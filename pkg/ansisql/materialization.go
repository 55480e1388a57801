package ansisql

import (
	"fmt"

	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/bruin-data/windowed/pkg/query"
	"github.com/bruin-data/windowed/pkg/window"
	"github.com/pkg/errors"
)

type StatementKind string

const (
	StatementSetup  StatementKind = "setup"
	StatementDelete StatementKind = "delete"
	StatementInsert StatementKind = "insert"
	StatementSwap   StatementKind = "swap"
)

type Statement struct {
	Kind  StatementKind
	Query *query.Query
}

func statement(kind StatementKind, format string, args ...any) Statement {
	return Statement{Kind: kind, Query: &query.Query{Query: fmt.Sprintf(format, args...)}}
}

func withSchema(d Dialect, table string, statements ...Statement) []Statement {
	createSchema := d.CreateSchemaStatement(table)
	if createSchema == "" {
		return statements
	}

	return append([]Statement{{Kind: StatementSetup, Query: &query.Query{Query: createSchema}}}, statements...)
}

// WindowPredicate is the half-open filter `column >= start AND column < end`.
func WindowPredicate(d Dialect, column string, w window.Window) string {
	return fmt.Sprintf("%s >= %s AND %s < %s",
		d.QuoteColumn(column), d.TimeLiteral(w.Start, w.Granularity),
		d.QuoteColumn(column), d.TimeLiteral(w.End, w.Granularity),
	)
}

// TimeIntervalStatements replaces the rows of the window: the table is created from the query shape if it
// does not exist yet, the window is deleted and the rows of the query that fall into the window are inserted.
// Rows produced outside the window are never written. An empty window yields no statements.
func TimeIntervalStatements(d Dialect, asset *pipeline.Asset, selectQuery string, w window.Window) ([]Statement, error) {
	key := asset.Materialization.IncrementalKey
	if key == "" {
		return nil, errors.Errorf("materialization strategy %s requires the `incremental_key` field to be set", pipeline.MaterializationStrategyTimeInterval)
	}

	if w.IsEmpty() {
		return nil, nil
	}

	table := d.QuoteTable(asset.Name)
	predicate := WindowPredicate(d, key, w)

	return withSchema(d, asset.Name,
		statement(StatementSetup, "CREATE TABLE IF NOT EXISTS %s AS SELECT * FROM (%s) AS src WHERE 1 = 0", table, selectQuery),
		statement(StatementDelete, "DELETE FROM %s WHERE %s", table, predicate),
		statement(StatementInsert, "INSERT INTO %s SELECT * FROM (%s) AS src WHERE %s", table, selectQuery, predicate),
	), nil
}

// CreateReplaceStatements builds the full result into a staging table and swaps it in place of the target.
func CreateReplaceStatements(d Dialect, asset *pipeline.Asset, selectQuery string) []Statement {
	staging := d.StagingTable(asset.Name)

	return withSchema(d, asset.Name,
		statement(StatementSetup, "DROP TABLE IF EXISTS %s", d.QuoteTable(staging)),
		statement(StatementInsert, "CREATE TABLE %s AS %s", d.QuoteTable(staging), selectQuery),
		statement(StatementSwap, "DROP TABLE IF EXISTS %s", d.QuoteTable(asset.Name)),
		Statement{Kind: StatementSwap, Query: &query.Query{Query: d.RenameTableStatement(staging, asset.Name)}},
	)
}

func AppendStatements(d Dialect, asset *pipeline.Asset, selectQuery string) []Statement {
	table := d.QuoteTable(asset.Name)

	return withSchema(d, asset.Name,
		statement(StatementSetup, "CREATE TABLE IF NOT EXISTS %s AS SELECT * FROM (%s) AS src WHERE 1 = 0", table, selectQuery),
		statement(StatementInsert, "INSERT INTO %s %s", table, selectQuery),
	)
}

// BuildStatements picks the statements for the strategy of the asset; fullRefresh rebuilds table
// materializations from scratch regardless of their strategy.
func BuildStatements(d Dialect, asset *pipeline.Asset, selectQuery string, w window.Window, fullRefresh bool) ([]Statement, error) {
	mat := asset.Materialization
	if mat.Type != pipeline.MaterializationTypeTable {
		return nil, errors.Errorf("unsupported materialization type '%s'", mat.Type)
	}

	strategy := mat.Strategy
	if fullRefresh {
		strategy = pipeline.MaterializationStrategyCreateReplace
	}

	switch strategy {
	case pipeline.MaterializationStrategyTimeInterval:
		return TimeIntervalStatements(d, asset, selectQuery, w)
	case pipeline.MaterializationStrategyCreateReplace, pipeline.MaterializationStrategyFull, pipeline.MaterializationStrategyNone:
		return CreateReplaceStatements(d, asset, selectQuery), nil
	case pipeline.MaterializationStrategyAppend:
		return AppendStatements(d, asset, selectQuery), nil
	default:
		return nil, errors.Errorf("unsupported materialization strategy '%s'", strategy)
	}
}
