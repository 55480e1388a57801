package ansisql

import (
	"strings"
	"time"

	"github.com/bruin-data/windowed/pkg/window"
	"github.com/pkg/errors"
)

const stagingTablePrefix = "__windowed_tmp_"

// StandardDialect uses asset names as table names verbatim and creates the schema of `schema.table` names.
// Database specific dialects embed it and override what differs.
type StandardDialect struct{}

func (StandardDialect) Name() string {
	return "ansi"
}

func (StandardDialect) QuoteTable(name string) string {
	return name
}

func (StandardDialect) QuoteColumn(name string) string {
	return name
}

func (StandardDialect) CreateSchemaStatement(table string) string {
	schema, _ := SplitTableName(table)
	if schema == "" {
		return ""
	}

	return "CREATE SCHEMA IF NOT EXISTS " + schema
}

func (StandardDialect) StagingTable(table string) string {
	schema, name := SplitTableName(table)
	if schema == "" {
		return stagingTablePrefix + name
	}

	return schema + "." + stagingTablePrefix + name
}

// RenameTableStatement renames within the same schema, the target is therefore given without it.
func (d StandardDialect) RenameTableStatement(from, to string) string {
	_, name := SplitTableName(to)
	return "ALTER TABLE " + d.QuoteTable(from) + " RENAME TO " + name
}

func (StandardDialect) TimeLiteral(t time.Time, g window.Granularity) string {
	w := window.Window{Start: t, End: t, Granularity: g}
	return QuoteString(w.StartLiteral())
}

func (StandardDialect) PatternMismatchPredicate(column, pattern string) (string, error) {
	return "", errors.New("the pattern check is not supported by this database")
}

// SplitTableName splits `schema.table`; names with more or fewer parts keep everything but the last part
// as the schema.
func SplitTableName(name string) (string, string) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return "", name
	}

	return name[:idx], name[idx+1:]
}

func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
