package duck

import (
	"fmt"

	"github.com/bruin-data/windowed/pkg/ansisql"
)

type Dialect struct {
	ansisql.StandardDialect
}

func (Dialect) Name() string {
	return "duckdb"
}

func (Dialect) PatternMismatchPredicate(column, pattern string) (string, error) {
	return fmt.Sprintf("NOT regexp_matches(%s, %s)", column, ansisql.QuoteString(pattern)), nil
}
