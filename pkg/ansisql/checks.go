package ansisql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/bruin-data/windowed/pkg/query"
	"github.com/bruin-data/windowed/pkg/window"
	"github.com/pkg/errors"
)

// CheckQuery is a scalar query whose result is compared against Expected.
type CheckQuery struct {
	Query    *query.Query
	Expected int64
	// Describe explains a failing result in terms of the check.
	Describe func(observed int64) string
}

// checkScope restricts check queries of windowed assets to the rows of the processed window.
func checkScope(d Dialect, asset *pipeline.Asset, w *window.Window) string {
	if w == nil || !asset.IsWindowed() || asset.Materialization.IncrementalKey == "" {
		return ""
	}

	return WindowPredicate(d, asset.Materialization.IncrementalKey, *w)
}

func countWhere(d Dialect, asset *pipeline.Asset, scope, condition string) string {
	if scope != "" {
		condition = fmt.Sprintf("(%s) AND %s", condition, scope)
	}

	return fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", d.QuoteTable(asset.Name), condition)
}

func thresholdSQLValue(v pipeline.ColumnCheckValue, checkName string) (string, error) {
	switch {
	case v.Int != nil:
		return strconv.Itoa(*v.Int), nil
	case v.Float != nil:
		return strconv.FormatFloat(*v.Float, 'f', -1, 64), nil
	case v.String != nil:
		return QuoteString(*v.String), nil
	default:
		return "", errors.Errorf("unexpected value for %s check, the value must be an int, float or string", checkName)
	}
}

func acceptedValuesList(v pipeline.ColumnCheckValue) (string, error) {
	values := make([]string, 0)
	switch {
	case v.StringArray != nil:
		for _, s := range *v.StringArray {
			values = append(values, QuoteString(s))
		}
	case v.IntArray != nil:
		for _, i := range *v.IntArray {
			values = append(values, strconv.Itoa(i))
		}
	default:
		return "", errors.New("unexpected value for accepted_values check, the value must be a list of strings or integers")
	}

	if len(values) == 0 {
		return "", errors.New("accepted_values check requires at least one value")
	}

	return strings.Join(values, ", "), nil
}

// ColumnCheckQuery builds the query that counts the rows violating a built-in column check. When w is given
// and the asset is windowed only the rows of the window are inspected.
func ColumnCheckQuery(d Dialect, asset *pipeline.Asset, column *pipeline.Column, check pipeline.ColumnCheck, w *window.Window) (*CheckQuery, error) {
	col := d.QuoteColumn(column.Name)
	scope := checkScope(d, asset, w)

	var qq, what string
	switch check.Name {
	case "not_null":
		qq = countWhere(d, asset, scope, col+" IS NULL")
		what = "null values"
	case "unique":
		from := d.QuoteTable(asset.Name)
		if scope != "" {
			from += " WHERE " + scope
		}
		qq = fmt.Sprintf("SELECT COUNT(%s) - COUNT(DISTINCT %s) FROM %s", col, col, from)
		what = "non-unique values"
	case "positive":
		qq = countWhere(d, asset, scope, col+" <= 0")
		what = "non-positive values"
	case "non_negative":
		qq = countWhere(d, asset, scope, col+" < 0")
		what = "negative values"
	case "negative":
		qq = countWhere(d, asset, scope, col+" >= 0")
		what = "non negative values"
	case "min", "max":
		threshold, err := thresholdSQLValue(check.Value, check.Name)
		if err != nil {
			return nil, err
		}
		if check.Name == "min" {
			qq = countWhere(d, asset, scope, fmt.Sprintf("%s < %s", col, threshold))
			what = "values below minimum " + check.Value.ToString()
		} else {
			qq = countWhere(d, asset, scope, fmt.Sprintf("%s > %s", col, threshold))
			what = "values above maximum " + check.Value.ToString()
		}
	case "accepted_values":
		list, err := acceptedValuesList(check.Value)
		if err != nil {
			return nil, err
		}
		qq = countWhere(d, asset, scope, fmt.Sprintf("%s NOT IN (%s)", col, list))
		what = "values outside of the accepted values"
	case "pattern":
		if check.Value.String == nil {
			return nil, errors.New("unexpected value for pattern check, the value must be a string")
		}
		predicate, err := d.PatternMismatchPredicate(col, *check.Value.String)
		if err != nil {
			return nil, err
		}
		qq = countWhere(d, asset, scope, predicate)
		what = "values not matching the pattern " + *check.Value.String
	default:
		return nil, errors.Errorf("there is no query configured for the check type '%s'", check.Name)
	}

	return &CheckQuery{
		Query:    &query.Query{Query: qq},
		Expected: 0,
		Describe: func(observed int64) string {
			return fmt.Sprintf("column '%s' has %d %s", column.Name, observed, what)
		},
	}, nil
}

// PrimaryKeyCheckQuery counts the key combinations that appear more than once.
func PrimaryKeyCheckQuery(d Dialect, asset *pipeline.Asset, columns []string, w *window.Window) (*CheckQuery, error) {
	if len(columns) == 0 {
		return nil, errors.Errorf("asset '%s' has no primary key columns", asset.Name)
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.QuoteColumn(c)
	}
	keys := strings.Join(quoted, ", ")

	from := d.QuoteTable(asset.Name)
	if scope := checkScope(d, asset, w); scope != "" {
		from += " WHERE " + scope
	}

	qq := fmt.Sprintf("SELECT count(*) FROM (SELECT %s FROM %s GROUP BY %s HAVING count(*) > 1) AS duplicates", keys, from, keys)

	return &CheckQuery{
		Query:    &query.Query{Query: qq},
		Expected: 0,
		Describe: func(observed int64) string {
			return fmt.Sprintf("the primary key (%s) has %d duplicated values", strings.Join(columns, ", "), observed)
		},
	}, nil
}

// CustomCheckQuery wraps an already rendered custom check; checks with a count compare the number of rows
// the query returns instead of its scalar result.
func CustomCheckQuery(check pipeline.CustomCheck, rendered string) *CheckQuery {
	expected := check.Value
	qq := rendered
	if check.Count != nil {
		expected = *check.Count
		qq = fmt.Sprintf("SELECT count(*) FROM (%s) AS t", rendered)
	}

	return &CheckQuery{
		Query:    &query.Query{Query: qq},
		Expected: expected,
		Describe: func(observed int64) string {
			return fmt.Sprintf("custom check '%s' has returned %d instead of the expected %d", check.Name, observed, expected)
		},
	}
}
