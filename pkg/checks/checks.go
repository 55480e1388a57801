package checks

import (
	"context"
	"fmt"
	"strings"

	"github.com/bruin-data/windowed/pkg/ansisql"
	"github.com/bruin-data/windowed/pkg/helpers"
	"github.com/bruin-data/windowed/pkg/logger"
	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/bruin-data/windowed/pkg/query"
	"github.com/bruin-data/windowed/pkg/scheduler"
	"github.com/bruin-data/windowed/pkg/window"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
)

const PrimaryKeyCheckName = "primary_key"

// CheckFailureError is returned when blocking checks of an asset did not pass.
type CheckFailureError struct {
	Asset  string
	Failed []scheduler.CheckResult
}

func (e *CheckFailureError) Error() string {
	names := make([]string, len(e.Failed))
	for i, c := range e.Failed {
		names[i] = c.DisplayName()
	}

	if len(e.Failed) == 1 {
		return fmt.Sprintf("blocking check '%s' of asset '%s' failed: %s", names[0], e.Asset, failureMessage(e.Failed[0]))
	}

	return fmt.Sprintf("%d blocking checks of asset '%s' failed: %s", len(e.Failed), e.Asset, strings.Join(names, ", "))
}

func failureMessage(c scheduler.CheckResult) string {
	if c.Error != "" {
		return c.Error
	}

	return c.Message
}

// BlockingFailure returns a CheckFailureError listing the failed blocking checks, or nil when there are none.
func BlockingFailure(asset string, results []scheduler.CheckResult) error {
	failed := make([]scheduler.CheckResult, 0)
	for _, r := range results {
		if r.Blocking && !r.Passed {
			failed = append(failed, r)
		}
	}

	if len(failed) == 0 {
		return nil
	}

	return &CheckFailureError{Asset: asset, Failed: failed}
}

// Definition is a single check of an asset before it is turned into a query.
type Definition struct {
	Name     string
	Column   string
	Kind     scheduler.CheckKind
	Blocking bool

	build func(d ansisql.Dialect, w *window.Window, r query.Renderer) (*ansisql.CheckQuery, error)
}

func Blocking(d Definition) bool {
	return d.Blocking
}

func NonBlocking(d Definition) bool {
	return !d.Blocking
}

// Definitions lists the checks of the asset in declaration order: the column checks, the implicit primary
// key check and the custom checks.
func Definitions(asset *pipeline.Asset) []Definition {
	defs := make([]Definition, 0)
	for i := range asset.Columns {
		column := &asset.Columns[i]
		for _, check := range column.Checks {
			defs = append(defs, Definition{
				Name:     check.Name,
				Column:   column.Name,
				Kind:     scheduler.CheckKindColumn,
				Blocking: check.Blocking.Bool(),
				build: func(d ansisql.Dialect, w *window.Window, _ query.Renderer) (*ansisql.CheckQuery, error) {
					return ansisql.ColumnCheckQuery(d, asset, column, check, w)
				},
			})
		}
	}

	if keys := asset.ColumnNamesWithPrimaryKey(); len(keys) > 0 {
		defs = append(defs, Definition{
			Name:     PrimaryKeyCheckName,
			Column:   strings.Join(keys, ","),
			Kind:     scheduler.CheckKindColumn,
			Blocking: true,
			build: func(d ansisql.Dialect, w *window.Window, _ query.Renderer) (*ansisql.CheckQuery, error) {
				return ansisql.PrimaryKeyCheckQuery(d, asset, keys, w)
			},
		})
	}

	for _, check := range asset.CustomChecks {
		defs = append(defs, Definition{
			Name:     check.Name,
			Kind:     scheduler.CheckKindCustom,
			Blocking: check.Blocking.Bool(),
			build: func(_ ansisql.Dialect, _ *window.Window, r query.Renderer) (*ansisql.CheckQuery, error) {
				rendered, err := query.RenderSelect(check.Query, r)
				if err != nil {
					return nil, err
				}

				cq := ansisql.CustomCheckQuery(check, rendered.Query)
				cq.Query.VariableDefinitions = rendered.VariableDefinitions
				return cq, nil
			},
		})
	}

	return defs
}

type Evaluator struct {
	logger      logger.Logger
	concurrency int
}

func NewEvaluator(logger logger.Logger, concurrency int) *Evaluator {
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Evaluator{logger: logger, concurrency: concurrency}
}

// WithConcurrency returns an evaluator sharing the logger that runs at most n queries at a time.
func (e *Evaluator) WithConcurrency(n int) *Evaluator {
	return NewEvaluator(e.logger, n)
}

// Evaluate runs every check of the asset against the window and returns the results in declaration order.
func (e *Evaluator) Evaluate(ctx context.Context, q ansisql.Querier, d ansisql.Dialect, asset *pipeline.Asset, w window.Window, r query.Renderer) []scheduler.CheckResult {
	return e.EvaluateMatching(ctx, q, d, asset, w, r, nil)
}

// EvaluateMatching runs the checks the filter accepts, all of them when the filter is nil.
func (e *Evaluator) EvaluateMatching(ctx context.Context, q ansisql.Querier, d ansisql.Dialect, asset *pipeline.Asset, w window.Window, r query.Renderer, filter func(Definition) bool) []scheduler.CheckResult {
	defs := make([]Definition, 0)
	for _, def := range Definitions(asset) {
		if filter == nil || filter(def) {
			defs = append(defs, def)
		}
	}

	results := make([]scheduler.CheckResult, len(defs))
	p := pool.New().WithMaxGoroutines(e.concurrency)
	for i, def := range defs {
		p.Go(func() {
			results[i] = e.run(ctx, q, d, asset, def, w, r)
		})
	}
	p.Wait()

	return results
}

func (e *Evaluator) run(ctx context.Context, q ansisql.Querier, d ansisql.Dialect, asset *pipeline.Asset, def Definition, w window.Window, r query.Renderer) scheduler.CheckResult {
	result := scheduler.CheckResult{
		Name:     def.Name,
		Column:   def.Column,
		Kind:     def.Kind,
		Blocking: def.Blocking,
	}

	cq, err := def.build(d, &w, r)
	if err != nil {
		result.Error = errors.Wrapf(err, "failed to build the '%s' check", def.Name).Error()
		return result
	}
	result.Expected = cq.Expected

	e.logger.Debugw("running check", "asset", asset.Name, "check", result.DisplayName(), "query", cq.Query.String())

	res, err := q.Select(ctx, cq.Query)
	if err != nil {
		result.Error = errors.Wrapf(err, "failed '%s' check", def.Name).Error()
		return result
	}

	observed, err := helpers.CastResultToInteger(res)
	if err != nil {
		result.Error = errors.Wrapf(err, "failed to parse '%s' check result", def.Name).Error()
		return result
	}

	result.Observed = observed
	result.Passed = observed == cq.Expected
	if !result.Passed {
		result.Message = cq.Describe(observed)
		e.logger.Debugw("check failed", "asset", asset.Name, "check", result.DisplayName(), "observed", observed, "expected", cq.Expected)
	}

	return result
}
