package runner

import (
	"context"
	"fmt"
	"io"

	"github.com/bruin-data/windowed/pkg/ansisql"
	"github.com/bruin-data/windowed/pkg/checks"
	"github.com/bruin-data/windowed/pkg/executor"
	"github.com/bruin-data/windowed/pkg/jinja"
	"github.com/bruin-data/windowed/pkg/logger"
	"github.com/bruin-data/windowed/pkg/materializer"
	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/bruin-data/windowed/pkg/scheduler"
	"github.com/pkg/errors"
)

// assetOperator materializes a SQL asset for its window and evaluates its checks afterwards.
type assetOperator struct {
	logger       logger.Logger
	pipeline     *pipeline.Pipeline
	config       *scheduler.RunConfig
	runID        string
	stores       map[string]ansisql.Store
	materializer *materializer.Materializer
	evaluator    *checks.Evaluator
	variables    map[string]any
}

func (o *assetOperator) Run(ctx context.Context, ti *scheduler.AssetInstance) (*scheduler.TaskOutput, error) {
	output, err := o.run(ctx, ti)
	if output != nil {
		printSummary(executor.PrinterFromContext(ctx), output)
	}

	return output, err
}

func (o *assetOperator) run(ctx context.Context, ti *scheduler.AssetInstance) (*scheduler.TaskOutput, error) {
	asset := ti.GetAsset()
	store, ok := o.stores[asset.Name]
	if !ok {
		return nil, errors.Errorf("no store was resolved for asset '%s'", asset.Name)
	}

	renderer := jinja.NewRenderer(jinja.WindowContext(ti.Window, o.pipeline.Name, o.runID, asset.Name, o.variables))

	upstream := make([]*scheduler.MaterializationResult, 0, len(ti.GetUpstream()))
	for _, u := range ti.GetUpstream() {
		if u.GetStatus() == scheduler.Succeeded {
			upstream = append(upstream, u.Materialization())
		}
	}

	if o.config.RollbackOnFailure && hasBlockingChecks(asset) {
		return o.runWithRollback(ctx, store, ti, upstream, renderer)
	}

	output := &scheduler.TaskOutput{}
	res, err := o.materializer.Materialize(ctx, store, asset, ti.Window, upstream, renderer)
	output.Materialization = res
	if err != nil {
		return output, err
	}

	output.Checks = o.evaluator.Evaluate(ctx, store, store.Dialect(), asset, ti.Window, renderer)
	if err := ctx.Err(); err != nil {
		return output, errors.Wrapf(err, "checks of asset '%s' did not finish", asset.Name)
	}

	return o.checkOutcome(asset, output)
}

// runWithRollback evaluates the blocking checks within the materialization transaction so that a failing
// check leaves the previous contents of the table in place.
func (o *assetOperator) runWithRollback(ctx context.Context, store ansisql.Store, ti *scheduler.AssetInstance, upstream []*scheduler.MaterializationResult, renderer *jinja.Renderer) (*scheduler.TaskOutput, error) {
	asset := ti.GetAsset()
	output := &scheduler.TaskOutput{}

	var blocking []scheduler.CheckResult
	hook := func(ctx context.Context, tx ansisql.Executor, _ *scheduler.MaterializationResult) error {
		// a transaction cannot be shared between concurrent queries
		blocking = o.evaluator.WithConcurrency(1).EvaluateMatching(ctx, tx, store.Dialect(), asset, ti.Window, renderer, checks.Blocking)
		return checks.BlockingFailure(asset.Name, blocking)
	}

	res, err := o.materializer.MaterializeWithHook(ctx, store, asset, ti.Window, upstream, renderer, hook)
	output.Materialization = res
	if err != nil {
		output.Checks = blocking
		var checkErr *checks.CheckFailureError
		if errors.As(err, &checkErr) {
			o.logger.Debugf("blocking checks of asset '%s' failed, the materialization was rolled back", asset.Name)
			output.Halt = o.config.FailFast()
		}

		return output, err
	}

	if res.Skipped {
		// nothing was written, the hook did not run
		output.Checks = o.evaluator.Evaluate(ctx, store, store.Dialect(), asset, ti.Window, renderer)
		return o.checkOutcome(asset, output)
	}

	nonBlocking := o.evaluator.EvaluateMatching(ctx, store, store.Dialect(), asset, ti.Window, renderer, checks.NonBlocking)
	output.Checks = mergeInDeclarationOrder(asset, blocking, nonBlocking)

	return output, nil
}

// checkOutcome fails the asset on blocking check failures only when the run is configured to fail fast;
// otherwise the failures are reported and the asset still succeeds.
func (o *assetOperator) checkOutcome(asset *pipeline.Asset, output *scheduler.TaskOutput) (*scheduler.TaskOutput, error) {
	err := checks.BlockingFailure(asset.Name, output.Checks)
	if err == nil {
		return output, nil
	}

	if !o.config.FailFast() {
		o.logger.Debugf("blocking checks of asset '%s' failed, continuing: %s", asset.Name, err)
		return output, nil
	}

	output.Halt = true
	return output, err
}

func hasBlockingChecks(asset *pipeline.Asset) bool {
	for _, d := range checks.Definitions(asset) {
		if d.Blocking {
			return true
		}
	}

	return false
}

func mergeInDeclarationOrder(asset *pipeline.Asset, blocking, nonBlocking []scheduler.CheckResult) []scheduler.CheckResult {
	merged := make([]scheduler.CheckResult, 0, len(blocking)+len(nonBlocking))
	for _, d := range checks.Definitions(asset) {
		if d.Blocking && len(blocking) > 0 {
			merged = append(merged, blocking[0])
			blocking = blocking[1:]
		} else if !d.Blocking && len(nonBlocking) > 0 {
			merged = append(merged, nonBlocking[0])
			nonBlocking = nonBlocking[1:]
		}
	}

	return merged
}

// printSummary writes what the asset changed and which of its checks failed to the worker output.
func printSummary(w io.Writer, output *scheduler.TaskOutput) {
	if m := output.Materialization; m != nil {
		if m.Skipped {
			_, _ = fmt.Fprintf(w, "empty window %s, nothing was written\n", m.Window.String())
		} else {
			_, _ = fmt.Fprintf(w, "deleted %d rows, inserted %d rows\n", m.RowsDeleted, m.RowsInserted)
		}
	}

	for _, c := range output.Checks {
		switch {
		case c.Passed:
			continue
		case c.Error != "":
			_, _ = fmt.Fprintf(w, "check '%s' could not run: %s\n", c.DisplayName(), c.Error)
		default:
			_, _ = fmt.Fprintf(w, "check '%s' failed: observed %d, expected %d\n", c.DisplayName(), c.Observed, c.Expected)
		}
	}
}
