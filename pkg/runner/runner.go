package runner

import (
	"context"
	"io"
	"time"

	"github.com/bruin-data/windowed/pkg/ansisql"
	"github.com/bruin-data/windowed/pkg/checks"
	"github.com/bruin-data/windowed/pkg/dag"
	"github.com/bruin-data/windowed/pkg/executor"
	"github.com/bruin-data/windowed/pkg/logger"
	"github.com/bruin-data/windowed/pkg/materializer"
	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/bruin-data/windowed/pkg/scheduler"
	"github.com/bruin-data/windowed/pkg/window"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// StoreGetter resolves the store of a connection name.
type StoreGetter interface {
	GetStore(name string) (ansisql.Store, error)
}

type Runner struct {
	logger       logger.Logger
	pipeline     *pipeline.Pipeline
	stores       StoreGetter
	config       *scheduler.RunConfig
	runID        string
	output       io.Writer
	locks        *materializer.Locks
	checkWorkers int
}

type Option func(r *Runner)

// WithRunID fixes the id of the run instead of generating one.
func WithRunID(id string) Option {
	return func(r *Runner) {
		r.runID = id
	}
}

// WithOutput sends the progress of the workers to w.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) {
		r.output = w
	}
}

// WithLocks shares the per-asset locks with other runners of the same process.
func WithLocks(l *materializer.Locks) Option {
	return func(r *Runner) {
		r.locks = l
	}
}

func New(logger logger.Logger, p *pipeline.Pipeline, stores StoreGetter, config scheduler.RunConfig, opts ...Option) *Runner {
	if config.Workers <= 0 {
		config.Workers = scheduler.DefaultWorkers
	}
	if config.OnCheckFailure == "" {
		config.OnCheckFailure = pipeline.CheckFailureContinue
	}

	r := &Runner{
		logger:       logger,
		pipeline:     p,
		stores:       stores,
		config:       &config,
		checkWorkers: 4,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.runID == "" {
		r.runID = uuid.New().String()
	}
	if r.locks == nil {
		r.locks = materializer.NewLocks()
	}

	return r
}

func (r *Runner) RunID() string {
	return r.runID
}

// plan is everything a run needs that can be validated before executing anything.
type plan struct {
	graph   *dag.Graph
	windows map[string]window.Window
	stores  map[string]ansisql.Store
}

// Plan validates the pipeline for the run bounds without executing anything: the dependency graph, the
// asset definitions, the window of every asset and their connections.
func (r *Runner) Plan(runStart, runEnd time.Time) (*dag.Graph, map[string]window.Window, error) {
	p, err := r.plan(runStart, runEnd)
	if err != nil {
		return nil, nil, err
	}

	return p.graph, p.windows, nil
}

func (r *Runner) plan(runStart, runEnd time.Time) (*plan, error) {
	g, err := dag.New(r.pipeline.Assets)
	if err != nil {
		return nil, err
	}

	if err := r.pipeline.Validate(); err != nil {
		return nil, err
	}

	windows := make(map[string]window.Window, len(r.pipeline.Assets))
	for _, asset := range r.pipeline.Assets {
		w, err := r.assetWindow(asset, runStart, runEnd)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compute the window of asset '%s'", asset.Name)
		}
		windows[asset.Name] = w
	}

	stores := make(map[string]ansisql.Store, len(r.pipeline.Assets))
	for _, asset := range r.pipeline.Assets {
		if asset.Type == pipeline.AssetTypeEmpty {
			continue
		}

		name, err := r.pipeline.GetConnectionNameForAsset(asset)
		if err != nil {
			return nil, &pipeline.InvalidDefinitionError{Asset: asset.Name, Err: err}
		}

		store, err := r.stores.GetStore(name)
		if err != nil {
			return nil, &pipeline.InvalidDefinitionError{Asset: asset.Name, Reason: "connection '" + name + "'", Err: err}
		}
		stores[asset.Name] = ansisql.NamedStore{Store: store, Connection: name}
	}

	return &plan{graph: g, windows: windows, stores: stores}, nil
}

func (r *Runner) assetWindow(asset *pipeline.Asset, runStart, runEnd time.Time) (window.Window, error) {
	start, end := runStart, runEnd
	if r.config.ApplyIntervalModifiers && !asset.IntervalModifiers.IsZero() {
		var err error
		start, end, err = asset.IntervalModifiers.Apply(start, end)
		if err != nil {
			return window.Window{}, err
		}
	}

	return window.Compute(start, end, asset.Granularity())
}

// Run executes the pipeline for the run bounds. Configuration errors abort the run before anything is
// executed; the returned report then has every asset skipped and carries the error. Execution errors never
// abort the run, they are reported on the asset they happened on.
func (r *Runner) Run(ctx context.Context, runStart, runEnd time.Time) (*scheduler.RunReport, error) {
	startedAt := time.Now()

	p, err := r.plan(runStart, runEnd)
	if err != nil {
		r.logger.Debugf("run aborted before execution: %s", err)
		return r.abortedReport(runStart, runEnd, startedAt, err), err
	}

	s := scheduler.NewScheduler(r.logger, r.pipeline, p.graph, p.windows, r.runID)

	op := &assetOperator{
		logger:       r.logger,
		pipeline:     r.pipeline,
		config:       r.config,
		runID:        r.runID,
		stores:       p.stores,
		materializer: materializer.NewMaterializer(r.logger, r.locks, r.config.FullRefresh),
		evaluator:    checks.NewEvaluator(r.logger, r.checkWorkers),
		variables:    r.variables(),
	}

	operators := executor.OperatorMap{
		pipeline.AssetTypeDuckDBQuery:   op,
		pipeline.AssetTypePostgresQuery: op,
		pipeline.AssetTypeSqliteQuery:   op,
		pipeline.AssetTypeEmpty:         executor.NoOpOperator{},
	}

	ex := executor.NewConcurrent(r.logger, operators, r.config.Workers, executor.ConcurrentOptions{
		AssetTimeout: r.config.AssetTimeout,
		Output:       r.output,
		Dispatcher:   s,
	})
	ex.Start(ctx, s.WorkQueue, s.Results)

	s.Run(ctx)

	return s.Report(runStart, runEnd, startedAt, Classify), nil
}

func (r *Runner) variables() map[string]any {
	if r.config.Variables != nil {
		return r.config.Variables
	}

	return r.pipeline.Variables.Value()
}

func (r *Runner) abortedReport(runStart, runEnd, startedAt time.Time, err error) *scheduler.RunReport {
	report := &scheduler.RunReport{
		RunID:      r.runID,
		Pipeline:   r.pipeline.Name,
		Start:      runStart,
		End:        runEnd,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Error:      Classify(err),
		Assets:     make([]*scheduler.AssetReport, 0, len(r.pipeline.Assets)),
	}

	for _, asset := range r.pipeline.Assets {
		report.Assets = append(report.Assets, &scheduler.AssetReport{
			Name:       asset.Name,
			Status:     scheduler.Skipped.String(),
			SkipReason: "the run was aborted before execution",
		})
	}

	return report
}
