package executor

import (
	"context"

	"github.com/bruin-data/windowed/pkg/scheduler"
)

// NoOpOperator completes `empty` assets, which only group their dependencies.
type NoOpOperator struct{}

func (e NoOpOperator) Run(ctx context.Context, ti *scheduler.AssetInstance) (*scheduler.TaskOutput, error) {
	LoggerFromContext(ctx).Debugf("asset '%s' only groups its dependencies, nothing to materialize", ti.GetAsset().Name)

	return &scheduler.TaskOutput{
		Materialization: &scheduler.MaterializationResult{
			Asset:      ti.GetAsset().Name,
			Window:     ti.Window,
			Statements: []string{},
			Skipped:    true,
		},
	}, nil
}
