package executor

import (
	"context"

	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/bruin-data/windowed/pkg/scheduler"
)

type Operator interface {
	Run(ctx context.Context, ti *scheduler.AssetInstance) (*scheduler.TaskOutput, error)
}

type OperatorMap map[pipeline.AssetType]Operator

type Sequential struct {
	TaskTypeMap OperatorMap
}

func (s Sequential) RunSingleTask(ctx context.Context, instance *scheduler.AssetInstance) (*scheduler.TaskOutput, error) {
	task := instance.GetAsset()

	// check if task type exists in map
	executor, ok := s.TaskTypeMap[task.Type]
	if !ok {
		return nil, &pipeline.InvalidDefinitionError{
			Asset:  task.Name,
			Reason: "there is no executor configured for the asset type, asset cannot be run: " + string(task.Type),
		}
	}

	return executor.Run(ctx, instance)
}
