package runner

import (
	"context"

	"github.com/bruin-data/windowed/pkg/checks"
	"github.com/bruin-data/windowed/pkg/dag"
	"github.com/bruin-data/windowed/pkg/jinja"
	"github.com/bruin-data/windowed/pkg/materializer"
	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/bruin-data/windowed/pkg/scheduler"
	"github.com/bruin-data/windowed/pkg/window"
	"github.com/pkg/errors"
)

// Classify maps an error of the run or of an asset to its reported kind. Errors that carry no known type are
// storage failures.
func Classify(err error) *scheduler.ReportError {
	if err == nil {
		return nil
	}

	return &scheduler.ReportError{Kind: kindOf(err), Message: err.Error()}
}

func kindOf(err error) scheduler.ErrorKind {
	var (
		granularityErr *window.InvalidGranularityError
		cyclicErr      *dag.CyclicDependencyError
		unknownErr     *dag.UnknownDependencyError
		duplicateErr   *dag.DuplicateAssetError
		templateErr    *jinja.TemplateSubstitutionError
		checkErr       *checks.CheckFailureError
		definitionErr  *pipeline.InvalidDefinitionError
		parseErr       *pipeline.ParseError
	)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return scheduler.ErrorKindTimeout
	case errors.As(err, &granularityErr):
		return scheduler.ErrorKindInvalidGranularity
	case errors.As(err, &cyclicErr):
		return scheduler.ErrorKindCyclicDependency
	case errors.As(err, &unknownErr):
		return scheduler.ErrorKindUnknownDependency
	case errors.As(err, &templateErr):
		return scheduler.ErrorKindTemplateSubstitution
	case errors.As(err, &checkErr):
		return scheduler.ErrorKindCheckFailure
	case errors.As(err, &definitionErr), errors.As(err, &parseErr), errors.As(err, &duplicateErr),
		errors.Is(err, materializer.ErrUpstreamNotReady):
		return scheduler.ErrorKindInvalidDefinition
	default:
		return scheduler.ErrorKindMaterialization
	}
}
