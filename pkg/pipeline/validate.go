package pipeline

import (
	"fmt"
	"time"

	"github.com/bruin-data/windowed/pkg/helpers"
	"github.com/bruin-data/windowed/pkg/window"
	"github.com/pkg/errors"
)

// InvalidDefinitionError is raised at configuration time for assets or pipelines that cannot be executed.
type InvalidDefinitionError struct {
	Asset  string
	Reason string
	Err    error
}

func (e *InvalidDefinitionError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		msg = e.Err.Error()
		if e.Reason != "" {
			msg = e.Reason + ": " + msg
		}
	}

	if e.Asset == "" {
		return "invalid pipeline definition: " + msg
	}

	return fmt.Sprintf("invalid definition for asset '%s': %s", e.Asset, msg)
}

func (e *InvalidDefinitionError) Unwrap() error {
	return e.Err
}

func invalid(asset, format string, args ...any) error {
	return &InvalidDefinitionError{Asset: asset, Reason: fmt.Sprintf(format, args...)}
}

// ValidateAsset checks the invariants an asset must hold before it can be materialized.
func ValidateAsset(asset *Asset) error {
	if asset.Name == "" {
		return invalid(asset.DefinitionFile.Path, "asset name cannot be empty")
	}

	if asset.Type != AssetTypeEmpty {
		if _, ok := AssetTypeConnectionMapping[asset.Type]; !ok {
			return invalid(asset.Name, "unsupported asset type '%s'", asset.Type)
		}
	}

	mat := asset.Materialization
	switch mat.Type {
	case MaterializationTypeNone:
		if mat.Strategy != MaterializationStrategyNone {
			return invalid(asset.Name, "materialization strategy '%s' requires materialization type 'table'", mat.Strategy)
		}
	case MaterializationTypeTable:
		if asset.Type == AssetTypeEmpty {
			return invalid(asset.Name, "empty assets cannot be materialized")
		}
		switch mat.Strategy {
		case MaterializationStrategyCreateReplace, MaterializationStrategyAppend:
		case MaterializationStrategyTimeInterval:
			if mat.IncrementalKey == "" {
				return invalid(asset.Name, "incremental_key is required for the time_interval strategy")
			}
			if mat.TimeGranularity == "" {
				return invalid(asset.Name, "time_granularity is required for the time_interval strategy")
			}
			if _, err := window.ParseGranularity(string(mat.TimeGranularity)); err != nil {
				return &InvalidDefinitionError{Asset: asset.Name, Err: err}
			}
		default:
			return invalid(asset.Name, "unsupported materialization strategy '%s'", mat.Strategy)
		}
	default:
		return invalid(asset.Name, "unsupported materialization type '%s'", mat.Type)
	}

	if mat.IncrementalKey != "" && len(asset.Columns) > 0 && asset.GetColumnWithName(mat.IncrementalKey) == nil {
		return invalid(asset.Name, "incremental_key '%s' is not a declared column", mat.IncrementalKey)
	}

	seenColumns := make(map[string]bool, len(asset.Columns))
	for _, column := range asset.Columns {
		if column.Name == "" {
			return invalid(asset.Name, "column name cannot be empty")
		}
		if seenColumns[column.Name] {
			return invalid(asset.Name, "duplicate column '%s'", column.Name)
		}
		seenColumns[column.Name] = true

		seenChecks := make(map[string]bool, len(column.Checks))
		for _, check := range column.Checks {
			if !ValidQualityChecks[check.Name] {
				return invalid(asset.Name, "unknown check '%s' on column '%s'", check.Name, column.Name)
			}
			if seenChecks[check.Name] {
				return invalid(asset.Name, "duplicate check '%s' on column '%s'", check.Name, column.Name)
			}
			seenChecks[check.Name] = true

			if err := validateCheckValue(check); err != nil {
				return &InvalidDefinitionError{Asset: asset.Name, Reason: fmt.Sprintf("column '%s'", column.Name), Err: err}
			}
		}
	}

	seenCustom := make(map[string]bool, len(asset.CustomChecks))
	for _, check := range asset.CustomChecks {
		if check.Name == "" {
			return invalid(asset.Name, "custom check name cannot be empty")
		}
		if check.Query == "" {
			return invalid(asset.Name, "custom check '%s' has no query", check.Name)
		}
		if seenCustom[check.Name] {
			return invalid(asset.Name, "duplicate custom check '%s'", check.Name)
		}
		seenCustom[check.Name] = true
	}

	if _, _, err := asset.IntervalModifiers.Apply(time.Time{}, time.Time{}); err != nil {
		return &InvalidDefinitionError{Asset: asset.Name, Err: err}
	}

	return nil
}

func validateCheckValue(check ColumnCheck) error {
	switch check.Name {
	case "min", "max":
		if check.Value.Int == nil && check.Value.Float == nil {
			return errors.Errorf("check '%s' requires a numeric value", check.Name)
		}
	case "accepted_values":
		if check.Value.StringArray == nil && check.Value.IntArray == nil {
			return errors.Errorf("check '%s' requires a list of values", check.Name)
		}
	case "pattern":
		if check.Value.String == nil || *check.Value.String == "" {
			return errors.Errorf("check '%s' requires a pattern", check.Name)
		}
	}

	return nil
}

// Validate checks the pipeline settings and every asset definition.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return invalid("", "pipeline name cannot be empty")
	}

	if _, err := p.Schedule.Parse(); err != nil {
		return &InvalidDefinitionError{Err: err}
	}

	if err := p.Variables.Validate(); err != nil {
		return &InvalidDefinitionError{Err: err}
	}

	if p.Concurrency < 0 {
		return invalid("", "concurrency cannot be negative")
	}

	if _, err := helpers.ParseDuration(p.AssetTimeout); err != nil {
		return &InvalidDefinitionError{Reason: "asset_timeout", Err: err}
	}

	switch p.Checks.OnFailure {
	case "", CheckFailureContinue, CheckFailureFailFast:
	default:
		return invalid("", "unsupported checks.on_failure '%s', must be one of 'continue' or 'fail_fast'", p.Checks.OnFailure)
	}

	for _, asset := range p.Assets {
		if err := ValidateAsset(asset); err != nil {
			return err
		}
	}

	return nil
}
