package scheduler

import (
	"reflect"
	"time"

	"github.com/bruin-data/windowed/pkg/helpers"
	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

const DefaultWorkers = 8

// RunConfig holds the options of a single run, merged from the pipeline defaults and the run flags.
type RunConfig struct {
	Workers                int                       `mapstructure:"workers"`
	FullRefresh            bool                      `mapstructure:"full_refresh"`
	AssetTimeout           time.Duration             `mapstructure:"asset_timeout"`
	OnCheckFailure         pipeline.CheckFailureMode `mapstructure:"on_failure"`
	RollbackOnFailure      bool                      `mapstructure:"rollback_on_failure"`
	ApplyIntervalModifiers bool                      `mapstructure:"apply_interval_modifiers"`
	Variables              map[string]any            `mapstructure:"variables"`
}

func (c RunConfig) FailFast() bool {
	return c.OnCheckFailure == pipeline.CheckFailureFailFast
}

// durationHook accepts Go durations and day suffixed durations such as "1d".
func durationHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) || from.Kind() != reflect.String {
			return data, nil
		}

		return helpers.ParseDuration(reflect.ValueOf(data).String())
	}
}

// DefaultRunConfig derives the run options from the pipeline definition.
func DefaultRunConfig(p *pipeline.Pipeline) map[string]any {
	onFailure := p.Checks.OnFailure
	if onFailure == "" {
		onFailure = pipeline.CheckFailureContinue
	}

	workers := p.Concurrency
	if workers == 0 {
		workers = DefaultWorkers
	}

	return map[string]any{
		"workers":             workers,
		"asset_timeout":       p.AssetTimeout,
		"on_failure":          string(onFailure),
		"rollback_on_failure": p.Checks.RollbackOnFailure,
	}
}

// DecodeRunConfig merges the option maps in order, later maps overriding earlier ones, and decodes them.
func DecodeRunConfig(options ...map[string]any) (*RunConfig, error) {
	merged := make(map[string]any)
	for _, o := range options {
		for k, v := range o {
			merged[k] = v
		}
	}

	var cfg RunConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       durationHook(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the run configuration decoder")
	}

	if err := decoder.Decode(merged); err != nil {
		return nil, errors.Wrap(err, "invalid run configuration")
	}

	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	if cfg.AssetTimeout < 0 {
		return nil, errors.New("asset timeout cannot be negative")
	}

	switch cfg.OnCheckFailure {
	case "":
		cfg.OnCheckFailure = pipeline.CheckFailureContinue
	case pipeline.CheckFailureContinue, pipeline.CheckFailureFailFast:
	default:
		return nil, errors.Errorf("invalid check failure mode '%s', must be one of 'continue' or 'fail_fast'", cfg.OnCheckFailure)
	}

	return &cfg, nil
}
