package pipeline

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bruin-data/windowed/pkg/path"
	"github.com/bruin-data/windowed/pkg/window"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

var ValidQualityChecks = map[string]bool{
	"not_null":        true,
	"unique":          true,
	"positive":        true,
	"min":             true,
	"max":             true,
	"accepted_values": true,
	"negative":        true,
	"non_negative":    true,
	"pattern":         true,
}

type depends []upstream

type upstream struct {
	Value string `yaml:"value"`
	Type  string `yaml:"type"`
}

func (a *depends) UnmarshalYAML(value *yaml.Node) error {
	var multi []upstream
	err := value.Decode(&multi)
	if err != nil {
		return &ParseError{Msg: "Malformed `depends` items"}
	}
	*a = multi

	return nil
}

func (u *upstream) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*u = upstream{Value: value.Value, Type: "asset"}
		return nil
	}

	var us map[string]any
	err := value.Decode(&us)
	if err != nil {
		return &ParseError{Msg: "Malformed `depends` field"}
	}

	asset, ok := us["asset"]
	if !ok {
		return &ParseError{Msg: "Malformed `depends` field, `asset` key is required"}
	}

	assetString, ok := asset.(string)
	if !ok {
		return &ParseError{Msg: "`asset` field must be a string"}
	}

	*u = upstream{Value: assetString, Type: "asset"}
	return nil
}

type materialization struct {
	Type            string `yaml:"type"`
	Strategy        string `yaml:"strategy"`
	IncrementalKey  string `yaml:"incremental_key"`
	TimeGranularity string `yaml:"time_granularity,omitempty"`
}

type columnCheckValue struct {
	IntArray    *[]int
	Int         *int
	Float       *float64
	StringArray *[]string
	String      *string
	Bool        *bool
}

func (a *columnCheckValue) UnmarshalYAML(value *yaml.Node) error {
	var val interface{}
	err := value.Decode(&val)
	if err != nil {
		return err
	}

	switch v := val.(type) {
	case []interface{}:
		var multiInt []int
		err := value.Decode(&multiInt)
		if err == nil {
			*a = columnCheckValue{IntArray: &multiInt}
			return nil
		}

		var multi []string
		err = value.Decode(&multi)
		if err != nil {
			return &ParseError{Msg: err.Error()}
		}

		*a = columnCheckValue{StringArray: &multi}
	case string:
		*a = columnCheckValue{String: &v}
	case int:
		*a = columnCheckValue{Int: &v}
	case float64:
		*a = columnCheckValue{Float: &v}
	case bool:
		*a = columnCheckValue{Bool: &v}
	default:
		return &ParseError{Msg: fmt.Sprintf("unexpected type %T", v)}
	}

	return nil
}

type columnCheck struct {
	Name     string           `yaml:"name"`
	Value    columnCheckValue `yaml:"value"`
	Blocking *bool            `yaml:"blocking"`
}

type column struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	Description string        `yaml:"description"`
	Tests       []columnCheck `yaml:"checks"`
	PrimaryKey  bool          `yaml:"primary_key"`
}

type customCheck struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Query       string `yaml:"query"`
	Value       int64  `yaml:"value"`
	Count       *int64 `yaml:"count"`
	Blocking    *bool  `yaml:"blocking"`
}

type taskDefinition struct {
	Name              string           `yaml:"name"`
	Description       string           `yaml:"description"`
	Type              string           `yaml:"type"`
	RunFile           string           `yaml:"run"`
	Depends           depends          `yaml:"depends"`
	Connection        string           `yaml:"connection"`
	Materialization   materialization  `yaml:"materialization"`
	Columns           []column         `yaml:"columns"`
	CustomChecks      []customCheck    `yaml:"custom_checks"`
	IntervalModifiers window.Modifiers `yaml:"interval_modifiers"`
}

// CreateTaskFromYamlDefinition reads standalone `*.asset.yml` files. The query either lives in the file
// referenced by `run` or, for assets without a query, is left empty.
func CreateTaskFromYamlDefinition(fs afero.Fs) TaskCreator {
	return func(filePath string) (*Asset, error) {
		filePath, err := filepath.Abs(filePath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to get absolute path for the definition file")
		}

		buf, err := afero.ReadFile(fs, filePath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read file %s", filePath)
		}

		var definition taskDefinition
		if err := path.ConvertYamlToObject(buf, &definition); err != nil {
			return nil, &ParseError{Msg: err.Error()}
		}

		task, err := ConvertYamlToTask(buf)
		if err != nil {
			return nil, err
		}

		executableFile := ExecutableFile{
			Name: filepath.Base(filePath),
			Path: filePath,
		}
		if definition.RunFile != "" {
			absRunFile := filepath.Join(filepath.Dir(filePath), definition.RunFile)

			content, err := afero.ReadFile(fs, absRunFile)
			if err != nil {
				return nil, errors.Wrapf(err, "unable to read the run file: %s", absRunFile)
			}

			executableFile.Name = filepath.Base(definition.RunFile)
			executableFile.Path = absRunFile
			executableFile.Content = strings.TrimSpace(string(content))
		}
		task.ExecutableFile = executableFile

		return task, nil
	}
}

func ConvertYamlToTask(content []byte) (*Asset, error) {
	var definition taskDefinition
	err := path.ConvertYamlToObject(content, &definition)
	if err != nil {
		return nil, &ParseError{Msg: err.Error()}
	}

	strategy := MaterializationStrategy(strings.ToLower(definition.Materialization.Strategy))
	if strategy == MaterializationStrategyFull {
		strategy = MaterializationStrategyCreateReplace
	}

	mat := Materialization{
		Type:            MaterializationType(strings.ToLower(definition.Materialization.Type)),
		Strategy:        strategy,
		IncrementalKey:  definition.Materialization.IncrementalKey,
		TimeGranularity: window.Granularity(strings.ToLower(definition.Materialization.TimeGranularity)),
	}
	if mat.Type == MaterializationTypeTable && mat.Strategy == MaterializationStrategyNone {
		mat.Strategy = MaterializationStrategyCreateReplace
	}

	columns := make([]Column, len(definition.Columns))
	for index, column := range definition.Columns {
		tests := make([]ColumnCheck, 0, len(column.Tests))
		for _, test := range column.Tests {
			tests = append(tests, NewColumnCheck(definition.Name, column.Name, test.Name, ColumnCheckValue(test.Value), test.Blocking))
		}

		columns[index] = Column{
			Name:        column.Name,
			Type:        strings.TrimSpace(column.Type),
			Description: column.Description,
			Checks:      tests,
			PrimaryKey:  column.PrimaryKey,
		}
	}

	upstreams := make([]Upstream, len(definition.Depends))
	for index, dep := range definition.Depends {
		upstreams[index] = Upstream{Value: dep.Value, Type: dep.Type}
	}

	task := Asset{
		ID:                hash(definition.Name),
		Name:              definition.Name,
		Description:       definition.Description,
		Type:              AssetType(definition.Type),
		Connection:        definition.Connection,
		Upstreams:         upstreams,
		Materialization:   mat,
		Columns:           columns,
		CustomChecks:      make([]CustomCheck, len(definition.CustomChecks)),
		IntervalModifiers: definition.IntervalModifiers,
	}

	for index, check := range definition.CustomChecks {
		task.CustomChecks[index] = CustomCheck{
			ID:          hash(fmt.Sprintf("%s-%s", task.Name, check.Name)),
			Name:        check.Name,
			Description: check.Description,
			Query:       check.Query,
			Value:       check.Value,
			Count:       check.Count,
			Blocking:    DefaultTrueBool{Value: check.Blocking},
		}
	}

	return &task, nil
}

func hash(s string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(s)))[:64]
}
