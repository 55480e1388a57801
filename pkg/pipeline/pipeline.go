package pipeline

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bruin-data/windowed/pkg/path"
	"github.com/bruin-data/windowed/pkg/window"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	CommentTask TaskDefinitionType = "comment"
	YamlTask    TaskDefinitionType = "yaml"

	AssetTypeDuckDBQuery   = AssetType("duckdb.sql")
	AssetTypePostgresQuery = AssetType("pg.sql")
	AssetTypeSqliteQuery   = AssetType("sqlite.sql")
	AssetTypeEmpty         = AssetType("empty")
)

var AssetTypeConnectionMapping = map[AssetType]string{
	AssetTypeDuckDBQuery:   "duckdb",
	AssetTypePostgresQuery: "postgres",
	AssetTypeSqliteQuery:   "sqlite",
}

type TaskDefinitionType string

type ExecutableFile struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

type TaskDefinitionFile struct {
	Name string             `json:"name"`
	Path string             `json:"path"`
	Type TaskDefinitionType `json:"type"`
}

type DefinitionFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// DefaultTrueBool is a boolean that is true unless explicitly set to false.
type DefaultTrueBool struct {
	Value *bool
}

func (b *DefaultTrueBool) UnmarshalJSON(data []byte) error {
	if data == nil {
		return nil
	}

	var v bool
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	b.Value = &v
	return nil
}

func (b DefaultTrueBool) MarshalJSON() ([]byte, error) {
	if b.Value == nil {
		return []byte("true"), nil
	}

	return json.Marshal(*b.Value)
}

func (b *DefaultTrueBool) UnmarshalYAML(value *yaml.Node) error {
	var multi *bool
	err := value.Decode(&multi)
	if err != nil {
		return err
	}
	b.Value = multi

	return nil
}

func (b DefaultTrueBool) Bool() bool {
	if b.Value == nil {
		return true
	}

	return *b.Value
}

type MaterializationType string

const (
	MaterializationTypeNone  MaterializationType = ""
	MaterializationTypeTable MaterializationType = "table"
)

type MaterializationStrategy string

const (
	MaterializationStrategyNone          MaterializationStrategy = ""
	MaterializationStrategyCreateReplace MaterializationStrategy = "create+replace"
	MaterializationStrategyFull          MaterializationStrategy = "full"
	MaterializationStrategyTimeInterval  MaterializationStrategy = "time_interval"
	MaterializationStrategyAppend        MaterializationStrategy = "append"
)

var AllAvailableMaterializationStrategies = []MaterializationStrategy{
	MaterializationStrategyCreateReplace,
	MaterializationStrategyTimeInterval,
	MaterializationStrategyAppend,
}

type Materialization struct {
	Type            MaterializationType     `json:"type" yaml:"type,omitempty"`
	Strategy        MaterializationStrategy `json:"strategy" yaml:"strategy,omitempty"`
	IncrementalKey  string                  `json:"incremental_key" yaml:"incremental_key,omitempty"`
	TimeGranularity window.Granularity      `json:"time_granularity" yaml:"time_granularity,omitempty"`
}

type ColumnCheckValue struct {
	IntArray    *[]int    `json:"int_array"`
	Int         *int      `json:"int"`
	Float       *float64  `json:"float"`
	StringArray *[]string `json:"string_array"`
	String      *string   `json:"string"`
	Bool        *bool     `json:"bool"`
}

func (ccv ColumnCheckValue) MarshalJSON() ([]byte, error) {
	switch {
	case ccv.IntArray != nil:
		return json.Marshal(ccv.IntArray)
	case ccv.Int != nil:
		return json.Marshal(ccv.Int)
	case ccv.Float != nil:
		return json.Marshal(ccv.Float)
	case ccv.StringArray != nil:
		return json.Marshal(ccv.StringArray)
	case ccv.String != nil:
		return json.Marshal(ccv.String)
	case ccv.Bool != nil:
		return json.Marshal(ccv.Bool)
	}

	return []byte("null"), nil
}

func (ccv ColumnCheckValue) IsEmpty() bool {
	return ccv.IntArray == nil && ccv.Int == nil && ccv.Float == nil && ccv.StringArray == nil && ccv.String == nil && ccv.Bool == nil
}

func (ccv ColumnCheckValue) ToString() string {
	if ccv.IntArray != nil {
		ints := make([]string, 0, len(*ccv.IntArray))
		for _, i := range *ccv.IntArray {
			ints = append(ints, strconv.Itoa(i))
		}
		return fmt.Sprintf("[%s]", strings.Join(ints, ", "))
	}
	if ccv.Int != nil {
		return strconv.Itoa(*ccv.Int)
	}
	if ccv.Float != nil {
		return strconv.FormatFloat(*ccv.Float, 'f', -1, 64)
	}
	if ccv.StringArray != nil {
		return strings.Join(*ccv.StringArray, ", ")
	}
	if ccv.String != nil {
		return *ccv.String
	}
	if ccv.Bool != nil {
		return strconv.FormatBool(*ccv.Bool)
	}

	return ""
}

type ColumnCheck struct {
	ID       string           `json:"id" yaml:"-"`
	Name     string           `json:"name" yaml:"name,omitempty"`
	Value    ColumnCheckValue `json:"value" yaml:"value,omitempty"`
	Blocking DefaultTrueBool  `json:"blocking" yaml:"blocking,omitempty"`
}

func NewColumnCheck(assetName, columnName, name string, value ColumnCheckValue, blocking *bool) ColumnCheck {
	return ColumnCheck{
		ID:       hash(fmt.Sprintf("%s-%s-%s", assetName, columnName, name)),
		Name:     strings.TrimSpace(name),
		Value:    value,
		Blocking: DefaultTrueBool{Value: blocking},
	}
}

type Column struct {
	Name        string        `json:"name" yaml:"name,omitempty"`
	Type        string        `json:"type" yaml:"type,omitempty"`
	Description string        `json:"description" yaml:"description,omitempty"`
	Checks      []ColumnCheck `json:"checks" yaml:"checks,omitempty"`
	PrimaryKey  bool          `json:"primary_key" yaml:"primary_key,omitempty"`
}

type AssetType string

// CustomCheck is a named scalar query compared against an expected value. When Count is set the query
// is wrapped in a row count and compared against Count instead.
type CustomCheck struct {
	ID          string          `json:"id" yaml:"-"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description,omitempty"`
	Query       string          `json:"query" yaml:"query"`
	Value       int64           `json:"value" yaml:"value,omitempty"`
	Count       *int64          `json:"count,omitempty" yaml:"count,omitempty"`
	Blocking    DefaultTrueBool `json:"blocking" yaml:"blocking,omitempty"`
}

type Upstream struct {
	Type  string `json:"type" yaml:"type"`
	Value string `json:"value" yaml:"value"`
}

type Asset struct {
	ID                string             `json:"id" yaml:"-"`
	Name              string             `json:"name" yaml:"name,omitempty"`
	Description       string             `json:"description" yaml:"description,omitempty"`
	Type              AssetType          `json:"type" yaml:"type,omitempty"`
	ExecutableFile    ExecutableFile     `json:"executable_file" yaml:"-"`
	DefinitionFile    TaskDefinitionFile `json:"definition_file" yaml:"-"`
	Connection        string             `json:"connection" yaml:"connection,omitempty"`
	Materialization   Materialization    `json:"materialization" yaml:"materialization,omitempty"`
	Columns           []Column           `json:"columns" yaml:"columns,omitempty"`
	CustomChecks      []CustomCheck      `json:"custom_checks" yaml:"custom_checks,omitempty"`
	IntervalModifiers window.Modifiers   `json:"interval_modifiers" yaml:"interval_modifiers,omitempty"`
	Upstreams         []Upstream         `json:"upstreams" yaml:"depends,omitempty"`
}

// UpstreamNames returns the names of the assets this asset depends on, in declaration order.
func (a *Asset) UpstreamNames() []string {
	names := make([]string, 0, len(a.Upstreams))
	for _, u := range a.Upstreams {
		if u.Type != "" && u.Type != "asset" {
			continue
		}
		names = append(names, u.Value)
	}

	return names
}

func (a *Asset) ColumnNamesWithPrimaryKey() []string {
	columns := make([]string, 0)
	for _, column := range a.Columns {
		if column.PrimaryKey {
			columns = append(columns, column.Name)
		}
	}
	return columns
}

func (a *Asset) GetColumnWithName(name string) *Column {
	for i := range a.Columns {
		if strings.EqualFold(a.Columns[i].Name, name) {
			return &a.Columns[i]
		}
	}

	return nil
}

// IsWindowed reports whether the asset only rewrites the rows of the processed window.
func (a *Asset) IsWindowed() bool {
	return a.Materialization.Type == MaterializationTypeTable && a.Materialization.Strategy == MaterializationStrategyTimeInterval
}

// Granularity is the window granularity of the asset; assets that are not windowed see the run bounds as-is.
func (a *Asset) Granularity() window.Granularity {
	if a.Materialization.TimeGranularity == "" && !a.IsWindowed() {
		return window.GranularityTimestamp
	}

	return a.Materialization.TimeGranularity
}

type CheckFailureMode string

const (
	CheckFailureContinue CheckFailureMode = "continue"
	CheckFailureFailFast CheckFailureMode = "fail_fast"
)

type CheckSettings struct {
	OnFailure         CheckFailureMode `yaml:"on_failure" json:"on_failure" mapstructure:"on_failure"`
	RollbackOnFailure bool             `yaml:"rollback_on_failure" json:"rollback_on_failure" mapstructure:"rollback_on_failure"`
}

type Pipeline struct {
	Name               string            `yaml:"name" json:"name"`
	Schedule           Schedule          `yaml:"schedule" json:"schedule"`
	StartDate          string            `yaml:"start_date" json:"start_date"`
	DefinitionFile     DefinitionFile    `yaml:"-" json:"definition_file"`
	DefaultConnections map[string]string `yaml:"default_connections" json:"default_connections"`
	Variables          Variables         `yaml:"variables" json:"variables"`
	Concurrency        int               `yaml:"concurrency" json:"concurrency"`
	AssetTimeout       string            `yaml:"asset_timeout" json:"asset_timeout"`
	Checks             CheckSettings     `yaml:"checks" json:"checks"`
	Assets             []*Asset          `yaml:"-" json:"assets"`
}

func PipelineFromPath(filePath string, fs afero.Fs) (*Pipeline, error) {
	buf, err := afero.ReadFile(fs, filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading pipeline file at '%s'", filePath)
	}

	var pl Pipeline
	if err := path.ConvertYamlToObject(buf, &pl); err != nil {
		return nil, &ParseError{Msg: "error parsing pipeline definition: " + err.Error()}
	}

	pl.Assets = make([]*Asset, 0)
	return &pl, nil
}

func (p *Pipeline) GetConnectionNameForAsset(asset *Asset) (string, error) {
	if asset.Connection != "" {
		return asset.Connection, nil
	}

	mapping, ok := AssetTypeConnectionMapping[asset.Type]
	if !ok {
		return "", errors.Errorf("no connection mapping found for asset type '%s'", asset.Type)
	}

	if conn, ok := p.DefaultConnections[mapping]; ok {
		return conn, nil
	}

	return mapping + "-default", nil
}

func (p *Pipeline) GetAssetByPath(assetPath string) *Asset {
	assetPath, err := filepath.Abs(assetPath)
	if err != nil {
		return nil
	}

	for _, asset := range p.Assets {
		if asset.DefinitionFile.Path == assetPath || asset.ExecutableFile.Path == assetPath {
			return asset
		}
	}

	return nil
}

type TaskCreator func(path string) (*Asset, error)

type BuilderConfig struct {
	PipelineFileName    string
	TasksDirectoryNames []string
	TasksFileSuffixes   []string
}

var DefaultBuilderConfig = BuilderConfig{
	PipelineFileName:    "pipeline.yml",
	TasksDirectoryNames: []string{"assets"},
	TasksFileSuffixes:   []string{"asset.yml", "asset.yaml"},
}

var supportedFileSuffixes = []string{".yml", ".yaml", ".sql"}

type Builder struct {
	config             BuilderConfig
	yamlTaskCreator    TaskCreator
	commentTaskCreator TaskCreator
	fs                 afero.Fs
}

type ParseError struct {
	Msg string
}

func (e ParseError) Error() string {
	return e.Msg
}

func NewBuilder(config BuilderConfig, yamlTaskCreator TaskCreator, commentTaskCreator TaskCreator, fs afero.Fs) *Builder {
	return &Builder{
		config:             config,
		yamlTaskCreator:    yamlTaskCreator,
		commentTaskCreator: commentTaskCreator,
		fs:                 fs,
	}
}

// NewDefaultBuilder wires the YAML and comment based asset readers over the given filesystem.
func NewDefaultBuilder(fs afero.Fs) *Builder {
	return NewBuilder(DefaultBuilderConfig, CreateTaskFromYamlDefinition(fs), CreateTaskFromFileComments(fs), fs)
}

func (b *Builder) CreatePipelineFromPath(pathToPipeline string) (*Pipeline, error) {
	pipelineFilePath := pathToPipeline
	if !strings.HasSuffix(pipelineFilePath, b.config.PipelineFileName) {
		pipelineFilePath = filepath.Join(pathToPipeline, b.config.PipelineFileName)
	} else {
		pathToPipeline = filepath.Dir(pathToPipeline)
	}

	pipeline, err := PipelineFromPath(pipelineFilePath, b.fs)
	if err != nil {
		return nil, err
	}

	absPipelineFilePath, err := filepath.Abs(pipelineFilePath)
	if err != nil {
		return nil, errors.Wrapf(err, "error getting absolute path for pipeline file at '%s'", pipelineFilePath)
	}

	pipeline.DefinitionFile = DefinitionFile{
		Name: filepath.Base(pipelineFilePath),
		Path: absPipelineFilePath,
	}

	taskFiles := make([]string, 0)
	for _, tasksDirectoryName := range b.config.TasksDirectoryNames {
		tasksPath := filepath.Join(pathToPipeline, tasksDirectoryName)
		files, err := path.GetAllFilesRecursive(b.fs, tasksPath, supportedFileSuffixes)
		if err != nil {
			continue
		}

		taskFiles = append(taskFiles, files...)
	}

	for _, file := range taskFiles {
		task, err := b.CreateAssetFromFile(file)
		if err != nil {
			return nil, err
		}

		if task == nil {
			continue
		}

		pipeline.Assets = append(pipeline.Assets, task)
	}

	return pipeline, nil
}

func fileHasSuffix(arr []string, str string) bool {
	for _, a := range arr {
		if strings.HasSuffix(str, a) {
			return true
		}
	}
	return false
}

func (b *Builder) CreateAssetFromFile(path string) (*Asset, error) {
	isSeparateDefinitionFile := false
	creator := b.commentTaskCreator

	if fileHasSuffix(b.config.TasksFileSuffixes, path) {
		creator = b.yamlTaskCreator
		isSeparateDefinitionFile = true
	}

	task, err := creator(path)
	if err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			return nil, errors.Wrapf(err, "failed to parse asset file '%s'", path)
		}

		return nil, errors.Wrapf(err, "error creating asset from file '%s'", path)
	}

	if task == nil {
		return nil, nil
	}

	task.DefinitionFile.Name = filepath.Base(path)
	task.DefinitionFile.Path = path
	task.DefinitionFile.Type = CommentTask
	if isSeparateDefinitionFile {
		task.DefinitionFile.Type = YamlTask
	}

	return task, nil
}
