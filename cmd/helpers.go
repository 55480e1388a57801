package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/bruin-data/windowed/pkg/config"
	"github.com/bruin-data/windowed/pkg/date"
	"github.com/bruin-data/windowed/pkg/logger"
	"github.com/bruin-data/windowed/pkg/path"
	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

func makeLogger(isDebug bool) *zap.SugaredLogger {
	return logger.New(isDebug)
}

func RecoverFromPanic() {
	if err := recover(); err != nil {
		log.Println("=======================================")
		log.Println("windowed encountered an unexpected error, please report the issue.")
		log.Println(err)
		log.Println("=======================================")
		b := bufio.NewScanner(bytes.NewBuffer(debug.Stack()))
		for b.Scan() {
			log.Println(b.Text())
		}
		os.Exit(1)
	}
}

func printErrorJSON(err error) {
	errResponse := ErrorResponse{Error: "something went wrong"}
	if err != nil {
		errResponse.Error = err.Error()
	}

	js, marshalErr := json.Marshal(errResponse)
	if marshalErr != nil {
		fmt.Println(marshalErr)
		return
	}
	fmt.Println(string(js))
}

func printError(err error, output string, message string) {
	if output == "json" {
		printErrorJSON(err)
	} else {
		errorPrinter.Printf("%s: %v\n", message, err)
	}
}

// pipelinePathFromInput accepts a pipeline directory, its pipeline.yml or any file within the pipeline.
func pipelinePathFromInput(fs afero.Fs, input string) (string, error) {
	if input == "" {
		input = "."
	}

	if path.DirExists(fs, input) {
		for _, f := range PipelineDefinitionFiles {
			if path.FileExists(fs, filepath.Join(input, f)) {
				return filepath.Abs(input)
			}
		}
	}

	return path.GetPipelineRootFromAsset(fs, input, PipelineDefinitionFiles)
}

func loadPipeline(fs afero.Fs, input string) (*pipeline.Pipeline, string, error) {
	pipelinePath, err := pipelinePathFromInput(fs, input)
	if err != nil {
		return nil, "", err
	}

	p, err := pipeline.NewDefaultBuilder(fs).CreatePipelineFromPath(pipelinePath)
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to build the pipeline at '%s'", pipelinePath)
	}

	return p, pipelinePath, nil
}

// locateConfigFile walks up from the pipeline directory and returns the closest configuration file. When
// there is none the file is expected next to the pipeline.
func locateConfigFile(fs afero.Fs, pipelinePath string) string {
	current := pipelinePath
	for {
		candidate := filepath.Join(current, config.DefaultConfigFileName)
		if path.FileExists(fs, candidate) {
			return candidate
		}

		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	return filepath.Join(pipelinePath, config.DefaultConfigFileName)
}

func loadConfig(fs afero.Fs, configFile, pipelinePath, environment string) (*config.Config, error) {
	if configFile == "" {
		configFile = locateConfigFile(fs, pipelinePath)
	}

	cm, err := config.LoadOrCreate(fs, configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load the configuration file '%s'", configFile)
	}

	if environment != "" {
		if err := cm.SelectEnvironment(environment); err != nil {
			return nil, err
		}
	}

	return cm, nil
}

// parseVariableOverrides reads `key=value` pairs; a value may itself contain '='.
func parseVariableOverrides(vars []string) (map[string]string, error) {
	overrides := make(map[string]string, len(vars))
	for _, v := range vars {
		key, value, ok := strings.Cut(v, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.Errorf("invalid variable override '%s', expected key=value", v)
		}

		overrides[key] = value
	}

	return overrides, nil
}

// resolveRunBounds parses the given bounds; a missing bound defaults to the last complete interval of the
// schedule, or to yesterday when the schedule has none.
func resolveRunBounds(startInput, endInput string, schedule pipeline.Schedule, now time.Time) (time.Time, time.Time, error) {
	defaultStart, defaultEnd, err := schedule.LastInterval(now)
	if err != nil {
		defaultEnd = date.StartOfDay(now)
		defaultStart = defaultEnd.AddDate(0, 0, -1)
	}

	start, end := defaultStart, defaultEnd
	if startInput != "" {
		start, err = date.ParseTime(startInput)
		if err != nil {
			return time.Time{}, time.Time{}, errors.Wrapf(err, "invalid start date '%s'", startInput)
		}
	}

	if endInput != "" {
		end, err = date.ParseTime(endInput)
		if err != nil {
			return time.Time{}, time.Time{}, errors.Wrapf(err, "invalid end date '%s'", endInput)
		}
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.Errorf("the end date %s is before the start date %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	return start, end, nil
}
