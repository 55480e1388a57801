package state

import (
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/bruin-data/windowed/pkg/path"
	"github.com/bruin-data/windowed/pkg/scheduler"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const RunsFolder = "logs/runs"

var version = "dev"

// State is a finished run as it is persisted next to the pipeline.
type State struct {
	Parameters map[string]string    `json:"parameters"`
	Metadata   Metadata             `json:"metadata"`
	Report     *scheduler.RunReport `json:"report"`
	Version    string               `json:"version"`
	TimeStamp  time.Time            `json:"timestamp"`
	RunID      string               `json:"run_id"`
}

type Metadata struct {
	Version string `json:"version"`
	OS      string `json:"os"`
}

func NewState(report *scheduler.RunReport, parameters map[string]string) *State {
	return &State{
		Parameters: parameters,
		Metadata: Metadata{
			Version: version,
			OS:      runtime.GOOS,
		},
		Report:    report,
		Version:   "1.0.0",
		TimeStamp: time.Now().UTC(),
		RunID:     report.RunID,
	}
}

// Store keeps the run states of the pipelines of a project under `logs/runs/<pipeline>`.
type Store struct {
	fs   afero.Fs
	root string
}

func NewStore(fs afero.Fs, projectRoot string) *Store {
	return &Store{fs: fs, root: projectRoot}
}

func (s *Store) Dir(pipelineName string) string {
	return filepath.Join(s.root, RunsFolder, pipelineName)
}

// Save writes the state and returns the path of the file.
func (s *Store) Save(st *State) (string, error) {
	if st.Report == nil {
		return "", errors.New("cannot save a run state without a report")
	}

	name := st.TimeStamp.Format("2006_01_02_15_04_05") + "_" + st.RunID + ".json"
	file := filepath.Join(s.Dir(st.Report.Pipeline), name)
	if err := path.WriteJSON(s.fs, file, st); err != nil {
		return "", err
	}

	if path.DirExists(s.fs, filepath.Join(s.root, ".git")) {
		if err := ensurePatternIsIgnored(s.fs, s.root, RunsFolder); err != nil {
			return file, errors.Wrap(err, "failed to add the run state folder to .gitignore")
		}
	}

	return file, nil
}

// Latest reads the most recent state saved for the pipeline.
func (s *Store) Latest(pipelineName string) (*State, error) {
	files, err := afero.ReadDir(s.fs, s.Dir(pipelineName))
	if err != nil {
		return nil, errors.Wrapf(err, "no run state found for pipeline '%s'", pipelineName)
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		if !f.IsDir() && strings.HasSuffix(f.Name(), ".json") {
			names = append(names, f.Name())
		}
	}
	if len(names) == 0 {
		return nil, errors.Errorf("no run state found for pipeline '%s'", pipelineName)
	}
	sort.Strings(names)

	var st State
	if err := path.ReadJSON(s.fs, filepath.Join(s.Dir(pipelineName), names[len(names)-1]), &st); err != nil {
		return nil, err
	}

	return &st, nil
}

func ensurePatternIsIgnored(fs afero.Fs, root, pattern string) error {
	gitignorePath := filepath.Join(root, ".gitignore")
	if !path.FileExists(fs, gitignorePath) {
		return afero.WriteFile(fs, gitignorePath, []byte(pattern+"\n"), 0o644)
	}

	content, err := afero.ReadFile(fs, gitignorePath)
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) == pattern {
			return nil
		}
	}

	if len(content) > 0 && !strings.HasSuffix(string(content), "\n") {
		content = append(content, '\n')
	}

	return afero.WriteFile(fs, gitignorePath, append(content, []byte(pattern+"\n")...), 0o644)
}
