package scheduler

import (
	"time"

	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/bruin-data/windowed/pkg/window"
)

type ErrorKind string

const (
	ErrorKindInvalidGranularity   ErrorKind = "InvalidGranularity"
	ErrorKindCyclicDependency     ErrorKind = "CyclicDependency"
	ErrorKindUnknownDependency    ErrorKind = "UnknownDependency"
	ErrorKindInvalidDefinition    ErrorKind = "InvalidDefinition"
	ErrorKindTemplateSubstitution ErrorKind = "TemplateSubstitutionError"
	ErrorKindMaterialization      ErrorKind = "MaterializationError"
	ErrorKindCheckFailure         ErrorKind = "CheckFailure"
	ErrorKindTimeout              ErrorKind = "Timeout"
)

type ReportError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// MaterializationResult describes what a single materialization wrote.
type MaterializationResult struct {
	Asset        string                           `json:"asset"`
	Window       window.Window                    `json:"window"`
	Strategy     pipeline.MaterializationStrategy `json:"strategy"`
	Statements   []string                         `json:"statements"`
	RowsDeleted  int64                            `json:"rows_deleted"`
	RowsInserted int64                            `json:"rows_inserted"`
	Duration     time.Duration                    `json:"duration"`
	// Skipped is set when nothing had to be written, e.g. the window is empty.
	Skipped bool `json:"skipped,omitempty"`
}

type CheckKind string

const (
	CheckKindColumn CheckKind = "column"
	CheckKindCustom CheckKind = "custom"
)

type CheckResult struct {
	Name     string    `json:"name"`
	Column   string    `json:"column,omitempty"`
	Kind     CheckKind `json:"kind"`
	Passed   bool      `json:"passed"`
	Observed int64     `json:"observed"`
	Expected int64     `json:"expected"`
	Blocking bool      `json:"blocking"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func (c CheckResult) DisplayName() string {
	if c.Column == "" {
		return c.Name
	}

	return c.Column + ":" + c.Name
}

type AssetReport struct {
	Name            string                 `json:"name"`
	Status          string                 `json:"status"`
	Window          *window.Window         `json:"window,omitempty"`
	Materialization *MaterializationResult `json:"materialization,omitempty"`
	Checks          []CheckResult          `json:"checks,omitempty"`
	Error           *ReportError           `json:"error,omitempty"`
	SkipReason      string                 `json:"skip_reason,omitempty"`
}

func (a *AssetReport) FailedChecks() []CheckResult {
	failed := make([]CheckResult, 0)
	for _, c := range a.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}

	return failed
}

type RunReport struct {
	RunID      string         `json:"run_id"`
	Pipeline   string         `json:"pipeline"`
	Start      time.Time      `json:"start"`
	End        time.Time      `json:"end"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Error      *ReportError   `json:"error,omitempty"`
	Assets     []*AssetReport `json:"assets"`
}

func (r *RunReport) Asset(name string) *AssetReport {
	for _, a := range r.Assets {
		if a.Name == name {
			return a
		}
	}

	return nil
}

func (r *RunReport) CountByStatus(status TaskInstanceStatus) int {
	count := 0
	for _, a := range r.Assets {
		if a.Status == status.String() {
			count++
		}
	}

	return count
}

// Failed reports whether the run was aborted or any asset failed.
func (r *RunReport) Failed() bool {
	if r.Error != nil {
		return true
	}

	return r.CountByStatus(Failed) > 0
}

// HasCheckFailures reports whether any blocking check failed.
func (r *RunReport) HasCheckFailures() bool {
	for _, a := range r.Assets {
		for _, c := range a.Checks {
			if !c.Passed && c.Blocking {
				return true
			}
		}
	}

	return false
}
