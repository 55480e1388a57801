package window

import (
	"fmt"
	"time"

	"github.com/bruin-data/windowed/pkg/date"
	"github.com/bruin-data/windowed/pkg/helpers"
	"github.com/pkg/errors"
)

type Granularity string

const (
	GranularityDate      Granularity = "date"
	GranularityTimestamp Granularity = "timestamp"

	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02T15:04:05"
)

var (
	ErrInvalidGranularity = errors.New("invalid time granularity")
	ErrInvalidWindow      = errors.New("invalid run window")
)

type InvalidGranularityError struct {
	Value string
}

func (e *InvalidGranularityError) Error() string {
	return fmt.Sprintf("invalid time granularity '%s', must be one of 'date' or 'timestamp'", e.Value)
}

func (e *InvalidGranularityError) Unwrap() error {
	return ErrInvalidGranularity
}

func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case GranularityDate, GranularityTimestamp:
		return Granularity(s), nil
	default:
		return "", &InvalidGranularityError{Value: s}
	}
}

// Window is a half-open interval [Start, End).
type Window struct {
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	Granularity Granularity `json:"granularity"`
}

// Compute derives the processing window of an asset from the run bounds. Date granularity floors both
// bounds to midnight, timestamp granularity keeps them as they are.
func Compute(runStart, runEnd time.Time, g Granularity) (Window, error) {
	if runEnd.Before(runStart) {
		return Window{}, errors.Wrapf(ErrInvalidWindow, "end %s is before start %s", runEnd.Format(time.RFC3339), runStart.Format(time.RFC3339))
	}

	switch g {
	case GranularityDate:
		return Window{Start: date.StartOfDay(runStart), End: date.StartOfDay(runEnd), Granularity: g}, nil
	case GranularityTimestamp:
		return Window{Start: runStart, End: runEnd, Granularity: g}, nil
	default:
		return Window{}, &InvalidGranularityError{Value: string(g)}
	}
}

// Modifiers shift the run bounds before the window is computed, e.g. start "-1d" reprocesses the previous day.
type Modifiers struct {
	Start string `yaml:"start,omitempty" json:"start,omitempty" mapstructure:"start"`
	End   string `yaml:"end,omitempty" json:"end,omitempty" mapstructure:"end"`
}

func (m Modifiers) IsZero() bool {
	return m.Start == "" && m.End == ""
}

func (m Modifiers) Apply(start, end time.Time) (time.Time, time.Time, error) {
	startShift, err := helpers.ParseDuration(m.Start)
	if err != nil {
		return start, end, errors.Wrap(err, "invalid start interval modifier")
	}

	endShift, err := helpers.ParseDuration(m.End)
	if err != nil {
		return start, end, errors.Wrap(err, "invalid end interval modifier")
	}

	return start.Add(startShift), end.Add(endShift), nil
}

func (w Window) IsEmpty() bool {
	return !w.Start.Before(w.End)
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) StartLiteral() string {
	return w.literal(w.Start)
}

func (w Window) EndLiteral() string {
	return w.literal(w.End)
}

func (w Window) literal(t time.Time) string {
	if w.Granularity == GranularityDate {
		return t.Format(dateLayout)
	}

	return FormatTimestamp(t)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.StartLiteral(), w.EndLiteral())
}

// FormatTimestamp renders a timestamp literal, adding the fractional part only when it is non-zero.
func FormatTimestamp(t time.Time) string {
	if t.Nanosecond() == 0 {
		return t.Format(timestampLayout)
	}

	return t.Format(timestampLayout + ".999999")
}
