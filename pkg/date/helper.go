package date

import (
	"errors"
	"strings"
	"time"
)

var allowedFormats = []string{
	"2006-01-02 15:04:05.000000Z07:00",
	"2006-01-02T15:04:05.000000Z07:00",
	"2006-01-02 15:04:05.000000",
	"2006-01-02T15:04:05.000000",
	"2006-01-02 15:04:05.000Z07:00",
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

func ParseTime(input string) (time.Time, error) {
	t, _, err := ParseTimeWithFormat(input)
	return t, err
}

func ParseTimeWithFormat(input string) (time.Time, string, error) {
	for _, format := range allowedFormats {
		t, err := time.Parse(format, input)
		if err == nil {
			return t, format, nil
		}
	}

	return time.Time{}, "", errors.New("invalid datetime format")
}

// StartOfDay returns midnight of the given time's day in its own location.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

var pythonDateReplacements = []struct{ python, golang string }{
	{"%Y", "2006"},
	{"%y", "06"},
	{"%m", "01"},
	{"%d", "02"},
	{"%H", "15"},
	{"%M", "04"},
	{"%S", "05"},
	{"%a", "Mon"},
	{"%A", "Monday"},
	{"%b", "Jan"},
	{"%B", "January"},
}

// ConvertPythonDateFormatToGolang maps strftime directives to the Go reference layout.
func ConvertPythonDateFormatToGolang(pythonFormat string) string {
	goFormat := pythonFormat
	for _, r := range pythonDateReplacements {
		goFormat = strings.ReplaceAll(goFormat, r.python, r.golang)
	}

	return goFormat
}
