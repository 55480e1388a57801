package jinja

import (
	"strconv"
	"time"

	"github.com/bruin-data/windowed/pkg/date"
	"github.com/bruin-data/windowed/pkg/helpers"
	"github.com/nikolalohinski/gonja/v2"
	"github.com/nikolalohinski/gonja/v2/exec"
	"github.com/pkg/errors"
)

var Filters *exec.FilterSet

func init() { //nolint:gochecknoinits
	Filters = gonja.DefaultEnvironment.Filters
	for name, filter := range map[string]exec.FilterFunction{
		"shift":       shiftFilter,
		"add_days":    addDaysFilter,
		"date_format": dateFormatFilter,
	} {
		if err := Filters.Register(name, filter); err != nil {
			panic(err)
		}
	}
}

// shiftTime moves a rendered window bound by d and keeps the layout it was given in.
func shiftTime(in string, d time.Duration) (string, error) {
	parsed, layout, err := date.ParseTimeWithFormat(in)
	if err != nil {
		return "", errors.Wrapf(err, "'%s' is not a date or a timestamp", in)
	}

	return parsed.Add(d).Format(layout), nil
}

func singleArgument(name string, in *exec.Value, params *exec.VarArgs) (string, *exec.Value) {
	if in.IsError() {
		return "", in
	}
	if p := params.ExpectArgs(1); p.IsError() {
		return "", exec.AsValue(errors.Errorf("'%s' expects a single argument", name))
	}

	return params.Args[0].String(), nil
}

// shiftFilter accepts the same durations as interval modifiers, e.g. `{{ start_datetime | shift("-2h") }}`.
func shiftFilter(_ *exec.Evaluator, in *exec.Value, params *exec.VarArgs) *exec.Value {
	arg, failed := singleArgument("shift", in, params)
	if failed != nil {
		return failed
	}

	d, err := helpers.ParseDuration(arg)
	if err != nil {
		return exec.AsValue(err)
	}

	out, err := shiftTime(in.String(), d)
	if err != nil {
		return exec.AsValue(err)
	}

	return exec.AsValue(out)
}

func addDaysFilter(_ *exec.Evaluator, in *exec.Value, params *exec.VarArgs) *exec.Value {
	arg, failed := singleArgument("add_days", in, params)
	if failed != nil {
		return failed
	}

	days, err := strconv.Atoi(arg)
	if err != nil {
		return exec.AsValue(errors.Errorf("'add_days' expects a whole number of days, '%s' given", arg))
	}

	out, err := shiftTime(in.String(), time.Duration(days)*24*time.Hour)
	if err != nil {
		return exec.AsValue(err)
	}

	return exec.AsValue(out)
}

func dateFormatFilter(_ *exec.Evaluator, in *exec.Value, params *exec.VarArgs) *exec.Value {
	layout, failed := singleArgument("date_format", in, params)
	if failed != nil {
		return failed
	}

	parsed, err := date.ParseTime(in.String())
	if err != nil {
		return exec.AsValue(errors.Errorf("'%s' is not a date or a timestamp", in.String()))
	}

	return exec.AsValue(parsed.Format(date.ConvertPythonDateFormatToGolang(layout)))
}
