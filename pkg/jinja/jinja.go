package jinja

import (
	"regexp"
	"strings"
	"sync"

	"github.com/bruin-data/windowed/pkg/window"
	"github.com/nikolalohinski/gonja/v2"
	"github.com/nikolalohinski/gonja/v2/exec"
	"github.com/pkg/errors"
)

type Renderer struct {
	context         *exec.Context
	queryRenderLock *sync.Mutex
}

func init() { //nolint: gochecknoinits
	gonja.DefaultConfig.StrictUndefined = true
}

var (
	missingVariableRegex = regexp.MustCompile(`name\s+"([^"]+)"`)
	locationRegex        = regexp.MustCompile(`\(Line: \d+ Col: \d+, near ".*?"\)`)
)

// TemplateSubstitutionError is returned when a template references a variable the run does not provide or
// cannot be parsed at all.
type TemplateSubstitutionError struct {
	Variable string
	Message  string
}

func (e *TemplateSubstitutionError) Error() string {
	if e.Variable != "" {
		return "missing variable '" + e.Variable + "'"
	}

	return e.Message
}

type Context map[string]any

func NewRenderer(context Context) *Renderer {
	return &Renderer{
		context:         exec.NewContext(context),
		queryRenderLock: &sync.Mutex{},
	}
}

// WindowContext exposes the window bounds the same way for every asset: `start_*` and `end_*` in several
// formats, the pipeline name, the run id, the asset itself as `this` and the pipeline variables as `var`.
func WindowContext(w window.Window, pipelineName, runID, assetName string, vars map[string]any) Context {
	if vars == nil {
		vars = map[string]any{}
	}

	return Context{
		"start_date":        w.Start.Format("2006-01-02"),
		"start_date_nodash": w.Start.Format("20060102"),
		"start_datetime":    window.FormatTimestamp(w.Start),
		"start_timestamp":   w.Start.Format("2006-01-02T15:04:05.000000Z07:00"),
		"end_date":          w.End.Format("2006-01-02"),
		"end_date_nodash":   w.End.Format("20060102"),
		"end_datetime":      window.FormatTimestamp(w.End),
		"end_timestamp":     w.End.Format("2006-01-02T15:04:05.000000Z07:00"),
		"pipeline":          pipelineName,
		"run_id":            runID,
		"this":              assetName,
		"var":               vars,
	}
}

func (r *Renderer) Render(query string) (string, error) {
	r.queryRenderLock.Lock()

	tpl, err := gonja.FromString(query)
	if err != nil {
		r.queryRenderLock.Unlock()
		customError := findParserErrorType(err)
		if customError == "" {
			return "", &TemplateSubstitutionError{Message: "failed to parse template: " + err.Error()}
		}

		return "", &TemplateSubstitutionError{Message: customError}
	}
	r.queryRenderLock.Unlock()

	out, err := tpl.ExecuteToString(r.context)
	if err != nil {
		return "", findRenderErrorType(err)
	}

	return out, nil
}

func findRenderErrorType(err error) error {
	message := err.Error()
	errorBits := strings.Split(message, ": ")
	innermostErr := errorBits[len(errorBits)-1]

	if strings.HasPrefix(innermostErr, "filter '") && strings.HasSuffix(innermostErr, "' not found") {
		return &TemplateSubstitutionError{Message: innermostErr}
	}

	if match := missingVariableRegex.FindStringSubmatch(message); len(match) == 2 {
		return &TemplateSubstitutionError{Variable: match[1]}
	}

	if strings.Contains(message, "undefined") || strings.Contains(message, "Unable to evaluate") {
		return &TemplateSubstitutionError{Message: innermostErr}
	}

	return errors.Wrap(err, "failed to render template")
}

func findParserErrorType(err error) string {
	message := err.Error()

	if strings.Contains(message, "Unexpected EOF, expected tag else or endfor") {
		match := locationRegex.FindString(message)
		return "missing 'endfor' at " + match
	} else if strings.Contains(message, "Unexpected EOF, expected tag elif or else or endif") {
		match := locationRegex.FindString(message)
		return "missing end of the 'if' condition at " + match + ", did you forget to add 'endif'?"
	}

	return ""
}
