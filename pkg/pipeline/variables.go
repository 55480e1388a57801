package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

func varSchemaLoader() *gojsonschema.SchemaLoader {
	loader := gojsonschema.NewSchemaLoader()
	loader.Draft = gojsonschema.Draft7
	loader.Validate = true
	return loader
}

// Variables maps a variable name to its JSON schema; the schema's `default` is the value used when the run
// does not override it.
type Variables map[string]any

// UnmarshalYAML decodes every variable definition as a plain map; decoding straight into Variables would give
// the nested definitions the Variables type too.
func (v *Variables) UnmarshalYAML(value *yaml.Node) error {
	var definitions map[string]map[string]any
	if err := value.Decode(&definitions); err != nil {
		return fmt.Errorf("invalid variables, every variable must be an object: %w", err)
	}

	out := make(Variables, len(definitions))
	for name, def := range definitions {
		if def == nil {
			def = map[string]any{}
		}
		out[name] = def
	}

	*v = out
	return nil
}

// definition returns the schema of a variable regardless of how it was built.
func definition(def any) (map[string]any, bool) {
	switch d := def.(type) {
	case map[string]any:
		return d, true
	case Variables:
		return map[string]any(d), true
	default:
		return nil, false
	}
}

func (v Variables) schema() map[string]any {
	properties := make(map[string]any, len(v))
	for name, def := range v {
		if d, ok := definition(def); ok {
			def = d
		}
		properties[name] = def
	}

	return map[string]any{
		"type":       "object",
		"properties": properties,
	}
}

func (v Variables) Validate() error {
	_, err := varSchemaLoader().Compile(gojsonschema.NewGoLoader(v.schema()))
	if err != nil {
		return fmt.Errorf("invalid variables schema: %w", err)
	}

	for name, def := range v {
		if _, ok := definition(def); !ok {
			return fmt.Errorf("invalid variables schema: variable '%s' must be an object", name)
		}
	}

	return nil
}

// Value returns the default value of every variable.
func (v Variables) Value() map[string]any {
	values := make(map[string]any, len(v))
	for name, def := range v {
		schema, ok := definition(def)
		if !ok {
			continue
		}
		if d, ok := schema["default"]; ok {
			values[name] = d
		}
	}

	return values
}

// Resolve merges the overrides on top of the defaults and validates the result against the schema.
// Override values are JSON-decoded when possible so `--var taxi_types='["yellow"]'` yields an array.
func (v Variables) Resolve(overrides map[string]string) (map[string]any, error) {
	values := v.Value()
	for name, raw := range overrides {
		if _, ok := v[name]; !ok {
			return nil, fmt.Errorf("unknown variable '%s'", name)
		}

		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			decoded = raw
		}
		values[name] = decoded
	}

	schema, err := varSchemaLoader().Compile(gojsonschema.NewGoLoader(v.schema()))
	if err != nil {
		return nil, fmt.Errorf("invalid variables schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(values))
	if err != nil {
		return nil, fmt.Errorf("failed to validate variables: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		sort.Strings(msgs)
		return nil, fmt.Errorf("invalid variables: %s", strings.Join(msgs, "; "))
	}

	return values, nil
}
