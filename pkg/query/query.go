package query

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

type Query struct {
	VariableDefinitions []string
	Query               string
}

func (q Query) String() string {
	return q.Query
}

// ToExecutable prefixes the variable definitions seen before the query, if any.
func (q Query) ToExecutable() string {
	if len(q.VariableDefinitions) == 0 {
		return q.Query
	}

	return strings.Join(q.VariableDefinitions, ";\n") + ";\n" + q.Query
}

var queryCommentRegex = regexp.MustCompile(`(?m)(?s)\/\*.*?\*\/|(^|\s)--.*?(\n|$)`)

type Renderer interface {
	Render(string) (string, error)
}

// RenderSelect renders the template and returns it as a single statement that can be used as a subquery:
// comments, blank rows and the trailing semicolon are removed.
func RenderSelect(template string, r Renderer) (*Query, error) {
	rendered, err := r.Render(template)
	if err != nil {
		return nil, err
	}

	queries := splitQueries(queryCommentRegex.ReplaceAllLiteralString(rendered, "\n"))
	switch len(queries) {
	case 0:
		return nil, errors.New("the rendered query is empty")
	case 1:
		return queries[0], nil
	default:
		return nil, errors.Errorf("expected a single query to materialize, found %d", len(queries))
	}
}

// RenderStatements renders the template and splits it into separate statements.
func RenderStatements(template string, r Renderer) ([]*Query, error) {
	rendered, err := r.Render(template)
	if err != nil {
		return nil, err
	}

	return splitQueries(queryCommentRegex.ReplaceAllLiteralString(rendered, "\n")), nil
}

func splitQueries(fileContent string) []*Query {
	queries := make([]*Query, 0)
	var sqlVariablesSeenSoFar []string

	for _, query := range strings.Split(fileContent, ";") {
		query = strings.TrimSpace(query)
		if len(query) == 0 {
			continue
		}

		queryLines := strings.Split(query, "\n")
		cleanQueryRows := make([]string, 0, len(queryLines))
		for _, line := range queryLines {
			if len(strings.TrimSpace(line)) == 0 {
				continue
			}

			cleanQueryRows = append(cleanQueryRows, strings.TrimRight(line, " \t\r"))
		}

		cleanQuery := strings.TrimSpace(strings.Join(cleanQueryRows, "\n"))
		lowerCaseVersion := strings.ToLower(cleanQuery)
		if strings.HasPrefix(lowerCaseVersion, "set ") {
			sqlVariablesSeenSoFar = append(sqlVariablesSeenSoFar, cleanQuery)
			continue
		}

		queries = append(queries, &Query{
			VariableDefinitions: sqlVariablesSeenSoFar,
			Query:               cleanQuery,
		})
	}

	return queries
}
