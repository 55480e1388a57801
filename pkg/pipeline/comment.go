package pipeline

import (
	"bufio"
	"io"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var (
	possiblePrefixesForCommentBlocks = []string{"/*@bruin", "/* @bruin", "/*  @bruin", "/*   @bruin"}
	possibleSuffixesForCommentBlocks = []string{"@bruin*/", "@bruin */", "@bruin  */", "@bruin   */"}
)

// CreateTaskFromFileComments reads SQL files whose first non-empty row opens an embedded YAML block. Files
// without such a block are not assets and yield nil.
func CreateTaskFromFileComments(fs afero.Fs) TaskCreator {
	return func(filePath string) (*Asset, error) {
		if filepath.Ext(filePath) != ".sql" {
			return nil, nil
		}

		file, err := fs.Open(filePath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open file %s", filePath)
		}
		defer file.Close()

		if !isEmbeddedYamlComment(file, possiblePrefixesForCommentBlocks) {
			return nil, nil
		}

		return commentedYamlToTask(file, filePath)
	}
}

func isEmbeddedYamlComment(file afero.File, prefixes []string) bool {
	scanner := bufio.NewScanner(file)
	defer func() { _, _ = file.Seek(0, io.SeekStart) }()
	for scanner.Scan() {
		trimmed := strings.TrimSpace(scanner.Text())
		if trimmed == "" {
			continue
		}

		for _, prefix := range prefixes {
			if trimmed == prefix {
				return true
			}
		}

		return false
	}

	return false
}

func commentedYamlToTask(file afero.File, filePath string) (*Asset, error) {
	rows, commentRowEnd := readUntilComments(file, possiblePrefixesForCommentBlocks, possibleSuffixesForCommentBlocks)
	if rows == "" {
		return nil, &ParseError{"no embedded YAML found in the comments"}
	}

	task, err := ConvertYamlToTask([]byte(rows))
	if err != nil {
		return nil, err
	}

	absFilePath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get absolute path for file %s", filePath)
	}

	scanner := bufio.NewScanner(file)
	for range commentRowEnd {
		scanner.Scan()
	}

	var content strings.Builder
	for scanner.Scan() {
		content.WriteString(scanner.Text())
		content.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read file %s", filePath)
	}

	task.ExecutableFile = ExecutableFile{
		Name:    filepath.Base(filePath),
		Path:    absFilePath,
		Content: strings.TrimSpace(content.String()),
	}

	return task, nil
}

// readUntilComments returns the YAML between the block markers and the number of rows consumed, the closing
// marker included.
func readUntilComments(file afero.File, prefixes, suffixes []string) (string, int) {
	scanner := bufio.NewScanner(file)
	defer func() { _, _ = file.Seek(0, io.SeekStart) }()

	var rows strings.Builder
	rowCount := 0

OUTER:
	for scanner.Scan() {
		rowCount++

		rowText := scanner.Text()
		trimmed := strings.TrimSpace(rowText)

		for _, prefix := range prefixes {
			if trimmed == prefix {
				continue OUTER
			}
		}

		for _, suffix := range suffixes {
			if trimmed == suffix {
				break OUTER
			}
		}

		rows.WriteString(rowText)
		rows.WriteString("\n")
	}

	return strings.TrimSpace(rows.String()), rowCount
}
