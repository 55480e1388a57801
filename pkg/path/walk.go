package path

import (
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var SkipDirs = []string{".git", ".github", ".vscode", "node_modules", "dist", "build", "vendor", ".venv", "logs"}

// GetAllFilesRecursive returns every file under root that ends with one of the suffixes, sorted lexically.
func GetAllFilesRecursive(fs afero.Fs, root string, suffixes []string) ([]string, error) {
	var paths []string
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			if path != root && slices.Contains(SkipDirs, info.Name()) {
				return filepath.SkipDir
			}

			return nil
		}

		for _, s := range suffixes {
			if strings.HasSuffix(path, s) {
				paths = append(paths, path)
				break
			}
		}

		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "error walking directory")
	}

	sort.Strings(paths)
	return paths, nil
}

// GetPipelineRootFromAsset walks up from the asset path until it finds a directory holding one of the
// pipeline definition files.
func GetPipelineRootFromAsset(fs afero.Fs, assetPath string, pipelineDefinitionFiles []string) (string, error) {
	absoluteAssetPath, err := filepath.Abs(assetPath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to convert asset path to absolute path")
	}

	currentFolder := absoluteAssetPath
	rootPath := filepath.VolumeName(currentFolder) + string(os.PathSeparator)
	for currentFolder != rootPath && currentFolder != "/" {
		for _, pipelineDefinition := range pipelineDefinitionFiles {
			if FileExists(fs, filepath.Join(currentFolder, pipelineDefinition)) {
				return currentFolder, nil
			}
		}

		currentFolder = filepath.Dir(currentFolder)
	}

	return "", errors.New("cannot find a pipeline the given asset belongs to, are you sure this asset is in an actual pipeline?")
}
