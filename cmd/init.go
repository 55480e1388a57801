package cmd

import (
	fs2 "io/fs"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bruin-data/windowed/pkg/path"
	"github.com/bruin-data/windowed/templates"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

const (
	DefaultTemplate   = "nyc_taxi"
	DefaultFolderName = "windowed-pipeline"
)

func Init() *cli.Command {
	return &cli.Command{
		Name:      "init",
		Usage:     "create a new pipeline from a template",
		ArgsUsage: "[template name, one of: " + strings.Join(templates.TemplateNames(), ", ") + "] [folder name]",
		Action: func(c *cli.Context) error {
			defer RecoverFromPanic()

			templateName := c.Args().Get(0)
			if templateName == "" {
				templateName = DefaultTemplate
			}

			folder := c.Args().Get(1)
			if folder == "" {
				folder = DefaultFolderName
			}

			if err := copyTemplate(fs, templateName, folder); err != nil {
				errorPrinter.Printf("Could not create the pipeline: %v\n", err)
				return cli.Exit("", 1)
			}

			successPrinter.Printf("Created the '%s' pipeline in %s\n", templateName, folder)
			infoPrinter.Printf("Load the sample data with: sqlite3 %s < %s\n",
				filepath.Join(folder, "nyc_taxi.db"), filepath.Join(folder, "seed.sql"))
			return nil
		},
	}
}

func copyTemplate(fs afero.Fs, templateName, target string) error {
	if !slices.Contains(templates.TemplateNames(), templateName) {
		return errors.Errorf("template '%s' not found, available templates: %s", templateName, strings.Join(templates.TemplateNames(), ", "))
	}

	if path.DirExists(fs, target) {
		return errors.Errorf("the folder '%s' already exists", target)
	}

	return fs2.WalkDir(templates.Templates, templateName, func(p string, d fs2.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		contents, err := templates.Templates.ReadFile(p)
		if err != nil {
			return err
		}

		relative := strings.TrimPrefix(p, templateName+"/")
		destination := filepath.Join(target, filepath.FromSlash(relative))
		if err := fs.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
			return errors.Wrapf(err, "could not create the folder of %s", destination)
		}

		return errors.Wrapf(afero.WriteFile(fs, destination, contents, 0o644), "could not write %s", destination)
	})
}
