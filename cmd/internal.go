package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/bruin-data/windowed/pkg/config"
	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/invopop/jsonschema"
	"github.com/urfave/cli/v2"
)

func Internal() *cli.Command {
	return &cli.Command{
		Name:   "internal",
		Hidden: true,
		Subcommands: []*cli.Command{
			AssetSchema(),
			ConnectionSchemas(),
			ParsePipeline(),
		},
	}
}

func AssetSchema() *cli.Command {
	return &cli.Command{
		Name:  "asset-schema",
		Usage: "print the JSON schema of the asset definitions",
		Action: func(c *cli.Context) error {
			js, err := schemaOf(&pipeline.Asset{}, "yaml")
			if err != nil {
				printErrorJSON(err)
				return cli.Exit("", 1)
			}

			fmt.Println(js)
			return nil
		},
	}
}

func ConnectionSchemas() *cli.Command {
	return &cli.Command{
		Name:  "connections",
		Usage: "print the JSON schema of the connections in .windowed.yml",
		Action: func(c *cli.Context) error {
			js, err := schemaOf(&config.Connections{}, "yaml")
			if err != nil {
				printErrorJSON(err)
				return cli.Exit("", 1)
			}

			fmt.Println(js)
			return nil
		},
	}
}

func ParsePipeline() *cli.Command {
	return &cli.Command{
		Name:      "parse-pipeline",
		Usage:     "parse a full pipeline and print it as JSON",
		ArgsUsage: "[path to any asset or anywhere in the pipeline]",
		Action: func(c *cli.Context) error {
			defer RecoverFromPanic()

			p, _, err := loadPipeline(fs, c.Args().Get(0))
			if err != nil {
				printErrorJSON(err)
				return cli.Exit("", 1)
			}

			for _, a := range p.Assets {
				a.ExecutableFile.Content = ""
			}

			js, err := json.Marshal(p)
			if err != nil {
				printErrorJSON(err)
				return cli.Exit("", 1)
			}

			fmt.Println(string(js))
			return nil
		},
	}
}

// schemaOf reflects the schema of v using the field names of the given struct tag.
func schemaOf(v any, tag string) (string, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:               tag,
		DoNotReference:             true,
		AllowAdditionalProperties:  false,
		RequiredFromJSONSchemaTags: true,
	}

	js, err := json.MarshalIndent(r.Reflect(v), "", "  ")
	if err != nil {
		return "", err
	}

	return string(js), nil
}
