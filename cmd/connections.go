package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/bruin-data/windowed/pkg/config"
	"github.com/bruin-data/windowed/pkg/connection"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

type connectionRow struct {
	Environment string `json:"environment"`
	Name        string `json:"name"`
	Type        string `json:"type"`
}

func Connections() *cli.Command {
	return &cli.Command{
		Name:  "connections",
		Usage: "inspect the connections of the project",
		Subcommands: []*cli.Command{
			ListConnections(),
			TestConnections(),
		},
	}
}

func connectionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "environment",
			Aliases: []string{"e", "env"},
			Usage:   "the environment to use",
		},
		&cli.StringFlag{
			Name:    "config-file",
			EnvVars: []string{"WINDOWED_CONFIG_FILE"},
			Usage:   "the path to the .windowed.yml file",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "the output type, possible values are: plain, json",
			Value:   "plain",
		},
	}
}

func ListConnections() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "list the connections defined in .windowed.yml",
		ArgsUsage: "[path to the pipeline]",
		Flags:     connectionFlags(),
		Action: func(c *cli.Context) error {
			defer RecoverFromPanic()

			output := c.String("output")
			cm, err := configForPipeline(fs, c.Args().Get(0), c.String("config-file"), c.String("environment"))
			if err != nil {
				printError(err, output, "Failed to load the configuration")
				return cli.Exit("", 1)
			}

			// without an explicit environment every environment is listed
			rows := connectionRows(cm, c.String("environment"))
			if output == "json" {
				js, err := json.Marshal(rows)
				if err != nil {
					printErrorJSON(err)
					return cli.Exit("", 1)
				}

				fmt.Println(string(js))
				return nil
			}

			printConnections(os.Stdout, rows)
			return nil
		},
	}
}

func TestConnections() *cli.Command {
	return &cli.Command{
		Name:      "test",
		Usage:     "open and ping every connection of the selected environment",
		ArgsUsage: "[path to the pipeline]",
		Flags:     connectionFlags(),
		Action: func(c *cli.Context) error {
			defer RecoverFromPanic()

			output := c.String("output")
			cm, err := configForPipeline(fs, c.Args().Get(0), c.String("config-file"), c.String("environment"))
			if err != nil {
				printError(err, output, "Failed to load the configuration")
				return cli.Exit("", 1)
			}

			manager, err := connection.NewManagerFromConfig(c.Context, cm)
			if err != nil {
				printError(err, output, "Failed to open the connections")
				return cli.Exit("", 1)
			}
			defer manager.Close()

			if err := manager.Ping(c.Context); err != nil {
				printError(err, output, "Connection test failed")
				return cli.Exit("", 1)
			}

			if output == "json" {
				fmt.Println(`{"status": "ok"}`)
				return nil
			}

			successPrinter.Printf("All connections of environment '%s' are reachable.\n", cm.SelectedEnvironmentName)
			return nil
		},
	}
}

func configForPipeline(fs afero.Fs, input, configFile, environment string) (*config.Config, error) {
	pipelinePath, err := pipelinePathFromInput(fs, input)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find the pipeline of '%s'", input)
	}

	return loadConfig(fs, configFile, pipelinePath, environment)
}

func connectionRows(cm *config.Config, environment string) []connectionRow {
	envNames := cm.GetEnvironmentNames()
	if environment != "" {
		envNames = []string{environment}
	}

	rows := make([]connectionRow, 0)
	for _, envName := range envNames {
		env, ok := cm.Environments[envName]
		if !ok || env.Connections == nil {
			continue
		}

		for _, name := range env.Connections.Names() {
			rows = append(rows, connectionRow{
				Environment: envName,
				Name:        name,
				Type:        env.Connections.ConnectionType(name),
			})
		}
	}

	return rows
}

func printConnections(out io.Writer, rows []connectionRow) {
	if len(rows) == 0 {
		warningPrinter.Fprintln(out, "No connections are defined.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"Environment", "Type", "Name"})
	for _, r := range rows {
		t.AppendRow(table.Row{r.Environment, r.Type, r.Name})
	}
	t.Render()
}
