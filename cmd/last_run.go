package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bruin-data/windowed/pkg/state"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

func LastRun() *cli.Command {
	return &cli.Command{
		Name:      "last-run",
		Usage:     "print the report of the most recent run of the pipeline",
		ArgsUsage: "[path to the pipeline]",
		Flags: []cli.Flag{
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
		},
		Action: func(c *cli.Context) error {
			defer RecoverFromPanic()

			output := c.String("output")
			st, err := latestState(fs, c.Args().Get(0), c.String("config-file"))
			if err != nil {
				printError(err, output, "Failed to read the last run")
				return cli.Exit("", 1)
			}

			if output == "json" {
				js, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					printErrorJSON(err)
					return cli.Exit("", 1)
				}

				fmt.Println(string(js))
				return nil
			}

			printState(os.Stdout, st)
			return nil
		},
	}
}

func latestState(fs afero.Fs, input, configFile string) (*state.State, error) {
	p, pipelinePath, err := loadPipeline(fs, input)
	if err != nil {
		return nil, err
	}

	if configFile == "" {
		configFile = locateConfigFile(fs, pipelinePath)
	}

	return state.NewStore(fs, filepath.Dir(configFile)).Latest(p.Name)
}

func printState(out io.Writer, st *state.State) {
	infoPrinter.Fprintf(out, "Run %s at %s\n", st.RunID, st.TimeStamp.Format("2006-01-02 15:04:05"))
	for _, key := range []string{"start_date", "end_date", "environment", "workers", "on_failure"} {
		if v, ok := st.Parameters[key]; ok {
			fmt.Fprintf(out, "%s %s\n", faint(key+":"), v)
		}
	}

	if st.Report != nil {
		printReport(out, st.Report)
	}
}
