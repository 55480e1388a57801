package main

import (
	"os"
	"time"

	"github.com/bruin-data/windowed/cmd"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

var (
	version = "dev"
	commit  = ""
)

func main() {
	isDebug := false
	color.NoColor = os.Getenv("NO_COLOR") != ""

	versionCommand := cmd.VersionCmd(commit)

	cli.VersionPrinter = func(cCtx *cli.Context) {
		err := versionCommand.Action(cCtx)
		if err != nil {
			panic(err)
		}
	}

	app := &cli.App{
		Name:     "windowed",
		Version:  version,
		Usage:    "Run incremental, windowed SQL pipelines",
		Compiled: time.Now(),
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "debug",
				Value:       false,
				Usage:       "show debug information",
				Destination: &isDebug,
			},
		},
		Commands: []*cli.Command{
			cmd.Run(&isDebug),
			cmd.Render(),
			cmd.Validate(&isDebug),
			cmd.Plan(&isDebug),
			cmd.Connections(),
			cmd.LastRun(),
			cmd.Init(),
			cmd.Internal(),
			versionCommand,
		},
	}

	_ = app.Run(os.Args)
}
