package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bruin-data/windowed/pkg/connection"
	"github.com/bruin-data/windowed/pkg/dag"
	"github.com/bruin-data/windowed/pkg/logger"
	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/bruin-data/windowed/pkg/runner"
	"github.com/bruin-data/windowed/pkg/scheduler"
	"github.com/bruin-data/windowed/pkg/window"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"github.com/xlab/treeprint"
)

type planOptions struct {
	pipelinePath           string
	startDate              string
	endDate                string
	environment            string
	configFile             string
	applyIntervalModifiers bool
}

type planResult struct {
	pipeline *pipeline.Pipeline
	graph    *dag.Graph
	windows  map[string]window.Window
	start    time.Time
	end      time.Time
}

type PlannedAsset struct {
	Name     string        `json:"name"`
	Window   window.Window `json:"window"`
	Upstream []string      `json:"upstream"`
}

func planFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "start-date",
			Usage:   "the start of the run window in YYYY-MM-DD or YYYY-MM-DD HH:MM:SS format",
			EnvVars: []string{"WINDOWED_START_DATE"},
		},
		&cli.StringFlag{
			Name:    "end-date",
			Usage:   "the exclusive end of the run window in YYYY-MM-DD or YYYY-MM-DD HH:MM:SS format",
			EnvVars: []string{"WINDOWED_END_DATE"},
		},
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
		&cli.BoolFlag{
			Name:  "apply-interval-modifiers",
			Usage: "shift the window of the assets by their interval modifiers",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "the output type, possible values are: plain, json",
			Value:   "plain",
		},
	}
}

func planOptionsFromFlags(c *cli.Context) planOptions {
	return planOptions{
		pipelinePath:           c.Args().Get(0),
		startDate:              c.String("start-date"),
		endDate:                c.String("end-date"),
		environment:            c.String("environment"),
		configFile:             c.String("config-file"),
		applyIntervalModifiers: c.Bool("apply-interval-modifiers"),
	}
}

// planPipeline runs every configuration-time validation of a run without executing anything.
func planPipeline(ctx context.Context, fs afero.Fs, log logger.Logger, opts planOptions) (*planResult, error) {
	p, pipelinePath, err := loadPipeline(fs, opts.pipelinePath)
	if err != nil {
		return nil, err
	}

	cm, err := loadConfig(fs, opts.configFile, pipelinePath, opts.environment)
	if err != nil {
		return nil, err
	}

	start, end, err := resolveRunBounds(opts.startDate, opts.endDate, p.Schedule, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	manager, err := connection.NewManagerFromConfig(ctx, cm)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open the connections")
	}
	defer func() { _ = manager.Close() }()

	r := runner.New(log, p, manager, scheduler.RunConfig{ApplyIntervalModifiers: opts.applyIntervalModifiers})
	g, windows, err := r.Plan(start, end)
	if err != nil {
		return nil, err
	}

	return &planResult{pipeline: p, graph: g, windows: windows, start: start, end: end}, nil
}

func Validate(isDebug *bool) *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "validate the pipeline, its assets and connections without running anything",
		ArgsUsage: "[path to the pipeline]",
		Flags:     planFlags(),
		Action: func(c *cli.Context) error {
			defer RecoverFromPanic()

			output := c.String("output")
			res, err := planPipeline(c.Context, fs, makeLogger(*isDebug), planOptionsFromFlags(c))
			if err != nil {
				printError(err, output, "The pipeline is invalid")
				return cli.Exit("", 1)
			}

			message := fmt.Sprintf("Pipeline '%s' is valid, %d assets", res.pipeline.Name, res.graph.Len())
			if output == "json" {
				js, _ := json.Marshal(map[string]string{"status": "success", "message": message})
				fmt.Println(string(js))
				return nil
			}

			successPrinter.Println(message)
			return nil
		},
	}
}

func Plan(isDebug *bool) *cli.Command {
	return &cli.Command{
		Name:      "plan",
		Usage:     "print the execution order, the dependencies and the window of every asset",
		ArgsUsage: "[path to the pipeline]",
		Flags:     planFlags(),
		Action: func(c *cli.Context) error {
			defer RecoverFromPanic()

			output := c.String("output")
			res, err := planPipeline(c.Context, fs, makeLogger(*isDebug), planOptionsFromFlags(c))
			if err != nil {
				printError(err, output, "Failed to plan the pipeline")
				return cli.Exit("", 1)
			}

			if output == "json" {
				js, err := json.MarshalIndent(res.plannedAssets(), "", "  ")
				if err != nil {
					printErrorJSON(err)
					return cli.Exit("", 1)
				}
				fmt.Println(string(js))
				return nil
			}

			printPlan(os.Stdout, res)
			return nil
		},
	}
}

func (r *planResult) plannedAssets() []PlannedAsset {
	assets := make([]PlannedAsset, 0, r.graph.Len())
	for _, h := range r.graph.ResolveOrder() {
		asset := r.graph.Asset(h)
		assets = append(assets, PlannedAsset{
			Name:     asset.Name,
			Window:   r.windows[asset.Name],
			Upstream: asset.UpstreamNames(),
		})
	}

	return assets
}

func printPlan(out io.Writer, r *planResult) {
	infoPrinter.Fprintf(out, "Pipeline %s, run window [%s, %s)\n\n", r.pipeline.Name, r.start.Format(time.RFC3339), r.end.Format(time.RFC3339))

	for i, asset := range r.plannedAssets() {
		fmt.Fprintf(out, "%2d. %s %s\n", i+1, asset.Name, faint(asset.Window.String()))
	}

	tree := treeprint.NewWithRoot(color.New(color.Bold).Sprint(r.pipeline.Name))
	for h := range r.graph.Len() {
		if len(r.graph.Upstream(h)) > 0 {
			continue
		}
		addDownstream(tree, r.graph, h)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, tree.String())
}

func addDownstream(branch treeprint.Tree, g *dag.Graph, h int) {
	node := branch.AddBranch(color.New(color.FgCyan).Sprint(g.Asset(h).Name))
	for _, d := range g.Downstream(h) {
		addDownstream(node, g, d)
	}
}
