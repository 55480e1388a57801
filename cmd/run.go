package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/bruin-data/windowed/pkg/connection"
	"github.com/bruin-data/windowed/pkg/logger"
	"github.com/bruin-data/windowed/pkg/runner"
	"github.com/bruin-data/windowed/pkg/scheduler"
	"github.com/bruin-data/windowed/pkg/state"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"github.com/xlab/treeprint"
)

type runOptions struct {
	pipelinePath string
	startDate    string
	endDate      string
	environment  string
	configFile   string
	vars         []string
	noState      bool
	runID        string

	// overrides holds the run options given on the command line, keyed like the pipeline settings.
	overrides map[string]any
}

func Run(isDebug *bool) *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run the pipeline for a time window",
		ArgsUsage: "[path to the pipeline]",
		Flags: []cli.Flag{
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
			&cli.IntFlag{
				Name:  "workers",
				Usage: "number of workers to run the assets in parallel",
				Value: scheduler.DefaultWorkers,
			},
			&cli.BoolFlag{
				Name:    "full-refresh",
				Aliases: []string{"r"},
				Usage:   "rebuild the tables from scratch instead of replacing the window",
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
			&cli.StringSliceFlag{
				Name:    "var",
				Usage:   "override pipeline variables, key=value",
				EnvVars: []string{"WINDOWED_VARS"},
			},
			&cli.StringFlag{
				Name:  "asset-timeout",
				Usage: "the maximum duration of a single asset, e.g. 30m or 1d",
			},
			&cli.BoolFlag{
				Name:  "fail-fast",
				Usage: "stop dispatching assets after the first failed blocking check",
			},
			&cli.BoolFlag{
				Name:  "rollback-on-check-failure",
				Usage: "run the blocking checks before committing and roll the window back when they fail",
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
			&cli.BoolFlag{
				Name:  "no-state",
				Usage: "do not save the run report under logs/runs",
			},
		},
		Action: func(c *cli.Context) error {
			defer RecoverFromPanic()

			output := c.String("output")
			opts := runOptions{
				pipelinePath: c.Args().Get(0),
				startDate:    c.String("start-date"),
				endDate:      c.String("end-date"),
				environment:  c.String("environment"),
				configFile:   c.String("config-file"),
				vars:         c.StringSlice("var"),
				noState:      c.Bool("no-state"),
				overrides:    runOverridesFromFlags(c),
			}

			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			var progress io.Writer = os.Stdout
			if output == "json" {
				progress = io.Discard
			}

			report, err := executeRun(ctx, fs, makeLogger(*isDebug), opts, progress)
			if report == nil {
				printError(err, output, "Failed to run the pipeline")
				return cli.Exit("", 1)
			}

			if output == "json" {
				js, marshalErr := json.MarshalIndent(report, "", "  ")
				if marshalErr != nil {
					printErrorJSON(marshalErr)
					return cli.Exit("", 1)
				}
				fmt.Println(string(js))
			} else {
				printReport(os.Stdout, report)
			}

			if err != nil || report.Failed() || report.HasCheckFailures() {
				return cli.Exit("", 1)
			}

			return nil
		},
	}
}

func runOverridesFromFlags(c *cli.Context) map[string]any {
	overrides := make(map[string]any)
	if c.IsSet("workers") {
		overrides["workers"] = c.Int("workers")
	}
	if c.IsSet("full-refresh") {
		overrides["full_refresh"] = c.Bool("full-refresh")
	}
	if c.IsSet("asset-timeout") {
		overrides["asset_timeout"] = c.String("asset-timeout")
	}
	if c.Bool("fail-fast") {
		overrides["on_failure"] = "fail_fast"
	}
	if c.IsSet("rollback-on-check-failure") {
		overrides["rollback_on_failure"] = c.Bool("rollback-on-check-failure")
	}
	if c.IsSet("apply-interval-modifiers") {
		overrides["apply_interval_modifiers"] = c.Bool("apply-interval-modifiers")
	}

	return overrides
}

// executeRun builds everything a run needs from the pipeline path and runs it. A nil report means the run
// could not be set up at all.
func executeRun(ctx context.Context, fs afero.Fs, log logger.Logger, opts runOptions, progress io.Writer) (*scheduler.RunReport, error) {
	p, pipelinePath, err := loadPipeline(fs, opts.pipelinePath)
	if err != nil {
		return nil, err
	}

	cm, err := loadConfig(fs, opts.configFile, pipelinePath, opts.environment)
	if err != nil {
		return nil, err
	}

	variableOverrides, err := parseVariableOverrides(opts.vars)
	if err != nil {
		return nil, err
	}

	variables, err := p.Variables.Resolve(variableOverrides)
	if err != nil {
		return nil, errors.Wrap(err, "invalid variables")
	}

	overrides := lo.Assign(opts.overrides, map[string]any{"variables": variables})
	runConfig, err := scheduler.DecodeRunConfig(scheduler.DefaultRunConfig(p), overrides)
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
	defer func() {
		if closeErr := manager.Close(); closeErr != nil {
			log.Debugf("failed to close the connections: %s", closeErr)
		}
	}()

	runnerOpts := []runner.Option{runner.WithOutput(progress)}
	if opts.runID != "" {
		runnerOpts = append(runnerOpts, runner.WithRunID(opts.runID))
	}

	r := runner.New(log, p, manager, *runConfig, runnerOpts...)
	report, runErr := r.Run(ctx, start, end)

	if !opts.noState {
		params := map[string]string{
			"start_date":  start.Format(time.RFC3339),
			"end_date":    end.Format(time.RFC3339),
			"environment": cm.SelectedEnvironmentName,
			"workers":     strconv.Itoa(runConfig.Workers),
			"on_failure":  string(runConfig.OnCheckFailure),
		}

		projectRoot := filepath.Dir(cm.Path())
		file, err := state.NewStore(fs, projectRoot).Save(state.NewState(report, params))
		if err != nil {
			log.Warnf("failed to save the run state: %s", err)
		} else {
			log.Debugf("run state saved to %s", file)
		}
	}

	return report, runErr
}

func statusColor(status string) *color.Color {
	switch status {
	case scheduler.Succeeded.String():
		return color.New(color.FgGreen)
	case scheduler.Failed.String():
		return color.New(color.FgRed)
	default:
		return color.New(color.Faint)
	}
}

func printReport(out io.Writer, report *scheduler.RunReport) {
	fmt.Fprintln(out)
	if report.Error != nil {
		errorPrinter.Fprintf(out, "The run was aborted: %s\n", report.Error.Message)
		fmt.Fprintln(out)
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"Asset", "Status", "Window", "Deleted", "Inserted", "Checks"})

	for _, a := range report.Assets {
		window := ""
		if a.Window != nil {
			window = a.Window.String()
		}

		deleted, inserted := "-", "-"
		if m := a.Materialization; m != nil && !m.Skipped {
			deleted = strconv.FormatInt(m.RowsDeleted, 10)
			inserted = strconv.FormatInt(m.RowsInserted, 10)
		}

		checks := "-"
		if len(a.Checks) > 0 {
			checks = fmt.Sprintf("%d/%d", len(a.Checks)-len(a.FailedChecks()), len(a.Checks))
		}

		t.AppendRow(table.Row{a.Name, statusColor(a.Status).Sprint(a.Status), window, deleted, inserted, checks})
	}
	t.Render()

	printProblems(out, report)

	fmt.Fprintln(out)
	summary := fmt.Sprintf("Run %s finished in %s: %d succeeded, %d failed, %d skipped",
		report.RunID,
		report.FinishedAt.Sub(report.StartedAt).Truncate(time.Millisecond),
		report.CountByStatus(scheduler.Succeeded),
		report.CountByStatus(scheduler.Failed),
		report.CountByStatus(scheduler.Skipped),
	)

	switch {
	case report.Failed():
		errorPrinter.Fprintln(out, summary)
	case report.HasCheckFailures():
		warningPrinter.Fprintln(out, summary)
	default:
		successPrinter.Fprintln(out, summary)
	}
}

// printProblems lists the errors, failed checks and skip reasons of every asset as a tree.
func printProblems(out io.Writer, report *scheduler.RunReport) {
	problematic := lo.Filter(report.Assets, func(a *scheduler.AssetReport, _ int) bool {
		return a.Error != nil || len(a.FailedChecks()) > 0
	})
	if len(problematic) == 0 {
		return
	}

	tree := treeprint.NewWithRoot(color.New(color.FgRed).Sprintf("%d assets have problems", len(problematic)))
	for _, a := range problematic {
		assetBranch := tree.AddBranch(color.New(color.FgYellow).Sprint(a.Name))
		if a.Error != nil {
			assetBranch.AddNode(fmt.Sprintf("%s - %s",
				color.New(color.FgMagenta).Sprint(a.Error.Kind),
				color.New(color.FgRed).Sprint(a.Error.Message)))
		}

		for _, check := range a.FailedChecks() {
			blocking := "non-blocking"
			if check.Blocking {
				blocking = "blocking"
			}

			detail := check.Message
			if check.Error != "" {
				detail = check.Error
			}

			assetBranch.AddNode(fmt.Sprintf("%s %s - %s",
				color.New(color.FgCyan).Sprint(check.DisplayName()),
				faint(blocking),
				color.New(color.FgRed).Sprint(detail)))
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, tree.String())

	skipped := lo.Filter(report.Assets, func(a *scheduler.AssetReport, _ int) bool {
		return a.SkipReason != ""
	})
	for _, a := range skipped {
		fmt.Fprintf(out, "%s %s\n", faint("skipped "+a.Name+":"), faint(a.SkipReason))
	}
}
