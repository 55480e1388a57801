package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bruin-data/windowed/pkg/ansisql"
	duck "github.com/bruin-data/windowed/pkg/duckdb"
	"github.com/bruin-data/windowed/pkg/jinja"
	"github.com/bruin-data/windowed/pkg/logger"
	"github.com/bruin-data/windowed/pkg/materializer"
	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/bruin-data/windowed/pkg/postgres"
	"github.com/bruin-data/windowed/pkg/sqlite"
	"github.com/bruin-data/windowed/pkg/window"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var dialects = map[pipeline.AssetType]ansisql.Dialect{
	pipeline.AssetTypeDuckDBQuery:   duck.Dialect{},
	pipeline.AssetTypePostgresQuery: postgres.Dialect{},
	pipeline.AssetTypeSqliteQuery:   sqlite.Dialect{},
}

type renderOptions struct {
	assetPath              string
	startDate              string
	endDate                string
	fullRefresh            bool
	applyIntervalModifiers bool
	vars                   []string
}

func Render() *cli.Command {
	return &cli.Command{
		Name:      "render",
		Usage:     "render the statements an asset would execute for a window",
		ArgsUsage: "[path to the asset definition]",
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
			&cli.BoolFlag{
				Name:    "full-refresh",
				Aliases: []string{"r"},
				Usage:   "render the full refresh statements",
			},
			&cli.BoolFlag{
				Name:  "apply-interval-modifiers",
				Usage: "shift the window of the asset by its interval modifiers",
			},
			&cli.StringSliceFlag{
				Name:    "var",
				Usage:   "override pipeline variables, key=value",
				EnvVars: []string{"WINDOWED_VARS"},
			},
		},
		Action: func(c *cli.Context) error {
			defer RecoverFromPanic()

			opts := renderOptions{
				assetPath:              c.Args().Get(0),
				startDate:              c.String("start-date"),
				endDate:                c.String("end-date"),
				fullRefresh:            c.Bool("full-refresh"),
				applyIntervalModifiers: c.Bool("apply-interval-modifiers"),
				vars:                   c.StringSlice("var"),
			}

			if opts.assetPath == "" {
				errorPrinter.Printf("Please give an asset path to render: windowed render <path to the asset file>\n")
				return cli.Exit("", 1)
			}

			if err := renderAsset(fs, opts, os.Stdout); err != nil {
				errorPrinter.Printf("Failed to render the asset: %v\n", err)
				return cli.Exit("", 1)
			}

			return nil
		},
	}
}

func renderAsset(fs afero.Fs, opts renderOptions, out io.Writer) error {
	p, _, err := loadPipeline(fs, opts.assetPath)
	if err != nil {
		return err
	}

	asset := p.GetAssetByPath(opts.assetPath)
	if asset == nil {
		return errors.Errorf("no asset found at '%s'", opts.assetPath)
	}

	d, ok := dialects[asset.Type]
	if !ok {
		return errors.Errorf("asset type '%s' has no statements to render", asset.Type)
	}

	start, end, err := resolveRunBounds(opts.startDate, opts.endDate, p.Schedule, time.Now().UTC())
	if err != nil {
		return err
	}

	if opts.applyIntervalModifiers {
		start, end, err = asset.IntervalModifiers.Apply(start, end)
		if err != nil {
			return err
		}
	}

	w, err := window.Compute(start, end, asset.Granularity())
	if err != nil {
		return err
	}

	overrides, err := parseVariableOverrides(opts.vars)
	if err != nil {
		return err
	}

	variables, err := p.Variables.Resolve(overrides)
	if err != nil {
		return err
	}

	renderer := jinja.NewRenderer(jinja.WindowContext(w, p.Name, "render", asset.Name, variables))
	statements, err := materializer.NewMaterializer(logger.Nop(), materializer.NewLocks(), opts.fullRefresh).Statements(d, asset, w, renderer)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "-- %s %s\n", asset.Name, w.String())
	if w.IsEmpty() {
		fmt.Fprintln(out, "-- the window is empty, nothing would be executed")
		return nil
	}

	for _, s := range statements {
		fmt.Fprintf(out, "\n-- %s\n%s;\n", s.Kind, strings.TrimSuffix(strings.TrimSpace(s.Query.Query), ";"))
	}

	return nil
}
