package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/afero"
)

var PipelineDefinitionFiles = []string{"pipeline.yml"}

var (
	fs = afero.NewOsFs()

	faint          = color.New(color.Faint).SprintFunc()
	infoPrinter    = color.New(color.Bold)
	errorPrinter   = color.New(color.FgRed, color.Bold)
	warningPrinter = color.New(color.FgYellow, color.Bold)
	successPrinter = color.New(color.FgGreen, color.Bold)
)
