package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List available models",
		Long: `List every model in the catalog together with its engine recipe and
whether its artifacts are already downloaded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd)
		},
	}
}

func runList(cmd *cobra.Command) error {
	if err := initRuntime(0); err != nil {
		return err
	}

	table := tablewriter.NewTable(os.Stdout,
		tablewriter.WithHeader([]string{"MODEL", "RECIPE", "DOWNLOADED", "LABELS"}),
	)

	for _, d := range registry.List() {
		downloaded := "no"
		if registry.IsDownloaded(d, checkers) {
			downloaded = "yes"
		}
		table.Append([]string{
			d.Name,
			d.Recipe,
			downloaded,
			strings.Join(d.Labels, ","),
		})
	}

	table.Render()
	fmt.Fprintln(os.Stdout)
	return nil
}
