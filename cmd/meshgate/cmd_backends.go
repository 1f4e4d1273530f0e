package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"meshgate/internal/backend"
)

// backendsCmd lists configured backends and whether they are installed
var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List reconstruction backends and their installation status",
	Args:  cobra.NoArgs,
	RunE:  runBackends,
}

func runBackends(cmd *cobra.Command, args []string) error {
	descs, err := cfg.Descriptors()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODE\tNAME\tLAYOUT\tTIMEOUT\tSTATUS")
	for _, d := range descs {
		status := "ready"
		if err := backend.CheckInstalled(d); err != nil {
			status = "missing: " + err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.Mode, d.Name, d.OutputLayout, d.Timeout, status)
	}
	return w.Flush()
}
