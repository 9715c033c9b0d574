package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := g.client().Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to reach daemon at %s: %w", g.socket, err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Warden Status\n")
			fmt.Fprintf(w, "=============\n\n")
			fmt.Fprintf(w, "Healthy:\t%v\n", status.Healthy)
			fmt.Fprintf(w, "Checked:\t%s\n\n", status.CheckedAt.Format(time.RFC3339))
			fmt.Fprintln(w, "CHECK\tRESULT")
			names := make([]string, 0, len(status.Checks))
			for name := range status.Checks {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(w, "%s\t%s\n", name, status.Checks[name])
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if !status.Healthy {
				return fmt.Errorf("daemon is unhealthy")
			}
			return nil
		},
	}
}
