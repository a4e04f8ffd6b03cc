package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// listCmd: aetherlinkctl list
func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every tracked session",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := client.ListSessions()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tPEER\tROLE\tSTATE\tPATH")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.LocalSessionID, s.PeerDeviceCode, s.Role, s.State, s.PathCategory)
			}
			return tw.Flush()
		},
	}
}
