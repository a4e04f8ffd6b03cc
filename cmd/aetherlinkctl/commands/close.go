package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// closeCmd: aetherlinkctl close <session_id>
func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <session_id>",
		Short: "Close an active or in-progress session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.Close(args[0]); err != nil {
				return err
			}
			fmt.Println("closed")
			return nil
		},
	}
}
