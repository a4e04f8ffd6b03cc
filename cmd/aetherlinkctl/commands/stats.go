package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// statsCmd: aetherlinkctl stats <session_id>
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <session_id>",
		Short: "Show a session's state/path snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := client.Stats(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("session:  %s\n", s.LocalSessionID)
			fmt.Printf("peer:     %s\n", s.PeerDeviceCode)
			fmt.Printf("role:     %s\n", s.Role)
			fmt.Printf("state:    %s\n", s.State)
			if s.PathCategory != "" {
				fmt.Printf("path:     %s\n", s.PathCategory)
			}
			if s.FailReason != "" {
				fmt.Printf("failed:   %s\n", s.FailReason)
			}
			fmt.Printf("attempts: %d\n", s.AttemptCounter)
			return nil
		},
	}
}
