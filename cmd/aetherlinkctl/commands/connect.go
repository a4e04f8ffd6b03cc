package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// connectCmd: aetherlinkctl connect <device_code>
func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <device_code>",
		Short: "Connect to a peer device by its device code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := client.Connect(args[0])
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}
