package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// pairCmd: aetherlinkctl pair <device_code> [--revoke] [--pubkey <hex>]
func pairCmd() *cobra.Command {
	var revoke bool
	var pubKeyHex string

	cmd := &cobra.Command{
		Use:   "pair <device_code>",
		Short: "Approve or revoke a device code out of band, bypassing TOFU",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.Pair(args[0], !revoke, pubKeyHex); err != nil {
				return err
			}
			if revoke {
				fmt.Println("revoked")
			} else {
				fmt.Println("approved")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&revoke, "revoke", false, "revoke the device instead of approving it")
	cmd.Flags().StringVar(&pubKeyHex, "pubkey", "", "device public key, hex-encoded (required on first approval)")
	return cmd
}
