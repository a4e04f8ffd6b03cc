// Package commands implements the aetherlinkctl CLI: a thin cobra driver
// issuing session commands (§6) against aetherlinkd's local HTTP surface,
// grounded on the pack's own cobra-root-plus-relay-HTTP-client split
// (wbd2023-UNSW-COMP6841-Ciphera's cmd/ciphera/commands/root.go, talking to
// its relay over HTTP the same way this CLI talks to the daemon).
package commands

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	daemonAddr string
	client     *Client
)

// Execute builds and runs the aetherlinkctl root command.
func Execute() error {
	root := &cobra.Command{
		Use:   "aetherlinkctl",
		Short: "Control the AetherLink session daemon",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			client = &Client{
				Base: daemonAddr,
				HTTP: &http.Client{Timeout: 10 * time.Second},
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&daemonAddr, "addr", "http://127.0.0.1:8787", "aetherlinkd session API base URL")

	root.AddCommand(connectCmd(), closeCmd(), listCmd(), statsCmd(), pairCmd())
	return root.Execute()
}
