package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wlkit/reseat/internal/config"
	"github.com/wlkit/reseat/internal/ipc"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running receiver's session count",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := ipc.Dial(config.Get().Socket.Path)
		if err != nil {
			return fmt.Errorf("receiver not reachable: %w", err)
		}
		defer client.Close()

		count, err := client.Status()
		if err != nil {
			return err
		}

		fmt.Printf("reseat is running with %d active session(s)\n", count)
		return nil
	},
}
