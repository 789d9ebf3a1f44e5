package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccr-tools/ccr/internal/client"
	"github.com/ccr-tools/ccr/internal/protocol"
)

var destroyCmd = &cobra.Command{
	Use:     "destroy <id>",
	Aliases: []string{"rm"},
	Short:   "Destroy a session, killing its child process",
	Args:    cobra.ExactArgs(1),
	RunE:    runDestroy,
}

func init() {
	rootCmd.AddCommand(destroyCmd)
}

func runDestroy(cmd *cobra.Command, args []string) error {
	ctx, cancel := interruptContext()
	defer cancel()

	c, _, err := dialAndWait(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	// destroy has no success ack on the wire, only an ERROR frame on
	// failure (see controlDestroy), so give the broker a brief window to
	// report one before declaring success.
	serverErr := make(chan error, 1)
	c.SetHandlers(client.Handlers{OnServerError: func(code, message string) {
		select {
		case serverErr <- fmt.Errorf("%s: %s", code, message):
		default:
		}
	}})

	if err := c.SendSessionControl(ctx, protocol.SessionControlPayload{
		Action: protocol.ActionDestroy, SessionID: args[0],
	}); err != nil {
		return fmt.Errorf("destroy session %s: %w", args[0], err)
	}

	select {
	case err := <-serverErr:
		return err
	case <-time.After(500 * time.Millisecond):
	}

	fmt.Printf("destroyed %s\n", args[0])
	return nil
}
