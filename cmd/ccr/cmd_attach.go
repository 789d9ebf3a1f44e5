package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ccr-tools/ccr/internal/protocol"
	"github.com/ccr-tools/ccr/internal/relay"
)

var attachCmd = &cobra.Command{
	Use:   "attach <id>",
	Short: "Attach to an existing session",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	ctx, cancel := interruptContext()
	defer cancel()

	c, _, err := dialAndWait(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.SendSessionControl(ctx, protocol.SessionControlPayload{
		Action: protocol.ActionAttach, SessionID: args[0],
	}); err != nil {
		return fmt.Errorf("attach session %s: %w", args[0], err)
	}

	r := relay.New(c, os.Stdin, os.Stdout, int(os.Stdin.Fd()))
	return r.Run(ctx)
}
