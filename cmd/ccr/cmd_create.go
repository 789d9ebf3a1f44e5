package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ccr-tools/ccr/internal/protocol"
	"github.com/ccr-tools/ccr/internal/relay"
)

var (
	createName string
	createCwd  string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session and attach to it",
	RunE:  runCreate,
}

func init() {
	createCmd.Flags().StringVar(&createName, "name", "", "session name")
	createCmd.Flags().StringVar(&createCwd, "cwd", "", "working directory for the child process")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := interruptContext()
	defer cancel()

	c, _, err := dialAndWait(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.SendSessionControl(ctx, protocol.SessionControlPayload{
		Action: protocol.ActionCreate, Name: createName, Cwd: createCwd,
	}); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	r := relay.New(c, os.Stdin, os.Stdout, int(os.Stdin.Fd()))
	return r.Run(ctx)
}
