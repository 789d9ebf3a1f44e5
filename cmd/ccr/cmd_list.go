package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions known to the broker",
	RunE:    runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := interruptContext()
	defer cancel()

	c, sessions, err := dialAndWait(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	list, err := waitForSessionList(ctx, sessions)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCWD\tCONNECTED\tCREATED")
	for _, s := range list {
		created := time.Unix(s.CreatedAt, 0).Format("2006-01-02 15:04:05")
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", s.ID, s.Name, s.Cwd, s.Connected, created)
	}
	return w.Flush()
}
