// Command ccr is the client CLI: a thin cobra front-end over
// internal/client that attaches to, lists, creates, and destroys
// sessions on a ccrd broker, and drives the C10 raw relay when a
// terminal is actually attached.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
