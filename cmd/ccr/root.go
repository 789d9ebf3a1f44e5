package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccr-tools/ccr/internal/client"
	"github.com/ccr-tools/ccr/internal/protocol"
	"github.com/ccr-tools/ccr/internal/relay"
	"github.com/ccr-tools/ccr/internal/userhome"
)

var (
	serverURL string
	token     string
)

var rootCmd = &cobra.Command{
	Use:   "ccr",
	Short: "Attach to, list, create, and destroy remote terminal sessions",
	Long: `ccr is the client for a ccrd broker. Run with no subcommand to attach
to (or create) a default session through a raw terminal relay.`,
	RunE: runDefault,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "ws://127.0.0.1:3100/ws", "broker WebSocket URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token (defaults to ~/.ccr/token)")
}

// resolvedToken returns the --token flag value, falling back to the
// token persisted by `ccrd --print-token`.
func resolvedToken() string {
	if token != "" {
		return token
	}
	t, err := userhome.ReadToken()
	if err != nil {
		return ""
	}
	return t
}

// dialAndWait connects a client.Client and blocks until either
// authentication succeeds or the context is cancelled. It registers
// OnSessions up front, alongside OnAuthenticated/OnServerError, and
// returns the channel that will receive the broker's initial
// SESSION_LIST broadcast — that broadcast follows AUTH_OK immediately
// (server.go), so a caller that waited to call SetHandlers again after
// dialAndWait returns could install OnSessions too late and drop it.
func dialAndWait(ctx context.Context) (*client.Client, <-chan []protocol.SessionInfo, error) {
	c := client.New(client.Config{
		URL:           serverURL,
		Token:         resolvedToken(),
		AutoReconnect: true,
	})

	authed := make(chan struct{})
	failed := make(chan error, 1)
	sessions := make(chan []protocol.SessionInfo, 1)
	c.SetHandlers(client.Handlers{
		OnAuthenticated: func() { close(authed) },
		OnServerError: func(code, message string) {
			select {
			case failed <- fmt.Errorf("%s: %s", code, message):
			default:
			}
		},
		OnSessions: func(s []protocol.SessionInfo) {
			select {
			case sessions <- s:
			default:
			}
		},
	})

	go c.Run(ctx)

	select {
	case <-authed:
		return c, sessions, nil
	case err := <-failed:
		return nil, nil, err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return nil, nil, fmt.Errorf("timed out waiting to authenticate with %s", serverURL)
	}
}

func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runDefault implements the bare `ccr` invocation: attach to the first
// existing session if one exists, otherwise create a fresh one, then
// hand the connection to the raw relay.
func runDefault(cmd *cobra.Command, args []string) error {
	ctx, cancel := interruptContext()
	defer cancel()

	c, sessions, err := dialAndWait(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := attachOrCreateDefault(ctx, c, sessions); err != nil {
		return err
	}

	r := relay.New(c, os.Stdin, os.Stdout, int(os.Stdin.Fd()))
	return r.Run(ctx)
}

// waitForSessionList waits for the initial SESSION_LIST broadcast every
// fresh connection receives right after authentication. The channel
// must be the one dialAndWait handed back: OnSessions has to be
// registered before AUTH_OK, not after, or the broadcast can arrive and
// be dropped before anything is listening for it.
func waitForSessionList(ctx context.Context, sessions <-chan []protocol.SessionInfo) ([]protocol.SessionInfo, error) {
	select {
	case list := <-sessions:
		return list, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("timed out waiting for session list")
	}
}

// attachOrCreateDefault attaches to the first known session, or creates
// a new one if the broker has none yet.
func attachOrCreateDefault(ctx context.Context, c *client.Client, sessions <-chan []protocol.SessionInfo) error {
	list, err := waitForSessionList(ctx, sessions)
	if err != nil {
		return err
	}
	if len(list) > 0 {
		return c.SendSessionControl(ctx, protocol.SessionControlPayload{
			Action: protocol.ActionAttach, SessionID: list[0].ID,
		})
	}
	return c.SendSessionControl(ctx, protocol.SessionControlPayload{Action: protocol.ActionCreate})
}
