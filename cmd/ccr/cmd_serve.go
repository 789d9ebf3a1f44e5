package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccr-tools/ccr/internal/broker"
	"github.com/ccr-tools/ccr/internal/config"
	"github.com/ccr-tools/ccr/internal/logging"
	"github.com/ccr-tools/ccr/internal/userhome"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker in the foreground (same entry point as ccrd)",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe runs the broker startup/shutdown sequence of cmd/ccrd in
// process, for the convenience of a single binary that can both serve and
// attach without a second install. Unlike ccrd it takes TLS material only
// from CCR_TLS_CERT_FILE/CCR_TLS_KEY_FILE and does not look for an
// existing pair under ~/.ccr/certs/.
func runServe(cmd *cobra.Command, args []string) error {
	config.Load()
	logging.Init()

	s := broker.New(broker.Config{
		Host:               config.Cfg.Host,
		Port:               config.Cfg.Port,
		JWTSecret:          config.Cfg.JWTSecret,
		AuthDisabled:       config.Cfg.AuthDisabled,
		AuthTimeout:        config.Cfg.AuthTimeout,
		HeartbeatInterval:  config.Cfg.HeartbeatInterval,
		IdleReaperInterval: config.Cfg.IdleReaperInterval,
		IdleSessionTimeout: config.Cfg.IdleSessionTimeout,
		ScrollbackMaxBytes: config.Cfg.ScrollbackMaxBytes,
		FileMaxReadBytes:   config.Cfg.FileMaxReadBytes,
		ChildCommand:       config.Cfg.ChildCommand,
		RateLimitMax:       config.Cfg.RateLimitMaxRequests,
		RateLimitWindow:    config.Cfg.RateLimitWindow,
		DataPath:           config.Cfg.DataPath,
		TLSCertFile:        config.Cfg.TLSCertFile,
		TLSKeyFile:         config.Cfg.TLSKeyFile,
	})

	if err := userhome.WritePID(os.Getpid()); err != nil {
		log.Printf("WARNING: failed to write pid file: %v", err)
	}
	defer userhome.RemovePID()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe(sigCtx) }()

	select {
	case <-sigCtx.Done():
		log.Println("[ccr serve] shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}
