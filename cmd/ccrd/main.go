// Command ccrd is the server binary: it loads configuration, starts the
// broker's combined HTTP+WebSocket listener, and blocks until SIGINT or
// SIGTERM, shutting down every live session before it exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ccr-tools/ccr/internal/auth"
	"github.com/ccr-tools/ccr/internal/broker"
	"github.com/ccr-tools/ccr/internal/config"
	"github.com/ccr-tools/ccr/internal/logging"
	"github.com/ccr-tools/ccr/internal/userhome"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--print-token":
			runPrintToken()
			return
		case "--rotate-secret":
			runRotateSecret()
			return
		}
	}

	config.Load()
	logging.Init()

	certFile, keyFile := resolveTLSFiles()

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
		ChildCommand:       config.Cfg.ChildCommand,
		RateLimitMax:       config.Cfg.RateLimitMaxRequests,
		RateLimitWindow:    config.Cfg.RateLimitWindow,
		FileMaxReadBytes:   config.Cfg.FileMaxReadBytes,
		DataPath:           config.Cfg.DataPath,
		TLSCertFile:        certFile,
		TLSKeyFile:         keyFile,
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
		log.Println("[ccrd] shutting down")
	case err := <-errCh:
		if err != nil {
			log.Fatalf("[ccrd] listener error: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("[ccrd] shutdown error: %v", err)
	}
	log.Println("[ccrd] stopped")
}

// resolveTLSFiles returns the TLS cert/key pair to serve with. An
// explicit CCR_TLS_CERT_FILE/CCR_TLS_KEY_FILE pair wins; otherwise, if a
// cert and key already exist at the conventional ~/.ccr/certs/ location
// (left there by an operator, or by a previous run of some other tool),
// they're picked up automatically. ccrd never generates that material
// itself — provisioning a self-signed pair is left to the operator.
func resolveTLSFiles() (cert, key string) {
	if config.Cfg.TLSCertFile != "" && config.Cfg.TLSKeyFile != "" {
		return config.Cfg.TLSCertFile, config.Cfg.TLSKeyFile
	}

	certPath, keyPath, err := userhome.CertPaths()
	if err != nil {
		return config.Cfg.TLSCertFile, config.Cfg.TLSKeyFile
	}
	if _, err := os.Stat(certPath); err != nil {
		return config.Cfg.TLSCertFile, config.Cfg.TLSKeyFile
	}
	if _, err := os.Stat(keyPath); err != nil {
		return config.Cfg.TLSCertFile, config.Cfg.TLSKeyFile
	}

	log.Printf("[ccrd] using TLS material found at %s", filepath.Dir(certPath))
	return certPath, keyPath
}

// runPrintToken mints a fresh access token against the current (or
// newly bootstrapped) signing secret and writes it to ~/.ccr/token, the
// same file cmd/ccr reads by default.
func runPrintToken() {
	fs := flag.NewFlagSet("--print-token", flag.ExitOnError)
	fs.Parse(os.Args[2:])

	config.Load()
	token, err := auth.CreateAccessToken(config.Cfg.JWTSecret)
	if err != nil {
		log.Fatalf("failed to mint token: %v", err)
	}
	if err := userhome.WriteToken(token); err != nil {
		log.Fatalf("failed to persist token: %v", err)
	}
	fmt.Println(token)
}

// runRotateSecret regenerates the broker's signing secret, invalidating
// every previously issued token.
func runRotateSecret() {
	config.Load()
	secret, err := auth.GenerateSecret()
	if err != nil {
		log.Fatalf("failed to generate secret: %v", err)
	}
	if err := userhome.WriteConfigJSON(config.Cfg.Host, config.Cfg.Port, secret); err != nil {
		log.Fatalf("failed to persist secret: %v", err)
	}
	fmt.Println("secret rotated; all previously issued tokens are now invalid")
}
