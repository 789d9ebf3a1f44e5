package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/ccr-tools/ccr/internal/auth"
	"github.com/ccr-tools/ccr/internal/userhome"
)

// Settings is the broker's ambient configuration, loaded from CCR_*
// environment variables with defaults suitable for local development.
type Settings struct {
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	Port int    `envconfig:"PORT" default:"3100"`

	DataPath     string `envconfig:"DATA_PATH" default:"~/.ccr/sessions"`
	LogPath      string `envconfig:"LOG_PATH" default:"~/.ccr/ccr.log"`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`

	// ChildCommand overrides the candidate-list resolution in
	// internal/ptysession when set, letting operators pin the exact CLI
	// assistant binary a session spawns.
	ChildCommand string `envconfig:"CHILD_COMMAND" default:""`

	JWTSecret string `envconfig:"JWT_SECRET" default:""`

	ScrollbackMaxBytes int           `envconfig:"SCROLLBACK_MAX_BYTES" default:"1048576"`
	IdleSessionTimeout time.Duration `envconfig:"IDLE_SESSION_TIMEOUT" default:"30m"`
	IdleReaperInterval time.Duration `envconfig:"IDLE_REAPER_INTERVAL" default:"5m"`
	HeartbeatInterval  time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	AuthTimeout        time.Duration `envconfig:"AUTH_TIMEOUT" default:"5s"`

	RateLimitMaxRequests int           `envconfig:"RATE_LIMIT_MAX_REQUESTS" default:"200"`
	RateLimitWindow      time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1s"`

	FileMaxReadBytes int64 `envconfig:"FILE_MAX_READ_BYTES" default:"5242880"`

	TLSCertFile string `envconfig:"TLS_CERT_FILE" default:""`
	TLSKeyFile  string `envconfig:"TLS_KEY_FILE" default:""`
}

// TLSEnabled reports whether both halves of a TLS keypair were configured.
func (s Settings) TLSEnabled() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

var Cfg Settings

// Load populates Cfg from the environment, resolving `~` in DataPath and
// bootstrapping a JWT signing secret on first run if none was supplied.
// Persisted state lives under ~/.ccr (see internal/userhome), matching the
// persisted-state list: config.json, token, server.pid, certs/.
func Load() {
	if err := envconfig.Process("CCR", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	resolved, err := userhome.Expand(Cfg.DataPath)
	if err != nil {
		log.Fatalf("failed to resolve data path %q: %v", Cfg.DataPath, err)
	}
	Cfg.DataPath = resolved

	resolvedLog, err := userhome.Expand(Cfg.LogPath)
	if err != nil {
		log.Fatalf("failed to resolve log path %q: %v", Cfg.LogPath, err)
	}
	Cfg.LogPath = resolvedLog

	if Cfg.JWTSecret == "" {
		secret, err := loadOrCreateSecret()
		if err != nil {
			log.Fatalf("failed to load or create jwt secret: %v", err)
		}
		Cfg.JWTSecret = secret
	}
}

// loadOrCreateSecret reads the persisted secret from ~/.ccr/config.json if
// present, otherwise mints a fresh one and persists it so that restarting
// the server doesn't invalidate every client's token.
func loadOrCreateSecret() (string, error) {
	existing, err := userhome.ReadConfigJWTSecret()
	if err == nil && existing != "" {
		return existing, nil
	}

	secret, err := auth.GenerateSecret()
	if err != nil {
		return "", err
	}
	if err := userhome.WriteConfigJSON(Cfg.Host, Cfg.Port, secret); err != nil {
		return "", err
	}
	return secret, nil
}
