// Package userhome resolves and manages the files ccr keeps under
// ~/.ccr: config.json (port, host, jwtSecret), token (the current
// access token), server.pid, and certs/ (self-signed TLS material). This
// persistence layer is deliberately thin — plain JSON, no migrations, no
// watching — the broker's real state lives in memory, not on disk.
package userhome

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
)

// dirName is the directory under the user's home holding all persisted
// ccr state.
const dirName = ".ccr"

// Expand resolves a leading `~` in path to the user's home directory,
// mirroring the shell convention used throughout ccr's config defaults.
func Expand(path string) (string, error) {
	return homedir.Expand(path)
}

// Dir returns the absolute path to ~/.ccr, creating it if necessary.
func Dir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, dirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func path(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// configFile is the on-disk shape of ~/.ccr/config.json.
type configFile struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	JWTSecret string `json:"jwtSecret"`
}

// WriteConfigJSON persists host/port/secret to ~/.ccr/config.json.
func WriteConfigJSON(host string, port int, jwtSecret string) error {
	p, err := path("config.json")
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(configFile{Host: host, Port: port, JWTSecret: jwtSecret}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, b, 0o600)
}

// ReadConfigJWTSecret returns the jwtSecret field of ~/.ccr/config.json, if
// the file exists and parses.
func ReadConfigJWTSecret() (string, error) {
	p, err := path("config.json")
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	var cf configFile
	if err := json.Unmarshal(b, &cf); err != nil {
		return "", err
	}
	return cf.JWTSecret, nil
}

// WriteToken persists the current access token to ~/.ccr/token.
func WriteToken(token string) error {
	p, err := path("token")
	if err != nil {
		return err
	}
	return os.WriteFile(p, []byte(strings.TrimSpace(token)+"\n"), 0o600)
}

// ReadToken returns the token persisted by WriteToken.
func ReadToken() (string, error) {
	p, err := path("token")
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// WritePID persists the current process id to ~/.ccr/server.pid.
func WritePID(pid int) error {
	p, err := path("server.pid")
	if err != nil {
		return err
	}
	return os.WriteFile(p, []byte(strconv.Itoa(pid)), 0o644)
}

// RemovePID deletes ~/.ccr/server.pid, best-effort, on shutdown.
func RemovePID() error {
	p, err := path("server.pid")
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// CertPaths returns the conventional self-signed TLS cert/key locations
// under ~/.ccr/certs/.
func CertPaths() (cert, key string, err error) {
	dir, err := Dir()
	if err != nil {
		return "", "", err
	}
	certsDir := filepath.Join(dir, "certs")
	if err := os.MkdirAll(certsDir, 0o700); err != nil {
		return "", "", fmt.Errorf("create certs dir: %w", err)
	}
	return filepath.Join(certsDir, "server.crt"), filepath.Join(certsDir, "server.key"), nil
}
