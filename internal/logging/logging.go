// Package logging sets up the broker's dual stdout+file sink and backs
// the debug log endpoints the broker exposes over HTTP.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ccr-tools/ccr/internal/config"
	"github.com/ccr-tools/ccr/internal/logutil"
)

// fallbackPath is used only if config.Cfg.LogPath somehow arrives empty;
// config.Load always resolves the `~` in its own default before Init
// runs, so in practice this is a belt-and-suspenders path.
const fallbackPath = "~/.ccr/ccr.log"

var (
	logFile *os.File
	mu      sync.Mutex
)

// resolvedPath returns the log file's configured path, falling back if
// config never populated it.
func resolvedPath() string {
	if config.Cfg.LogPath != "" {
		return config.Cfg.LogPath
	}
	return fallbackPath
}

// Init opens the log file at config.Cfg.LogPath and tees every log.*
// call to both it and stdout. Must be called after config.Load(). A
// failure to open the file is logged but non-fatal: the broker keeps
// running with stdout-only logging rather than refusing to start.
func Init() {
	path := resolvedPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", logutil.SanitizeForLog(path), err)
		return
	}

	mu.Lock()
	logFile = f
	mu.Unlock()

	log.SetOutput(io.MultiWriter(os.Stdout, f))
	log.Printf("[logging] writing to %s", logutil.SanitizeForLog(path))
}

// ReadTail returns the last n lines of the log file, joined with "\n".
// Backs the broker's GET /api/debug/logs endpoint. Returns "" with no
// error if the file does not exist yet.
func ReadTail(n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(resolvedPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// Clear truncates the log file in place, preserving the open descriptor
// Init holds so subsequent writes keep landing in the same file. Backs
// the broker's DELETE /api/debug/logs endpoint.
func Clear() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		if err := logFile.Truncate(0); err != nil {
			return fmt.Errorf("truncate log file: %w", err)
		}
		if _, err := logFile.Seek(0, 0); err != nil {
			return fmt.Errorf("seek log file: %w", err)
		}
		return nil
	}

	return os.Truncate(resolvedPath(), 0)
}
