package mqtt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	clientIDPrefix = "sensorwatch-"
	clientIDFile   = "client_id"
)

// ResolveClientID picks the broker client identifier. A configured id
// wins. Otherwise a UUIDv7-based id is generated once and kept in
// dataDir/client_id so restarts reclaim the same broker session.
func ResolveClientID(configured, dataDir string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	path := filepath.Join(dataDir, clientIDFile)
	switch raw, err := os.ReadFile(path); {
	case err == nil:
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("read client id: %w", err)
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	id := clientIDPrefix + u.String()

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist client id: %w", err)
	}
	return id, nil
}
