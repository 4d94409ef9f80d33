package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateInstanceID reads the instance id from dataDir, creating a
// UUIDv7 on first use. It keeps the MQTT client id stable across
// restarts so the broker resumes the same session.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance id to %s: %w", path, err)
	}
	return id.String(), nil
}

// ClientID returns configured when set, else "wopr-" plus the last
// twelve characters of the instance id.
func ClientID(configured, instanceID string) string {
	if configured != "" {
		return configured
	}
	if len(instanceID) > 12 {
		instanceID = instanceID[len(instanceID)-12:]
	}
	return "wopr-" + instanceID
}
