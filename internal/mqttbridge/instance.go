package mqttbridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// loadOrCreateInstanceID reads a per-user MQTT client identity from a
// file in dataDir, or generates a new UUIDv7 and persists it if the
// file does not exist. A stable client ID lets the broker recognize
// reconnects from the same bridge instance across process restarts.
func loadOrCreateInstanceID(dataDir, userID string) (string, error) {
	path := filepath.Join(dataDir, "mqtt_instance_"+userID)

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate mqtt instance ID for user %s: %w", userID, err)
	}

	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist mqtt instance ID to %s: %w", path, err)
	}
	return idStr, nil
}
