package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultStoragePath returns the IDE's globalStorage location for the
// current user, where the desktop app persists its auth state.
func DefaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home,
		"Library", "Application Support", "Trae CN", "User", "globalStorage", "storage.json")
}

// TokenFromStorage extracts the cloudide access token from the IDE's
// storage.json. The auth blob lives under a key containing both
// "iCubeAuthInfo" and "cloudide", itself JSON-encoded as a string.
func TokenFromStorage(path string) (string, error) {
	if path == "" {
		path = DefaultStoragePath()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read storage: %w", err)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return "", fmt.Errorf("parse storage: %w", err)
	}

	for key, val := range entries {
		if !strings.Contains(key, "iCubeAuthInfo") || !strings.Contains(key, "cloudide") {
			continue
		}

		// The value is a JSON string wrapping another JSON object.
		var inner string
		if err := json.Unmarshal(val, &inner); err != nil {
			inner = string(val)
		}

		var authInfo struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal([]byte(inner), &authInfo); err != nil {
			return "", fmt.Errorf("parse auth info: %w", err)
		}
		if authInfo.Token == "" {
			return "", fmt.Errorf("auth info in %s carries no token", path)
		}
		return authInfo.Token, nil
	}

	return "", fmt.Errorf("no cloudide auth entry in %s", path)
}
