// ABOUTME: Discovers stored account credentials in the sessions directory
// ABOUTME: Each account is a {name}.session blob paired with {name}.json keys

package telegram

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/leadwatch/leadwatch/internal/platform"
)

type credentialFile struct {
	AppID   int    `json:"app_id"`
	AppHash string `json:"app_hash"`
	Phone   string `json:"phone"`
}

// LoadCredentials scans dir for {name}.json files with a matching
// {name}.session and returns the usable pairs. Malformed or incomplete
// entries are logged and skipped rather than failing the whole scan.
func LoadCredentials(dir string, logger *slog.Logger) ([]platform.Credential, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var creds []platform.Credential
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		sessionPath := filepath.Join(dir, name+".session")
		if _, err := os.Stat(sessionPath); err != nil {
			logger.Warn("skipping credential without session file", "name", name)
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.Warn("skipping unreadable credential", "name", name, "error", err)
			continue
		}
		var cf credentialFile
		if err := json.Unmarshal(raw, &cf); err != nil {
			logger.Warn("skipping malformed credential", "name", name, "error", err)
			continue
		}
		if cf.AppID == 0 || cf.AppHash == "" {
			logger.Warn("skipping credential without api keys", "name", name)
			continue
		}

		creds = append(creds, platform.Credential{
			Name:        name,
			SessionPath: sessionPath,
			AppID:       cf.AppID,
			AppHash:     cf.AppHash,
			Phone:       cf.Phone,
		})
	}
	return creds, nil
}
