package bot

import (
	"fmt"
	"os"
	"path/filepath"
)

// artifactPath returns the flat-directory file path for one
// (bot, symbol, timeframe) artifact.
func artifactPath(dir, botName, symbol, tf string) string {
	name := fmt.Sprintf("%s__%s__%s.artifact", botName, symbol, tf)
	return filepath.Join(dir, name)
}

// saveArtifact writes payload via the atomic-rename publish discipline:
// write to a temp path in the same directory, then rename. Readers
// during training always see either the old artifact or the fully
// written new one, never a partial write.
func saveArtifact(dir, botName, symbol, tf string, payload []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("bot artifact mkdir: %w", err)
	}
	final := artifactPath(dir, botName, symbol, tf)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return "", fmt.Errorf("bot artifact write: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", fmt.Errorf("bot artifact rename: %w", err)
	}
	return final, nil
}

// loadArtifact reads the current artifact, or (nil, false) if none has
// been saved yet.
func loadArtifact(dir, botName, symbol, tf string) ([]byte, bool) {
	path := artifactPath(dir, botName, symbol, tf)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}
