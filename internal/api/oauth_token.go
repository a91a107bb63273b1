package api

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// claudeCodeCredentials is the credentials JSON Claude Code stores in the
// keychain or ~/.claude/.credentials.json.
type claudeCodeCredentials struct {
	ClaudeAiOauth struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresAt    int64  `json:"expiresAt"` // Unix milliseconds
	} `json:"claudeAiOauth"`
}

// parseClaudeCodeToken extracts the OAuth access token.
func parseClaudeCodeToken(data []byte) (string, error) {
	var creds claudeCodeCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", err
	}
	return strings.TrimSpace(creds.ClaudeAiOauth.AccessToken), nil
}

// DetectClaudeCodeToken looks for a Claude Code OAuth token in the platform
// credential store, then in ~/.claude/.credentials.json. It returns "" when
// none is found.
func DetectClaudeCodeToken(logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	if token := detectTokenPlatform(logger); token != "" {
		return token
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return tokenFromFile(logger, filepath.Join(home, ".claude", ".credentials.json"))
}

func tokenFromFile(logger *slog.Logger, path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	token, err := parseClaudeCodeToken(data)
	if err != nil || token == "" {
		return ""
	}
	logger.Info("Claude Code token detected from credentials file", "path", path)
	return token
}
