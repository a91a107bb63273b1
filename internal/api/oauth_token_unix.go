//go:build !windows

package api

import (
	"log/slog"
	"os/exec"
	"os/user"
	"runtime"
)

// detectTokenPlatform tries the macOS Keychain or the Linux secret service.
func detectTokenPlatform(logger *slog.Logger) string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return ""
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("security", "find-generic-password",
			"-s", "Claude Code-credentials",
			"-a", u.Username,
			"-w")
	case "linux":
		cmd = exec.Command("secret-tool", "lookup",
			"service", "Claude Code-credentials",
			"account", u.Username)
	default:
		return ""
	}

	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	token, err := parseClaudeCodeToken(out)
	if err != nil || token == "" {
		return ""
	}
	logger.Info("Claude Code token detected from system keyring", "os", runtime.GOOS)
	return token
}
