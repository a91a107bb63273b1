//go:build windows

package api

import "log/slog"

// detectTokenPlatform has no keyring source on Windows; Claude Code keeps
// the credentials file only.
func detectTokenPlatform(*slog.Logger) string {
	return ""
}
