package auth

import (
	"log/slog"
	"os"
	"strings"
)

// TokenProvider supplies the bearer token on demand. ok is false when no
// token is available; the chat core treats that as a fatal precondition.
type TokenProvider func() (token string, ok bool)

// Static always returns token.
func Static(token string) TokenProvider {
	token = strings.TrimSpace(token)
	return func() (string, bool) {
		return token, token != ""
	}
}

// File reads the token from path on every call so a token refreshed by
// another process is picked up on the next connect.
func File(path string) TokenProvider {
	return func() (string, bool) {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("token file unreadable", "path", path, "error", err)
			return "", false
		}
		token := strings.TrimSpace(string(data))
		return token, token != ""
	}
}

// First returns the first provider that yields a token.
func First(providers ...TokenProvider) TokenProvider {
	return func() (string, bool) {
		for _, p := range providers {
			if p == nil {
				continue
			}
			if token, ok := p(); ok {
				return token, true
			}
		}
		return "", false
	}
}
