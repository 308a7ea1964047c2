package auth

import (
	"errors"
	"os"
	"strings"
)

// TokenSource yields the currently-valid bearer token for the channel. The
// tracking subsystem never writes auth state, it only reads whatever the
// surrounding application stored.
type TokenSource interface {
	Token() (string, error)
}

// ErrTokenMissing is returned when the source holds no credential.
var ErrTokenMissing = errors.New("no token in store")

// StaticToken is a fixed in-memory token, mostly for tests.
type StaticToken string

func (t StaticToken) Token() (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", ErrTokenMissing
	}
	return string(t), nil
}

// FileTokenSource reads the token from a file, falling back to the
// LIVETRACK_TOKEN environment variable when the path is empty. This mirrors
// how the original application pulled the credential out of session storage.
type FileTokenSource struct {
	Path string
}

func (f FileTokenSource) Token() (string, error) {
	if f.Path == "" {
		if tok := strings.TrimSpace(os.Getenv("LIVETRACK_TOKEN")); tok != "" {
			return tok, nil
		}
		return "", ErrTokenMissing
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return "", err
	}
	tok := strings.TrimSpace(string(raw))
	if tok == "" {
		return "", ErrTokenMissing
	}
	return tok, nil
}
