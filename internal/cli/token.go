package cli

import (
	"fmt"
	"time"

	"livetrack/internal/common/auth"
)

// GenerateUserToken mints a short-lived JWT for local development: the
// serve mode validates it, the track/spectate modes present it. Keep this
// out of production code paths.
func GenerateUserToken(secret string, userID int64, role string, ttl time.Duration) (string, *auth.Claims, error) {
	mgr := auth.NewManager(secret, ttl)
	token, err := mgr.IssueUserToken(userID, role)
	if err != nil {
		return "", nil, fmt.Errorf("issue token: %w", err)
	}
	claims, err := mgr.ParseAndValidate(token)
	if err != nil {
		return "", nil, fmt.Errorf("verify freshly issued token: %w", err)
	}
	return token, claims, nil
}
