package track

import "errors"

// Stable machine-readable rejection codes carried in result envelopes.
const (
	CodeAlreadyTracking = "ALREADY_TRACKING"
	CodeNotTracking     = "NOT_TRACKING"
	CodeNotAuthorized   = "NOT_AUTHORIZED"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeBadRequest      = "BAD_REQUEST"
)

// DomainError is a business-rule rejection from the backend (or a local
// precondition check), as opposed to a transport failure.
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewDomainError(code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

func (e *DomainError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// AsDomainError unwraps err to a *DomainError, or returns nil.
func AsDomainError(err error) *DomainError {
	var derr *DomainError
	if errors.As(err, &derr) {
		return derr
	}
	return nil
}

// Transport-level sentinels.
var (
	ErrNotConnected       = errors.New("tracking channel is not connected")
	ErrNoToken            = errors.New("no valid auth token")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)
