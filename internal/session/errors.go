package session

import "errors"

// Request-scoped errors. Session-level faults are recorded on the session instead.
var (
	ErrSessionNotFound   = errors.New("session not initialized")
	ErrSessionCapReached = errors.New("worker session cap reached")
	ErrSessionNotLinked  = errors.New("whatsapp session not linked")
	ErrInvalidRecipient  = errors.New("invalid recipient")
	ErrEmptyPayload      = errors.New("nothing to send")
	ErrMediaFetchFailed  = errors.New("media fetch failed")
	ErrSendFailed        = errors.New("send failed")
	ErrGroupNotFound     = errors.New("group not found")
)

// Retryable reports whether the caller may retry the request later.
func Retryable(err error) bool {
	return errors.Is(err, ErrMediaFetchFailed)
}
