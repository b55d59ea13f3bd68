package auth

import (
	"errors"
	"strings"
)

// ErrAuthenticationFailed is the sentinel behind [FailureError], returned
// when the server rejects every method this engine tried.
var ErrAuthenticationFailed = errors.New("authentication failed")

// FailureError carries the server's accepted-method list alongside a
// rejection, so a caller can report e.g. "server only accepts: publickey".
type FailureError struct {
	Methods []string
}

func (e *FailureError) Error() string {
	msg := "authentication failed"
	if len(e.Methods) > 0 {
		msg += ": server accepts " + strings.Join(e.Methods, ", ")
	}
	return msg
}

func (e *FailureError) Unwrap() error { return ErrAuthenticationFailed }
