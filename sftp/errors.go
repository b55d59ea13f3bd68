package sftp

import (
	"errors"
	"fmt"
)

// Error kinds raised by this package beyond StatusError. Each is wrapped
// with context via fmt.Errorf("...: %w", err) at the point it is raised.
var (
	ErrConnectionLost  = errors.New("connection lost")
	ErrTimeout         = errors.New("operation timed out")
	ErrCancelled       = errors.New("operation cancelled")
	ErrUnexpectedReply = errors.New("unexpected sftp reply")
	ErrVersionMismatch = errors.New("unsupported sftp version")
)

// StatusError wraps a non-OK SSH_FXP_STATUS reply, carrying the server's
// status code and message verbatim.
type StatusError struct {
	Code    uint32
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sftp: %s (code %d)", e.Message, e.Code)
}

// IsNotExist reports whether err is a StatusError for a missing file.
func IsNotExist(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == StatusNoSuchFile
}

// IsPermission reports whether err is a StatusError for a permission
// failure.
func IsPermission(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == StatusPermissionDenied
}

func statusError(code uint32, msg string) error {
	if code == StatusOK {
		return nil
	}
	return &StatusError{Code: code, Message: msg}
}
