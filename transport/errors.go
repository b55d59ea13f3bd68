package transport

import "errors"

// Error kinds raised by the transport layer. Each is a sentinel wrapped
// with context via fmt.Errorf("...: %w", err) at the point it is raised,
// so callers can errors.Is against the kind without parsing strings.
var (
	ErrUnsupportedVersion        = errors.New("unsupported protocol version")
	ErrMalformedPacket           = errors.New("malformed packet")
	ErrBadPadding                = errors.New("bad padding")
	ErrMACError                  = errors.New("mac verification failed")
	ErrUnexpectedMessage         = errors.New("unexpected message")
	ErrNoAlgorithmMatch          = errors.New("no common algorithm")
	ErrHostKeyRejected           = errors.New("host key rejected")
	ErrHostKeyVerificationFailed = errors.New("host key verification failed")
	ErrKexFailed                 = errors.New("key exchange failed")
	ErrConnectionLost            = errors.New("connection lost")
	ErrTimeout                   = errors.New("operation timed out")
	ErrCancelled                 = errors.New("operation cancelled")
)

// DisconnectError is returned when either side sends (or this side emits)
// an SSH_MSG_DISCONNECT. It carries the RFC 4253 reason code so callers can
// distinguish e.g. a MAC failure from a clean shutdown.
type DisconnectError struct {
	Reason      uint32
	Description string
}

func (e *DisconnectError) Error() string {
	return "disconnect: " + e.Description
}
