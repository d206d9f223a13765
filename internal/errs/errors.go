package errs

type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrMissingToken  = Error("missing authentication token")
	ErrInvalidToken  = Error("invalid token")
	ErrUserNotFound  = Error("user not found")
	ErrAuthFailed    = Error("authentication failed")
	ErrConnClosed    = Error("connection closed")
	ErrSlowConsumer  = Error("connection send buffer full")
	ErrUnknownEvent  = Error("unknown event")
	ErrInvalidFrame  = Error("invalid frame")
	ErrBusClosed     = Error("event bus closed")
	ErrInvalidChange = Error("invalid change record")
	ErrMissingConfig = Error("missing required config")
)
