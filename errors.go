package faktory

import "fmt"

// ProtocolError is returned when the server replies with an error frame,
// when a reply has an unexpected shape, when the server speaks an
// unsupported protocol version, or when a command is issued outside the
// state/role it is valid in.
type ProtocolError struct {
	Msg   string
	Cause error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("faktory: protocol error: %s: %v", e.Msg, e.Cause)
	}
	return fmt.Sprintf("faktory: protocol error: %s", e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

func newProtocolError(msg string, cause error) *ProtocolError {
	return &ProtocolError{Msg: msg, Cause: cause}
}

// ValidationError is returned when constructor arguments fail bounds or
// format checks. It is always synchronous and never reaches the server.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("faktory: validation error: %s", e.Msg)
}

func newValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// WorkerError wraps a panic or error raised by a user-registered handler.
// It is captured by the Consumer's completion callback, reported to the
// server via FAIL, and never propagated past that callback.
type WorkerError struct {
	// Errtype is reported to the server as the `errtype` FAIL field.
	Errtype string
	Msg     string
	Cause   error
}

func (e *WorkerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("faktory: worker error (%s): %s: %v", e.Errtype, e.Msg, e.Cause)
	}
	return fmt.Sprintf("faktory: worker error (%s): %s", e.Errtype, e.Msg)
}

func (e *WorkerError) Unwrap() error { return e.Cause }

// NewWorkerError builds a WorkerError with the given errtype and message.
// Handlers that want precise FAIL reporting can return one directly;
// any other error returned by a handler is reported with errtype set to
// the error's dynamic type name.
func NewWorkerError(errtype, msg string) *WorkerError {
	return &WorkerError{Errtype: errtype, Msg: msg}
}
