package errors

import "net/http"

// ErrorCode identifies a failure class. Codes double as the error codes sent
// to clients in protocol error payloads.
type ErrorCode string

const (
	Success           ErrorCode = "OK"
	Internal          ErrorCode = "INTERNAL"
	InvalidParams     ErrorCode = "INVALID_PARAMS"
	ConfigError       ErrorCode = "CONFIG_ERROR"
	NotFound          ErrorCode = "NOT_FOUND"
	WorkspaceError    ErrorCode = "WORKSPACE_ERROR"
	CompileFailure    ErrorCode = "COMPILE_FAILURE"
	ProcessStartError ErrorCode = "PROCESS_START_ERROR"
	SessionNotRunning ErrorCode = "SESSION_NOT_RUNNING"
	CapacityExceeded  ErrorCode = "CAPACITY_EXCEEDED"
	Timeout           ErrorCode = "TIMEOUT"
	InputQueueFull    ErrorCode = "INPUT_QUEUE_FULL"
)

var errorMessages = map[ErrorCode]string{
	Success:           "Success",
	Internal:          "Internal error",
	InvalidParams:     "Invalid parameters",
	ConfigError:       "Invalid configuration",
	NotFound:          "Resource not found",
	WorkspaceError:    "Workspace operation failed",
	CompileFailure:    "Compilation failed",
	ProcessStartError: "Process could not be started",
	SessionNotRunning: "Session is not running",
	CapacityExceeded:  "Session capacity exceeded",
	Timeout:           "Operation timed out",
	InputQueueFull:    "Session input queue is full",
}

// Message returns the default message for the code.
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case Success:
		return http.StatusOK
	case InvalidParams:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case SessionNotRunning:
		return http.StatusConflict
	case CompileFailure:
		return http.StatusUnprocessableEntity
	case CapacityExceeded:
		return http.StatusServiceUnavailable
	case InputQueueFull:
		return http.StatusTooManyRequests
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
