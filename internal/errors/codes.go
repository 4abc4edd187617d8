package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for progression operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeValidation     ErrorCode = 1000
	ErrCodeNotFound       ErrorCode = 1001
	ErrCodeInvalidGuildID ErrorCode = 1002
	ErrCodeInvalidUserID  ErrorCode = 1003
	ErrCodeUnknownField   ErrorCode = 1004
	ErrCodeFlowExpired    ErrorCode = 1005

	// Server errors (5xx equivalent)
	ErrCodeInternal     ErrorCode = 2000
	ErrCodeCorruptData  ErrorCode = 2001
	ErrCodeInvalidState ErrorCode = 2002
	ErrCodeExternalCall ErrorCode = 2003
	ErrCodeDmBlocked    ErrorCode = 2004
	ErrCodeDiskFull     ErrorCode = 2005
)

// StreakError represents a structured error with code and context
type StreakError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StreakError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StreakError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StreakError to gRPC status
func (e *StreakError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StreakError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeValidation, ErrCodeInvalidGuildID, ErrCodeInvalidUserID, ErrCodeUnknownField:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeFlowExpired:
		return codes.DeadlineExceeded
	case ErrCodeInvalidState:
		return codes.FailedPrecondition
	case ErrCodeCorruptData:
		return codes.DataLoss
	case ErrCodeDiskFull:
		return codes.ResourceExhausted
	case ErrCodeExternalCall, ErrCodeDmBlocked:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewStreakError creates a new StreakError
func NewStreakError(code ErrorCode, message string, cause error) *StreakError {
	return &StreakError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StreakError) WithDetail(key string, value interface{}) *StreakError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func Validation(message string) *StreakError {
	return NewStreakError(ErrCodeValidation, message, nil)
}

func OutOfRange(field string, value interface{}, min, max interface{}) *StreakError {
	return NewStreakError(ErrCodeValidation, fmt.Sprintf("invalid value %v for %s: must be between %v and %v", value, field, min, max), nil).
		WithDetail("field", field).
		WithDetail("value", value).
		WithDetail("min", min).
		WithDetail("max", max)
}

func NotFound(kind, id string) *StreakError {
	return NewStreakError(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithDetail("kind", kind).
		WithDetail("id", id)
}

func InvalidGuildID(guildID, reason string) *StreakError {
	return NewStreakError(ErrCodeInvalidGuildID, fmt.Sprintf("invalid guild ID '%s': %s", guildID, reason), nil).
		WithDetail("guild_id", guildID).
		WithDetail("reason", reason)
}

func InvalidUserID(userID, reason string) *StreakError {
	return NewStreakError(ErrCodeInvalidUserID, fmt.Sprintf("invalid user ID '%s': %s", userID, reason), nil).
		WithDetail("user_id", userID).
		WithDetail("reason", reason)
}

func UnknownField(field string, accepted []string) *StreakError {
	return NewStreakError(ErrCodeUnknownField, fmt.Sprintf("unknown field '%s': accepted fields are %v", field, accepted), nil).
		WithDetail("field", field).
		WithDetail("accepted", accepted)
}

func FlowExpired(flowID string) *StreakError {
	return NewStreakError(ErrCodeFlowExpired, fmt.Sprintf("config flow %s timed out", flowID), nil).
		WithDetail("flow_id", flowID)
}

func InternalError(message string, cause error) *StreakError {
	return NewStreakError(ErrCodeInternal, message, cause)
}

func CorruptData(path string, cause error) *StreakError {
	return NewStreakError(ErrCodeCorruptData, fmt.Sprintf("corrupt document %s", path), cause).
		WithDetail("path", path)
}

func InvalidState(message string) *StreakError {
	return NewStreakError(ErrCodeInvalidState, message, nil)
}

func ExternalCallFailed(operation string, cause error) *StreakError {
	return NewStreakError(ErrCodeExternalCall, fmt.Sprintf("%s failed", operation), cause).
		WithDetail("operation", operation)
}

func DmBlocked(userID string) *StreakError {
	return NewStreakError(ErrCodeDmBlocked, fmt.Sprintf("direct messages blocked by user %s", userID), nil).
		WithDetail("user_id", userID)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StreakError {
	return NewStreakError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

// IsStreakError checks if an error is, or wraps, a StreakError
func IsStreakError(err error) bool {
	var se *StreakError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StreakError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsNotFound reports whether err is a not-found error
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// IsDmBlocked reports whether err is a blocked direct message
func IsDmBlocked(err error) bool {
	return HasCode(err, ErrCodeDmBlocked)
}

// IsClientError reports whether err is caused by the caller's input
func IsClientError(err error) bool {
	code := GetCode(err)
	return code >= 1000 && code < 2000
}

// GRPCStatus returns the gRPC status for any error
func GRPCStatus(err error) *status.Status {
	var se *StreakError
	if stderrors.As(err, &se) {
		return se.ToGRPCStatus()
	}
	return status.New(codes.Internal, err.Error())
}
