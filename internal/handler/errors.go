package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	streakerrors "github.com/devrev/streakd/internal/errors"
	"github.com/devrev/streakd/internal/middleware"
)

// ErrorCode is the string error code returned to API clients
type ErrorCode string

const (
	ErrorCodeInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrorCodeValidation       ErrorCode = "VALIDATION_FAILED"
	ErrorCodeUnknownField     ErrorCode = "UNKNOWN_FIELD"
	ErrorCodeGuildNotFound    ErrorCode = "GUILD_NOT_FOUND"
	ErrorCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrorCodeFlowExpired      ErrorCode = "FLOW_EXPIRED"
	ErrorCodeCorruptData      ErrorCode = "CORRUPT_DATA"
	ErrorCodeInvalidState     ErrorCode = "INVALID_STATE"
	ErrorCodeExternalCall     ErrorCode = "EXTERNAL_CALL_FAILED"
	ErrorCodeDiskFull         ErrorCode = "DISK_FULL"
	ErrorCodeInternalError    ErrorCode = "INTERNAL_ERROR"
	ErrorCodeMethodNotAllowed ErrorCode = "METHOD_NOT_ALLOWED"
)

// ErrorResponse is the body of every error response
type ErrorResponse struct {
	Status    string                 `json:"status"`
	ErrorCode ErrorCode              `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// ErrorHandler writes error responses
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleError maps err to a status code and writes the error body
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	st := streakerrors.GRPCStatus(err)
	statusCode := GRPCToHTTPStatus(st.Code())
	errorCode := errorCodeFor(err)

	var details map[string]interface{}
	if se := asStreakError(err); se != nil && streakerrors.IsClientError(err) && len(se.Details) > 0 {
		details = se.Details
	}

	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.RequestIDFrom(r.Context())),
			zap.Error(err))
	}
	h.write(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   err.Error(),
		Details:   details,
		RequestID: middleware.RequestIDFrom(r.Context()),
	})
}

// WriteErrorResponse writes an error body with an explicit status code
func (h *ErrorHandler) WriteErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errorCode ErrorCode, message string) {
	h.write(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: middleware.RequestIDFrom(r.Context()),
	})
}

// WriteValidationError writes a 400 for a malformed request
func (h *ErrorHandler) WriteValidationError(w http.ResponseWriter, r *http.Request, message string) {
	h.WriteErrorResponse(w, r, http.StatusBadRequest, ErrorCodeInvalidRequest, message)
}

func (h *ErrorHandler) write(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	h.logger.Debug("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", string(resp.ErrorCode)),
		zap.String("message", resp.Message),
		zap.String("request_id", resp.RequestID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// GRPCToHTTPStatus converts a gRPC status code to an HTTP status code
func GRPCToHTTPStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.ResourceExhausted:
		return http.StatusInsufficientStorage
	case codes.DeadlineExceeded:
		return http.StatusGone
	case codes.Unavailable:
		return http.StatusBadGateway
	case codes.Unimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func errorCodeFor(err error) ErrorCode {
	switch streakerrors.GetCode(err) {
	case streakerrors.ErrCodeValidation, streakerrors.ErrCodeInvalidGuildID, streakerrors.ErrCodeInvalidUserID:
		return ErrorCodeValidation
	case streakerrors.ErrCodeUnknownField:
		return ErrorCodeUnknownField
	case streakerrors.ErrCodeNotFound:
		if se := asStreakError(err); se != nil && se.Details["kind"] == "guild" {
			return ErrorCodeGuildNotFound
		}
		return ErrorCodeNotFound
	case streakerrors.ErrCodeFlowExpired:
		return ErrorCodeFlowExpired
	case streakerrors.ErrCodeCorruptData:
		return ErrorCodeCorruptData
	case streakerrors.ErrCodeInvalidState:
		return ErrorCodeInvalidState
	case streakerrors.ErrCodeExternalCall, streakerrors.ErrCodeDmBlocked:
		return ErrorCodeExternalCall
	case streakerrors.ErrCodeDiskFull:
		return ErrorCodeDiskFull
	default:
		return ErrorCodeInternalError
	}
}

func asStreakError(err error) *streakerrors.StreakError {
	var se *streakerrors.StreakError
	if errors.As(err, &se) {
		return se
	}
	return nil
}
