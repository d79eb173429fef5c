package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dabbishpuppy/react.chatastic.ai-sub002/types"
)

// maxBodyBytes caps request bodies; ingestion payloads carry documents,
// so the limit is generous.
const maxBodyBytes = 10 << 20

// Response is the uniform JSON envelope for non-streaming endpoints.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorInfo is the wire form of a failure.
type ErrorInfo struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Retryable  bool     `json:"retryable,omitempty"`
	Phase      string   `json:"phase,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

// WriteJSON writes a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess wraps data in the success envelope.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{Success: true, Data: data, Timestamp: time.Now()})
}

// WriteError maps pipeline errors onto the error envelope. Validation
// errors list every violation; structured errors keep their code, phase,
// and retryability; anything else becomes an opaque internal error.
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		writeErrorInfo(w, http.StatusBadRequest, &ErrorInfo{
			Code:       string(types.ErrValidation),
			Message:    "request validation failed",
			Violations: verr.Violations,
		}, logger)
		return
	}

	var terr *types.Error
	if errors.As(err, &terr) {
		status := terr.HTTPStatus
		if status == 0 {
			status = statusForCode(terr.Code)
		}
		writeErrorInfo(w, status, &ErrorInfo{
			Code:      string(terr.Code),
			Message:   terr.Message,
			Retryable: terr.Retryable,
			Phase:     terr.Phase,
		}, logger)
		return
	}

	writeErrorInfo(w, http.StatusInternalServerError, &ErrorInfo{
		Code:    string(types.ErrInternalError),
		Message: "internal error",
	}, logger)
}

func writeErrorInfo(w http.ResponseWriter, status int, info *ErrorInfo, logger *zap.Logger) {
	if logger != nil {
		logger.Warn("request failed",
			zap.String("code", info.Code),
			zap.String("message", info.Message),
			zap.Int("status", status))
	}
	WriteJSON(w, status, Response{Success: false, Error: info, Timestamp: time.Now()})
}

func statusForCode(code types.ErrorCode) int {
	switch code {
	case types.ErrValidation, types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrQuotaExceeded:
		return http.StatusPaymentRequired
	case types.ErrContentFiltered:
		return http.StatusUnprocessableEntity
	case types.ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case types.ErrUpstreamError, types.ErrUpstreamProvider, types.ErrProviderUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSONBody parses the request body into dst, writing the error
// response itself on failure.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "malformed JSON body").WithCause(err).WithHTTPStatus(http.StatusBadRequest), logger)
		return err
	}
	return nil
}

// RequireMethod rejects other verbs with 405.
func RequireMethod(w http.ResponseWriter, r *http.Request, method string, logger *zap.Logger) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		WriteError(w, types.NewError(types.ErrInvalidRequest, "method not allowed").WithHTTPStatus(http.StatusMethodNotAllowed), logger)
		return false
	}
	return true
}
