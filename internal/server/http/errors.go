package httpserver

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/and161185/ledgersync/internal/errs"
)

// Error codes carried in {"error":{"code": ...}}.
const (
	codeValidation       = "VALIDATION_ERROR"
	codeNotAuthenticated = "NOT_AUTHENTICATED"
	codeInvalidState     = "INVALID_STATE"
	codeUpstream         = "UPSTREAM_ERROR"
	codeMalformed        = "MALFORMED_UPSTREAM_RECORD"
	codeRateLimited      = "RATE_LIMITED"
	codeNotFound         = "NOT_FOUND"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	codeBusy             = "SYNC_BUSY"
	codeInternal         = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the uniform error body. upstream is omitted when zero.
func writeError(w http.ResponseWriter, status int, code, message string, upstream int) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message, UpstreamStatus: upstream}})
}

// mapError translates service errors into status, code, message and upstream status.
func mapError(err error) (int, string, string, int) {
	var ue *errs.UpstreamError
	upstream, detail := 0, err.Error()
	if errors.As(err, &ue) {
		upstream = ue.Status
		detail = ue.Err.Error()
		if ue.Body != "" {
			detail += ": " + ue.Body
		}
	}

	switch {
	case errors.Is(err, errs.ErrNotAuthenticated):
		return http.StatusUnauthorized, codeNotAuthenticated, "not connected to QuickBooks; open /login first", 0
	case errors.Is(err, errs.ErrInvalidState):
		return http.StatusBadRequest, codeInvalidState, "invalid or expired state parameter", 0
	case errors.Is(err, errs.ErrCodeExchangeFailed),
		errors.Is(err, errs.ErrTokenRefreshFailed),
		errors.Is(err, errs.ErrRemoteQueryFailed):
		return http.StatusBadRequest, codeUpstream, detail, upstream
	case errors.Is(err, errs.ErrMalformedRemoteRecord):
		return http.StatusBadGateway, codeMalformed, err.Error(), 0
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests, codeRateLimited, err.Error(), 0
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, codeNotFound, "not found", 0
	case errors.Is(err, errs.ErrLockBusy):
		return http.StatusServiceUnavailable, codeBusy, "sync in progress elsewhere, retry later", 0
	default:
		return http.StatusInternalServerError, codeInternal, "internal error", 0
	}
}

// fail maps err, logs server-side failures and writes the error body.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg, upstream := mapError(err)
	var rl *errs.RateLimitError
	if errors.As(err, &rl) {
		secs := int(math.Max(1, math.Ceil(rl.RetryAfter.Seconds())))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		s.log.Debug("request rejected", zap.String("path", r.URL.Path), zap.String("code", code), zap.Error(err))
	}
	writeError(w, status, code, msg, upstream)
}
