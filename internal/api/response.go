package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/austindbirch/courier/internal/delivery"
	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/queue"
)

const (
	headerContentType   = "Content-Type"
	contentTypeJSONUTF8 = "application/json; charset=utf-8"
)

// HTTPError carries a status code and a message that is safe to show to the
// caller.
type HTTPError struct {
	cause   error
	Code    int
	Message string
}

func (he *HTTPError) Error() string {
	return he.Message
}

func (he *HTTPError) Unwrap() error {
	return he.cause
}

func errBadRequest(message string) *HTTPError {
	return &HTTPError{Code: http.StatusBadRequest, Message: message}
}

func errBadRequestWrap(message string, cause error) *HTTPError {
	return &HTTPError{Code: http.StatusBadRequest, Message: message, cause: cause}
}

func RespondWithJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		logging.Plain().WithError(err).Error("failed to marshal JSON response")
		w.Header().Set(headerContentType, contentTypeJSONUTF8)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Internal Server Error"}`))
		return
	}
	w.Header().Set(headerContentType, contentTypeJSONUTF8)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, map[string]string{"error": message})
}

// appHandler is a handler that reports failure by returning an error.
type appHandler func(w http.ResponseWriter, r *http.Request) error

// statusFor maps an error to the response code and public message.
func statusFor(err error) (int, string) {
	var httpErr *HTTPError
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Code, httpErr.Message
	case errors.Is(err, delivery.ErrNotFound):
		return http.StatusNotFound, "delivery record not found"
	case errors.Is(err, delivery.ErrInvalidRecord), errors.Is(err, queue.ErrInvalidQuery):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, delivery.ErrNotTerminal):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

func (s *Server) handle(h appHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		code, msg := statusFor(err)
		entry := s.logger.WithContext(r.Context()).WithFields(map[string]any{
			"code":   code,
			"path":   r.URL.Path,
			"method": r.Method,
		}).WithError(err)
		if code >= http.StatusInternalServerError {
			entry.Error("request failed")
		} else {
			entry.Warn("client error response")
		}
		RespondWithError(w, code, msg)
	}
}
