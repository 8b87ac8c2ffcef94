package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/escrowd/internal/model"
)

// Codes for failures that never reach the engine.
const (
	codeInvalidRequest model.Code = "INVALID_REQUEST"
	codeUnauthorized   model.Code = "UNAUTHORIZED"
	codeInternal       model.Code = "INTERNAL"
)

const maxBodySize = 1 << 20 // 1 MB

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error     string     `json:"error"`
	Code      model.Code `json:"code"`
	RequestID string     `json:"request_id,omitempty"`
}

// statusFor maps an engine error code to an HTTP status.
func statusFor(code model.Code) int {
	switch code {
	case model.CodeInvalidParty, model.CodeInvalidAmount, model.CodeWrongAmount,
		model.CodeWrongFee, model.CodeFeeTooHigh, model.CodeSharesExceedEscrow:
		return http.StatusBadRequest
	case model.CodeNotClient, model.CodeNotFreelancer, model.CodeNotOwner, model.CodeNotParty:
		return http.StatusForbidden
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeWrongState, model.CodeAlreadyCompleted, model.CodeDeadlineNotPassed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code model.Code, message string) {
	s.writeJSON(w, status, errorResponse{
		Error:     message,
		Code:      code,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// writeEngineError reports an engine failure. Engagement errors carry their
// own message and code; anything else is logged and hidden.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := model.ErrorCode(err)
	if code == model.CodeUnknown {
		s.logger.Error(op, "error", err, "request_id", middleware.GetReqID(r.Context()))
		s.writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	s.writeError(w, r, statusFor(code), code, err.Error())
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return false
	}
	return true
}

// engagementID parses the {id} path parameter.
func (s *Server) engagementID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "engagement id must be an integer")
		return 0, false
	}
	return id, true
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
