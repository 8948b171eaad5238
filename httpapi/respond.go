package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/exquy/txrecover/core"
)

// errorBody is the uniform error response shape.
type errorBody struct {
	Timestamp time.Time              `json:"timestamp"`
	Status    int                    `json:"status"`
	Error     string                 `json:"error"`
	Message   string                 `json:"message"`
	Path      string                 `json:"path"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// statusFor maps an error classification onto an HTTP status.
func statusFor(err error) (int, string) {
	switch core.KindOf(err) {
	case core.KindValidation:
		return http.StatusBadRequest, "Bad Request"
	case core.KindNotFound:
		return http.StatusNotFound, "Not Found"
	case core.KindConflict:
		return http.StatusConflict, "Conflict"
	case core.KindTransient:
		return http.StatusServiceUnavailable, "Service Unavailable"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, label := statusFor(err)

	body := errorBody{
		Timestamp: s.clock.Now(),
		Status:    status,
		Error:     label,
		Message:   err.Error(),
		Path:      r.URL.Path,
	}
	var svcErr *core.ServiceError
	if errors.As(err, &svcErr) && svcErr.ID != "" {
		body.Details = map[string]interface{}{"id": svcErr.ID}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": status,
			"error":  err,
		})
	}
	writeJSON(w, status, body)
}
