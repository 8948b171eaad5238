package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/exquy/txrecover/core"
)

func (s *Server) runMonitor(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.RunMonitor(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "completed",
		"timestamp": s.clock.Now(),
	})
}

func (s *Server) runReconciliation(w http.ResponseWriter, r *http.Request) {
	result, err := s.admin.RunReconciliation(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// resolveRequest is the JSON body of the manual resolution endpoint.
type resolveRequest struct {
	Status    string `json:"status"`
	Notes     string `json:"notes,omitempty"`
	AdminUser string `json:"adminUser"`
}

func (s *Server) resolveTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, fmt.Errorf("invalid request body: %w", core.ErrValidation))
		return
	}
	target := core.TransactionStatus(body.Status)
	if !target.IsValid() {
		s.writeError(w, r, fmt.Errorf("unknown status %q: %w", body.Status, core.ErrValidation))
		return
	}
	if body.AdminUser == "" {
		s.writeError(w, r, fmt.Errorf("adminUser is required: %w", core.ErrValidation))
		return
	}
	txn, err := s.admin.Resolve(r.Context(), id, target, body.Notes, body.AdminUser)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (s *Server) systemMetrics(w http.ResponseWriter, r *http.Request) {
	sys, err := s.admin.SystemMetrics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sys)
}

func (s *Server) anomalies(w http.ResponseWriter, r *http.Request) {
	reports, stats, err := s.admin.Anomalies(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports":    reports,
		"statistics": stats,
	})
}

func (s *Server) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.admin.SchedulerStatus())
}
