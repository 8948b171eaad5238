package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/exquy/txrecover/core"
	"github.com/exquy/txrecover/transaction"
)

// processRequest is the JSON body of POST /api/transactions.
type processRequest struct {
	ID            string       `json:"id"`
	OriginSystem  string       `json:"originSystem"`
	Payload       core.JSONMap `json:"payload"`
	WebhookURL    string       `json:"webhookUrl,omitempty"`
	WebhookSecret string       `json:"webhookSecret,omitempty"`
	Retry         bool         `json:"retry,omitempty"`
}

func (s *Server) processTransaction(w http.ResponseWriter, r *http.Request) {
	var body processRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, fmt.Errorf("invalid request body: %w", core.ErrValidation))
		return
	}
	id, err := uuid.Parse(body.ID)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("invalid transaction id %q: %w", body.ID, core.ErrValidation))
		return
	}

	result, err := s.transactions.Process(r.Context(), &transaction.ProcessRequest{
		ID:            id,
		OriginSystem:  body.OriginSystem,
		Payload:       body.Payload,
		WebhookURL:    body.WebhookURL,
		WebhookSecret: body.WebhookSecret,
		Retry:         body.Retry,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result.Transaction)
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	txn, err := s.transactions.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (s *Server) getTransactionHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	history, err := s.transactions.History(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []*core.TransactionHistory{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) searchTransactions(w http.ResponseWriter, r *http.Request) {
	q := core.TransactionQuery{
		Status:       core.TransactionStatus(r.URL.Query().Get("status")),
		OriginSystem: r.URL.Query().Get("origin"),
	}
	if q.OriginSystem == "" {
		q.OriginSystem = r.URL.Query().Get("originSystem")
	}
	if q.Status != "" && !q.Status.IsValid() {
		s.writeError(w, r, fmt.Errorf("unknown status %q: %w", q.Status, core.ErrValidation))
		return
	}
	if raw := r.URL.Query().Get("createdAfter"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("invalid createdAfter: %w", core.ErrValidation))
			return
		}
		q.CreatedAfter = &t
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("invalid limit: %w", core.ErrValidation))
			return
		}
		q.Limit = n
	}

	rows, err := s.admin.SearchTransactions(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []*core.Transaction{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) retryTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	txn, err := s.transactions.Retry(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// pathID parses the {id} URL segment as a UUID.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("invalid id %q: %w", raw, core.ErrValidation))
		return uuid.Nil, false
	}
	return id, true
}
