package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/exquy/txrecover/core"
	"github.com/exquy/txrecover/webhook"
)

func (s *Server) registerWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhook.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("invalid request body: %w", core.ErrValidation))
		return
	}
	reg, err := s.registry.Register(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) getWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	sub, err := s.registry.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := s.registry.List(r.Context(), r.URL.Query().Get("originSystem"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if subs == nil {
		subs = []*core.WebhookSubscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) updateWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req webhook.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("invalid request body: %w", core.ErrValidation))
		return
	}
	reg, err := s.registry.Update(r.Context(), id, &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.registry.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) testWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	delivery, err := s.engine.SendTest(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

func (s *Server) acknowledgeDelivery(w http.ResponseWriter, r *http.Request) {
	rawEvent := r.URL.Query().Get("eventId")
	eventID, err := uuid.Parse(rawEvent)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("invalid eventId %q: %w", rawEvent, core.ErrValidation))
		return
	}
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "RECEIVED"
	}
	delivery, err := s.engine.Acknowledge(r.Context(), eventID, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("invalid limit: %w", core.ErrValidation))
			return
		}
		limit = n
	}
	rows, err := s.admin.DeliveriesBySubscription(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []*core.WebhookDelivery{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) retryDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	delivery, err := s.admin.RetryDelivery(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}
