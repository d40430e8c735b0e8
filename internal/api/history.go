package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/procurement-enricher/internal/store"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	historyTimeout    = 3 * time.Second
)

// getHistory handles GET /operations/{id}/history. It reads the persisted
// run row, which outlives the in-memory snapshot once archived. It returns
// 503 when no event repository is configured.
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "event history unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), historyTimeout)
	defer cancel()

	run, err := s.deps.History.GetRun(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// listEvents handles GET /operations/{id}/events?limit=&offset=, oldest first.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "event history unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultEventLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), historyTimeout)
	defer cancel()

	events, err := s.deps.History.ListEvents(ctx, chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		s.fail(w, err, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": toEventDTOs(events)})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type runDTO struct {
	OperationID string     `json:"operation_id"`
	Kind        string     `json:"kind"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Status      string     `json:"status"`
	Error       *string    `json:"error,omitempty"`
}

func toRunDTO(run store.OperationRun) runDTO {
	return runDTO{
		OperationID: run.OperationID,
		Kind:        run.Kind,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		Status:      string(run.Status),
		Error:       run.ErrorMessage,
	}
}

type eventDTO struct {
	Type            string          `json:"type"`
	At              time.Time       `json:"timestamp"`
	Step            int             `json:"step_current"`
	Total           int             `json:"step_total"`
	Percentage      int             `json:"percentage"`
	Message         string          `json:"message,omitempty"`
	CredentialAlias string          `json:"credential_alias,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

func toEventDTOs(in []store.EventRecord) []eventDTO {
	out := make([]eventDTO, 0, len(in))
	for _, e := range in {
		dto := eventDTO{
			Type:            e.Type,
			At:              e.At,
			Step:            e.Step,
			Total:           e.Total,
			Percentage:      e.Percentage,
			Message:         e.Message,
			CredentialAlias: e.CredentialAlias,
		}
		if json.Valid(e.Payload) {
			dto.Payload = e.Payload
		}
		out = append(out, dto)
	}
	return out
}
