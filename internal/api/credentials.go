package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/credential"
)

const defaultStatsLimit = 50

func (s *Server) listCredentials(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"credentials": s.deps.Credentials.List()})
}

func (s *Server) getCredential(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Credentials.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err, "load credential failed")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) addCredential(w http.ResponseWriter, r *http.Request) {
	var spec credential.Spec
	if err := s.decodeBody(r, &spec); err != nil {
		s.fail(w, err, "invalid credential")
		return
	}
	view, err := s.deps.Credentials.Add(spec)
	if err != nil {
		s.fail(w, err, "add credential failed")
		return
	}
	s.logger.Info("credential added", zap.String("credential_id", view.ID), zap.String("alias", view.Alias))
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) updateCredential(w http.ResponseWriter, r *http.Request) {
	var patch credential.Patch
	if err := s.decodeBody(r, &patch); err != nil {
		s.fail(w, err, "invalid credential patch")
		return
	}
	view, err := s.deps.Credentials.Update(chi.URLParam(r, "id"), patch)
	if err != nil {
		s.fail(w, err, "update credential failed")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) removeCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Credentials.Remove(id); err != nil {
		s.fail(w, err, "remove credential failed")
		return
	}
	s.logger.Info("credential removed", zap.String("credential_id", id))
	w.WriteHeader(http.StatusNoContent)
}

type reorderRequest struct {
	IDs []string `json:"orderedIds" validate:"required,min=1,dive,required"`
}

func (s *Server) reorderCredentials(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.fail(w, err, "invalid reorder request")
		return
	}
	views, err := s.deps.Credentials.Reorder(req.IDs)
	if err != nil {
		s.fail(w, err, "reorder credentials failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": views})
}

// credentialStats handles GET /credentials/{id}/stats?limit=. The durable
// usage log is preferred when configured; otherwise the pool's in-memory
// ring answers.
func (s *Server) credentialStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, err := parsePositive(r.URL.Query().Get("limit"), defaultStatsLimit, maxEventLimit)
	if err != nil {
		s.fail(w, err, "invalid limit")
		return
	}
	view, err := s.deps.Credentials.Get(id)
	if err != nil {
		s.fail(w, err, "load credential failed")
		return
	}

	var entries []credential.UsageEntry
	if s.deps.Usage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), historyTimeout)
		defer cancel()
		entries, err = s.deps.Usage.ListUsage(ctx, id, limit)
	} else {
		entries, err = s.deps.Credentials.Stats(id, limit)
	}
	if err != nil {
		s.fail(w, err, "load credential usage failed")
		return
	}
	if entries == nil {
		entries = []credential.UsageEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"credential": view,
		"usage":      entries,
	})
}

func (s *Server) decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxParamsBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return s.validate.Struct(dst)
}
