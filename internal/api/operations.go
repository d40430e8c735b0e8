package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/metrics"
	"github.com/JakeFAU/procurement-enricher/internal/operation"
)

const (
	maxParamsBytes  = 64 << 10
	enqueueTimeout  = 5 * time.Second
	maxListPageSize = 200
)

type createResponse struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
}

// createOperation handles POST /operations/{kind}. Parameters are validated
// before anything is created, so a rejected request leaves no operation.
func (s *Server) createOperation(w http.ResponseWriter, r *http.Request) {
	kind, err := enrich.ParseKind(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, fmt.Errorf("%w: %v", operation.ErrInvalidKind, err), "invalid kind")
		return
	}
	params, err := s.decodeParams(r, kind)
	if err != nil {
		s.fail(w, err, "invalid parameters")
		return
	}

	id, err := s.deps.Operations.Create(kind, params)
	if err != nil {
		s.fail(w, err, "create operation failed")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	item := enrich.QueueItem{OperationID: id, Kind: kind, Params: params, Submitted: s.deps.Clock.Now().Unix()}
	if err := s.deps.Queue.Enqueue(ctx, item); err != nil {
		if _, ferr := s.deps.Operations.Fail(id, operation.Failure{Message: "not queued: " + err.Error()}); ferr != nil {
			s.logger.Error("fail unqueued operation", zap.String("operation_id", id), zap.Error(ferr))
		}
		s.fail(w, err, "enqueue operation failed")
		return
	}
	metrics.ObserveOperationAccepted(string(kind))
	s.logger.Info("operation accepted", zap.String("operation_id", id), zap.String("kind", string(kind)))
	// Accepted work is reported as running: the queue hands it to a worker
	// without further client involvement.
	writeJSON(w, http.StatusAccepted, createResponse{OperationID: id, Status: string(operation.StatusRunning)})
}

// decodeParams reads the optional JSON body into the kind's parameter type,
// validates it, and returns the canonical encoding stored on the operation.
func (s *Server) decodeParams(r *http.Request, kind enrich.Kind) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxParamsBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	if len(body) > maxParamsBytes {
		return nil, fmt.Errorf("%w: parameters exceed %d bytes", errBadRequest, maxParamsBytes)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	var target any
	switch kind {
	case enrich.KindScrape:
		target = &enrich.ScrapeParams{}
	case enrich.KindCategorize:
		target = &enrich.CategorizeParams{}
	case enrich.KindInferLocation:
		target = &enrich.LocationParams{}
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := s.validate.Struct(target); err != nil {
		return nil, err
	}
	canonical, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	return canonical, nil
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.deps.Operations.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err, "load operation failed")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// listOperations handles GET /operations?kind=&status=&operation_id=&page=&page_size=.
func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter operation.Filter
	if raw := strings.TrimSpace(q.Get("kind")); raw != "" {
		kind, err := enrich.ParseKind(raw)
		if err != nil {
			s.fail(w, fmt.Errorf("%w: %v", operation.ErrInvalidKind, err), "invalid kind")
			return
		}
		filter.Kind = kind
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := operation.ParseStatus(raw)
		if err != nil {
			s.fail(w, fmt.Errorf("%w: %v", errBadRequest, err), "invalid status")
			return
		}
		filter.Status = status
	}
	filter.OperationID = strings.TrimSpace(q.Get("operation_id"))

	page, err := parsePositive(q.Get("page"), 1, 0)
	if err != nil {
		s.fail(w, err, "invalid page")
		return
	}
	size, err := parsePositive(q.Get("page_size"), 0, maxListPageSize)
	if err != nil {
		s.fail(w, err, "invalid page size")
		return
	}
	res, err := s.deps.Operations.List(filter, operation.Page{Page: page, PageSize: size})
	if err != nil {
		s.fail(w, err, "list operations failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// parsePositive parses an optional positive integer, capping it at limit
// when limit > 0.
func parsePositive(raw string, def, limit int) (int, error) {
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, fmt.Errorf("%w: %q is not a positive integer", errBadRequest, raw)
	}
	if limit > 0 && val > limit {
		val = limit
	}
	return val, nil
}
