/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package query

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Handler exposes the query engine over HTTP.
type Handler struct {
	engine    *Engine
	evaluator *Evaluator
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewHandler builds the HTTP surface. evaluator may be nil when answer
// evaluation is disabled; the evaluation route then always returns 404.
func NewHandler(engine *Engine, evaluator *Evaluator, logger *zap.Logger) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("handler requires an engine")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine:    engine,
		evaluator: evaluator,
		validate:  validator.New(),
		logger:    logger,
	}, nil
}

// Routes mounts the query endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/query", h.handleQuery)
	r.Get("/query/{queryID}/evaluation", h.handleEvaluation)
	return r
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.engine.Query(r.Context(), req)
	switch {
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrBudgetExceeded):
		writeDetail(w, http.StatusTooManyRequests, err.Error())
		return
	case err != nil:
		h.logger.Error("query failed",
			zap.String("tenant_id", req.TenantID), zap.Error(err))
		writeDetail(w, http.StatusBadGateway, "query failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleEvaluation(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "queryID")
	if h.evaluator == nil {
		writeDetail(w, http.StatusNotFound, "evaluation is not enabled")
		return
	}
	res, ok := h.evaluator.Get(queryID)
	if !ok {
		writeDetail(w, http.StatusNotFound, "no evaluation for query "+queryID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
