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

package ingestion

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ingestRequest is the wire form of a pipeline run. File contents travel
// as plain strings; the pipeline works on bytes.
type ingestRequest struct {
	ThreadID     string `json:"thread_id" validate:"required"`
	TenantID     string `json:"tenant_id" validate:"required"`
	Repository   string `json:"repository" validate:"required"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Files        []struct {
		Path    string `json:"path" validate:"required"`
		Content string `json:"content"`
	} `json:"files" validate:"required,min=1,dive"`
}

type ingestResponse struct {
	ThreadID     string `json:"thread_id"`
	CheckpointID string `json:"checkpoint_id"`
	Extracted    int    `json:"extracted"`
	Failed       int    `json:"failed"`
	Skipped      int    `json:"skipped"`
}

// Handler exposes the ingestion driver over HTTP.
type Handler struct {
	driver   *Driver
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandler builds the HTTP surface for the driver.
func NewHandler(driver *Driver, logger *zap.Logger) (*Handler, error) {
	if driver == nil {
		return nil, errors.New("handler requires a driver")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{driver: driver, validate: validator.New(), logger: logger}, nil
}

// Routes mounts the ingestion endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/ingest", h.handleIngest)
	r.Post("/ingest/{threadID}/resume", h.handleResume)
	r.Get("/ingest/{threadID}", h.handleStatus)
	return r
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	res, err := h.driver.Run(r.Context(), req)
	h.finish(w, req, res, err)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	req.ThreadID = chi.URLParam(r, "threadID")
	if req.CheckpointID == "" {
		h.detail(w, http.StatusBadRequest, "resume requires a checkpoint_id")
		return
	}
	res, err := h.driver.Resume(r.Context(), req)
	h.finish(w, req, res, err)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	status, ok := h.driver.Status().Get(threadID)
	if !ok {
		h.detail(w, http.StatusNotFound, "no ingestion thread "+threadID)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (Request, bool) {
	var wire ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		h.detail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return Request{}, false
	}
	if wire.ThreadID == "" {
		wire.ThreadID = chi.URLParam(r, "threadID")
	}
	if err := h.validate.Struct(wire); err != nil {
		h.detail(w, http.StatusBadRequest, err.Error())
		return Request{}, false
	}
	req := Request{
		ThreadID:     wire.ThreadID,
		TenantID:     wire.TenantID,
		Repository:   wire.Repository,
		CheckpointID: wire.CheckpointID,
	}
	for _, f := range wire.Files {
		req.Files = append(req.Files, SourceFile{Path: f.Path, Content: []byte(f.Content)})
	}
	return req, true
}

// finish reports the run outcome. Runs with failed files are resumable,
// so the response carries the checkpoint even on error.
func (h *Handler) finish(w http.ResponseWriter, req Request, res RunResult, err error) {
	body := ingestResponse{
		ThreadID:     req.ThreadID,
		CheckpointID: res.CheckpointID,
		Extracted:    res.Extracted,
		Failed:       res.Failed,
		Skipped:      res.Skipped,
	}
	if err != nil {
		h.logger.Warn("ingestion run failed",
			zap.String("thread_id", req.ThreadID), zap.Error(err))
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": err.Error(),
			"run":    body,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) detail(w http.ResponseWriter, status int, detail string) {
	h.writeJSON(w, status, map[string]string{"detail": detail})
}
