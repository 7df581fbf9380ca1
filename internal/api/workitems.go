package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jacksund/taskq/internal/engine"
	"github.com/jacksund/taskq/internal/task"
)

type submitRequest struct {
	Kind   string          `json:"kind"`
	Tags   []string        `json:"tags,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Kwargs json.RawMessage `json:"kwargs,omitempty"`
}

type workItemResponse struct {
	ID     uuid.UUID       `json:"id"`
	Kind   string          `json:"kind"`
	Tags   []string        `json:"tags"`
	Status string          `json:"status"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  *task.JobError  `json:"error,omitempty"`
}

func (srv *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}
	// Args/kwargs arrive pre-serialized; pass them through untouched so the
	// API and the Go client store byte-identical rows.
	var args, kwargs any = req.Args, req.Kwargs
	if req.Args == nil {
		args = nil
	}
	if req.Kwargs == nil {
		kwargs = nil
	}

	f, err := srv.client.Submit(r.Context(), req.Kind, args, kwargs, req.Tags...)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownKind) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	writeJSON(w, http.StatusCreated, workItemResponse{
		ID:     f.ID(),
		Kind:   req.Kind,
		Tags:   req.Tags,
		Status: "pending",
	})
}

func (srv *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid work item id")
		return
	}
	item, err := srv.store.GetWorkItem(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "work item not found")
		return
	}

	resp := workItemResponse{
		ID:     item.ID,
		Kind:   item.Kind,
		Tags:   item.Tags,
		Status: item.Status.String(),
	}
	if item.Result != nil {
		value, jobErr, decErr := task.DecodeResult(item.Result)
		if decErr != nil {
			writeError(w, http.StatusInternalServerError, "corrupt result envelope")
			return
		}
		resp.Value = value
		resp.Error = jobErr
	}
	writeJSON(w, http.StatusOK, resp)
}

func (srv *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid work item id")
		return
	}
	cancelled, err := srv.client.Future(id).Cancel(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (srv *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := srv.client.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
